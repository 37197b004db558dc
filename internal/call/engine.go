// Package call is the call/session orchestration core: registration,
// invitation, offer/answer/candidate negotiation, topology, teardown, and
// the classification side channel riding the signaling transport.
//
// Every piece of session state is owned by the engine goroutine. Transport
// messages, user commands, timer ticks and async completions all arrive as
// events on one channel and are handled one at a time, so ordering between
// different completions is the only thing that must be defended against —
// never concurrent mutation.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/core"
	"github.com/signlink/signlink/internal/domain"
	"github.com/signlink/signlink/internal/protocol"
)

var (
	ErrRelayDisconnected = errors.New("relay disconnected")
	ErrBusy              = errors.New("another call is active")
	ErrNotRegistered     = errors.New("identity not registered")
	ErrQueueFull         = errors.New("engine event queue full")
)

// RegState tracks the registration outcome for the local identity.
type RegState int

const (
	RegIdle RegState = iota
	RegPending
	RegOK
	RegFailed
)

// EventKind discriminates engine notifications.
type EventKind int

const (
	NotifyRegistered EventKind = iota
	NotifyRegistrationFailed
	NotifyIncomingCall
	NotifySessionState
	NotifyPrediction
	NotifyTranscript
	NotifyError
)

// Event is a user-visible notification. Connectivity and capability faults
// surface here; negotiation and collaborator faults stay in the logs.
type Event struct {
	Kind   EventKind
	Remote domain.Identity
	State  State
	Pred   domain.Prediction
	Text   string
	Err    error
}

// Options configures an Engine. Zero durations and thresholds fall back to
// the design defaults.
type Options struct {
	Self         domain.Identity
	Mode         Mode
	SamplePeriod time.Duration
	Threshold    float64
	FreshFor     time.Duration

	// Notify, when set, receives user-visible events on the engine goroutine.
	// It must not call back into the engine synchronously.
	Notify func(Event)
}

const (
	defaultSamplePeriod = time.Second
	defaultThreshold    = 0.7
	defaultFreshFor     = time.Second
)

func (o *Options) applyDefaults() {
	if o.Self == "" {
		o.Self = domain.GeneratedIdentity()
	}
	if o.SamplePeriod <= 0 {
		o.SamplePeriod = defaultSamplePeriod
	}
	if o.Threshold <= 0 {
		o.Threshold = defaultThreshold
	}
	if o.FreshFor <= 0 {
		o.FreshFor = defaultFreshFor
	}
}

// Engine drives all peer sessions for one local participant.
type Engine struct {
	opts Options

	transport    core.SignalTransport
	newConn      core.ConnFactory
	acquireMedia core.MediaFactory
	classifier   core.Classifier
	clock        core.Clock

	store *Store
	topo  *Topology

	regState RegState

	// Shared local capture handle; nil until first acquired, released when
	// the last session referencing it goes away.
	media        core.LocalMedia
	mediaPending []func(core.LocalMedia, error)

	// Pending incoming invitations awaiting an explicit Accept (one-to-one).
	invites map[domain.Identity]protocol.SessionDescription

	// Side-channel sampling. sampleEpoch invalidates in-flight classification
	// when sampling is suspended; classifying prevents overlapping requests.
	sampleEpoch uint64
	classifying bool

	events chan event
	spawn  func(func())
	runCtx context.Context
}

type event interface{}

type (
	// evCommand runs a user command on the engine goroutine.
	evCommand struct{ fn func() }
	// evLocalCandidate is a locally discovered ICE candidate for a session.
	evLocalCandidate struct {
		remote domain.Identity
		epoch  uint64
		cand   protocol.Candidate
	}
	// evConnState is a connectivity-layer state change for a session.
	evConnState struct {
		remote domain.Identity
		epoch  uint64
		state  core.ConnState
	}
	// evClassified is a completed classification request.
	evClassified struct {
		epoch uint64
		pred  domain.Prediction
		err   error
	}
)

// New wires an engine from its collaborators.
func New(
	opts Options,
	transport core.SignalTransport,
	newConn core.ConnFactory,
	acquireMedia core.MediaFactory,
	classifier core.Classifier,
	clock core.Clock,
) *Engine {
	opts.applyDefaults()
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Engine{
		opts:         opts,
		transport:    transport,
		newConn:      newConn,
		acquireMedia: acquireMedia,
		classifier:   classifier,
		clock:        clock,
		store:        NewStore(),
		topo:         NewTopology(opts.Mode, opts.Self),
		invites:      make(map[domain.Identity]protocol.SessionDescription),
		events:       make(chan event, 64),
		spawn:        func(fn func()) { go fn() },
	}
}

// Self returns the local identity.
func (e *Engine) Self() domain.Identity { return e.opts.Self }

// Run processes events until ctx is cancelled or the relay connection drops.
// Cancellation tears down every session; a relay drop leaves established
// media sessions running and returns ErrRelayDisconnected.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	ticker := time.NewTicker(e.opts.SamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.teardownAll(false)
			return ctx.Err()
		case env, ok := <-e.transport.Receive():
			if !ok {
				log.Warn().Str("module", "call").Msg("signaling transport closed")
				e.notify(Event{Kind: NotifyError, Err: ErrRelayDisconnected})
				return ErrRelayDisconnected
			}
			e.handleEnvelope(env)
		case ev := <-e.events:
			e.dispatch(ev)
		case <-ticker.C:
			e.handleTick()
		}
	}
}

func (e *Engine) post(ev event) bool {
	select {
	case e.events <- ev:
		return true
	default:
		// The engine is wedged or gone; dropping beats deadlocking a
		// connection callback.
		log.Warn().Str("module", "call").Msg("event queue full, dropped")
		return false
	}
}

func (e *Engine) dispatch(ev event) {
	switch ev := ev.(type) {
	case evCommand:
		ev.fn()
	case evLocalCandidate:
		e.handleLocalCandidate(ev)
	case evConnState:
		e.handleConnState(ev)
	case evClassified:
		e.handleClassified(ev)
	default:
		log.Warn().Str("module", "call").Msgf("unknown event %T", ev)
	}
}

func (e *Engine) notify(ev Event) {
	if e.opts.Notify != nil {
		e.opts.Notify(ev)
	}
}

func (e *Engine) notifySession(s *Session) {
	e.notify(Event{Kind: NotifySessionState, Remote: s.Remote, State: s.state})
}

// ---- public command surface ----
// Commands run as closures on the engine goroutine; callers never touch
// engine state directly.

// Register claims the local identity with the relay.
func (e *Engine) Register() {
	e.post(evCommand{fn: func() {
		e.regState = RegPending
		e.send(protocol.TypeRegister, "", protocol.RegisterPayload{Identity: e.opts.Self})
	}})
}

// Call dials a remote identity as caller.
func (e *Engine) Call(to domain.Identity) {
	e.post(evCommand{fn: func() { e.startCall(to) }})
}

// Accept answers a pending incoming invitation.
func (e *Engine) Accept(from domain.Identity) {
	e.post(evCommand{fn: func() {
		offer, ok := e.invites[from]
		if !ok {
			log.Warn().Str("module", "call").Str("remote", string(from)).Msg("accept: no pending invite")
			return
		}
		delete(e.invites, from)
		e.acceptInvite(from, offer)
	}})
}

// Reject drops a pending invitation without signaling the caller, matching
// the relay protocol's silence on rejection.
func (e *Engine) Reject(from domain.Identity) {
	e.post(evCommand{fn: func() {
		delete(e.invites, from)
		e.maybeReleaseMedia()
	}})
}

// HangUp ends the call with one peer.
func (e *Engine) HangUp(to domain.Identity) {
	e.post(evCommand{fn: func() { e.teardownSession(to, true) }})
}

// HangUpAll ends every call.
func (e *Engine) HangUpAll() {
	e.post(evCommand{fn: func() { e.teardownAll(true) }})
}

// SetTrack toggles a local media kind. Disabling video suspends side-channel
// sampling and invalidates any in-flight classification.
func (e *Engine) SetTrack(kind core.MediaKind, enabled bool) {
	e.post(evCommand{fn: func() {
		if e.media == nil {
			return
		}
		e.media.SetEnabled(kind, enabled)
		if kind == core.MediaVideo && !enabled {
			e.sampleEpoch++
		}
	}})
}

// SendTranscript pushes the accumulated local transcript to one peer and
// clears it.
func (e *Engine) SendTranscript(to domain.Identity) {
	e.post(evCommand{fn: func() {
		sess, ok := e.store.Get(to)
		if !ok || sess.state != StateConnected {
			return
		}
		text := sess.side.TakeLocal()
		if text == "" {
			return
		}
		e.send(protocol.TypeSendMessage, to, protocol.TranscriptPayload{Text: text})
	}})
}

// SessionInfo is a read-only view of one session for presentation.
type SessionInfo struct {
	Remote      domain.Identity
	Role        Role
	State       State
	LocalText   string
	RemoteText  string
	LastLocal   domain.Prediction
	LastRemote  domain.Prediction
	RemoteFresh bool
}

// Snapshot returns the current sessions. It round-trips through the engine
// goroutine with the context bounding the wait; it must not be called from
// within a Notify callback.
func (e *Engine) Snapshot(ctx context.Context) ([]SessionInfo, error) {
	reply := make(chan []SessionInfo, 1)
	posted := e.post(evCommand{fn: func() {
		out := make([]SessionInfo, 0, e.store.Len())
		e.store.Each(func(s *Session) {
			info := SessionInfo{
				Remote: s.Remote,
				Role:   s.Role,
				State:  s.state,
			}
			if s.side != nil {
				info.LocalText = s.side.LocalText()
				info.RemoteText = s.side.RemoteText()
				info.LastLocal = s.side.LastLocal()
				info.LastRemote = s.side.LastRemote()
				info.RemoteFresh = s.side.RemoteFresh()
			}
			out = append(out, info)
		})
		reply <- out
	}})
	if !posted {
		return nil, ErrQueueFull
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send marshals and transmits one envelope. Transport faults are logged and
// surfaced; they never tear down sessions.
func (e *Engine) send(t protocol.Type, to domain.Identity, payload any) {
	env, err := protocol.NewEnvelope(t, to, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("type", string(t)).Msg("encode envelope")
		return
	}
	if err := e.transport.Send(env); err != nil {
		log.Error().Err(err).Str("module", "call").Str("type", string(t)).Msg("send failed")
		e.notify(Event{Kind: NotifyError, Remote: to, Err: err})
	}
}

// ---- side-channel sampling ----

// handleTick fires one classification cycle when a session is connected, the
// local video track is live, and no request is already in flight.
func (e *Engine) handleTick() {
	if e.classifying || e.media == nil || !e.media.Enabled(core.MediaVideo) {
		return
	}
	if !e.anyConnected() {
		return
	}
	e.classifying = true
	epoch := e.sampleEpoch
	ctx := e.runCtx
	media := e.media
	e.spawn(func() {
		frame, err := media.CaptureStill(ctx)
		if err != nil {
			e.post(evClassified{epoch: epoch, err: err})
			return
		}
		pred, err := e.classifier.Classify(ctx, frame)
		e.post(evClassified{epoch: epoch, pred: pred, err: err})
	})
}

// handleClassified applies a finished classification: append locally per the
// threshold rule and fan the result out to every connected peer. Results
// from a superseded sampling epoch are discarded wholesale so a response
// that raced a track-disable cannot mutate the transcript.
func (e *Engine) handleClassified(ev evClassified) {
	e.classifying = false
	if ev.epoch != e.sampleEpoch {
		log.Debug().Str("module", "call").Msg("stale classification discarded")
		return
	}
	if ev.err != nil {
		// Collaborator fault: skip this tick, next one retries naturally.
		log.Debug().Err(ev.err).Str("module", "call").Msg("classification tick skipped")
		return
	}
	if ev.pred.Empty() {
		return
	}
	e.store.Each(func(s *Session) {
		if s.state != StateConnected || s.side == nil {
			return
		}
		s.side.ApplyLocal(ev.pred)
		e.send(protocol.TypePrediction, s.Remote, protocol.PredictionPayload{Prediction: ev.pred})
	})
	e.notify(Event{Kind: NotifyPrediction, Remote: e.opts.Self, Pred: ev.pred})
}

func (e *Engine) anyConnected() bool {
	connected := false
	e.store.Each(func(s *Session) {
		if s.state == StateConnected {
			connected = true
		}
	})
	return connected
}
