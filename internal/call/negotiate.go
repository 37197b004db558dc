package call

import (
	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/core"
	"github.com/signlink/signlink/internal/domain"
	"github.com/signlink/signlink/internal/protocol"
	"github.com/signlink/signlink/internal/sidechannel"
)

// handleEnvelope routes one relay message. Unknown types and messages for
// identities without a live session are dropped; transport ordering per
// sender is a precondition, so no reordering defense beyond the candidate
// buffer is needed.
func (e *Engine) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegistrationSuccess:
		e.regState = RegOK
		log.Info().Str("module", "call").Str("self", string(e.opts.Self)).Msg("registered")
		e.notify(Event{Kind: NotifyRegistered})
		if e.topo.WantsRoster() {
			e.send(protocol.TypeGetUsers, "", nil)
		}
	case protocol.TypeRegistrationFailed:
		e.regState = RegFailed
		log.Warn().Str("module", "call").Str("self", string(e.opts.Self)).Msg("registration failed")
		e.notify(Event{Kind: NotifyRegistrationFailed, Err: ErrNotRegistered})
	case protocol.TypeIncomingCall:
		e.handleIncomingCall(env)
	case protocol.TypeCallAccepted:
		e.handleCallAccepted(env)
	case protocol.TypeCandidate:
		e.handleRemoteCandidate(env)
	case protocol.TypeCallEnded, protocol.TypeEndCall:
		e.teardownSession(env.From, false)
	case protocol.TypePrediction:
		e.handlePrediction(env)
	case protocol.TypeReceiveMessage, protocol.TypeSendMessage:
		e.handleTranscript(env)
	case protocol.TypeUserList:
		e.handleUserList(env)
	case protocol.TypeUserJoined:
		e.handleUserJoined(env)
	case protocol.TypeUserLeft:
		e.teardownSession(userOf(env), false)
	default:
		log.Warn().Str("module", "call").Str("type", string(env.Type)).Msg("unknown signal")
	}
}

func userOf(env protocol.Envelope) domain.Identity {
	var p protocol.RosterPayload
	if err := env.Decode(&p); err != nil {
		return env.From
	}
	return p.User
}

// ---- outgoing calls ----

// startCall opens a caller-role session toward a remote identity.
func (e *Engine) startCall(to domain.Identity) {
	if to == "" || to == e.opts.Self {
		return
	}
	if e.regState != RegOK {
		e.notify(Event{Kind: NotifyError, Remote: to, Err: ErrNotRegistered})
		return
	}
	// One-to-one: at most one session system-wide. A re-dial of the same
	// identity replaces the old session; a dial elsewhere is refused.
	if e.topo.Mode() == OneToOne && e.store.Len() > 0 {
		if _, same := e.store.Get(to); !same {
			e.notify(Event{Kind: NotifyError, Remote: to, Err: ErrBusy})
			return
		}
	}
	sess := e.createSession(to, RoleCaller)
	e.ensureMedia(func(media core.LocalMedia, err error) {
		cur, ok := e.store.Current(to, sess.Epoch)
		if !ok {
			// Session closed or replaced while media was being acquired.
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "call").Str("remote", string(to)).Msg("media acquisition failed")
			e.notify(Event{Kind: NotifyError, Remote: to, Err: err})
			e.teardownSession(to, false)
			return
		}
		e.negotiateAsCaller(cur, media)
	})
}

func (e *Engine) negotiateAsCaller(sess *Session, media core.LocalMedia) {
	conn, err := e.attachConnection(sess, media)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("remote", string(sess.Remote)).Msg("peer connection setup failed")
		e.teardownSession(sess.Remote, false)
		return
	}
	offer, err := conn.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("remote", string(sess.Remote)).Msg("create offer failed")
		e.teardownSession(sess.Remote, false)
		return
	}
	sess.setState(StateOfferSent)
	e.notifySession(sess)
	e.send(protocol.TypeInitiateCall, sess.Remote, protocol.OfferPayload{Offer: offer})
}

// ---- incoming calls ----

func (e *Engine) handleIncomingCall(env protocol.Envelope) {
	var p protocol.OfferPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad incoming-call payload")
		return
	}
	from := env.From
	if from == "" || from == e.opts.Self {
		return
	}

	// Offer glare: we already sent our own offer to this peer. The greater
	// identity defers and answers; the lesser ignores the incoming offer and
	// keeps waiting for its answer.
	if sess, ok := e.store.Get(from); ok && sess.Role == RoleCaller && sess.state == StateOfferSent {
		if !e.topo.DeferOnGlare(from) {
			log.Info().Str("module", "call").Str("remote", string(from)).Msg("glare: keeping own offer")
			return
		}
		log.Info().Str("module", "call").Str("remote", string(from)).Msg("glare: deferring to incoming offer")
	}

	if e.topo.Mode() == Mesh {
		e.acceptInvite(from, p.Offer)
		return
	}

	// One-to-one: busy endpoints ignore further invitations; otherwise the
	// invitation waits for an explicit Accept.
	if e.store.Len() > 0 {
		if _, same := e.store.Get(from); !same {
			log.Info().Str("module", "call").Str("remote", string(from)).Msg("busy, invitation ignored")
			return
		}
	}
	e.invites[from] = p.Offer
	e.notify(Event{Kind: NotifyIncomingCall, Remote: from})
}

// acceptInvite runs the callee side: apply the remote offer, answer, and
// wait for the connectivity handshake.
func (e *Engine) acceptInvite(from domain.Identity, offer protocol.SessionDescription) {
	sess := e.createSession(from, RoleCallee)
	sess.setState(StateOfferReceived)
	e.notifySession(sess)
	e.ensureMedia(func(media core.LocalMedia, err error) {
		cur, ok := e.store.Current(from, sess.Epoch)
		if !ok {
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "call").Str("remote", string(from)).Msg("media acquisition failed")
			e.notify(Event{Kind: NotifyError, Remote: from, Err: err})
			e.teardownSession(from, false)
			return
		}
		e.negotiateAsCallee(cur, media, offer)
	})
}

func (e *Engine) negotiateAsCallee(sess *Session, media core.LocalMedia, offer protocol.SessionDescription) {
	conn, err := e.attachConnection(sess, media)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("remote", string(sess.Remote)).Msg("peer connection setup failed")
		e.teardownSession(sess.Remote, false)
		return
	}
	answer, err := conn.ApplyOffer(offer)
	if err != nil {
		// Malformed remote description: drop the operation, keep the session.
		log.Error().Err(err).Str("module", "call").Str("remote", string(sess.Remote)).Msg("apply offer failed")
		return
	}
	sess.flushCandidates()
	sess.setState(StateAnswerSent)
	e.notifySession(sess)
	e.send(protocol.TypeAcceptCall, sess.Remote, protocol.AnswerPayload{Answer: answer})
}

func (e *Engine) handleCallAccepted(env protocol.Envelope) {
	var p protocol.AnswerPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad call-accepted payload")
		return
	}
	sess, ok := e.store.Get(env.From)
	if !ok || sess.Role != RoleCaller || sess.state != StateOfferSent {
		log.Warn().Str("module", "call").Str("remote", string(env.From)).Msg("unexpected call-accepted")
		return
	}
	sess.setState(StateAnswerReceived)
	if err := sess.conn.ApplyAnswer(p.Answer); err != nil {
		// Drop just this operation; the connectivity layer decides the
		// session's fate.
		log.Error().Err(err).Str("module", "call").Str("remote", string(sess.Remote)).Msg("apply answer failed")
		e.notifySession(sess)
		return
	}
	sess.flushCandidates()
	sess.setState(StateConnected)
	e.notifySession(sess)
}

// ---- candidates ----

func (e *Engine) handleRemoteCandidate(env protocol.Envelope) {
	var p protocol.CandidatePayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad candidate payload")
		return
	}
	sess, ok := e.store.Get(env.From)
	if !ok {
		// No live session for this identity; late candidates for a closed
		// call land here and are discarded.
		log.Debug().Str("module", "call").Str("remote", string(env.From)).Msg("candidate without session dropped")
		return
	}
	if sess.conn == nil || !sess.conn.HasRemoteDescription() {
		sess.bufferCandidate(p.Candidate)
		return
	}
	if err := sess.conn.AddCandidate(p.Candidate); err != nil {
		log.Error().Err(err).Str("module", "call").Str("remote", string(sess.Remote)).Msg("add candidate failed")
	}
}

func (e *Engine) handleLocalCandidate(ev evLocalCandidate) {
	if _, ok := e.store.Current(ev.remote, ev.epoch); !ok {
		return
	}
	// Local candidates go out as soon as produced, whatever the negotiation
	// state; the far side buffers as needed.
	e.send(protocol.TypeCandidate, ev.remote, protocol.CandidatePayload{Candidate: ev.cand})
}

// ---- connectivity state ----

func (e *Engine) handleConnState(ev evConnState) {
	sess, ok := e.store.Current(ev.remote, ev.epoch)
	if !ok {
		return
	}
	switch ev.state {
	case core.ConnConnected:
		// The callee reaches Connected here, once the handshake completes.
		// A caller normally got there on answer apply already.
		if sess.state == StateAnswerSent || sess.state == StateAnswerReceived {
			sess.setState(StateConnected)
			e.notifySession(sess)
		}
	case core.ConnFailed, core.ConnClosed:
		// Fatal transport state always drives the session to Closed.
		log.Warn().Str("module", "call").
			Str("remote", string(sess.Remote)).
			Str("conn_state", ev.state.String()).
			Msg("connectivity lost")
		e.teardownSession(sess.Remote, false)
	}
}

// ---- side channel ----

func (e *Engine) handlePrediction(env protocol.Envelope) {
	var p protocol.PredictionPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad prediction payload")
		return
	}
	sess, ok := e.store.Get(env.From)
	if !ok || sess.side == nil {
		return
	}
	sess.side.ApplyRemote(p.Prediction)
	e.notify(Event{Kind: NotifyPrediction, Remote: env.From, Pred: p.Prediction})
}

func (e *Engine) handleTranscript(env protocol.Envelope) {
	var p protocol.TranscriptPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad transcript payload")
		return
	}
	sess, ok := e.store.Get(env.From)
	if !ok || sess.side == nil {
		return
	}
	sess.side.ReplaceRemote(p.Text)
	e.notify(Event{Kind: NotifyTranscript, Remote: env.From, Text: p.Text})
}

// ---- roster ----

func (e *Engine) handleUserList(env protocol.Envelope) {
	var p protocol.RosterPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad user-list payload")
		return
	}
	have := func(id domain.Identity) bool {
		_, ok := e.store.Get(id)
		return ok
	}
	for _, id := range e.topo.OnRoster(p.Users, have) {
		e.startCall(id)
	}
}

func (e *Engine) handleUserJoined(env protocol.Envelope) {
	joined := userOf(env)
	log.Info().Str("module", "call").Str("remote", string(joined)).Msg("participant joined")
	// The joining side initiates toward present members; nothing to do here
	// unless the topology says otherwise.
	if e.topo.ShouldCallOnJoin(joined) {
		e.startCall(joined)
	}
}

// ---- session plumbing ----

// createSession installs a fresh record. An evicted predecessor is closed in
// place rather than through teardownSession, so replacing a session never
// releases the shared media handle in between.
func (e *Engine) createSession(remote domain.Identity, role Role) *Session {
	sess, evicted := e.store.Create(remote, role)
	if evicted != nil {
		evicted.setState(StateClosed)
		if evicted.conn != nil {
			evicted.conn.Close()
			evicted.conn = nil
		}
		evicted.pending = nil
		e.notifySession(evicted)
	}
	// A one-to-one endpoint is busy from this point on, so every invitation
	// parked while it was idle is void, not just the one being answered.
	if e.topo.Mode() == OneToOne {
		clear(e.invites)
	} else {
		delete(e.invites, remote)
	}
	sess.side = sidechannel.NewChannel(e.clock, e.opts.Threshold, e.opts.FreshFor)
	return sess
}

// attachConnection builds the media connection for a session and wires its
// callbacks back into the event loop, tagged with the session epoch so late
// callbacks from a replaced session are ignored.
func (e *Engine) attachConnection(sess *Session, media core.LocalMedia) (core.MediaConnection, error) {
	conn, err := e.newConn(sess.Remote, media)
	if err != nil {
		return nil, err
	}
	remote, epoch := sess.Remote, sess.Epoch
	conn.OnCandidate(func(c protocol.Candidate) {
		e.post(evLocalCandidate{remote: remote, epoch: epoch, cand: c})
	})
	conn.OnStateChange(func(s core.ConnState) {
		e.post(evConnState{remote: remote, epoch: epoch, state: s})
	})
	sess.conn = conn
	return conn, nil
}

// ensureMedia hands the shared capture handle to cont, acquiring it first if
// needed. Acquisition happens off the engine goroutine; every continuation
// queued while it is pending resumes on the engine goroutine and must
// re-validate its session.
func (e *Engine) ensureMedia(cont func(core.LocalMedia, error)) {
	if e.media != nil {
		cont(e.media, nil)
		return
	}
	e.mediaPending = append(e.mediaPending, cont)
	if len(e.mediaPending) > 1 {
		return
	}
	ctx := e.runCtx
	e.spawn(func() {
		media, err := e.acquireMedia(ctx)
		e.post(evCommand{fn: func() {
			if err == nil {
				e.media = media
			}
			conts := e.mediaPending
			e.mediaPending = nil
			for _, c := range conts {
				c(e.media, err)
			}
			// Everything that wanted media may have bailed already.
			e.maybeReleaseMedia()
		}})
	})
}

// teardownSession is the single teardown path: mark Closed, release the
// negotiation object, drop the record, tell the peer if asked, and release
// the capture handle when nothing references it anymore.
func (e *Engine) teardownSession(remote domain.Identity, signalPeer bool) {
	sess, ok := e.store.Get(remote)
	if !ok {
		delete(e.invites, remote)
		return
	}
	sess.setState(StateClosed)
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
	sess.pending = nil
	e.store.Remove(remote)
	delete(e.invites, remote)
	if signalPeer {
		e.send(protocol.TypeEndCall, remote, nil)
	}
	e.notifySession(sess)
	log.Info().Str("module", "call").Str("remote", string(remote)).Msg("session closed")
	e.maybeReleaseMedia()
}

func (e *Engine) teardownAll(signalPeers bool) {
	for _, id := range e.store.Identities() {
		e.teardownSession(id, signalPeers)
	}
}

// maybeReleaseMedia stops the shared capture handle once no session, pending
// invitation or in-flight acquisition needs it.
func (e *Engine) maybeReleaseMedia() {
	if e.media == nil || e.store.Len() > 0 || len(e.invites) > 0 || len(e.mediaPending) > 0 {
		return
	}
	e.media.Stop()
	e.media = nil
	e.sampleEpoch++
	log.Info().Str("module", "call").Msg("local media released")
}
