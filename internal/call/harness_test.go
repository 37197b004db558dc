package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/signlink/signlink/internal/core"
	"github.com/signlink/signlink/internal/domain"
	"github.com/signlink/signlink/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	sent []protocol.Envelope
	recv chan protocol.Envelope
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan protocol.Envelope, 16)}
}

func (t *fakeTransport) Send(env protocol.Envelope) error {
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Receive() <-chan protocol.Envelope { return t.recv }
func (t *fakeTransport) Close() error                      { return nil }

// sentOfType returns the envelopes sent with a given type, in order.
func (t *fakeTransport) sentOfType(typ protocol.Type) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range t.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type fakeConn struct {
	remote domain.Identity

	remoteSet  bool
	closed     bool
	candidates []protocol.Candidate

	offerErr  error
	applyErr  error
	answerErr error
	candErr   error

	onCandidate func(protocol.Candidate)
	onState     func(core.ConnState)
}

func (c *fakeConn) CreateOffer() (protocol.SessionDescription, error) {
	if c.offerErr != nil {
		return protocol.SessionDescription{}, c.offerErr
	}
	return protocol.SessionDescription{Type: "offer", SDP: "sdp-offer-" + string(c.remote)}, nil
}

func (c *fakeConn) ApplyOffer(protocol.SessionDescription) (protocol.SessionDescription, error) {
	if c.applyErr != nil {
		return protocol.SessionDescription{}, c.applyErr
	}
	c.remoteSet = true
	return protocol.SessionDescription{Type: "answer", SDP: "sdp-answer-" + string(c.remote)}, nil
}

func (c *fakeConn) ApplyAnswer(protocol.SessionDescription) error {
	if c.answerErr != nil {
		return c.answerErr
	}
	c.remoteSet = true
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool { return c.remoteSet }

func (c *fakeConn) AddCandidate(cand protocol.Candidate) error {
	if c.candErr != nil {
		return c.candErr
	}
	if !c.remoteSet {
		return errors.New("candidate before remote description")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) OnCandidate(fn func(protocol.Candidate)) { c.onCandidate = fn }
func (c *fakeConn) OnStateChange(fn func(core.ConnState))   { c.onState = fn }
func (c *fakeConn) Close()                                  { c.closed = true }

// connRecorder hands out fake connections and remembers them per identity.
type connRecorder struct {
	conns map[domain.Identity][]*fakeConn
	err   error
}

func newConnRecorder() *connRecorder {
	return &connRecorder{conns: make(map[domain.Identity][]*fakeConn)}
}

func (r *connRecorder) factory(remote domain.Identity, _ core.LocalMedia) (core.MediaConnection, error) {
	if r.err != nil {
		return nil, r.err
	}
	c := &fakeConn{remote: remote}
	r.conns[remote] = append(r.conns[remote], c)
	return c, nil
}

// last returns the most recent connection for an identity.
func (r *connRecorder) last(remote domain.Identity) *fakeConn {
	conns := r.conns[remote]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

type fakeMedia struct {
	mu       sync.Mutex
	disabled map[core.MediaKind]bool
	stopped  bool
	frame    []byte
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{disabled: make(map[core.MediaKind]bool), frame: []byte("frame")}
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) SetEnabled(kind core.MediaKind, enabled bool) {
	m.mu.Lock()
	m.disabled[kind] = !enabled
	m.mu.Unlock()
}

func (m *fakeMedia) Enabled(kind core.MediaKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disabled[kind]
}

func (m *fakeMedia) CaptureStill(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, errors.New("stopped")
	}
	return m.frame, nil
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

type fakeClassifier struct {
	pred domain.Prediction
	err  error
}

func (c *fakeClassifier) Classify(context.Context, []byte) (domain.Prediction, error) {
	return c.pred, c.err
}

// harness bundles an engine with all its fakes, spawn made synchronous so
// every async completion lands on the event queue deterministically.
type harness struct {
	engine     *Engine
	transport  *fakeTransport
	conns      *connRecorder
	media      *fakeMedia
	mediaErr   error
	classifier *fakeClassifier
	clock      *fakeClock
	events     []Event
}

func newHarness(self domain.Identity, mode Mode) *harness {
	h := &harness{
		transport:  newFakeTransport(),
		conns:      newConnRecorder(),
		media:      newFakeMedia(),
		classifier: &fakeClassifier{},
		clock:      &fakeClock{now: time.Unix(0, 0)},
	}
	h.engine = New(
		Options{
			Self:   self,
			Mode:   mode,
			Notify: func(ev Event) { h.events = append(h.events, ev) },
		},
		h.transport,
		h.conns.factory,
		func(context.Context) (core.LocalMedia, error) { return h.media, h.mediaErr },
		h.classifier,
		h.clock,
	)
	h.engine.spawn = func(fn func()) { fn() }
	h.engine.runCtx = context.Background()
	return h
}

// drain processes every queued event, including ones queued by processing.
func (h *harness) drain() {
	for {
		select {
		case ev := <-h.engine.events:
			h.engine.dispatch(ev)
		default:
			return
		}
	}
}

// register completes registration through the wire path.
func (h *harness) register() {
	h.engine.regState = RegPending
	h.engine.handleEnvelope(protocol.Envelope{Type: protocol.TypeRegistrationSuccess})
	h.drain()
}

// deliver routes one relay envelope and drains follow-up events.
func (h *harness) deliver(env protocol.Envelope) {
	h.engine.handleEnvelope(env)
	h.drain()
}

func envelope(t protocol.Type, from domain.Identity, payload any) protocol.Envelope {
	env, err := protocol.NewEnvelope(t, "", payload)
	if err != nil {
		panic(fmt.Sprintf("test envelope: %v", err))
	}
	env.From = from
	env.To = ""
	return env
}

func cand(n int) protocol.Candidate {
	return protocol.Candidate{Candidate: fmt.Sprintf("candidate-%d", n)}
}
