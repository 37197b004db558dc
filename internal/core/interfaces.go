// Package core holds the interfaces the call engine is written against.
// Adapters own the concrete transports and devices; the engine never touches
// a websocket or a PeerConnection directly.
package core

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/signlink/signlink/internal/domain"
	"github.com/signlink/signlink/internal/protocol"
)

// SignalTransport is an addressed, ordered message channel to the relay.
// Receive's channel closes when the transport goes down; the engine treats
// that as a connectivity fault, not a session fault.
type SignalTransport interface {
	Send(env protocol.Envelope) error
	Receive() <-chan protocol.Envelope
	Close() error
}

// ConnState collapses the transport-level connectivity states the engine
// cares about.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return "new"
	}
}

// MediaConnection is one peer connection under negotiation. Callbacks fire
// from the connection's own goroutines; implementations must tolerate the
// engine closing the connection concurrently.
type MediaConnection interface {
	// CreateOffer produces and applies the local offer description.
	CreateOffer() (protocol.SessionDescription, error)
	// ApplyOffer applies the remote offer and produces the local answer.
	ApplyOffer(offer protocol.SessionDescription) (protocol.SessionDescription, error)
	// ApplyAnswer applies the remote answer description.
	ApplyAnswer(answer protocol.SessionDescription) error
	// HasRemoteDescription reports whether a remote description was applied.
	HasRemoteDescription() bool
	AddCandidate(c protocol.Candidate) error
	OnCandidate(fn func(protocol.Candidate))
	OnStateChange(fn func(ConnState))
	Close()
}

// ConnFactory builds a MediaConnection toward one remote identity with the
// local media attached.
type ConnFactory func(remote domain.Identity, media LocalMedia) (MediaConnection, error)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// LocalMedia is the capability handle for "my local media". The capture
// pipeline behind it is external; the engine only attaches tracks, toggles
// kinds, grabs stills for classification and stops it when the last session
// releases it.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	SetEnabled(kind MediaKind, enabled bool)
	Enabled(kind MediaKind) bool
	// CaptureStill returns the most recent video frame as an encoded image.
	CaptureStill(ctx context.Context) ([]byte, error)
	Stop()
}

// MediaFactory acquires the local capture handle. Acquisition failure is a
// capability fault: call setup aborts through the normal teardown path.
type MediaFactory func(ctx context.Context) (LocalMedia, error)

// Classifier is the external gesture-classification collaborator.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (domain.Prediction, error)
}

// Clock exists so tests can drive freshness windows deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
