// Package sidechannel accumulates classification results into a running
// transcript per peer. It rides the signaling transport, not the media
// transport, and only ever mutates state from the engine goroutine.
package sidechannel

import (
	"time"

	"github.com/signlink/signlink/internal/core"
	"github.com/signlink/signlink/internal/domain"
)

// Channel is the transcript accumulator for one peer session.
type Channel struct {
	clock     core.Clock
	threshold float64
	freshFor  time.Duration

	localText  []rune
	remoteText []rune

	// Last predictions regardless of threshold, for instantaneous display.
	lastLocal  domain.Prediction
	lastRemote domain.Prediction
	freshUntil time.Time
}

func NewChannel(clock core.Clock, threshold float64, freshFor time.Duration) *Channel {
	return &Channel{
		clock:     clock,
		threshold: threshold,
		freshFor:  freshFor,
	}
}

// ApplyLocal records a local classification result. It reports whether the
// transcript changed; below-threshold and empty results only update the
// instantaneous display.
func (c *Channel) ApplyLocal(p domain.Prediction) bool {
	c.lastLocal = p
	if !c.accepts(p) {
		return false
	}
	c.localText = applyLabel(c.localText, p.Label)
	return true
}

// ApplyRemote records a peer-produced result against the remote transcript
// and starts the freshness window.
func (c *Channel) ApplyRemote(p domain.Prediction) bool {
	c.lastRemote = p
	c.freshUntil = c.clock.Now().Add(c.freshFor)
	if !c.accepts(p) {
		return false
	}
	c.remoteText = applyLabel(c.remoteText, p.Label)
	return true
}

// ReplaceRemote overwrites the remote transcript wholesale, as receive-message
// delivery does.
func (c *Channel) ReplaceRemote(text string) {
	c.remoteText = []rune(text)
}

// TakeLocal returns the local transcript and clears it, for send-message.
func (c *Channel) TakeLocal() string {
	out := string(c.localText)
	c.localText = nil
	return out
}

func (c *Channel) LocalText() string  { return string(c.localText) }
func (c *Channel) RemoteText() string { return string(c.remoteText) }

// LastLocal is the latest local result, threshold or not.
func (c *Channel) LastLocal() domain.Prediction { return c.lastLocal }

// LastRemote is the latest peer result, threshold or not.
func (c *Channel) LastRemote() domain.Prediction { return c.lastRemote }

// RemoteFresh reports whether the remote display is inside its
// freshly-updated window.
func (c *Channel) RemoteFresh() bool {
	return c.clock.Now().Before(c.freshUntil)
}

func (c *Channel) accepts(p domain.Prediction) bool {
	return !p.Empty() && p.Confidence >= c.threshold
}

// applyLabel appends a symbol or, for the delete label, removes the last
// character. Deleting from an empty transcript is a no-op.
func applyLabel(text []rune, label string) []rune {
	if label == domain.DeleteLabel {
		if len(text) == 0 {
			return text
		}
		return text[:len(text)-1]
	}
	return append(text, []rune(label)...)
}
