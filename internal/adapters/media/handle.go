// Package media provides the local capture handle the engine attaches to
// sessions. The actual capture pipeline lives outside the core: it pushes
// encoded samples and still frames in, this handle fans them out to every
// session's tracks and serves stills to the classifier loop.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/core"
)

var (
	ErrStopped = errors.New("media handle stopped")
	ErrNoFrame = errors.New("no frame captured yet")
)

// Handle implements core.LocalMedia with one video and one audio sample
// track, shared read-only across every open session.
type Handle struct {
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled map[core.MediaKind]bool
	still   []byte
	stopped bool
}

func New() (*Handle, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "signlink",
	)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "signlink",
	)
	if err != nil {
		return nil, err
	}
	return &Handle{
		video: video,
		audio: audio,
		enabled: map[core.MediaKind]bool{
			core.MediaVideo: true,
			core.MediaAudio: true,
		},
	}, nil
}

func (h *Handle) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{h.video, h.audio}
}

func (h *Handle) SetEnabled(kind core.MediaKind, enabled bool) {
	h.mu.Lock()
	h.enabled[kind] = enabled
	h.mu.Unlock()
	log.Info().Str("module", "media").Str("kind", string(kind)).Bool("enabled", enabled).Msg("track toggled")
}

func (h *Handle) Enabled(kind core.MediaKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[kind] && !h.stopped
}

// WriteVideo feeds one encoded video sample from the capture pipeline.
// Samples are dropped while the kind is disabled, which is what makes a
// disabled track go dark without renegotiation.
func (h *Handle) WriteVideo(sample pionmedia.Sample) error {
	if !h.Enabled(core.MediaVideo) {
		return nil
	}
	return h.video.WriteSample(sample)
}

// WriteAudio feeds one encoded audio sample from the capture pipeline.
func (h *Handle) WriteAudio(sample pionmedia.Sample) error {
	if !h.Enabled(core.MediaAudio) {
		return nil
	}
	return h.audio.WriteSample(sample)
}

// SetStill stores the latest still frame for classification sampling.
func (h *Handle) SetStill(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.still = append(h.still[:0], frame...)
}

func (h *Handle) CaptureStill(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrStopped
	}
	if len(h.still) == 0 {
		return nil, ErrNoFrame
	}
	out := make([]byte, len(h.still))
	copy(out, h.still)
	return out, nil
}

// Stop releases the handle. Only the call lifecycle owner may do this, and
// only once no session references it.
func (h *Handle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.still = nil
	h.mu.Unlock()
	log.Info().Str("module", "media").Msg("capture handle stopped")
}
