// Package rtc adapts pion PeerConnections to the engine's MediaConnection
// contract.
package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/core"
	"github.com/signlink/signlink/internal/domain"
	"github.com/signlink/signlink/internal/protocol"
)

// ICEServer is one STUN/TURN entry, config-shaped.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// DefaultICEServers matches the endpoints the web client shipped with.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

func Configuration(servers []ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return cfg
}

// Connection wraps one PeerConnection toward a remote identity.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.Identity

	onCandidate func(protocol.Candidate)
	onState     func(core.ConnState)
}

// NewFactory returns a ConnFactory closed over one webrtc.Configuration.
// Local tracks from the media handle are attached before negotiation starts.
func NewFactory(cfg webrtc.Configuration) core.ConnFactory {
	return func(remote domain.Identity, media core.LocalMedia) (core.MediaConnection, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		if media != nil {
			for _, track := range media.Tracks() {
				if _, err := pc.AddTrack(track); err != nil {
					_ = pc.Close()
					return nil, err
				}
			}
		}

		c := &Connection{pc: pc, remote: remote}

		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			if cand == nil || c.onCandidate == nil {
				return
			}
			c.onCandidate(protocol.CandidateFromPion(cand.ToJSON()))
		})

		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			log.Info().Str("module", "rtc").
				Str("remote", string(remote)).
				Str("peer_connection_state", s.String()).
				Msg("peer state")
			if c.onState == nil {
				return
			}
			switch s {
			case webrtc.PeerConnectionStateConnected:
				c.onState(core.ConnConnected)
			case webrtc.PeerConnectionStateFailed:
				c.onState(core.ConnFailed)
			case webrtc.PeerConnectionStateClosed:
				c.onState(core.ConnClosed)
			}
		})

		pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
			log.Debug().Str("module", "rtc").
				Str("remote", string(remote)).
				Str("ice_state", s.String()).
				Msg("ICE state")
		})

		return c, nil
	}
}

// OnCandidate must be set before negotiation begins; candidates trickle as
// soon as a local description is applied.
func (c *Connection) OnCandidate(fn func(protocol.Candidate)) { c.onCandidate = fn }

func (c *Connection) OnStateChange(fn func(core.ConnState)) { c.onState = fn }

func (c *Connection) CreateOffer() (protocol.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SDPFromPion(offer), nil
}

func (c *Connection) ApplyOffer(offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer.ToPion()); err != nil {
		return protocol.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SDPFromPion(answer), nil
}

func (c *Connection) ApplyAnswer(answer protocol.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer.ToPion())
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AddCandidate(cand protocol.Candidate) error {
	return c.pc.AddICECandidate(cand.ToPion())
}

func (c *Connection) Close() {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(c.remote)).Msg("close error")
		return
	}
	log.Info().Str("module", "rtc").Str("remote", string(c.remote)).Msg("closed")
}
