package call

import (
	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/core"
	"github.com/signlink/signlink/internal/domain"
	"github.com/signlink/signlink/internal/protocol"
	"github.com/signlink/signlink/internal/sidechannel"
)

// Role fixes who produces the initial offer for a session.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// State is the negotiation state machine position for one session.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateAnswerReceived
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerSent:
		return "answer_sent"
	case StateAnswerReceived:
		return "answer_received"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Session is the unit of state for one remote participant. All fields are
// owned by the engine goroutine.
type Session struct {
	Remote domain.Identity
	Role   Role

	// Epoch distinguishes this record from any earlier or later session with
	// the same identity, so resumed async work can detect it went stale.
	Epoch uint64

	state State

	// Candidates received before a remote description could be applied,
	// in arrival order.
	pending []protocol.Candidate

	conn core.MediaConnection
	side *sidechannel.Channel
}

func (s *Session) State() State { return s.state }

// setState moves the machine. Closed is terminal; any transition attempt out
// of it is a bug in the caller and is dropped loudly.
func (s *Session) setState(next State) {
	if s.state == StateClosed {
		log.Warn().Str("module", "call").
			Str("remote", string(s.Remote)).
			Str("next", next.String()).
			Msg("transition on closed session dropped")
		return
	}
	log.Debug().Str("module", "call").
		Str("remote", string(s.Remote)).
		Str("from", s.state.String()).
		Str("to", next.String()).
		Msg("session state")
	s.state = next
}

// bufferCandidate queues a remote candidate until a remote description is
// applied.
func (s *Session) bufferCandidate(c protocol.Candidate) {
	s.pending = append(s.pending, c)
}

// flushCandidates applies buffered candidates in arrival order. A failing
// candidate is logged and skipped; the rest still apply.
func (s *Session) flushCandidates() {
	if len(s.pending) == 0 || s.conn == nil {
		return
	}
	for _, c := range s.pending {
		if err := s.conn.AddCandidate(c); err != nil {
			log.Error().Err(err).Str("module", "call").
				Str("remote", string(s.Remote)).
				Msg("buffered candidate rejected")
		}
	}
	s.pending = nil
}
