package call

import (
	"fmt"

	"github.com/signlink/signlink/internal/domain"
)

// Mode selects how sessions come into existence.
type Mode int

const (
	// OneToOne: sessions only by explicit user action or incoming invitation.
	OneToOne Mode = iota
	// Mesh: the roster drives a full mesh of sessions.
	Mesh
)

func (m Mode) String() string {
	if m == Mesh {
		return "mesh"
	}
	return "one-to-one"
}

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "one-to-one", "1:1", "":
		return OneToOne, nil
	case "mesh":
		return Mesh, nil
	default:
		return OneToOne, fmt.Errorf("unknown topology mode %q", s)
	}
}

// Topology decides which sessions to open and as which role. It never holds
// session state itself; the store is the single source of truth.
type Topology struct {
	mode Mode
	self domain.Identity
}

func NewTopology(mode Mode, self domain.Identity) *Topology {
	return &Topology{mode: mode, self: self}
}

func (t *Topology) Mode() Mode { return t.mode }

// WantsRoster reports whether the roster should be requested after
// registration.
func (t *Topology) WantsRoster() bool { return t.mode == Mesh }

// OnRoster returns the identities to call after a roster snapshot: every
// listed participant we do not already hold a session for, self excluded.
// In one-to-one mode the roster is not consulted.
func (t *Topology) OnRoster(roster []domain.Identity, have func(domain.Identity) bool) []domain.Identity {
	if t.mode != Mesh {
		return nil
	}
	var out []domain.Identity
	for _, id := range roster {
		if id == t.self || have(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ShouldCallOnJoin reports whether we should dial a newly joined
// participant. The joining side initiates toward already-present members, so
// existing members always wait for the incoming offer.
func (t *Topology) ShouldCallOnJoin(domain.Identity) bool { return false }

// DeferOnGlare resolves simultaneous offers: when an offer arrives from a
// peer we already sent our own offer to, the lexicographically greater
// identity abandons its offer and answers the incoming one. Both ends
// evaluate the same comparison, so exactly one side defers.
func (t *Topology) DeferOnGlare(remote domain.Identity) bool {
	return t.self > remote
}
