package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/domain"
)

var ErrIdentityTaken = errors.New("identity already registered")

// Sender is the write side of one connected client.
type Sender interface {
	TrySend(data []byte) error
}

// Registry maps registered identities to their connections. Touched from
// every connection goroutine, so it locks.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.Identity]Sender
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.Identity]Sender)}
}

// Register claims an identity for a connection. An identity in use is
// refused; the old connection keeps it.
func (r *Registry) Register(id domain.Identity, s Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.clients[id]; taken {
		return ErrIdentityTaken
	}
	r.clients[id] = s
	log.Info().Str("module", "relay.registry").Str("identity", string(id)).Msg("registered")
	return nil
}

// Unregister releases an identity, but only for the connection that owns it.
func (r *Registry) Unregister(id domain.Identity, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[id]; ok && cur == s {
		delete(r.clients, id)
		log.Info().Str("module", "relay.registry").Str("identity", string(id)).Msg("unregistered")
	}
}

func (r *Registry) Get(id domain.Identity) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.clients[id]
	return s, ok
}

// Identities lists registered participants, excluding one.
func (r *Registry) Identities(except domain.Identity) []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Identity, 0, len(r.clients))
	for id := range r.clients {
		if id == except {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Each visits every registered client except one.
func (r *Registry) Each(except domain.Identity, fn func(domain.Identity, Sender)) {
	r.mu.RLock()
	snapshot := make(map[domain.Identity]Sender, len(r.clients))
	for id, s := range r.clients {
		if id != except {
			snapshot[id] = s
		}
	}
	r.mu.RUnlock()
	for id, s := range snapshot {
		fn(id, s)
	}
}
