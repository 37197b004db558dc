package call

import (
	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/domain"
)

// Store owns the peer session records, keyed by remote identity. It holds at
// most one record per identity; the engine goroutine is its only caller, so
// no locking.
type Store struct {
	sessions map[domain.Identity]*Session
	epoch    uint64
}

func NewStore() *Store {
	return &Store{sessions: make(map[domain.Identity]*Session)}
}

// Create installs a fresh session for remote. If a record already exists it
// is returned as evicted so the caller can tear it down; the new record
// always wins the key.
func (st *Store) Create(remote domain.Identity, role Role) (sess, evicted *Session) {
	evicted = st.sessions[remote]
	st.epoch++
	sess = &Session{
		Remote: remote,
		Role:   role,
		Epoch:  st.epoch,
		state:  StateIdle,
	}
	st.sessions[remote] = sess
	log.Info().Str("module", "call").
		Str("remote", string(remote)).
		Str("role", role.String()).
		Uint64("epoch", sess.Epoch).
		Msg("session created")
	return sess, evicted
}

func (st *Store) Get(remote domain.Identity) (*Session, bool) {
	s, ok := st.sessions[remote]
	return s, ok
}

// Current reports whether the (identity, epoch) pair still names the live
// record. Resumed async work checks this before touching session state.
func (st *Store) Current(remote domain.Identity, epoch uint64) (*Session, bool) {
	s, ok := st.sessions[remote]
	if !ok || s.Epoch != epoch {
		return nil, false
	}
	return s, true
}

// Remove drops the record. A removed record is never reinstalled; a new call
// to the same identity goes through Create.
func (st *Store) Remove(remote domain.Identity) {
	delete(st.sessions, remote)
}

func (st *Store) Len() int { return len(st.sessions) }

// Each visits all sessions. The callback must not create or remove records.
func (st *Store) Each(fn func(*Session)) {
	for _, s := range st.sessions {
		fn(s)
	}
}

// Identities returns the current session keys.
func (st *Store) Identities() []domain.Identity {
	out := make([]domain.Identity, 0, len(st.sessions))
	for id := range st.sessions {
		out = append(out, id)
	}
	return out
}
