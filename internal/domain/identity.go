// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxIdentityLen = 254

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

// Identity names one endpoint process-wide. Usually an e-mail, otherwise a
// generated token. Immutable once assigned; every signaling envelope is
// addressed by it and the session store is keyed by it.
type Identity string

// NewIdentity validates a user-provided identity string.
func NewIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrIdentityEmpty
	}
	if len(raw) > MaxIdentityLen {
		return "", ErrIdentityTooLong
	}
	return Identity(raw), nil
}

// GeneratedIdentity mints an anonymous identity token.
func GeneratedIdentity() Identity {
	return Identity(uuid.NewString())
}
