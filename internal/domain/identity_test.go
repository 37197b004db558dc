package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewIdentity(t *testing.T) {
	if id, err := NewIdentity("  alice@example.com "); err != nil || id != "alice@example.com" {
		t.Fatalf("NewIdentity = %q, %v", id, err)
	}
	if _, err := NewIdentity("   "); !errors.Is(err, ErrIdentityEmpty) {
		t.Fatalf("blank identity: %v", err)
	}
	if _, err := NewIdentity(strings.Repeat("x", MaxIdentityLen+1)); !errors.Is(err, ErrIdentityTooLong) {
		t.Fatalf("oversized identity: %v", err)
	}
}

func TestGeneratedIdentityIsUnique(t *testing.T) {
	if GeneratedIdentity() == GeneratedIdentity() {
		t.Fatalf("generated identities collided")
	}
}
