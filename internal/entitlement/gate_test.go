package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTokenGate_ValidToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, "venue-1", "standard", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	gate := NewTokenGate(secret, token, zerolog.Nop())
	if !gate.CanPlay(context.Background()) {
		t.Fatal("expected valid token to allow playback")
	}
}

func TestTokenGate_ExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, "venue-1", "standard", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	gate := NewTokenGate(secret, token, zerolog.Nop())
	if gate.CanPlay(context.Background()) {
		t.Fatal("expected expired token to deny playback")
	}
}

func TestTokenGate_EmptyAndSwappedToken(t *testing.T) {
	secret := []byte("test-secret")
	gate := NewTokenGate(secret, "", zerolog.Nop())
	if gate.CanPlay(context.Background()) {
		t.Fatal("expected empty token to deny playback")
	}

	token, err := IssueToken(secret, "venue-1", "standard", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	gate.SetToken(token)
	if !gate.CanPlay(context.Background()) {
		t.Fatal("expected swapped token to allow playback")
	}
}

func TestTokenGate_WrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("other-secret"), "venue-1", "standard", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	gate := NewTokenGate([]byte("test-secret"), token, zerolog.Nop())
	if gate.CanPlay(context.Background()) {
		t.Fatal("expected token signed with wrong secret to deny playback")
	}
}
