/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package entitlement answers one question: may this session play audio
// right now. Subscription state machines live elsewhere; the engine only
// consumes the decision.
package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Gate is the licensing decision collaborator.
type Gate interface {
	CanPlay(ctx context.Context) bool
}

// StaticGate always answers the same way. Used for dev and tests.
type StaticGate struct {
	Allowed bool
}

func (g StaticGate) CanPlay(context.Context) bool {
	return g.Allowed
}

// Claims carries the entitlement decision issued by the subscription
// service for a venue.
type Claims struct {
	VenueID string `json:"venue_id"`
	Plan    string `json:"plan"`
	jwt.RegisteredClaims
}

// IssueToken creates a signed entitlement token. Primarily a test helper;
// production tokens come from the subscription service.
func IssueToken(secret []byte, venueID, plan string, ttl time.Duration) (string, error) {
	claims := Claims{
		VenueID: venueID,
		Plan:    plan,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   venueID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// TokenGate validates a signed entitlement token. The answer flips to
// "denied" once the token expires; the token can be swapped at runtime when
// the subscription service issues a fresh one.
type TokenGate struct {
	secret []byte
	logger zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewTokenGate creates a gate around a signed entitlement token.
func NewTokenGate(secret []byte, token string, logger zerolog.Logger) *TokenGate {
	return &TokenGate{
		secret: secret,
		token:  token,
		logger: logger.With().Str("component", "entitlement").Logger(),
	}
}

// SetToken swaps in a refreshed entitlement token.
func (g *TokenGate) SetToken(token string) {
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

// CanPlay reports whether the current token grants playback.
func (g *TokenGate) CanPlay(_ context.Context) bool {
	g.mu.RLock()
	token := g.token
	g.mu.RUnlock()

	if token == "" {
		return false
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	})
	if err != nil {
		g.logger.Debug().Err(err).Msg("entitlement token rejected")
		return false
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return false
	}
	return claims.VenueID != ""
}

var (
	_ Gate = StaticGate{}
	_ Gate = (*TokenGate)(nil)
)
