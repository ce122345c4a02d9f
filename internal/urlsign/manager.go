/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package urlsign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/model"
)

const (
	// refreshFraction of the lifetime after which the watched URL is
	// proactively re-signed.
	refreshFraction = 0.875
	// staleFraction of the lifetime past which a foreground return forces an
	// eager refresh; timers may not have fired while suspended.
	staleFraction = 0.75
)

// RefreshFunc receives a fresh signed URL for the watched track. The host
// primitive is not reloaded; only the stored reference is replaced so the
// next access (e.g. a stall-triggered reload) picks it up.
type RefreshFunc func(trackID, signedURL string, issuedAt time.Time)

// Manager owns signed URL lifetimes: it resolves tracks to playable URLs
// and keeps the currently watched track's URL valid.
type Manager struct {
	signer   Signer
	lifetime time.Duration
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	handles   map[string]model.SignedURLHandle // trackID -> handle
	watched   string                           // trackID under refresh watch
	watchRef  string                           // raw source ref of watched track
	timer     *time.Timer
	onRefresh RefreshFunc
}

// NewManager creates a URL lifecycle manager.
func NewManager(signer Signer, lifetime time.Duration, bus *events.Bus, logger zerolog.Logger) *Manager {
	if lifetime <= 0 {
		lifetime = 4 * time.Hour
	}
	return &Manager{
		signer:   signer,
		lifetime: lifetime,
		bus:      bus,
		logger:   logger.With().Str("component", "urlsign").Logger(),
		now:      time.Now,
		handles:  make(map[string]model.SignedURLHandle),
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetRefreshFunc registers the swap callback for proactive refreshes.
func (m *Manager) SetRefreshFunc(fn RefreshFunc) {
	m.mu.Lock()
	m.onRefresh = fn
	m.mu.Unlock()
}

// Resolve exchanges the track's source reference for a signed URL.
// Idempotent per track: a previously issued, still-fresh URL is reused.
func (m *Manager) Resolve(ctx context.Context, track model.Track) (model.PlayableTrack, error) {
	if track.SourceRef == "" {
		return model.PlayableTrack{}, fmt.Errorf("track %s has no source reference", track.ID)
	}

	m.mu.Lock()
	handle, ok := m.handles[track.ID]
	now := m.now()
	m.mu.Unlock()

	if ok && handle.Age(now) < m.staleAge() {
		return model.PlayableTrack{Track: track, AudioURL: handle.SignedURL, URLIssuedAt: handle.IssuedAt}, nil
	}

	signed, err := m.signer.Sign(ctx, track.SourceRef)
	if err != nil {
		return model.PlayableTrack{}, fmt.Errorf("sign %s: %w", track.ID, err)
	}

	m.mu.Lock()
	issued := m.now()
	m.handles[track.ID] = model.SignedURLHandle{
		RawSourceURL: track.SourceRef,
		SignedURL:    signed,
		IssuedAt:     issued,
	}
	m.mu.Unlock()

	return model.PlayableTrack{Track: track, AudioURL: signed, URLIssuedAt: issued}, nil
}

// Watch arms the proactive refresh timer for the current track. Any
// previous watch is cancelled; at most one track is watched at a time.
func (m *Manager) Watch(track model.PlayableTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimerLocked()
	m.watched = track.ID
	m.watchRef = track.SourceRef

	age := m.now().Sub(track.URLIssuedAt)
	delay := time.Duration(refreshFraction*float64(m.lifetime)) - age
	if delay < 0 {
		delay = 0
	}
	trackID := track.ID
	m.timer = time.AfterFunc(delay, func() {
		m.refresh(context.Background(), trackID)
	})
}

// Unwatch cancels the refresh timer. Called on track change and teardown.
func (m *Manager) Unwatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.watched = ""
	m.watchRef = ""
}

// CheckStaleness forces an eager refresh of the watched URL when its age
// exceeds the staleness threshold. Called on foreground return.
func (m *Manager) CheckStaleness(ctx context.Context) {
	m.mu.Lock()
	trackID := m.watched
	handle, ok := m.handles[trackID]
	now := m.now()
	m.mu.Unlock()

	if trackID == "" || !ok {
		return
	}
	if handle.Age(now) <= m.staleAge() {
		return
	}
	m.logger.Info().Str("track_id", trackID).Dur("age", handle.Age(now)).Msg("signed URL stale after suspend, refreshing eagerly")
	m.refresh(ctx, trackID)
}

func (m *Manager) staleAge() time.Duration {
	return time.Duration(staleFraction * float64(m.lifetime))
}

func (m *Manager) refresh(ctx context.Context, trackID string) {
	m.mu.Lock()
	if m.watched != trackID {
		// Superseded by a track change before the timer fired.
		m.mu.Unlock()
		return
	}
	rawRef := m.watchRef
	onRefresh := m.onRefresh
	m.mu.Unlock()

	signed, err := m.signer.Sign(ctx, rawRef)
	if err != nil {
		m.logger.Warn().Err(err).Str("track_id", trackID).Msg("signed URL refresh failed")
		return
	}

	m.mu.Lock()
	if m.watched != trackID {
		m.mu.Unlock()
		return
	}
	issued := m.now()
	m.handles[trackID] = model.SignedURLHandle{RawSourceURL: rawRef, SignedURL: signed, IssuedAt: issued}
	m.stopTimerLocked()
	delay := time.Duration(refreshFraction * float64(m.lifetime))
	m.timer = time.AfterFunc(delay, func() {
		m.refresh(context.Background(), trackID)
	})
	m.mu.Unlock()

	if onRefresh != nil {
		onRefresh(trackID, signed, issued)
	}
	if m.bus != nil {
		m.bus.Publish(events.EventURLRefreshed, events.Payload{"track_id": trackID})
	}
	m.logger.Debug().Str("track_id", trackID).Msg("signed URL refreshed")
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
