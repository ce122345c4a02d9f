/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule picks the playlist a venue should be playing right now
// from day/time-window rules and redirects playback when it changes. The
// resolver never stops music; it only redirects it.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/catalog"
	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/model"
)

// QueueSink receives the playlist the resolver selected. The playback
// controller implements it; with audio active the handover runs as a
// schedule-triggered crossfade. The bool reports whether the handover
// committed; false without an error means it was queued behind an
// in-flight transition and may yet be dropped.
type QueueSink interface {
	AdoptSchedule(ctx context.Context, queue []model.Track) (bool, error)
}

// Resolver evaluates schedule rules on a tick and on forced rechecks.
// Inert until enabled.
type Resolver struct {
	provider catalog.Provider
	sink     QueueSink
	bus      *events.Bus
	logger   zerolog.Logger

	venueID  string
	tick     time.Duration
	cacheTTL time.Duration

	mu      sync.Mutex
	enabled bool
	// lastRuleID is set only once a handover commits. A switch queued
	// behind an in-flight fade sits in pendingRuleID instead, so a
	// dropped queue entry is retried on the next evaluation.
	lastRuleID    string
	pendingRuleID string
	cached        []model.ScheduleRule
	cachedAt      time.Time
	now           func() time.Time

	forceCh chan struct{}
}

// NewResolver creates a schedule resolver.
func NewResolver(provider catalog.Provider, sink QueueSink, venueID string, tick, cacheTTL time.Duration, bus *events.Bus, logger zerolog.Logger) *Resolver {
	if tick <= 0 {
		tick = time.Minute
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Resolver{
		provider: provider,
		sink:     sink,
		bus:      bus,
		logger:   logger.With().Str("component", "schedule").Logger(),
		venueID:  venueID,
		tick:     tick,
		cacheTTL: cacheTTL,
		now:      time.Now,
		forceCh:  make(chan struct{}, 1),
	}
}

// SetClock overrides the time source. Test hook.
func (r *Resolver) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Run evaluates on the tick, on forced rechecks, and on every track end,
// until context cancellation.
func (r *Resolver) Run(ctx context.Context) error {
	r.logger.Info().Dur("tick", r.tick).Msg("schedule resolver started")
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	ended := r.bus.Subscribe(events.EventTrackEnded)
	defer r.bus.Unsubscribe(events.EventTrackEnded, ended)
	adopted := r.bus.Subscribe(events.EventScheduleAdopted)
	defer r.bus.Unsubscribe(events.EventScheduleAdopted, adopted)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("schedule resolver stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-r.forceCh:
		case <-ended:
		case <-adopted:
			// A deferred switch landed; its rule now steers playback.
			r.promotePending()
			continue
		}
		if err := r.Evaluate(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("schedule evaluation failed, playback untouched")
		}
	}
}

// promotePending marks the queued rule as the one steering playback. Fired
// off the engine's adoption event once a deferred switch commits.
func (r *Resolver) promotePending() {
	r.mu.Lock()
	promoted := r.pendingRuleID
	if promoted != "" {
		r.lastRuleID = promoted
		r.pendingRuleID = ""
	}
	r.mu.Unlock()
	if promoted != "" {
		r.logger.Info().Str("rule_id", promoted).Msg("deferred schedule switch committed")
	}
}

// ForceRecheck requests an out-of-band evaluation (foreground return,
// network reconnect). Coalesces when one is already pending.
func (r *Resolver) ForceRecheck() {
	select {
	case r.forceCh <- struct{}{}:
	default:
	}
}

// Enable turns the resolver on and evaluates immediately.
func (r *Resolver) Enable(ctx context.Context) {
	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()
	r.bus.Publish(events.EventScheduleEnabled, events.Payload{})
	if err := r.Evaluate(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("evaluation on enable failed")
	}
}

// Disable turns the resolver off and clears all cached state, so a
// re-enable starts from a clean evaluation.
func (r *Resolver) Disable() {
	r.mu.Lock()
	r.enabled = false
	r.lastRuleID = ""
	r.pendingRuleID = ""
	r.cached = nil
	r.cachedAt = time.Time{}
	r.mu.Unlock()
	r.bus.Publish(events.EventScheduleDisabled, events.Payload{})
}

// Enabled reports the master switch state.
func (r *Resolver) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// LastRuleID returns the rule currently steering playback, empty when
// none is.
func (r *Resolver) LastRuleID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRuleID
}

// Evaluate runs one resolution pass. Selecting the same rule as last time
// is a no-op; selecting none clears the marker and leaves playback alone.
func (r *Resolver) Evaluate(ctx context.Context) error {
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return nil
	}
	now := r.now()
	r.mu.Unlock()

	rules, err := r.rules(ctx, now)
	if err != nil {
		return err
	}

	rule, ok := ActiveRule(rules, now)
	if !ok {
		// Clearing the marker lets a previously active rule re-trigger
		// when its window comes around again.
		r.mu.Lock()
		r.lastRuleID = ""
		r.mu.Unlock()
		return nil
	}

	r.mu.Lock()
	same := rule.ID == r.lastRuleID
	r.mu.Unlock()
	if same {
		return nil
	}

	tracks, err := r.provider.GetPlaylistTracks(ctx, rule.PlaylistID)
	if err != nil {
		return err
	}
	if len(tracks) == 0 {
		r.logger.Warn().Str("rule_id", rule.ID).Str("playlist_id", rule.PlaylistID).Msg("selected rule has an empty playlist, keeping current playback")
		return nil
	}

	committed, err := r.sink.AdoptSchedule(ctx, tracks)
	if err != nil {
		return err
	}
	if !committed {
		// Queued behind an in-flight fade. The marker stays clear: if the
		// queued switch is dropped by a user command, the next evaluation
		// starts over instead of believing the rule already applied.
		r.mu.Lock()
		r.pendingRuleID = rule.ID
		r.mu.Unlock()
		r.logger.Info().Str("rule_id", rule.ID).Str("playlist_id", rule.PlaylistID).Msg("schedule switch waiting on an in-flight transition")
		return nil
	}

	r.mu.Lock()
	r.lastRuleID = rule.ID
	r.pendingRuleID = ""
	r.mu.Unlock()

	r.logger.Info().Str("rule_id", rule.ID).Str("playlist_id", rule.PlaylistID).Int("tracks", len(tracks)).Msg("schedule switched playlist")
	r.bus.Publish(events.EventScheduleSwitch, events.Payload{
		"rule_id":     rule.ID,
		"playlist_id": rule.PlaylistID,
		"priority":    rule.Priority,
	})
	return nil
}

// rules returns the active schedule rules through a TTL cache.
func (r *Resolver) rules(ctx context.Context, now time.Time) ([]model.ScheduleRule, error) {
	r.mu.Lock()
	if r.cached != nil && now.Sub(r.cachedAt) < r.cacheTTL {
		cached := r.cached
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	rules, err := r.provider.GetActiveSchedules(ctx, r.venueID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = rules
	r.cachedAt = now
	r.mu.Unlock()
	return rules, nil
}

// ActiveRule selects the winning rule at now: among all matching rules the
// numerically highest priority wins, ties going to the first encountered.
func ActiveRule(rules []model.ScheduleRule, now time.Time) (model.ScheduleRule, bool) {
	var best model.ScheduleRule
	found := false
	for _, rule := range rules {
		if !ruleActiveAt(rule, now) {
			continue
		}
		if !found || rule.Priority > best.Priority {
			best = rule
			found = true
		}
	}
	return best, found
}

// ruleActiveAt implements the window match. An overnight rule (start >
// end) is owned by the day it starts on: it matches late hours of a listed
// day and early hours of the following day.
func ruleActiveAt(rule model.ScheduleRule, now time.Time) bool {
	if !rule.IsActive {
		return false
	}
	day := now.Weekday()
	minute := now.Hour()*60 + now.Minute()

	if !rule.Overnight() {
		return rule.AppliesOn(day) && rule.StartTime <= minute && minute < rule.EndTime
	}

	if rule.AppliesOn(day) && minute >= rule.StartTime {
		return true
	}
	previous := time.Weekday((int(day) + 6) % 7)
	return rule.AppliesOn(previous) && minute < rule.EndTime
}
