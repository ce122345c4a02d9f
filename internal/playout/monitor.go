/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/model"
	"github.com/venuecast/venuecast/internal/platform"
)

// MonitorConfig tunes the resilience monitor.
type MonitorConfig struct {
	Poll       time.Duration // stall poll interval
	Threshold  time.Duration // silence beyond this while playing is a stall
	MaxRetries int
	Backoff    time.Duration // per-attempt linear backoff unit
	Settle     time.Duration // delay before advancing after reconnect
}

// Monitor keeps an unattended venue playing: stall detection with bounded
// retry, offline suppression, visibility recovery, and the best-effort
// wake lock. Every recovery path funnels through the controller's Advance
// so queue and shuffle invariants hold.
type Monitor struct {
	controller *Controller
	engine     *Engine
	wake       platform.WakeLock
	bus        *events.Bus
	logger     zerolog.Logger
	cfg        MonitorConfig

	mu           sync.Mutex
	lastProgress time.Time
	retries      int
	offline      bool
	wasAudible   bool
	recovering   bool
	settleTimer  *time.Timer

	now   func() time.Time
	sleep func(d time.Duration)
}

// NewMonitor creates the monitor and registers itself as the engine's
// observer for progress and resource errors.
func NewMonitor(controller *Controller, engine *Engine, wake platform.WakeLock, cfg MonitorConfig, bus *events.Bus, logger zerolog.Logger) *Monitor {
	if cfg.Poll <= 0 {
		cfg.Poll = 5 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	m := &Monitor{
		controller: controller,
		engine:     engine,
		wake:       wake,
		bus:        bus,
		logger:     logger.With().Str("component", "monitor").Logger(),
		cfg:        cfg,
		now:        time.Now,
		sleep:      time.Sleep,
	}
	engine.SetObserver(m.noteProgress, m.HandleResourceError)
	return m
}

// SetClock overrides the time source. Test hook.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetSleep overrides the backoff sleeper. Test hook.
func (m *Monitor) SetSleep(sleep func(d time.Duration)) {
	m.mu.Lock()
	m.sleep = sleep
	m.mu.Unlock()
}

// Retries returns the shared retry counter. Exposed for health reporting.
func (m *Monitor) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Run polls for stalls and tracks playback events for the wake lock until
// context cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Msg("resilience monitor started")
	ticker := time.NewTicker(m.cfg.Poll)
	defer ticker.Stop()

	started := m.bus.Subscribe(events.EventPlaybackStarted)
	paused := m.bus.Subscribe(events.EventPlaybackPaused)
	stopped := m.bus.Subscribe(events.EventPlaybackStopped)
	nowPlaying := m.bus.Subscribe(events.EventNowPlaying)
	defer func() {
		m.bus.Unsubscribe(events.EventPlaybackStarted, started)
		m.bus.Unsubscribe(events.EventPlaybackPaused, paused)
		m.bus.Unsubscribe(events.EventPlaybackStopped, stopped)
		m.bus.Unsubscribe(events.EventNowPlaying, nowPlaying)
	}()

	for {
		select {
		case <-ctx.Done():
			m.cancelSettle()
			m.wake.Release()
			m.logger.Info().Msg("resilience monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.checkStall(ctx)
		case <-started:
			m.markProgress()
			m.acquireWakeLock(ctx)
		case <-paused:
			m.wake.Release()
		case <-stopped:
			m.wake.Release()
		case <-nowPlaying:
			// A track change landed; the retry budget starts over.
			m.ResetRetries()
			m.markProgress()
		}
	}
}

// checkStall treats prolonged progress silence while nominally playing as
// a stall. Suppressed entirely while offline.
func (m *Monitor) checkStall(ctx context.Context) {
	state := m.controller.State()
	if !state.IsPlaying || state.CurrentTrack == nil {
		return
	}

	m.mu.Lock()
	if m.offline || m.recovering || m.lastProgress.IsZero() {
		m.mu.Unlock()
		return
	}
	silent := m.now().Sub(m.lastProgress)
	m.mu.Unlock()

	if silent <= m.cfg.Threshold {
		return
	}

	m.bus.Publish(events.EventStallDetected, events.Payload{
		"track_id":  state.CurrentTrack.ID,
		"silent_ms": silent.Milliseconds(),
	})
	m.logger.Warn().Str("track_id", state.CurrentTrack.ID).Dur("silent", silent).Msg("playback stall detected")
	m.recover(ctx, "stall")
}

// HandleResourceError is the engine's decode/network failure hook. Shares
// the stall path's retry counter.
func (m *Monitor) HandleResourceError(err error) {
	m.logger.Warn().Err(err).Msg("playback resource error")
	go m.recover(context.Background(), "resource_error")
}

// recover retries the current source with linear backoff, then skips to
// the next track once the budget is spent.
func (m *Monitor) recover(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.recovering || m.offline {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	m.retries++
	attempt := m.retries
	sleep := m.sleep
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	if attempt > m.cfg.MaxRetries {
		m.logger.Warn().Int("attempts", attempt-1).Msg("retry budget exhausted, skipping to next track")
		m.bus.Publish(events.EventRecoverySkip, events.Payload{"reason": reason})
		m.mu.Lock()
		m.retries = 0
		m.mu.Unlock()
		if err := m.controller.Advance(ctx, model.DirectionNext); err != nil {
			m.logger.Warn().Err(err).Msg("skip after retry exhaustion failed")
		}
		return
	}

	delay := time.Duration(attempt) * m.cfg.Backoff
	m.bus.Publish(events.EventRecoveryRetry, events.Payload{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"reason":   reason,
	})
	sleep(delay)

	// The world may have moved on during the backoff.
	state := m.controller.State()
	m.mu.Lock()
	offline := m.offline
	m.mu.Unlock()
	if offline || !state.IsPlaying || state.CurrentTrack == nil {
		return
	}

	if err := m.engine.ReloadCurrent(ctx); err != nil {
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("recovery reload failed")
	}
	m.markProgress()
}

// HandleOffline suppresses recovery while the network is down. Whether
// audio was audibly producing sound is read from the real output state,
// not the cached flag.
func (m *Monitor) HandleOffline() {
	audible := m.engine.ActiveDeck().Playing()
	m.mu.Lock()
	m.offline = true
	m.wasAudible = audible
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.mu.Unlock()
	m.logger.Info().Bool("was_audible", audible).Msg("network offline, recovery suppressed")
	m.bus.Publish(events.EventNetworkOffline, events.Payload{"was_audible": audible})
}

// HandleOnline lifts the suppression. If audio was playing before the
// drop, it advances to the next track after a settle delay instead of
// trusting the possibly corrupted buffer.
func (m *Monitor) HandleOnline(ctx context.Context) {
	m.mu.Lock()
	m.offline = false
	audible := m.wasAudible
	m.wasAudible = false
	m.lastProgress = m.now()
	if audible {
		m.settleTimer = time.AfterFunc(m.cfg.Settle, func() {
			if err := m.controller.Advance(context.Background(), model.DirectionNext); err != nil {
				m.logger.Warn().Err(err).Msg("advance after reconnect failed")
			}
		})
	}
	m.mu.Unlock()
	m.logger.Info().Bool("resuming", audible).Msg("network online")
	m.bus.Publish(events.EventNetworkOnline, events.Payload{"advancing": audible})
}

// HandleForeground reconciles state with the host primitive after a
// foreground return: resume if the deck silently paused, advance if even
// that fails, and re-acquire the wake lock.
func (m *Monitor) HandleForeground(ctx context.Context) {
	state := m.controller.State()
	if !state.IsPlaying || state.CurrentTrack == nil {
		return
	}
	m.acquireWakeLock(ctx)

	if m.engine.ActiveDeck().Playing() {
		return
	}
	m.logger.Info().Str("track_id", state.CurrentTrack.ID).Msg("deck paused while backgrounded, resuming")
	if err := m.engine.Resume(ctx); err != nil {
		m.logger.Info().Err(err).Msg("resume after foreground failed, advancing")
		if err := m.controller.Advance(ctx, model.DirectionNext); err != nil {
			m.logger.Warn().Err(err).Msg("advance after foreground failed")
		}
		return
	}
	m.markProgress()
}

// ResetRetries zeroes the shared retry counter.
func (m *Monitor) ResetRetries() {
	m.mu.Lock()
	m.retries = 0
	m.mu.Unlock()
}

// Offline reports whether recovery is currently suppressed.
func (m *Monitor) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

func (m *Monitor) noteProgress(position, duration time.Duration) {
	m.markProgress()
}

func (m *Monitor) markProgress() {
	m.mu.Lock()
	m.lastProgress = m.now()
	m.mu.Unlock()
}

func (m *Monitor) cancelSettle() {
	m.mu.Lock()
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.mu.Unlock()
}

func (m *Monitor) acquireWakeLock(ctx context.Context) {
	if err := m.wake.Acquire(ctx); err != nil {
		// Best effort; venue hardware without the capability still plays.
		m.logger.Info().Err(err).Msg("wake lock unavailable")
		m.bus.Publish(events.EventWakeLockFailed, events.Payload{"error": err.Error()})
	}
}
