/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session ties the playback core to the host: it routes platform
// signals, publishes now-playing metadata, snapshots position periodically,
// and restores the last session on startup.
package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/catalog"
	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/model"
	"github.com/venuecast/venuecast/internal/persist"
	"github.com/venuecast/venuecast/internal/platform"
	"github.com/venuecast/venuecast/internal/playout"
	"github.com/venuecast/venuecast/internal/urlsign"
)

// Rechecker is the schedule hook the session pokes on foreground return
// and network reconnect.
type Rechecker interface {
	ForceRecheck()
}

// Session is the host-facing lifecycle wrapper around the playback core.
type Session struct {
	controller *playout.Controller
	monitor    *playout.Monitor
	urls       *urlsign.Manager
	store      *persist.Store
	provider   catalog.Provider
	signals    platform.Signals
	media      platform.MediaSession
	resolver   Rechecker
	bus        *events.Bus
	logger     zerolog.Logger

	snapshotEvery time.Duration
}

// Config bundles the session collaborators.
type Config struct {
	Controller *playout.Controller
	Monitor    *playout.Monitor
	URLs       *urlsign.Manager
	Store      *persist.Store
	Provider   catalog.Provider
	Signals    platform.Signals
	Media      platform.MediaSession
	Resolver   Rechecker // optional
	Bus        *events.Bus

	SnapshotEvery time.Duration
}

// New creates a session. Nil platform bridges degrade to Nop.
func New(cfg Config, logger zerolog.Logger) *Session {
	if cfg.Signals == nil {
		cfg.Signals = platform.NopSignals{}
	}
	if cfg.Media == nil {
		cfg.Media = platform.NopMediaSession{}
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = 5 * time.Second
	}
	return &Session{
		controller:    cfg.Controller,
		monitor:       cfg.Monitor,
		urls:          cfg.URLs,
		store:         cfg.Store,
		provider:      cfg.Provider,
		signals:       cfg.Signals,
		media:         cfg.Media,
		resolver:      cfg.Resolver,
		bus:           cfg.Bus,
		logger:        logger.With().Str("component", "session").Logger(),
		snapshotEvery: cfg.SnapshotEvery,
	}
}

// Restore replays the last snapshot, if a usable one exists. A paused
// session comes back parked at its position; a playing one resumes per the
// store's strategy. Every failure path degrades to starting fresh.
func (s *Session) Restore(ctx context.Context) error {
	restored, err := s.store.Restore(ctx, s.provider)
	if err != nil || restored == nil {
		return err
	}
	s.bus.Publish(events.EventSnapshotRestored, events.Payload{
		"track_id":  restored.Track.ID,
		"queue_len": len(restored.Queue),
	})
	return s.controller.ResumeTrack(ctx, restored.Track, restored.Queue, restored.Position, restored.WasPlaying)
}

// Run wires handlers and loops over platform signals, bus events, and the
// snapshot ticker until context cancellation. A final snapshot is written
// on the way out.
func (s *Session) Run(ctx context.Context) error {
	s.media.SetHandlers(platform.MediaHandlers{
		OnPlay:     func() { s.controller.TogglePlayPause(context.Background()) },
		OnPause:    func() { s.controller.TogglePlayPause(context.Background()) },
		OnNext:     func() { _ = s.controller.Advance(context.Background(), model.DirectionNext) },
		OnPrevious: func() { _ = s.controller.Advance(context.Background(), model.DirectionPrevious) },
	})
	defer s.media.Clear()

	nowPlaying := s.bus.Subscribe(events.EventNowPlaying)
	defer s.bus.Unsubscribe(events.EventNowPlaying, nowPlaying)
	paused := s.bus.Subscribe(events.EventPlaybackPaused)
	defer s.bus.Unsubscribe(events.EventPlaybackPaused, paused)

	ticker := time.NewTicker(s.snapshotEvery)
	defer ticker.Stop()

	s.logger.Info().Dur("snapshot_every", s.snapshotEvery).Msg("session started")
	for {
		select {
		case <-ctx.Done():
			s.saveSnapshot()
			s.logger.Info().Msg("session stopped, final snapshot written")
			return ctx.Err()
		case sig, ok := <-s.signals.Events():
			if !ok {
				continue
			}
			s.handleSignal(ctx, sig)
		case <-nowPlaying:
			s.saveSnapshot()
			s.publishMedia()
		case <-paused:
			s.saveSnapshot()
			s.publishMedia()
		case <-ticker.C:
			if s.controller.State().IsPlaying {
				s.saveSnapshot()
			}
		}
	}
}

func (s *Session) handleSignal(ctx context.Context, sig platform.Signal) {
	s.logger.Debug().Str("signal", string(sig.Kind)).Msg("platform signal")
	switch sig.Kind {
	case platform.SignalOffline:
		s.monitor.HandleOffline()
	case platform.SignalOnline:
		s.monitor.HandleOnline(ctx)
		if s.resolver != nil {
			s.resolver.ForceRecheck()
		}
	case platform.SignalForeground:
		s.urls.CheckStaleness(ctx)
		s.monitor.HandleForeground(ctx)
		if s.resolver != nil {
			s.resolver.ForceRecheck()
		}
	case platform.SignalBackground:
		// Timers may not fire while suspended; bank the position now.
		s.saveSnapshot()
	}
}

func (s *Session) saveSnapshot() {
	snapshot := s.controller.Snapshot()
	if snapshot.CurrentTrackID == "" {
		return
	}
	s.store.Save(snapshot)
	s.bus.Publish(events.EventSnapshotSaved, events.Payload{
		"track_id":    snapshot.CurrentTrackID,
		"position":    snapshot.Position,
		"was_playing": snapshot.WasPlaying,
	})
}

func (s *Session) publishMedia() {
	state := s.controller.State()
	if state.CurrentTrack == nil {
		s.media.Clear()
		return
	}
	s.media.Publish(state.CurrentTrack.Track, state.IsPlaying)
}
