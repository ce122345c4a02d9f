/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package persist snapshots playback position and queue across restarts.
// Persistence is an optimization, not a guarantee: every failure path
// degrades to "start fresh".
package persist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/catalog"
	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/model"
)

// SnapshotKey is the KV key under which the snapshot is stored.
const SnapshotKey = "venuecast:snapshot"

// KV is a durable best-effort key-value store. Implementations swallow
// their own errors; a missing value is the only failure mode callers see.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// Strategy selects restore behavior.
type Strategy string

const (
	// StrategyResumeExact resumes the saved track at the saved position.
	StrategyResumeExact Strategy = "resume_exact"
	// StrategyAdvanceNext restarts at the next queue entry at position 0.
	// Autoplay policies are more permissive for a freshly initiated track
	// than for a seeked one.
	StrategyAdvanceNext Strategy = "advance_next"
)

// Restored is the outcome of a successful snapshot restore.
type Restored struct {
	Queue      []model.Track
	Track      model.Track
	Position   time.Duration // zero under StrategyAdvanceNext
	WasPlaying bool
}

// Store reads and writes playback snapshots.
type Store struct {
	kv       KV
	maxAge   time.Duration
	strategy Strategy
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time
}

// NewStore creates a snapshot store.
func NewStore(kv KV, maxAge time.Duration, strategy Strategy, bus *events.Bus, logger zerolog.Logger) *Store {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if strategy != StrategyResumeExact {
		strategy = StrategyAdvanceNext
	}
	return &Store{
		kv:       kv,
		maxAge:   maxAge,
		strategy: strategy,
		bus:      bus,
		logger:   logger.With().Str("component", "persist").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Save writes the snapshot. Errors are absorbed.
func (s *Store) Save(snapshot model.PlaybackSnapshot) {
	snapshot.SavedAt = s.now()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	s.kv.Set(SnapshotKey, string(data))
}

// Clear removes any stored snapshot.
func (s *Store) Clear() {
	s.kv.Remove(SnapshotKey)
}

// drop clears the snapshot and announces the discard.
func (s *Store) drop(reason string) {
	s.Clear()
	s.bus.Publish(events.EventSnapshotDropped, events.Payload{"reason": reason})
}

// Load reads the raw snapshot without catalog validation. A parse failure
// or an over-age snapshot is discarded.
func (s *Store) Load() (model.PlaybackSnapshot, bool) {
	raw, ok := s.kv.Get(SnapshotKey)
	if !ok || raw == "" {
		return model.PlaybackSnapshot{}, false
	}
	var snapshot model.PlaybackSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		s.logger.Debug().Err(err).Msg("discarding unparseable snapshot")
		s.drop("unparseable")
		return model.PlaybackSnapshot{}, false
	}
	if s.now().Sub(snapshot.SavedAt) > s.maxAge {
		s.logger.Info().Time("saved_at", snapshot.SavedAt).Msg("discarding stale snapshot")
		s.drop("stale")
		return model.PlaybackSnapshot{}, false
	}
	return snapshot, true
}

// Restore loads the snapshot and revalidates it against the catalog. It
// returns nil (no error) when there is nothing usable to restore.
func (s *Store) Restore(ctx context.Context, provider catalog.Provider) (*Restored, error) {
	snapshot, ok := s.Load()
	if !ok {
		return nil, nil
	}
	if len(snapshot.QueueTrackIDs) == 0 || snapshot.CurrentTrackID == "" {
		s.drop("incomplete")
		return nil, nil
	}

	queue := make([]model.Track, 0, len(snapshot.QueueTrackIDs))
	currentIdx := -1
	for i, id := range snapshot.QueueTrackIDs {
		track, err := provider.GetTrack(ctx, id)
		if err != nil {
			// Referenced tracks no longer resolve; the snapshot is dead.
			s.logger.Info().Str("track_id", id).Msg("snapshot references unresolvable track, discarding")
			s.drop("unresolvable_track")
			return nil, nil
		}
		if id == snapshot.CurrentTrackID {
			currentIdx = i
		}
		queue = append(queue, track)
	}
	if currentIdx < 0 {
		s.drop("current_not_in_queue")
		return nil, nil
	}

	restored := &Restored{Queue: queue, WasPlaying: snapshot.WasPlaying}
	switch s.strategy {
	case StrategyResumeExact:
		restored.Track = queue[currentIdx]
		restored.Position = time.Duration(snapshot.Position * float64(time.Second))
	default:
		restored.Track = queue[(currentIdx+1)%len(queue)]
	}

	s.logger.Info().
		Str("track_id", restored.Track.ID).
		Int("queue_len", len(queue)).
		Str("strategy", string(s.strategy)).
		Msg("playback snapshot restored")
	return restored, nil
}
