/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout is the playback core: the controller owns the canonical
// state and queue, the transition engine owns the two output decks, and the
// resilience monitor keeps audio flowing through stalls and network drops.
package playout

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/entitlement"
	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/model"
	"github.com/venuecast/venuecast/internal/output"
	"github.com/venuecast/venuecast/internal/urlsign"
)

// ErrEntitlementDenied is returned when the gate refuses playback. The
// command is rejected before any audio is touched.
var ErrEntitlementDenied = errors.New("playout: entitlement denied")

// Controller owns the canonical playback state and the queue. Exactly one
// exists per session. Invariant: CurrentTrack == nil implies IsPlaying ==
// false.
type Controller struct {
	urls   *urlsign.Manager
	gate   entitlement.Gate
	bus    *events.Bus
	logger zerolog.Logger

	mu           sync.Mutex
	engine       *Engine
	state        model.PlaybackState
	queue        []model.Track
	targetVolume float64

	// generation is bumped on every track change command. An async URL
	// resolution whose generation no longer matches lost the race to a
	// later command and discards its result.
	generation uint64

	intn func(n int) int
}

// NewController creates the playback controller. AttachEngine must be
// called before any playback command.
func NewController(urls *urlsign.Manager, gate entitlement.Gate, bus *events.Bus, logger zerolog.Logger) *Controller {
	return &Controller{
		urls:   urls,
		gate:   gate,
		bus:    bus,
		logger: logger.With().Str("component", "controller").Logger(),
		state: model.PlaybackState{
			Repeat:           model.RepeatOff,
			CrossfadeEnabled: true,
		},
		targetVolume: 1,
		intn:         rand.Intn,
	}
}

// AttachEngine binds the transition engine. The two are mutually
// referential; the engine promotes its preloaded track back into the
// controller when a crossfade completes.
func (c *Controller) AttachEngine(e *Engine) {
	c.mu.Lock()
	c.engine = e
	c.mu.Unlock()
}

// SetRandom overrides the shuffle index source. Test hook.
func (c *Controller) SetRandom(intn func(n int) int) {
	c.mu.Lock()
	c.intn = intn
	c.mu.Unlock()
}

// SelectTrack makes track current and starts playing it. A non-nil queue
// replaces the queue wholesale. Any in-flight crossfade is cancelled; an
// in-flight URL resolution for an earlier command is superseded.
func (c *Controller) SelectTrack(ctx context.Context, track model.Track, queue []model.Track) error {
	if !c.gate.CanPlay(ctx) {
		c.bus.Publish(events.EventGateDenied, events.Payload{"track_id": track.ID, "command": "select"})
		return ErrEntitlementDenied
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	if queue != nil {
		c.queue = append([]model.Track(nil), queue...)
	}
	engine := c.engine
	c.mu.Unlock()

	if queue != nil {
		c.bus.Publish(events.EventQueueReplaced, events.Payload{"size": len(queue)})
	}
	engine.CancelTransition()

	playable, err := c.urls.Resolve(ctx, track)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", track.ID, err)
	}

	c.mu.Lock()
	if gen != c.generation {
		// A later command won the race while this URL was resolving.
		c.mu.Unlock()
		c.logger.Debug().Str("track_id", track.ID).Msg("discarding superseded track selection")
		return nil
	}
	c.state.CurrentTrack = &playable
	c.state.IsPlaying = true
	c.mu.Unlock()

	c.urls.Watch(playable)

	if err := engine.StartTrack(ctx, playable, 0); err != nil {
		// Autoplay rejections and load hiccups are loggable, not fatal:
		// state stays "intended playing" so a recovery pass can retry.
		if errors.Is(err, output.ErrAutoplayRejected) {
			c.logger.Info().Str("track_id", track.ID).Msg("autoplay rejected, awaiting gesture or recovery")
		} else {
			c.logger.Warn().Err(err).Str("track_id", track.ID).Msg("track start failed")
		}
	}

	c.publishNowPlaying(playable)
	c.bus.Publish(events.EventPlaybackStarted, events.Payload{"track_id": playable.ID})
	return nil
}

// ResumeTrack restores a snapshot: track becomes current at position,
// started or parked paused according to playing. The startup restore path;
// user commands issued during the restore still win via the generation
// counter.
func (c *Controller) ResumeTrack(ctx context.Context, track model.Track, queue []model.Track, position time.Duration, playing bool) error {
	if !c.gate.CanPlay(ctx) {
		c.bus.Publish(events.EventGateDenied, events.Payload{"track_id": track.ID, "command": "resume"})
		return ErrEntitlementDenied
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	if queue != nil {
		c.queue = append([]model.Track(nil), queue...)
	}
	engine := c.engine
	c.mu.Unlock()

	if queue != nil {
		c.bus.Publish(events.EventQueueReplaced, events.Payload{"size": len(queue)})
	}

	playable, err := c.urls.Resolve(ctx, track)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", track.ID, err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug().Str("track_id", track.ID).Msg("discarding superseded restore")
		return nil
	}
	c.state.CurrentTrack = &playable
	c.state.IsPlaying = playing
	c.mu.Unlock()

	c.urls.Watch(playable)

	if !playing {
		if err := engine.PrepareTrack(ctx, playable, position); err != nil {
			c.logger.Warn().Err(err).Str("track_id", track.ID).Msg("paused restore load failed")
		}
		c.publishNowPlaying(playable)
		return nil
	}

	if err := engine.StartTrack(ctx, playable, position); err != nil {
		if errors.Is(err, output.ErrAutoplayRejected) {
			c.logger.Info().Str("track_id", track.ID).Msg("autoplay rejected on restore, awaiting gesture or recovery")
		} else {
			c.logger.Warn().Err(err).Str("track_id", track.ID).Msg("restore start failed")
		}
	}

	c.publishNowPlaying(playable)
	c.bus.Publish(events.EventPlaybackStarted, events.Payload{"track_id": playable.ID})
	return nil
}

// TogglePlayPause flips the playing flag. Track identity is untouched.
// No-op when nothing is current.
func (c *Controller) TogglePlayPause(ctx context.Context) {
	c.mu.Lock()
	if c.state.CurrentTrack == nil {
		c.mu.Unlock()
		c.logger.Debug().Msg("toggle ignored, no current track")
		return
	}
	c.state.IsPlaying = !c.state.IsPlaying
	playing := c.state.IsPlaying
	trackID := c.state.CurrentTrack.ID
	engine := c.engine
	c.mu.Unlock()

	if playing {
		if err := engine.Resume(ctx); err != nil {
			c.logger.Info().Err(err).Msg("resume failed, state stays intended playing")
		}
		c.bus.Publish(events.EventPlaybackStarted, events.Payload{"track_id": trackID})
	} else {
		engine.Pause()
		c.bus.Publish(events.EventPlaybackPaused, events.Payload{"track_id": trackID})
	}
}

// Advance moves to the neighboring queue entry. Sequential modulo walk
// normally; with shuffle on, next picks a uniformly random other index.
// Previous is always a deterministic modulo decrement, shuffle or not.
// Empty queue or a current track missing from it makes this a logged no-op.
func (c *Controller) Advance(ctx context.Context, direction model.Direction) error {
	if !c.gate.CanPlay(ctx) {
		c.bus.Publish(events.EventGateDenied, events.Payload{"command": "advance"})
		return ErrEntitlementDenied
	}

	c.mu.Lock()
	next, ok := c.nextIndexLocked(direction)
	if !ok {
		c.mu.Unlock()
		c.logger.Warn().Str("direction", string(direction)).Msg("advance skipped, queue empty or current track not in queue")
		return nil
	}
	track := c.queue[next]
	c.mu.Unlock()

	return c.SelectTrack(ctx, track, nil)
}

func (c *Controller) nextIndexLocked(direction model.Direction) (int, bool) {
	if len(c.queue) == 0 || c.state.CurrentTrack == nil {
		return 0, false
	}
	cur := -1
	for i, t := range c.queue {
		if t.ID == c.state.CurrentTrack.ID {
			cur = i
			break
		}
	}
	if cur < 0 {
		return 0, false
	}

	n := len(c.queue)
	if direction == model.DirectionPrevious {
		return (cur - 1 + n) % n, true
	}
	if c.state.Shuffle && n > 1 {
		// Uniform over the other indices; never repeats current.
		idx := c.intn(n - 1)
		if idx >= cur {
			idx++
		}
		return idx, true
	}
	return (cur + 1) % n, true
}

// NextForPreload computes the track Advance(next) would pick without
// committing it. The transition engine preloads against this.
func (c *Controller) NextForPreload() (model.Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.nextIndexLocked(model.DirectionNext)
	if !ok {
		return model.Track{}, false
	}
	return c.queue[idx], true
}

// ResolveURL exchanges a track for its playable form. Exposed for the
// transition engine's preload path.
func (c *Controller) ResolveURL(ctx context.Context, track model.Track) (model.PlayableTrack, error) {
	return c.urls.Resolve(ctx, track)
}

// SetShuffle toggles shuffle. Pure state; affects only the next Advance.
func (c *Controller) SetShuffle(on bool) {
	c.mu.Lock()
	c.state.Shuffle = on
	c.mu.Unlock()
}

// SetRepeat sets the repeat mode. Unknown modes are ignored with a log.
func (c *Controller) SetRepeat(mode model.RepeatMode) {
	if !mode.Valid() {
		c.logger.Warn().Str("mode", string(mode)).Msg("ignoring unknown repeat mode")
		return
	}
	c.mu.Lock()
	c.state.Repeat = mode
	c.mu.Unlock()
}

// SetCrossfade enables or disables the transition engine.
func (c *Controller) SetCrossfade(on bool) {
	c.mu.Lock()
	c.state.CrossfadeEnabled = on
	engine := c.engine
	c.mu.Unlock()
	if !on {
		engine.CancelTransition()
	}
}

// SetVolume sets the target volume in [0,1]. The crossfade ramp fades the
// incoming deck up to this target, not to 1.
func (c *Controller) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	c.mu.Lock()
	c.targetVolume = v
	engine := c.engine
	c.mu.Unlock()
	engine.SetTargetVolume(v)
}

// TargetVolume returns the configured target volume.
func (c *Controller) TargetVolume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetVolume
}

// Seek jumps to a fraction [0,1] of the current track.
func (c *Controller) Seek(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	c.mu.Lock()
	current := c.state.CurrentTrack
	engine := c.engine
	c.mu.Unlock()
	if current == nil {
		return
	}
	pos := engine.Seek(fraction)
	c.bus.Publish(events.EventSeek, events.Payload{"track_id": current.ID, "position_ms": pos.Milliseconds()})
}

// crossfadeUsable reports whether the engine may run transitions under the
// current mode. repeat=one and crossfade-off both disable it.
func (c *Controller) crossfadeUsable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CrossfadeEnabled && c.state.Repeat != model.RepeatOne
}

// State returns a copy of the canonical playback state.
func (c *Controller) State() model.PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.state
	if c.state.CurrentTrack != nil {
		track := *c.state.CurrentTrack
		state.CurrentTrack = &track
	}
	return state
}

// Queue returns a copy of the queue.
func (c *Controller) Queue() []model.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Track(nil), c.queue...)
}

// Snapshot captures the persistable playback record.
func (c *Controller) Snapshot() model.PlaybackSnapshot {
	c.mu.Lock()
	engine := c.engine
	ids := make([]string, 0, len(c.queue))
	for _, t := range c.queue {
		ids = append(ids, t.ID)
	}
	snapshot := model.PlaybackSnapshot{
		QueueTrackIDs: ids,
		WasPlaying:    c.state.IsPlaying,
	}
	if c.state.CurrentTrack != nil {
		snapshot.CurrentTrackID = c.state.CurrentTrack.ID
	}
	c.mu.Unlock()

	if snapshot.CurrentTrackID != "" {
		snapshot.Position = engine.Position().Seconds()
	}
	return snapshot
}

// ApplyRefreshedURL swaps a proactively refreshed signed URL into the
// current track. The deck is not reloaded; the next load (for instance a
// stall-triggered one) picks the fresh URL up.
func (c *Controller) ApplyRefreshedURL(trackID, signedURL string, issuedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CurrentTrack == nil || c.state.CurrentTrack.ID != trackID {
		return
	}
	c.state.CurrentTrack.AudioURL = signedURL
	c.state.CurrentTrack.URLIssuedAt = issuedAt
}

// currentURL returns the current track's playable URL, empty when nothing
// is current.
func (c *Controller) currentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CurrentTrack == nil {
		return ""
	}
	return c.state.CurrentTrack.AudioURL
}

// AdoptSchedule hands playback to a schedule-selected playlist. With audio
// active it runs as an out-of-band crossfade; otherwise it is an ordinary
// selection of the playlist head. The bool reports whether the handover
// committed; a switch queued behind an in-flight fade has not.
func (c *Controller) AdoptSchedule(ctx context.Context, queue []model.Track) (bool, error) {
	if len(queue) == 0 {
		c.logger.Warn().Msg("schedule handed over an empty playlist, keeping current playback")
		return false, nil
	}
	if !c.gate.CanPlay(ctx) {
		c.bus.Publish(events.EventGateDenied, events.Payload{"command": "schedule_switch"})
		return false, ErrEntitlementDenied
	}

	c.mu.Lock()
	audible := c.state.IsPlaying && c.state.CurrentTrack != nil
	engine := c.engine
	c.mu.Unlock()

	if audible && c.crossfadeUsable() {
		return engine.ScheduleSwitch(ctx, queue)
	}
	if err := c.SelectTrack(ctx, queue[0], queue); err != nil {
		return false, err
	}
	return true, nil
}

// completeTransition commits the crossfaded-in track as current. Called by
// the engine after a swap; a scheduled switch also carries its queue.
func (c *Controller) completeTransition(to model.PlayableTrack, queue []model.Track) {
	c.mu.Lock()
	if queue != nil {
		c.queue = append([]model.Track(nil), queue...)
	}
	c.state.CurrentTrack = &to
	c.state.IsPlaying = true
	c.mu.Unlock()

	c.urls.Watch(to)
	if queue != nil {
		c.bus.Publish(events.EventQueueReplaced, events.Payload{"size": len(queue)})
	}
	c.publishNowPlaying(to)
}

// handleTrackEnded is the abrupt end-of-track path, taken when no
// crossfade ran. repeat=one restarts in place; everything else advances.
func (c *Controller) handleTrackEnded(ctx context.Context) {
	c.mu.Lock()
	repeat := c.state.Repeat
	current := c.state.CurrentTrack
	engine := c.engine
	c.mu.Unlock()

	if current == nil {
		return
	}
	if repeat == model.RepeatOne {
		if err := engine.RestartCurrent(ctx); err != nil {
			c.logger.Warn().Err(err).Str("track_id", current.ID).Msg("repeat-one restart failed")
		}
		return
	}
	if err := c.Advance(ctx, model.DirectionNext); err != nil {
		c.logger.Warn().Err(err).Msg("advance after track end failed")
	}
}

func (c *Controller) publishNowPlaying(track model.PlayableTrack) {
	c.bus.Publish(events.EventNowPlaying, events.Payload{
		"track_id": track.ID,
		"title":    track.Title,
		"artist":   track.Artist,
		"album":    track.Album,
	})
}
