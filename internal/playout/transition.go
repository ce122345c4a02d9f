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
	"github.com/venuecast/venuecast/internal/output"
)

// Phase is the transition engine's state. Transitions follow
// Idle -> Preloading -> Fading -> Swapped -> Idle; every phase change tears
// down the timers owned by the previous phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreloading Phase = "preloading"
	PhaseFading     Phase = "fading"
	PhaseSwapped    Phase = "swapped"
)

// TransitionTag is a tagged variant for transition slot occupancy. It
// rules out illegal combinations such as a queued switch with nothing in
// flight.
type TransitionTag int

const (
	// TransitionNone: the slot is free.
	TransitionNone TransitionTag = iota
	// TransitionInFlight: a fade is running.
	TransitionInFlight
	// TransitionScheduledQueued: a fade is running and a schedule-driven
	// switch waits behind it.
	TransitionScheduledQueued
)

// TransitionSession exists only while a crossfade is in flight. At most
// one at a time.
type TransitionSession struct {
	FromTrackID string
	To          model.PlayableTrack
	ToQueue     []model.Track // non-nil for schedule-driven switches
	StartedAt   time.Time
	StepIndex   int
	TotalSteps  int
}

// Engine owns the two output decks and is the only component permitted to
// command them. Everyone else communicates intent; the engine translates
// intent into deck operations.
type Engine struct {
	controller *Controller
	bus        *events.Bus
	logger     zerolog.Logger

	window time.Duration
	margin time.Duration
	steps  int

	mu         sync.Mutex
	decks      [2]output.Output
	active     int
	phase      Phase
	session    *TransitionSession
	tag        TransitionTag
	queued     []model.Track // payload of TransitionScheduledQueued
	fadeCancel chan struct{}
	target     float64

	// preloadGen invalidates preload goroutines that outlive a
	// cancellation or track change.
	preloadGen uint64

	onProgress func(position, duration time.Duration)
	onError    func(err error)
}

// NewEngine creates the transition engine around two decks. The engine
// registers itself on both decks' callbacks.
func NewEngine(controller *Controller, primary, secondary output.Output, window, margin time.Duration, steps int, bus *events.Bus, logger zerolog.Logger) *Engine {
	if steps <= 0 {
		steps = 50
	}
	e := &Engine{
		controller: controller,
		bus:        bus,
		logger:     logger.With().Str("component", "transition").Logger(),
		window:     window,
		margin:     margin,
		steps:      steps,
		decks:      [2]output.Output{primary, secondary},
		phase:      PhaseIdle,
		target:     1,
	}
	for i := range e.decks {
		idx := i
		e.decks[i].SetCallbacks(output.Callbacks{
			OnProgress: func(pos, dur time.Duration) { e.handleProgress(idx, pos, dur) },
			OnEnded:    func() { e.handleEnded(idx) },
			OnError:    func(err error) { e.handleDeckError(idx, err) },
		})
	}
	return e
}

// SetObserver wires the resilience monitor's progress and error hooks.
func (e *Engine) SetObserver(onProgress func(position, duration time.Duration), onError func(err error)) {
	e.mu.Lock()
	e.onProgress = onProgress
	e.onError = onError
	e.mu.Unlock()
}

// Phase returns the current transition phase.
func (e *Engine) CurrentPhase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Session returns a copy of the in-flight transition session, if any.
func (e *Engine) Session() (TransitionSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return TransitionSession{}, false
	}
	return *e.session, true
}

// ActiveDeck returns the authoritative output. The monitor reads real
// output state from it; nobody else commands it.
func (e *Engine) ActiveDeck() output.Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decks[e.active]
}

// SetTargetVolume changes the target volume. Applied to the active deck
// immediately unless a fade is ramping it.
func (e *Engine) SetTargetVolume(v float64) {
	e.mu.Lock()
	e.target = v
	deck := e.decks[e.active]
	fading := e.phase == PhaseFading
	e.mu.Unlock()
	if !fading {
		deck.SetVolume(v)
	}
}

// StartTrack loads and plays a track on the active deck from position.
// The caller is responsible for having cancelled any in-flight transition.
func (e *Engine) StartTrack(ctx context.Context, track model.PlayableTrack, position time.Duration) error {
	e.mu.Lock()
	deck := e.decks[e.active]
	target := e.target
	e.mu.Unlock()

	deck.SetMuted(false)
	deck.SetVolume(target)
	if err := deck.Load(ctx, track.AudioURL); err != nil {
		return err
	}
	if position > 0 {
		if err := deck.Seek(position); err != nil {
			e.logger.Debug().Err(err).Msg("seek to restored position failed, starting at zero")
		}
	}
	return deck.Play(ctx)
}

// PrepareTrack loads a track on the active deck at position without
// starting audio. The paused-restore path.
func (e *Engine) PrepareTrack(ctx context.Context, track model.PlayableTrack, position time.Duration) error {
	e.mu.Lock()
	deck := e.decks[e.active]
	target := e.target
	e.mu.Unlock()

	deck.SetMuted(false)
	deck.SetVolume(target)
	if err := deck.Load(ctx, track.AudioURL); err != nil {
		return err
	}
	if position > 0 {
		if err := deck.Seek(position); err != nil {
			e.logger.Debug().Err(err).Msg("seek to restored position failed, staying at zero")
		}
	}
	return nil
}

// RestartCurrent rewinds the active deck and plays. The repeat-one path.
func (e *Engine) RestartCurrent(ctx context.Context) error {
	deck := e.ActiveDeck()
	if err := deck.Seek(0); err != nil {
		return err
	}
	return deck.Play(ctx)
}

// ReloadCurrent reloads the current source at the last known position and
// resumes. The stall/error recovery path; reloading implicitly picks up a
// refreshed signed URL.
func (e *Engine) ReloadCurrent(ctx context.Context) error {
	url := e.controller.currentURL()
	if url == "" {
		return output.ErrNoSource
	}
	deck := e.ActiveDeck()
	position := deck.Position()
	if err := deck.Load(ctx, url); err != nil {
		return err
	}
	if position > 0 {
		if err := deck.Seek(position); err != nil {
			e.logger.Debug().Err(err).Msg("seek after reload failed")
		}
	}
	return deck.Play(ctx)
}

// Pause halts the active deck. An in-flight transition is cancelled first;
// pausing mid-fade must not leave two half-audible decks.
func (e *Engine) Pause() {
	e.CancelTransition()
	deck := e.ActiveDeck()
	if err := deck.Pause(); err != nil {
		e.logger.Debug().Err(err).Msg("pause failed")
	}
}

// Resume plays the active deck.
func (e *Engine) Resume(ctx context.Context) error {
	return e.ActiveDeck().Play(ctx)
}

// Stop halts the active deck and cancels any transition.
func (e *Engine) Stop() {
	e.CancelTransition()
	deck := e.ActiveDeck()
	if err := deck.Stop(); err != nil {
		e.logger.Debug().Err(err).Msg("stop failed")
	}
	e.bus.Publish(events.EventPlaybackStopped, events.Payload{})
}

// Seek jumps the active deck to a fraction of its duration and returns the
// resulting position. Seeking cancels an in-flight transition; the fade
// triggers re-evaluate from the new position.
func (e *Engine) Seek(fraction float64) time.Duration {
	e.CancelTransition()
	deck := e.ActiveDeck()
	position := time.Duration(fraction * float64(deck.Duration()))
	if err := deck.Seek(position); err != nil {
		e.logger.Debug().Err(err).Msg("seek failed")
		return deck.Position()
	}
	return position
}

// Position returns the active deck playhead.
func (e *Engine) Position() time.Duration {
	return e.ActiveDeck().Position()
}

// Duration returns the active deck track length.
func (e *Engine) Duration() time.Duration {
	return e.ActiveDeck().Duration()
}

// handleProgress drives the phase machine from the active deck's progress
// callbacks. Inactive deck progress is ignored.
func (e *Engine) handleProgress(idx int, position, duration time.Duration) {
	e.mu.Lock()
	if idx != e.active {
		e.mu.Unlock()
		return
	}
	onProgress := e.onProgress
	e.mu.Unlock()

	if onProgress != nil {
		onProgress(position, duration)
	}
	if duration <= 0 || !e.controller.crossfadeUsable() {
		return
	}

	remaining := duration - position
	if remaining <= e.window+e.margin {
		e.maybePreload()
	}
	if remaining <= e.window {
		e.maybeFade(context.Background())
	}
}

// maybePreload starts exactly one preload; repeated triggers while one is
// pending are ignored.
func (e *Engine) maybePreload() {
	from := e.currentTrackID()

	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return
	}
	e.setPhaseLocked(PhasePreloading)
	gen := e.preloadGen
	e.mu.Unlock()

	go e.preload(context.Background(), gen, from, nil)
}

// preload resolves the upcoming track and loads it muted into the inactive
// deck. queueOverride carries a schedule-driven playlist; nil means the
// controller's own advance logic picks the track.
func (e *Engine) preload(ctx context.Context, gen uint64, fromTrackID string, queueOverride []model.Track) {
	var next model.Track
	if queueOverride != nil {
		next = queueOverride[0]
	} else {
		candidate, ok := e.controller.NextForPreload()
		if !ok {
			e.abandonPreload(gen, "no upcoming track to preload")
			return
		}
		next = candidate
	}

	playable, err := e.controller.ResolveURL(ctx, next)
	if err != nil {
		e.logger.Warn().Err(err).Str("track_id", next.ID).Msg("preload resolution failed")
		e.abandonPreload(gen, "")
		return
	}

	e.mu.Lock()
	if gen != e.preloadGen || e.phase != PhasePreloading {
		e.mu.Unlock()
		return
	}
	deck := e.decks[1-e.active]
	e.mu.Unlock()

	deck.SetMuted(true)
	deck.SetVolume(0)
	if err := deck.Load(ctx, playable.AudioURL); err != nil {
		e.logger.Warn().Err(err).Str("track_id", next.ID).Msg("preload load failed")
		e.abandonPreload(gen, "")
		return
	}

	e.mu.Lock()
	if gen != e.preloadGen || e.phase != PhasePreloading {
		e.mu.Unlock()
		deck.Reset()
		return
	}
	e.session = &TransitionSession{
		FromTrackID: fromTrackID,
		To:          playable,
		ToQueue:     queueOverride,
		TotalSteps:  e.steps,
	}
	e.mu.Unlock()
	e.logger.Debug().Str("track_id", next.ID).Msg("next track preloaded")
}

func (e *Engine) abandonPreload(gen uint64, msg string) {
	e.mu.Lock()
	if gen == e.preloadGen && e.phase == PhasePreloading {
		e.setPhaseLocked(PhaseIdle)
	}
	e.mu.Unlock()
	if msg != "" {
		e.logger.Debug().Msg(msg)
	}
}

// maybeFade begins the ramp once the fade window is reached and a preload
// has completed. Without a ready preload nothing happens here; the track
// falls through to the abrupt ended handoff.
func (e *Engine) maybeFade(ctx context.Context) {
	e.mu.Lock()
	if e.phase != PhasePreloading || e.session == nil {
		e.mu.Unlock()
		return
	}
	session := e.session
	e.startFadeLocked(session)
	to := e.decks[1-e.active]
	e.mu.Unlock()

	e.launchFade(ctx, session, to)
}

// startFadeLocked flips the phase and arms the fade's owned cancel
// channel. Caller holds the lock.
func (e *Engine) startFadeLocked(session *TransitionSession) {
	e.setPhaseLocked(PhaseFading)
	session.StartedAt = time.Now()
	e.fadeCancel = make(chan struct{})
	if e.tag == TransitionNone {
		e.tag = TransitionInFlight
	}
}

// launchFade unmutes and starts the incoming deck, then runs the ramp.
// Returns false when the deck refused to start and the fade was abandoned.
func (e *Engine) launchFade(ctx context.Context, session *TransitionSession, to output.Output) bool {
	to.SetMuted(false)
	if err := to.Play(ctx); err != nil {
		e.logger.Warn().Err(err).Str("track_id", session.To.ID).Msg("incoming deck refused to start, abandoning fade")
		e.CancelTransition()
		return false
	}

	e.bus.Publish(events.EventCrossfadeStarted, events.Payload{
		"from_track_id": session.FromTrackID,
		"to_track_id":   session.To.ID,
		"window_ms":     e.window.Milliseconds(),
		"steps":         session.TotalSteps,
	})

	e.mu.Lock()
	cancel := e.fadeCancel
	from := e.decks[e.active]
	target := e.target
	e.mu.Unlock()
	go e.runFade(session, from, to, target, cancel)
	return true
}

// runFade ramps the outgoing deck target->0 and the incoming deck
// 0->target linearly over the window.
func (e *Engine) runFade(session *TransitionSession, from, to output.Output, target float64, cancel <-chan struct{}) {
	interval := e.window / time.Duration(session.TotalSteps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 1; i <= session.TotalSteps; i++ {
		select {
		case <-cancel:
			return
		case <-ticker.C:
		}
		p := float64(i) / float64(session.TotalSteps)
		// Volume writes happen under the lock so a concurrent cancellation
		// can never be clobbered by a late step.
		e.mu.Lock()
		if e.phase != PhaseFading || e.session != session {
			e.mu.Unlock()
			return
		}
		session.StepIndex = i
		from.SetVolume((1 - p) * target)
		to.SetVolume(p * target)
		e.mu.Unlock()
	}
	e.finishFade(session)
}

// finishFade promotes the incoming deck to active and commits the track.
func (e *Engine) finishFade(session *TransitionSession) {
	e.mu.Lock()
	if e.phase != PhaseFading || e.session != session {
		e.mu.Unlock()
		return
	}
	e.setPhaseLocked(PhaseSwapped)
	old := e.decks[e.active]
	e.active = 1 - e.active
	e.session = nil
	queued := e.queued
	e.queued = nil
	e.tag = TransitionNone
	e.setPhaseLocked(PhaseIdle)
	e.mu.Unlock()

	if err := old.Stop(); err != nil {
		e.logger.Debug().Err(err).Msg("outgoing deck stop failed")
	}
	old.Reset()

	e.bus.Publish(events.EventCrossfadeCompleted, events.Payload{
		"from_track_id": session.FromTrackID,
		"to_track_id":   session.To.ID,
	})
	e.controller.completeTransition(session.To, session.ToQueue)

	if queued != nil {
		go func() {
			if _, err := e.ScheduleSwitch(context.Background(), queued); err != nil {
				e.logger.Warn().Err(err).Msg("deferred schedule switch failed")
			}
		}()
	}
}

// CancelTransition tears down any in-flight or pending transition: owned
// timers stop, the inactive deck is cleared, and the active deck returns
// to full target volume. A half-completed fade never leaks into a
// user-initiated switch.
func (e *Engine) CancelTransition() {
	e.mu.Lock()
	inFlight := e.phase == PhasePreloading || e.phase == PhaseFading
	wasFading := e.phase == PhaseFading
	session := e.session
	e.preloadGen++
	e.session = nil
	queued := e.queued
	e.queued = nil
	e.tag = TransitionNone
	e.setPhaseLocked(PhaseIdle)
	if wasFading {
		e.decks[e.active].SetVolume(e.target)
	}
	inactive := e.decks[1-e.active]
	e.mu.Unlock()

	if !inFlight {
		return
	}
	if err := inactive.Stop(); err != nil {
		e.logger.Debug().Err(err).Msg("inactive deck stop failed")
	}
	inactive.Reset()
	if queued != nil {
		e.logger.Info().Msg("queued schedule switch dropped by a newer command")
	}
	if session != nil || wasFading {
		payload := events.Payload{}
		if session != nil {
			payload["to_track_id"] = session.To.ID
		}
		e.bus.Publish(events.EventCrossfadeCancelled, payload)
	}
}

// ScheduleSwitch runs a schedule-driven crossfade to a new playlist. If a
// transition is already in flight it queues behind it and runs once the
// fade settles. The returned bool reports whether the switch actually
// committed; a queued or abandoned switch returns false so the caller
// keeps retrying until one lands.
func (e *Engine) ScheduleSwitch(ctx context.Context, queue []model.Track) (bool, error) {
	from := e.currentTrackID()

	e.mu.Lock()
	if e.phase == PhaseFading {
		e.queued = append([]model.Track(nil), queue...)
		e.tag = TransitionScheduledQueued
		e.mu.Unlock()
		e.logger.Info().Msg("schedule switch deferred behind in-flight transition")
		return false, nil
	}
	// A pending preload belongs to the outgoing playlist; drop it.
	e.preloadGen++
	e.session = nil
	e.setPhaseLocked(PhasePreloading)
	gen := e.preloadGen
	inactive := e.decks[1-e.active]
	e.mu.Unlock()

	inactive.Stop()
	inactive.Reset()

	playable, err := e.controller.ResolveURL(ctx, queue[0])
	if err != nil {
		e.abandonPreload(gen, "")
		return false, err
	}

	inactive.SetMuted(true)
	inactive.SetVolume(0)
	if err := inactive.Load(ctx, playable.AudioURL); err != nil {
		e.abandonPreload(gen, "")
		return false, err
	}

	e.mu.Lock()
	if gen != e.preloadGen || e.phase != PhasePreloading {
		e.mu.Unlock()
		inactive.Reset()
		return false, nil
	}
	session := &TransitionSession{
		FromTrackID: from,
		To:          playable,
		ToQueue:     append([]model.Track(nil), queue...),
		TotalSteps:  e.steps,
	}
	e.session = session
	e.startFadeLocked(session)
	e.mu.Unlock()

	if !e.launchFade(ctx, session, inactive) {
		return false, nil
	}
	e.bus.Publish(events.EventScheduleAdopted, events.Payload{
		"to_track_id": playable.ID,
		"tracks":      len(queue),
	})
	return true, nil
}

// handleEnded is the active deck's end-of-source signal.
func (e *Engine) handleEnded(idx int) {
	e.mu.Lock()
	if idx != e.active {
		e.mu.Unlock()
		return
	}
	phase := e.phase
	session := e.session
	e.mu.Unlock()

	e.bus.Publish(events.EventTrackEnded, events.Payload{})

	switch {
	case phase == PhaseFading:
		// The ramp completes the swap on its own.
		return
	case phase == PhasePreloading && session != nil:
		// The source ran out before the fade window fired. Hand off
		// abruptly; the gap stays within one step interval.
		e.abruptSwap(context.Background(), session)
	default:
		e.mu.Lock()
		e.preloadGen++
		e.setPhaseLocked(PhaseIdle)
		e.mu.Unlock()
		e.controller.handleTrackEnded(context.Background())
	}
}

// abruptSwap promotes a preloaded deck without a ramp.
func (e *Engine) abruptSwap(ctx context.Context, session *TransitionSession) {
	e.mu.Lock()
	if e.phase != PhasePreloading || e.session != session {
		e.mu.Unlock()
		return
	}
	e.setPhaseLocked(PhaseSwapped)
	old := e.decks[e.active]
	to := e.decks[1-e.active]
	e.active = 1 - e.active
	e.session = nil
	target := e.target
	e.setPhaseLocked(PhaseIdle)
	e.mu.Unlock()

	to.SetMuted(false)
	to.SetVolume(target)
	if err := to.Play(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("abrupt handoff start failed")
	}
	old.Stop()
	old.Reset()

	e.controller.completeTransition(session.To, session.ToQueue)
}

// handleDeckError forwards active deck failures to the monitor. An
// inactive deck failure only kills the preload.
func (e *Engine) handleDeckError(idx int, err error) {
	e.mu.Lock()
	active := idx == e.active
	onError := e.onError
	gen := e.preloadGen
	e.mu.Unlock()

	if active {
		if onError != nil {
			onError(err)
		}
		return
	}
	e.logger.Warn().Err(err).Msg("preload deck error, abandoning preload")
	e.abandonPreload(gen, "")
}

// setPhaseLocked changes phase and tears down the timers owned by the
// previous one. Caller holds the lock.
func (e *Engine) setPhaseLocked(phase Phase) {
	if e.fadeCancel != nil {
		close(e.fadeCancel)
		e.fadeCancel = nil
	}
	e.phase = phase
}

func (e *Engine) currentTrackID() string {
	state := e.controller.State()
	if state.CurrentTrack == nil {
		return ""
	}
	return state.CurrentTrack.ID
}
