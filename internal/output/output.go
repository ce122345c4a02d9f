/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package output defines the host media primitive the engine drives.
// Decoding and actual sound production live behind this boundary.
package output

import (
	"context"
	"errors"
	"time"
)

// ErrNoSource indicates a command was issued against an empty deck.
var ErrNoSource = errors.New("output: no source loaded")

// ErrAutoplayRejected indicates the platform refused to start audio without
// a user gesture. Callers treat this as a loggable event, not a failure.
var ErrAutoplayRejected = errors.New("output: autoplay rejected")

// Callbacks receive playback signals from a deck. All callbacks are invoked
// from the deck's own goroutine; receivers must not block.
type Callbacks struct {
	OnProgress func(position, duration time.Duration)
	OnEnded    func()
	OnError    func(err error)
}

// Output is a single audio deck. The transition engine owns two of these and
// is the only component permitted to command them.
type Output interface {
	// Load replaces the deck's source. Position resets to zero.
	Load(ctx context.Context, url string) error
	// Play starts or resumes audio. May return ErrAutoplayRejected.
	Play(ctx context.Context) error
	Pause() error
	Stop() error
	// Reset clears the source so the deck can be reused for a preload.
	Reset()

	SetVolume(v float64)
	Volume() float64
	SetMuted(muted bool)

	Seek(position time.Duration) error
	Position() time.Duration
	Duration() time.Duration

	// Playing reports the real output state, not a cached flag.
	Playing() bool

	SetCallbacks(cb Callbacks)
}
