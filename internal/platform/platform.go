/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package platform abstracts the host signals the engine reacts to:
// visibility, network reachability, wake lock, and the media session
// surface. All bridges are optional; Nop implementations keep the engine
// fully functional on hosts that provide none of them.
package platform

import (
	"context"
	"time"

	"github.com/venuecast/venuecast/internal/model"
)

// SignalKind enumerates host signals.
type SignalKind string

const (
	SignalOnline     SignalKind = "online"
	SignalOffline    SignalKind = "offline"
	SignalForeground SignalKind = "foreground"
	SignalBackground SignalKind = "background"
)

// Signal is one host notification.
type Signal struct {
	Kind SignalKind
	At   time.Time
}

// Signals delivers host notifications as a channel so the session
// lifecycle can multiplex them in one place.
type Signals interface {
	Events() <-chan Signal
}

// WakeLock keeps the device awake while audio plays. Best effort: an
// acquisition failure is loggable, never fatal.
type WakeLock interface {
	Acquire(ctx context.Context) error
	Release()
}

// MediaHandlers are the transport controls the host may surface (lock
// screen, hardware keys). Seek is intentionally absent.
type MediaHandlers struct {
	OnPlay     func()
	OnPause    func()
	OnNext     func()
	OnPrevious func()
}

// MediaSession publishes now-playing metadata to the host.
type MediaSession interface {
	Publish(track model.Track, playing bool)
	SetHandlers(h MediaHandlers)
	Clear()
}

// NopWakeLock ignores all calls.
type NopWakeLock struct{}

func (NopWakeLock) Acquire(context.Context) error { return nil }
func (NopWakeLock) Release()                      {}

// NopMediaSession ignores all calls.
type NopMediaSession struct{}

func (NopMediaSession) Publish(model.Track, bool)  {}
func (NopMediaSession) SetHandlers(MediaHandlers)  {}
func (NopMediaSession) Clear()                     {}

// NopSignals never delivers anything.
type NopSignals struct{}

func (NopSignals) Events() <-chan Signal { return nil }

// ChanSignals is a signal source fed programmatically. Used by hosts that
// bridge real platform callbacks, and by tests to simulate them.
type ChanSignals struct {
	ch chan Signal
}

// NewChanSignals creates a buffered signal source.
func NewChanSignals() *ChanSignals {
	return &ChanSignals{ch: make(chan Signal, 16)}
}

func (s *ChanSignals) Events() <-chan Signal { return s.ch }

// Emit delivers a signal. Drops it if the consumer is saturated rather
// than blocking the host callback.
func (s *ChanSignals) Emit(kind SignalKind) {
	select {
	case s.ch <- Signal{Kind: kind, At: time.Now()}:
	default:
	}
}

var (
	_ WakeLock     = NopWakeLock{}
	_ MediaSession = NopMediaSession{}
	_ Signals      = NopSignals{}
	_ Signals      = (*ChanSignals)(nil)
)
