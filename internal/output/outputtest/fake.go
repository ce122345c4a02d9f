/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package outputtest provides a scripted in-memory output deck for tests.
package outputtest

import (
	"context"
	"sync"
	"time"

	"github.com/venuecast/venuecast/internal/output"
)

// Fake is a deterministic output deck. Tests drive it by setting position
// and duration and firing the callbacks explicitly.
type Fake struct {
	mu sync.Mutex

	url      string
	playing  bool
	muted    bool
	volume   float64
	position time.Duration
	duration time.Duration
	cb       output.Callbacks

	// Scripted failures. Consumed once each.
	LoadErr error
	PlayErr error
	SeekErr error

	LoadedURLs []string
	PlayCalls  int
	StopCalls  int
	ResetCalls int
	VolumeLog  []float64
}

// New creates a fake deck with volume 1.
func New() *Fake {
	return &Fake{volume: 1}
}

func (f *Fake) Load(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.LoadErr; err != nil {
		f.LoadErr = nil
		return err
	}
	f.url = url
	f.position = 0
	f.LoadedURLs = append(f.LoadedURLs, url)
	return nil
}

func (f *Fake) Play(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.url == "" {
		return output.ErrNoSource
	}
	if err := f.PlayErr; err != nil {
		f.PlayErr = nil
		return err
	}
	f.playing = true
	f.PlayCalls++
	return nil
}

func (f *Fake) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	return nil
}

func (f *Fake) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.position = 0
	f.StopCalls++
	return nil
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = ""
	f.playing = false
	f.position = 0
	f.duration = 0
	f.ResetCalls++
}

func (f *Fake) SetVolume(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = v
	f.VolumeLog = append(f.VolumeLog, v)
}

func (f *Fake) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

func (f *Fake) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
}

// Muted reports the scripted mute flag.
func (f *Fake) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *Fake) Seek(position time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.url == "" {
		return output.ErrNoSource
	}
	if err := f.SeekErr; err != nil {
		f.SeekErr = nil
		return err
	}
	f.position = position
	return nil
}

func (f *Fake) Position() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *Fake) Duration() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *Fake) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *Fake) SetCallbacks(cb output.Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

// SetPosition scripts the playhead.
func (f *Fake) SetPosition(p time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = p
}

// SetDuration scripts the track length.
func (f *Fake) SetDuration(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duration = d
}

// CurrentURL returns the loaded source URL.
func (f *Fake) CurrentURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

// EmitProgress fires the progress callback with the scripted position.
func (f *Fake) EmitProgress() {
	f.mu.Lock()
	cb := f.cb
	pos, dur := f.position, f.duration
	f.mu.Unlock()
	if cb.OnProgress != nil {
		cb.OnProgress(pos, dur)
	}
}

// EmitEnded fires the ended callback.
func (f *Fake) EmitEnded() {
	f.mu.Lock()
	cb := f.cb
	f.playing = false
	f.mu.Unlock()
	if cb.OnEnded != nil {
		cb.OnEnded()
	}
}

// EmitError fires the error callback.
func (f *Fake) EmitError(err error) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

var _ output.Output = (*Fake)(nil)
