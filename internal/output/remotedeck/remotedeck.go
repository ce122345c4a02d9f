/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package remotedeck drives an external media player over its HTTP control
// API. The player owns decoding and sound; this side owns intent. One Deck
// maps to one player deck slot.
package remotedeck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/output"
)

// Config contains the player endpoint and poll cadence.
type Config struct {
	BaseURL string
	Slot    int // deck slot on the player, 0 or 1
	Poll    time.Duration
	Token   string
}

// Deck is an output.Output backed by a remote player slot. Progress, ended,
// and error callbacks are synthesized from a status poll loop; the player
// is treated as the source of truth for position and duration.
type Deck struct {
	baseURL string
	slot    int
	token   string
	poll    time.Duration
	client  *http.Client
	logger  zerolog.Logger

	mu       sync.Mutex
	cb       output.Callbacks
	loaded   bool
	lastSeen deckStatus
	cancel   context.CancelFunc
}

type deckStatus struct {
	URL        string  `json:"url"`
	Playing    bool    `json:"playing"`
	Ended      bool    `json:"ended"`
	PositionMs int64   `json:"position_ms"`
	DurationMs int64   `json:"duration_ms"`
	Volume     float64 `json:"volume"`
	Muted      bool    `json:"muted"`
	Error      string  `json:"error,omitempty"`
}

// New creates a deck bound to one player slot and starts its status poll.
func New(cfg Config, logger zerolog.Logger) *Deck {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	d := &Deck{
		baseURL: cfg.BaseURL,
		slot:    cfg.Slot,
		token:   cfg.Token,
		poll:    cfg.Poll,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With().Str("component", "remotedeck").Int("slot", cfg.Slot).Logger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.pollLoop(ctx)
	return d
}

// Close stops the poll loop.
func (d *Deck) Close() {
	d.cancel()
}

func (d *Deck) Load(ctx context.Context, url string) error {
	if err := d.command(ctx, "load", map[string]any{"url": url}); err != nil {
		return err
	}
	d.mu.Lock()
	d.loaded = true
	d.lastSeen = deckStatus{URL: url}
	d.mu.Unlock()
	return nil
}

func (d *Deck) Play(ctx context.Context) error {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()
	if !loaded {
		return output.ErrNoSource
	}
	if err := d.command(ctx, "play", nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.lastSeen.Playing = true
	d.mu.Unlock()
	return nil
}

func (d *Deck) Pause() error {
	err := d.command(context.Background(), "pause", nil)
	if err == nil {
		d.mu.Lock()
		d.lastSeen.Playing = false
		d.mu.Unlock()
	}
	return err
}

func (d *Deck) Stop() error {
	err := d.command(context.Background(), "stop", nil)
	if err == nil {
		d.mu.Lock()
		d.lastSeen.Playing = false
		d.lastSeen.PositionMs = 0
		d.mu.Unlock()
	}
	return err
}

func (d *Deck) Reset() {
	if err := d.command(context.Background(), "reset", nil); err != nil {
		d.logger.Debug().Err(err).Msg("reset failed")
	}
	d.mu.Lock()
	d.loaded = false
	d.lastSeen = deckStatus{}
	d.mu.Unlock()
}

func (d *Deck) SetVolume(v float64) {
	if err := d.command(context.Background(), "volume", map[string]any{"volume": v}); err != nil {
		d.logger.Debug().Err(err).Msg("volume command failed")
		return
	}
	d.mu.Lock()
	d.lastSeen.Volume = v
	d.mu.Unlock()
}

func (d *Deck) Volume() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen.Volume
}

func (d *Deck) SetMuted(muted bool) {
	if err := d.command(context.Background(), "mute", map[string]any{"muted": muted}); err != nil {
		d.logger.Debug().Err(err).Msg("mute command failed")
		return
	}
	d.mu.Lock()
	d.lastSeen.Muted = muted
	d.mu.Unlock()
}

func (d *Deck) Seek(position time.Duration) error {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()
	if !loaded {
		return output.ErrNoSource
	}
	if err := d.command(context.Background(), "seek", map[string]any{"position_ms": position.Milliseconds()}); err != nil {
		return err
	}
	d.mu.Lock()
	d.lastSeen.PositionMs = position.Milliseconds()
	d.mu.Unlock()
	return nil
}

func (d *Deck) Position() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(d.lastSeen.PositionMs) * time.Millisecond
}

func (d *Deck) Duration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(d.lastSeen.DurationMs) * time.Millisecond
}

func (d *Deck) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen.Playing
}

func (d *Deck) SetCallbacks(cb output.Callbacks) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

// pollLoop mirrors the player's status into lastSeen and synthesizes the
// progress/ended/error callbacks the engine expects.
func (d *Deck) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := d.fetchStatus(ctx)
		if err != nil {
			d.logger.Debug().Err(err).Msg("status poll failed")
			continue
		}

		d.mu.Lock()
		prev := d.lastSeen
		d.lastSeen = status
		cb := d.cb
		loaded := d.loaded
		d.mu.Unlock()

		if !loaded {
			continue
		}
		if status.Error != "" && status.Error != prev.Error && cb.OnError != nil {
			cb.OnError(fmt.Errorf("remotedeck: %s", status.Error))
			continue
		}
		if status.Ended && !prev.Ended && cb.OnEnded != nil {
			cb.OnEnded()
			continue
		}
		if status.Playing && cb.OnProgress != nil {
			cb.OnProgress(
				time.Duration(status.PositionMs)*time.Millisecond,
				time.Duration(status.DurationMs)*time.Millisecond,
			)
		}
	}
}

func (d *Deck) fetchStatus(ctx context.Context) (deckStatus, error) {
	var status deckStatus
	path := fmt.Sprintf("%s/decks/%d/status", d.baseURL, d.slot)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return status, err
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("remotedeck: status returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, err
	}
	return status, nil
}

func (d *Deck) command(ctx context.Context, action string, body map[string]any) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return err
		}
	}
	path := fmt.Sprintf("%s/decks/%d/%s", d.baseURL, d.slot, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, &payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("remotedeck: %s: %w", action, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		// The player signals gesture-gated autoplay refusal with 409.
		return output.ErrAutoplayRejected
	case http.StatusNotFound:
		return output.ErrNoSource
	default:
		return fmt.Errorf("remotedeck: %s returned %d", action, resp.StatusCode)
	}
}

var _ output.Output = (*Deck)(nil)
