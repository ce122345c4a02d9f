/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package catalog defines the track/playlist/schedule collaborator consumed
// by the playback engine. The engine never owns this data; it only reads it.
package catalog

import (
	"context"
	"errors"

	"github.com/venuecast/venuecast/internal/model"
)

var (
	// ErrTrackNotFound indicates the track ID does not resolve.
	ErrTrackNotFound = errors.New("catalog: track not found")

	// ErrPlaylistNotFound indicates the playlist ID does not resolve.
	ErrPlaylistNotFound = errors.New("catalog: playlist not found")
)

// Provider exposes catalog reads required by the engine.
type Provider interface {
	GetTrack(ctx context.Context, id string) (model.Track, error)
	GetPlaylistTracks(ctx context.Context, playlistID string) ([]model.Track, error)
	GetActiveSchedules(ctx context.Context, ownerID string) ([]model.ScheduleRule, error)
}
