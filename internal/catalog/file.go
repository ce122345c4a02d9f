/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/venuecast/venuecast/internal/model"
)

// Manifest is the on-disk shape of a file catalog. Venues that run without
// a backend connection ship one of these alongside their media.
type Manifest struct {
	Tracks    []model.Track        `yaml:"tracks"`
	Playlists []ManifestPlaylist   `yaml:"playlists"`
	Schedules []model.ScheduleRule `yaml:"schedules"`
}

// ManifestPlaylist maps a playlist to an ordered list of track IDs.
type ManifestPlaylist struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	TrackIDs []string `yaml:"track_ids"`
}

// FileProvider serves the catalog from a YAML manifest.
type FileProvider struct {
	mu        sync.RWMutex
	tracks    map[string]model.Track
	playlists map[string][]string
	schedules []model.ScheduleRule
	logger    zerolog.Logger
}

// NewFileProvider loads a manifest from path.
func NewFileProvider(path string, logger zerolog.Logger) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse catalog manifest: %w", err)
	}
	return NewFileProviderFromManifest(manifest, logger), nil
}

// NewFileProviderFromManifest builds a provider from an in-memory manifest.
func NewFileProviderFromManifest(manifest Manifest, logger zerolog.Logger) *FileProvider {
	p := &FileProvider{
		tracks:    make(map[string]model.Track, len(manifest.Tracks)),
		playlists: make(map[string][]string, len(manifest.Playlists)),
		schedules: manifest.Schedules,
		logger:    logger.With().Str("component", "catalog-file").Logger(),
	}
	for _, t := range manifest.Tracks {
		p.tracks[t.ID] = t
	}
	for _, pl := range manifest.Playlists {
		p.playlists[pl.ID] = pl.TrackIDs
	}
	return p
}

func (p *FileProvider) GetTrack(_ context.Context, id string) (model.Track, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	track, ok := p.tracks[id]
	if !ok {
		return model.Track{}, ErrTrackNotFound
	}
	return track, nil
}

func (p *FileProvider) GetPlaylistTracks(_ context.Context, playlistID string) ([]model.Track, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids, ok := p.playlists[playlistID]
	if !ok {
		return nil, ErrPlaylistNotFound
	}
	tracks := make([]model.Track, 0, len(ids))
	for _, id := range ids {
		track, ok := p.tracks[id]
		if !ok {
			// Manifest inconsistency; skip rather than fail the playlist.
			p.logger.Warn().Str("track_id", id).Str("playlist_id", playlistID).Msg("manifest references unknown track")
			continue
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func (p *FileProvider) GetActiveSchedules(_ context.Context, _ string) ([]model.ScheduleRule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rules := make([]model.ScheduleRule, 0, len(p.schedules))
	for _, r := range p.schedules {
		if r.IsActive {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

var _ Provider = (*FileProvider)(nil)
