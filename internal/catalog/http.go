/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/model"
)

// HTTPProvider reads the catalog from the backend REST API.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPProvider creates an HTTP catalog provider.
func NewHTTPProvider(baseURL, token string, logger zerolog.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With().Str("component", "catalog-http").Logger(),
	}
}

// GetTrack fetches a single track descriptor.
func (p *HTTPProvider) GetTrack(ctx context.Context, id string) (model.Track, error) {
	var track model.Track
	err := p.getJSON(ctx, "/v1/tracks/"+url.PathEscape(id), &track)
	if err != nil {
		if isNotFound(err) {
			return model.Track{}, ErrTrackNotFound
		}
		return model.Track{}, err
	}
	return track, nil
}

// GetPlaylistTracks fetches the ordered tracks of a playlist.
func (p *HTTPProvider) GetPlaylistTracks(ctx context.Context, playlistID string) ([]model.Track, error) {
	var tracks []model.Track
	err := p.getJSON(ctx, "/v1/playlists/"+url.PathEscape(playlistID)+"/tracks", &tracks)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrPlaylistNotFound
		}
		return nil, err
	}
	return tracks, nil
}

// GetActiveSchedules fetches the owner's active schedule rules.
func (p *HTTPProvider) GetActiveSchedules(ctx context.Context, ownerID string) ([]model.ScheduleRule, error) {
	var rules []model.ScheduleRule
	path := "/v1/schedules?owner=" + url.QueryEscape(ownerID) + "&active=true"
	if err := p.getJSON(ctx, path, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

type statusError struct {
	code int
	path string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("catalog: %s returned status %d", e.path, e.code)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (p *HTTPProvider) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode, path: path}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode catalog response %s: %w", path, err)
	}
	return nil
}

var _ Provider = (*HTTPProvider)(nil)
