/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server exposes the local control plane: playback commands,
// status, schedule control, log queries, and the event stream. It binds to
// loopback by default; entitlement enforcement lives in the controller,
// not here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/catalog"
	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/logbuffer"
	"github.com/venuecast/venuecast/internal/model"
	"github.com/venuecast/venuecast/internal/playout"
	"github.com/venuecast/venuecast/internal/schedule"
	"github.com/venuecast/venuecast/internal/version"
)

// Server bundles the HTTP control plane.
type Server struct {
	controller *playout.Controller
	engine     *playout.Engine
	monitor    *playout.Monitor
	resolver   *schedule.Resolver
	export     *schedule.ExportService
	provider   catalog.Provider
	bus        *events.Bus
	logBuffer  *logbuffer.Buffer
	metrics    http.Handler
	updates    *version.Checker
	logger     zerolog.Logger

	venueID    string
	router     chi.Router
	httpServer *http.Server
}

// Config bundles the server collaborators.
type Config struct {
	Controller *playout.Controller
	Engine     *playout.Engine
	Monitor    *playout.Monitor
	Resolver   *schedule.Resolver
	Export     *schedule.ExportService
	Provider   catalog.Provider
	Bus        *events.Bus
	LogBuffer  *logbuffer.Buffer
	Metrics    http.Handler // scrape endpoint, optional
	Updates    *version.Checker

	VenueID string
	Bind    string
	Port    int
}

// New constructs the server and its routes.
func New(cfg Config, logger zerolog.Logger) *Server {
	s := &Server{
		controller: cfg.Controller,
		engine:     cfg.Engine,
		monitor:    cfg.Monitor,
		resolver:   cfg.Resolver,
		export:     cfg.Export,
		provider:   cfg.Provider,
		bus:        cfg.Bus,
		logBuffer:  cfg.LogBuffer,
		metrics:    cfg.Metrics,
		updates:    cfg.Updates,
		logger:     logger.With().Str("component", "server").Logger(),
		venueID:    cfg.VenueID,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	router.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)
		r.Get("/events", s.handleEvents)
		r.Get("/logs", s.handleLogs)
		r.Get("/version", s.handleVersion)

		r.Route("/playback", func(r chi.Router) {
			r.Post("/select", s.handleSelect)
			r.Post("/toggle", s.handleToggle)
			r.Post("/next", s.handleAdvance(model.DirectionNext))
			r.Post("/previous", s.handleAdvance(model.DirectionPrevious))
			r.Post("/shuffle", s.handleShuffle)
			r.Post("/repeat", s.handleRepeat)
			r.Post("/crossfade", s.handleCrossfade)
			r.Post("/volume", s.handleVolume)
			r.Post("/seek", s.handleSeek)
		})

		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", s.handleScheduleStatus)
			r.Post("/enable", s.handleScheduleEnable)
			r.Post("/disable", s.handleScheduleDisable)
			r.Post("/recheck", s.handleScheduleRecheck)
			r.Get("/export.ics", s.handleScheduleExport)
		})
	})

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the event stream holds connections open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the handler tree. Tests mount it on httptest servers.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until context cancellation, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("control plane listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the full engine status surface.
type statusResponse struct {
	VenueID          string               `json:"venue_id"`
	CurrentTrack     *model.PlayableTrack `json:"current_track"`
	IsPlaying        bool                 `json:"is_playing"`
	Shuffle          bool                 `json:"shuffle"`
	Repeat           model.RepeatMode     `json:"repeat"`
	CrossfadeEnabled bool                 `json:"crossfade_enabled"`
	Volume           float64              `json:"volume"`
	PositionMs       int64                `json:"position_ms"`
	DurationMs       int64                `json:"duration_ms"`
	TransitionPhase  playout.Phase        `json:"transition_phase"`
	QueueLength      int                  `json:"queue_length"`
	Retries          int                  `json:"retries"`
	Offline          bool                 `json:"offline"`
	ScheduleEnabled  bool                 `json:"schedule_enabled"`
	ScheduleRuleID   string               `json:"schedule_rule_id,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.controller.State()
	resp := statusResponse{
		VenueID:          s.venueID,
		CurrentTrack:     state.CurrentTrack,
		IsPlaying:        state.IsPlaying,
		Shuffle:          state.Shuffle,
		Repeat:           state.Repeat,
		CrossfadeEnabled: state.CrossfadeEnabled,
		Volume:           s.controller.TargetVolume(),
		TransitionPhase:  s.engine.CurrentPhase(),
		QueueLength:      len(s.controller.Queue()),
		Retries:          s.monitor.Retries(),
		Offline:          s.monitor.Offline(),
	}
	if state.CurrentTrack != nil {
		resp.PositionMs = s.engine.Position().Milliseconds()
		resp.DurationMs = s.engine.Duration().Milliseconds()
	}
	if s.resolver != nil {
		resp.ScheduleEnabled = s.resolver.Enabled()
		resp.ScheduleRuleID = s.resolver.LastRuleID()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queue": s.controller.Queue()})
}

type selectRequest struct {
	TrackID    string `json:"track_id"`
	PlaylistID string `json:"playlist_id"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TrackID == "" && req.PlaylistID == "" {
		writeError(w, http.StatusBadRequest, "track_or_playlist_required")
		return
	}

	ctx := r.Context()
	var queue []model.Track
	if req.PlaylistID != "" {
		tracks, err := s.provider.GetPlaylistTracks(ctx, req.PlaylistID)
		if err != nil {
			if errors.Is(err, catalog.ErrPlaylistNotFound) {
				writeError(w, http.StatusNotFound, "playlist_not_found")
			} else {
				writeError(w, http.StatusBadGateway, "catalog_unavailable")
			}
			return
		}
		if len(tracks) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "playlist_empty")
			return
		}
		queue = tracks
	}

	var track model.Track
	switch {
	case req.TrackID != "" && queue != nil:
		found := false
		for _, t := range queue {
			if t.ID == req.TrackID {
				track = t
				found = true
				break
			}
		}
		if !found {
			writeError(w, http.StatusUnprocessableEntity, "track_not_in_playlist")
			return
		}
	case req.TrackID != "":
		t, err := s.provider.GetTrack(ctx, req.TrackID)
		if err != nil {
			if errors.Is(err, catalog.ErrTrackNotFound) {
				writeError(w, http.StatusNotFound, "track_not_found")
			} else {
				writeError(w, http.StatusBadGateway, "catalog_unavailable")
			}
			return
		}
		track = t
	default:
		track = queue[0]
	}

	if err := s.controller.SelectTrack(ctx, track, queue); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "track_id": track.ID})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.controller.TogglePlayPause(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"is_playing": s.controller.State().IsPlaying})
}

func (s *Server) handleAdvance(direction model.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.controller.Advance(r.Context(), direction); err != nil {
			s.writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleShuffle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.SetShuffle(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"shuffle": req.Enabled})
}

func (s *Server) handleRepeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode model.RepeatMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "unknown_repeat_mode")
		return
	}
	s.controller.SetRepeat(req.Mode)
	writeJSON(w, http.StatusOK, map[string]any{"repeat": req.Mode})
}

func (s *Server) handleCrossfade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.SetCrossfade(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"crossfade_enabled": req.Enabled})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume *float64 `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Volume == nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.SetVolume(*req.Volume)
	writeJSON(w, http.StatusOK, map[string]any{"volume": s.controller.TargetVolume()})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fraction *float64 `json:"fraction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fraction == nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.Seek(*req.Fraction)
	writeJSON(w, http.StatusOK, map[string]any{"position_ms": s.engine.Position().Milliseconds()})
}

func (s *Server) handleScheduleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusNotFound, "scheduler_not_configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.resolver.Enabled(),
		"rule_id": s.resolver.LastRuleID(),
	})
}

func (s *Server) handleScheduleEnable(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusNotFound, "scheduler_not_configured")
		return
	}
	s.resolver.Enable(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (s *Server) handleScheduleDisable(w http.ResponseWriter, _ *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusNotFound, "scheduler_not_configured")
		return
	}
	s.resolver.Disable()
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

func (s *Server) handleScheduleRecheck(w http.ResponseWriter, _ *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusNotFound, "scheduler_not_configured")
		return
	}
	s.resolver.ForceRecheck()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recheck_requested"})
}

func (s *Server) handleScheduleExport(w http.ResponseWriter, r *http.Request) {
	if s.export == nil {
		writeError(w, http.StatusNotFound, "scheduler_not_configured")
		return
	}
	result, err := s.export.ExportToICal(r.Context(), s.venueID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("schedule export failed")
		writeError(w, http.StatusBadGateway, "catalog_unavailable")
		return
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	if s.updates == nil {
		writeJSON(w, http.StatusOK, version.Status{Running: version.Version})
		return
	}
	writeJSON(w, http.StatusOK, s.updates.Info())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		writeError(w, http.StatusNotFound, "log_buffer_not_configured")
		return
	}
	params := logbuffer.QueryParams{
		Level:     r.URL.Query().Get("level"),
		Component: r.URL.Query().Get("component"),
		Search:    r.URL.Query().Get("search"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			params.Limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.logBuffer.Query(params)})
}

func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	if errors.Is(err, playout.ErrEntitlementDenied) {
		writeError(w, http.StatusForbidden, "entitlement_denied")
		return
	}
	s.logger.Warn().Err(err).Msg("playback command failed")
	writeError(w, http.StatusBadGateway, "command_failed")
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
