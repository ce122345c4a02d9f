/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/events"
)

// Metrics exposes playback engine counters to Prometheus. It feeds off the
// event bus so instrumented code never imports this package.
type Metrics struct {
	registry *prometheus.Registry
	bus      *events.Bus
	logger   zerolog.Logger

	stalls       prometheus.Counter
	retries      prometheus.Counter
	skips        prometheus.Counter
	crossfades   prometheus.Counter
	cancelled    prometheus.Counter
	urlRefreshes prometheus.Counter
	snapshots    prometheus.Counter
	gateDenials  prometheus.Counter
	schedule     prometheus.Counter
	playing      prometheus.Gauge
}

// NewMetrics creates the metric set on its own registry.
func NewMetrics(bus *events.Bus, logger zerolog.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		bus:      bus,
		logger:   logger.With().Str("component", "metrics").Logger(),
		stalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "venuecast_stalls_total",
			Help: "Playback stalls detected by the resilience monitor.",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "venuecast_recovery_retries_total",
			Help: "Recovery attempts that reloaded the current track.",
		}),
		skips: factory.NewCounter(prometheus.CounterOpts{
			Name: "venuecast_recovery_skips_total",
			Help: "Tracks skipped after the retry budget ran out.",
		}),
		crossfades: factory.NewCounter(prometheus.CounterOpts{
			Name: "venuecast_crossfades_total",
			Help: "Crossfade transitions completed.",
		}),
		cancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "venuecast_crossfades_cancelled_total",
			Help: "Crossfade transitions torn down before completion.",
		}),
		urlRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "venuecast_url_refreshes_total",
			Help: "Signed playback URLs refreshed before expiry.",
		}),
		snapshots: factory.NewCounter(prometheus.CounterOpts{
			Name: "venuecast_snapshots_total",
			Help: "Playback snapshots written to the persistence store.",
		}),
		gateDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "venuecast_entitlement_denials_total",
			Help: "Playback commands rejected by the entitlement gate.",
		}),
		schedule: factory.NewCounter(prometheus.CounterOpts{
			Name: "venuecast_schedule_switches_total",
			Help: "Playlist handovers triggered by schedule rules.",
		}),
		playing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "venuecast_playing",
			Help: "1 while audio output is running, 0 otherwise.",
		}),
	}
}

// Run consumes bus events until context cancellation.
func (m *Metrics) Run(ctx context.Context) error {
	sub := m.bus.SubscribeAll()
	defer m.bus.UnsubscribeAll(sub)

	m.logger.Info().Msg("metrics collector started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("metrics collector stopped")
			return ctx.Err()
		case payload, ok := <-sub:
			if !ok {
				return nil
			}
			m.observe(payload)
		}
	}
}

func (m *Metrics) observe(payload events.Payload) {
	event, _ := payload["event"].(string)
	switch events.EventType(event) {
	case events.EventPlaybackStarted:
		m.playing.Set(1)
	case events.EventPlaybackPaused, events.EventPlaybackStopped:
		m.playing.Set(0)
	case events.EventStallDetected:
		m.stalls.Inc()
	case events.EventRecoveryRetry:
		m.retries.Inc()
	case events.EventRecoverySkip:
		m.skips.Inc()
	case events.EventCrossfadeCompleted:
		m.crossfades.Inc()
	case events.EventCrossfadeCancelled:
		m.cancelled.Inc()
	case events.EventURLRefreshed:
		m.urlRefreshes.Inc()
	case events.EventSnapshotSaved:
		m.snapshots.Inc()
	case events.EventGateDenied:
		m.gateDenials.Inc()
	case events.EventScheduleSwitch:
		m.schedule.Inc()
	}
}

// Handler serves the scrape endpoint for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
