/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/venuecast/venuecast/internal/catalog"
	"github.com/venuecast/venuecast/internal/config"
	"github.com/venuecast/venuecast/internal/entitlement"
	"github.com/venuecast/venuecast/internal/eventbus"
	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/logbuffer"
	"github.com/venuecast/venuecast/internal/logging"
	"github.com/venuecast/venuecast/internal/output/remotedeck"
	"github.com/venuecast/venuecast/internal/persist"
	"github.com/venuecast/venuecast/internal/platform"
	"github.com/venuecast/venuecast/internal/playout"
	"github.com/venuecast/venuecast/internal/schedule"
	"github.com/venuecast/venuecast/internal/server"
	"github.com/venuecast/venuecast/internal/session"
	"github.com/venuecast/venuecast/internal/telemetry"
	"github.com/venuecast/venuecast/internal/urlsign"
	"github.com/venuecast/venuecast/internal/version"
)

var (
	logger zerolog.Logger
	logBuf *logbuffer.Buffer
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "venuecast",
	Short: "Venuecast - continuous playback engine for commercial venues",
	Long:  "Venuecast keeps licensed background music playing in a venue: gapless crossfades, stall recovery, signed URL lifecycle, and schedule-driven playlist switching.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the playback engine",
	Long:  "Start the playback engine, its schedule resolver, and the local control plane API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(*cobra.Command, []string) {
		fmt.Println(version.Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf = logbuffer.New(5000)
	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf, nil))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Str("venue_id", cfg.VenueID).Msg("venuecast starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "venuecast",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown failed")
		}
	}()

	bus := events.NewBus()
	metrics := telemetry.NewMetrics(bus, logger)

	updates := version.NewChecker(version.CheckerConfig{
		Channel:  version.Channel(cfg.UpdateChannel),
		Interval: cfg.UpdateInterval,
	}, bus, logger)

	provider, err := buildCatalog()
	if err != nil {
		return err
	}

	signer, err := buildSigner(ctx)
	if err != nil {
		return err
	}
	urls := urlsign.NewManager(signer, cfg.URLLifetime, bus, logger)

	var gate entitlement.Gate = entitlement.StaticGate{Allowed: true}
	if cfg.EntitlementToken != "" {
		gate = entitlement.NewTokenGate([]byte(cfg.EntitlementSecret), cfg.EntitlementToken, logger)
	}

	controller := playout.NewController(urls, gate, bus, logger)
	urls.SetRefreshFunc(controller.ApplyRefreshedURL)

	deckA := remotedeck.New(remotedeck.Config{BaseURL: cfg.PlayerBaseURL, Slot: 0, Poll: cfg.PlayerPoll, Token: cfg.PlayerToken}, logger)
	deckB := remotedeck.New(remotedeck.Config{BaseURL: cfg.PlayerBaseURL, Slot: 1, Poll: cfg.PlayerPoll, Token: cfg.PlayerToken}, logger)
	defer deckA.Close()
	defer deckB.Close()

	engine := playout.NewEngine(controller, deckA, deckB, cfg.CrossfadeWindow, cfg.PreloadMargin, cfg.CrossfadeSteps, bus, logger)
	controller.AttachEngine(engine)
	defer engine.Stop()

	monitor := playout.NewMonitor(controller, engine, platform.NopWakeLock{}, playout.MonitorConfig{
		Poll:       cfg.StallPoll,
		Threshold:  cfg.StallThreshold,
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.RetryBackoff,
		Settle:     cfg.OnlineSettle,
	}, bus, logger)

	store := persist.NewStore(buildKV(), cfg.SnapshotMaxAge, persist.Strategy(cfg.RestoreStrategy), bus, logger)
	resolver := schedule.NewResolver(provider, controller, cfg.VenueID, cfg.ScheduleTick, cfg.ScheduleCacheTTL, bus, logger)
	export := schedule.NewExportService(provider, logger)

	sess := session.New(session.Config{
		Controller:    controller,
		Monitor:       monitor,
		URLs:          urls,
		Store:         store,
		Provider:      provider,
		Resolver:      resolver,
		Bus:           bus,
		SnapshotEvery: cfg.SnapshotInterval,
	}, logger)

	srv := server.New(server.Config{
		Controller: controller,
		Engine:     engine,
		Monitor:    monitor,
		Resolver:   resolver,
		Export:     export,
		Provider:   provider,
		Bus:        bus,
		LogBuffer:  logBuf,
		Metrics:    metrics.Handler(),
		Updates:    updates,
		VenueID:    cfg.VenueID,
		Bind:       cfg.HTTPBind,
		Port:       cfg.HTTPPort,
	}, logger)

	var wg sync.WaitGroup
	runService := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("service", name).Msg("service exited")
			}
		}()
	}

	runService("monitor", monitor.Run)
	runService("schedule", resolver.Run)
	runService("metrics", metrics.Run)
	runService("session", sess.Run)
	runService("updates", updates.Run)

	if cfg.NATSURL != "" {
		bridge, err := eventbus.Connect(eventbus.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubject,
		}, cfg.VenueID, bus, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, remote event stream disabled")
		} else {
			defer bridge.Close()
			runService("eventbus", bridge.Run)
		}
	}

	if err := sess.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("snapshot restore failed, starting fresh")
	}
	if cfg.ScheduleEnabled {
		resolver.Enable(ctx)
	}

	err = srv.Run(ctx)
	stop()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info().Msg("venuecast stopped")
	return nil
}

func buildCatalog() (catalog.Provider, error) {
	var provider catalog.Provider
	switch cfg.CatalogBackend {
	case config.CatalogFile:
		p, err := catalog.NewFileProvider(cfg.CatalogManifest, logger)
		if err != nil {
			return nil, fmt.Errorf("load catalog manifest: %w", err)
		}
		provider = p
	default:
		provider = catalog.NewHTTPProvider(cfg.CatalogBaseURL, cfg.CatalogAPIToken, logger)
	}

	if cfg.RedisAddr != "" {
		cacheCfg := catalog.DefaultCacheConfig()
		cacheCfg.RedisAddr = cfg.RedisAddr
		cacheCfg.RedisPassword = cfg.RedisPassword
		cacheCfg.RedisDB = cfg.RedisDB
		provider = catalog.NewCachedProvider(provider, cacheCfg, logger)
	}
	return provider, nil
}

func buildSigner(ctx context.Context) (urlsign.Signer, error) {
	if cfg.S3Bucket == "" {
		logger.Warn().Msg("no S3 bucket configured, source references are served unsigned")
		return urlsign.StaticSigner{}, nil
	}
	return urlsign.NewS3Signer(ctx, urlsign.S3Config{
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		Endpoint:        cfg.S3Endpoint,
		UsePathStyle:    cfg.S3UsePathStyle,
		Lifetime:        cfg.URLLifetime,
	}, logger)
}

func buildKV() persist.KV {
	if cfg.RedisAddr != "" {
		return persist.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	}
	if cfg.StatePath != "" {
		kv, err := persist.OpenSQLiteKV(cfg.StatePath, logger)
		if err == nil {
			return kv
		}
		logger.Warn().Err(err).Str("path", cfg.StatePath).Msg("sqlite state store unavailable, falling back to file KV")
	}
	return persist.NewFileKV(cfg.StateFile, logger)
}
