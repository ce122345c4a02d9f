/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RestoreStrategy selects startup resume behavior.
type RestoreStrategy string

const (
	// RestoreResumeExact resumes the saved track at the saved position.
	RestoreResumeExact RestoreStrategy = "resume_exact"
	// RestoreAdvanceNext restarts at the next queue entry instead of seeking
	// into the saved track; autoplay succeeds more often for a fresh track.
	RestoreAdvanceNext RestoreStrategy = "advance_next"
)

// CatalogBackend selects the catalog provider implementation.
type CatalogBackend string

const (
	CatalogHTTP CatalogBackend = "http"
	CatalogFile CatalogBackend = "file"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	VenueID     string

	// Catalog collaborator
	CatalogBackend  CatalogBackend
	CatalogBaseURL  string
	CatalogAPIToken string
	CatalogManifest string // path to YAML manifest for the file backend

	// Entitlement collaborator
	EntitlementToken  string // signed entitlement JWT; empty means static allow
	EntitlementSecret string // HMAC key for token verification

	// Signed URL issuer (S3 presign)
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // for S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool
	URLLifetime       time.Duration

	// Remote player (the process that owns decoding and sound)
	PlayerBaseURL string
	PlayerToken   string
	PlayerPoll    time.Duration

	// Playback engine tuning
	CrossfadeWindow time.Duration
	PreloadMargin   time.Duration
	CrossfadeSteps  int
	StallPoll       time.Duration
	StallThreshold  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	OnlineSettle    time.Duration

	// Persistence
	SnapshotInterval time.Duration
	SnapshotMaxAge   time.Duration
	RestoreStrategy  RestoreStrategy
	StatePath        string // sqlite state file; empty falls back to JSON file KV
	StateFile        string

	// Schedule resolver
	ScheduleTick     time.Duration
	ScheduleCacheTTL time.Duration
	ScheduleEnabled  bool

	// Redis (schedule cache + optional KV)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS event bridge
	NATSURL     string
	NATSSubject string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Release checker
	UpdateChannel  string
	UpdateInterval time.Duration
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("VENUECAST_ENV", "development"),
		HTTPBind:    getEnv("VENUECAST_HTTP_BIND", "127.0.0.1"),
		HTTPPort:    getEnvInt("VENUECAST_HTTP_PORT", 8090),
		VenueID:     getEnv("VENUECAST_VENUE_ID", ""),

		CatalogBackend:  CatalogBackend(getEnv("VENUECAST_CATALOG_BACKEND", string(CatalogHTTP))),
		CatalogBaseURL:  getEnv("VENUECAST_CATALOG_BASE_URL", ""),
		CatalogAPIToken: getEnv("VENUECAST_CATALOG_API_TOKEN", ""),
		CatalogManifest: getEnv("VENUECAST_CATALOG_MANIFEST", ""),

		EntitlementToken:  getEnv("VENUECAST_ENTITLEMENT_TOKEN", ""),
		EntitlementSecret: getEnv("VENUECAST_ENTITLEMENT_SECRET", ""),

		S3AccessKeyID:     getEnvAny([]string{"VENUECAST_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"VENUECAST_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"VENUECAST_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnv("VENUECAST_S3_BUCKET", ""),
		S3Endpoint:        getEnv("VENUECAST_S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("VENUECAST_S3_USE_PATH_STYLE", false),
		URLLifetime:       getEnvDuration("VENUECAST_URL_LIFETIME", 4*time.Hour),

		PlayerBaseURL: getEnv("VENUECAST_PLAYER_BASE_URL", "http://127.0.0.1:8091"),
		PlayerToken:   getEnv("VENUECAST_PLAYER_TOKEN", ""),
		PlayerPoll:    getEnvDuration("VENUECAST_PLAYER_POLL", time.Second),

		CrossfadeWindow: getEnvDuration("VENUECAST_CROSSFADE_WINDOW", 5*time.Second),
		PreloadMargin:   getEnvDuration("VENUECAST_PRELOAD_MARGIN", 10*time.Second),
		CrossfadeSteps:  getEnvInt("VENUECAST_CROSSFADE_STEPS", 50),
		StallPoll:       getEnvDuration("VENUECAST_STALL_POLL", 5*time.Second),
		StallThreshold:  getEnvDuration("VENUECAST_STALL_THRESHOLD", 10*time.Second),
		MaxRetries:      getEnvInt("VENUECAST_MAX_RETRIES", 3),
		RetryBackoff:    getEnvDuration("VENUECAST_RETRY_BACKOFF", time.Second),
		OnlineSettle:    getEnvDuration("VENUECAST_ONLINE_SETTLE", 500*time.Millisecond),

		SnapshotInterval: getEnvDuration("VENUECAST_SNAPSHOT_INTERVAL", 5*time.Second),
		SnapshotMaxAge:   getEnvDuration("VENUECAST_SNAPSHOT_MAX_AGE", 24*time.Hour),
		RestoreStrategy:  RestoreStrategy(getEnv("VENUECAST_RESTORE_STRATEGY", string(RestoreAdvanceNext))),
		StatePath:        getEnv("VENUECAST_STATE_PATH", ""),
		StateFile:        getEnv("VENUECAST_STATE_FILE", "./venuecast-state.json"),

		ScheduleTick:     getEnvDuration("VENUECAST_SCHEDULE_TICK", time.Minute),
		ScheduleCacheTTL: getEnvDuration("VENUECAST_SCHEDULE_CACHE_TTL", 5*time.Minute),
		ScheduleEnabled:  getEnvBool("VENUECAST_SCHEDULE_ENABLED", false),

		RedisAddr:     getEnv("VENUECAST_REDIS_ADDR", ""),
		RedisPassword: getEnv("VENUECAST_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("VENUECAST_REDIS_DB", 0),

		NATSURL:     getEnv("VENUECAST_NATS_URL", ""),
		NATSSubject: getEnv("VENUECAST_NATS_SUBJECT", "venuecast.events"),

		TracingEnabled:    getEnvBool("VENUECAST_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("VENUECAST_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("VENUECAST_TRACING_SAMPLE_RATE", 1.0),

		UpdateChannel:  getEnv("VENUECAST_UPDATE_CHANNEL", "stable"),
		UpdateInterval: getEnvDuration("VENUECAST_UPDATE_INTERVAL", 6*time.Hour),
	}

	if cfg.CatalogBackend != CatalogHTTP && cfg.CatalogBackend != CatalogFile {
		return nil, fmt.Errorf("unsupported catalog backend %q", cfg.CatalogBackend)
	}
	if cfg.CatalogBackend == CatalogHTTP && cfg.CatalogBaseURL == "" {
		return nil, fmt.Errorf("VENUECAST_CATALOG_BASE_URL must be provided for the http catalog backend")
	}
	if cfg.CatalogBackend == CatalogFile && cfg.CatalogManifest == "" {
		return nil, fmt.Errorf("VENUECAST_CATALOG_MANIFEST must be provided for the file catalog backend")
	}
	if cfg.RestoreStrategy != RestoreResumeExact && cfg.RestoreStrategy != RestoreAdvanceNext {
		return nil, fmt.Errorf("unsupported restore strategy %q", cfg.RestoreStrategy)
	}
	if cfg.CrossfadeSteps <= 0 {
		return nil, fmt.Errorf("VENUECAST_CROSSFADE_STEPS must be positive")
	}
	if cfg.PreloadMargin <= 0 || cfg.CrossfadeWindow <= 0 {
		return nil, fmt.Errorf("crossfade window and preload margin must be positive")
	}
	if cfg.EntitlementToken != "" && cfg.EntitlementSecret == "" {
		return nil, fmt.Errorf("VENUECAST_ENTITLEMENT_SECRET is required when an entitlement token is configured")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
