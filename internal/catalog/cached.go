/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/model"
)

// Default TTL values for cached catalog reads.
const (
	DefaultTrackTTL    = 1 * time.Hour
	DefaultPlaylistTTL = 30 * time.Minute
	DefaultScheduleTTL = 5 * time.Minute
)

// Key prefixes for Redis cache.
const (
	keyTrack    = "venuecast:cache:track:"    // + track_id
	keyPlaylist = "venuecast:cache:playlist:" // + playlist_id
	keySchedule = "venuecast:cache:schedules:" // + owner_id
)

// CacheConfig contains cache configuration.
type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TrackTTL    time.Duration
	PlaylistTTL time.Duration
	ScheduleTTL time.Duration

	// DisableOnError trips a circuit breaker on Redis errors so a flaky
	// cache never slows down playback.
	DisableOnError bool
}

// DefaultCacheConfig returns default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		RedisAddr:      "localhost:6379",
		TrackTTL:       DefaultTrackTTL,
		PlaylistTTL:    DefaultPlaylistTTL,
		ScheduleTTL:    DefaultScheduleTTL,
		DisableOnError: true,
	}
}

// CachedProvider decorates a Provider with Redis-backed caching and graceful
// fallback: if Redis is unreachable the inner provider is used directly.
type CachedProvider struct {
	inner  Provider
	client *redis.Client
	config CacheConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	disabled bool
}

// NewCachedProvider creates a caching decorator around inner.
func NewCachedProvider(inner Provider, cfg CacheConfig, logger zerolog.Logger) *CachedProvider {
	if cfg.TrackTTL <= 0 {
		cfg.TrackTTL = DefaultTrackTTL
	}
	if cfg.PlaylistTTL <= 0 {
		cfg.PlaylistTTL = DefaultPlaylistTTL
	}
	if cfg.ScheduleTTL <= 0 {
		cfg.ScheduleTTL = DefaultScheduleTTL
	}

	c := &CachedProvider{
		inner:  inner,
		config: cfg,
		logger: logger.With().Str("component", "catalog-cache").Logger(),
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Redis cache unavailable, reading catalog directly")
		c.disabled = true
		return c
	}

	c.client = client
	c.logger.Info().Str("addr", cfg.RedisAddr).Msg("catalog cache initialized")
	return c
}

// Close closes the Redis connection.
func (c *CachedProvider) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *CachedProvider) available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *CachedProvider) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}
	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")
	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling catalog cache due to Redis error")
	}
}

func (c *CachedProvider) GetTrack(ctx context.Context, id string) (model.Track, error) {
	var track model.Track
	if c.lookup(ctx, keyTrack+id, &track) {
		return track, nil
	}
	track, err := c.inner.GetTrack(ctx, id)
	if err != nil {
		return model.Track{}, err
	}
	c.store(ctx, keyTrack+id, track, c.config.TrackTTL)
	return track, nil
}

func (c *CachedProvider) GetPlaylistTracks(ctx context.Context, playlistID string) ([]model.Track, error) {
	var tracks []model.Track
	if c.lookup(ctx, keyPlaylist+playlistID, &tracks) {
		return tracks, nil
	}
	tracks, err := c.inner.GetPlaylistTracks(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, keyPlaylist+playlistID, tracks, c.config.PlaylistTTL)
	return tracks, nil
}

func (c *CachedProvider) GetActiveSchedules(ctx context.Context, ownerID string) ([]model.ScheduleRule, error) {
	var rules []model.ScheduleRule
	if c.lookup(ctx, keySchedule+ownerID, &rules) {
		return rules, nil
	}
	rules, err := c.inner.GetActiveSchedules(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, keySchedule+ownerID, rules, c.config.ScheduleTTL)
	return rules, nil
}

// Invalidate drops cached schedules for an owner (used when the resolver is
// disabled so re-enabling starts from a clean evaluation).
func (c *CachedProvider) Invalidate(ctx context.Context, ownerID string) {
	if !c.available() {
		return
	}
	if err := c.client.Del(ctx, keySchedule+ownerID).Err(); err != nil {
		c.handleError(err, "invalidate")
	}
}

func (c *CachedProvider) lookup(ctx context.Context, key string, out any) bool {
	if !c.available() {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		c.handleError(err, "get")
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return false
	}
	return true
}

func (c *CachedProvider) store(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.available() {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
	}
}

var _ Provider = (*CachedProvider)(nil)
