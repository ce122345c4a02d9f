/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package persist

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKV stores keys in Redis. Useful for venue boxes whose local disk is
// read-only; errors are absorbed per the best-effort contract.
type RedisKV struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisKV creates a Redis-backed KV.
func NewRedisKV(addr, password string, db int, logger zerolog.Logger) *RedisKV {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &RedisKV{
		client: client,
		logger: logger.With().Str("component", "kv-redis").Logger(),
	}
}

func (kv *RedisKV) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := kv.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			kv.logger.Debug().Err(err).Str("key", key).Msg("kv get failed")
		}
		return "", false
	}
	return val, true
}

func (kv *RedisKV) Set(key, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := kv.client.Set(ctx, key, value, 0).Err(); err != nil {
		kv.logger.Debug().Err(err).Str("key", key).Msg("kv set failed")
	}
}

func (kv *RedisKV) Remove(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := kv.client.Del(ctx, key).Err(); err != nil {
		kv.logger.Debug().Err(err).Str("key", key).Msg("kv del failed")
	}
}

// Close closes the Redis connection.
func (kv *RedisKV) Close() error {
	return kv.client.Close()
}

var _ KV = (*RedisKV)(nil)
