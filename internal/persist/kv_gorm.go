/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package persist

import (
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// StateEntry is the persisted row for one KV pair.
type StateEntry struct {
	Key       string `gorm:"primaryKey;column:key"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (StateEntry) TableName() string {
	return "state_entries"
}

// GormKV stores keys in a local sqlite database.
type GormKV struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// OpenSQLiteKV opens (creating if needed) a sqlite-backed KV at path.
func OpenSQLiteKV(path string, logger zerolog.Logger) (*GormKV, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return NewGormKV(db, logger)
}

// NewGormKV wraps an existing gorm DB.
func NewGormKV(db *gorm.DB, logger zerolog.Logger) (*GormKV, error) {
	if err := db.AutoMigrate(&StateEntry{}); err != nil {
		return nil, err
	}
	return &GormKV{
		db:     db,
		logger: logger.With().Str("component", "kv-sqlite").Logger(),
	}, nil
}

func (kv *GormKV) Get(key string) (string, bool) {
	var entry StateEntry
	err := kv.db.First(&entry, "key = ?", key).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			kv.logger.Debug().Err(err).Str("key", key).Msg("kv get failed")
		}
		return "", false
	}
	return entry.Value, true
}

func (kv *GormKV) Set(key, value string) {
	entry := StateEntry{Key: key, Value: value, UpdatedAt: time.Now()}
	if err := kv.db.Save(&entry).Error; err != nil {
		kv.logger.Debug().Err(err).Str("key", key).Msg("kv set failed")
	}
}

func (kv *GormKV) Remove(key string) {
	if err := kv.db.Delete(&StateEntry{}, "key = ?", key).Error; err != nil {
		kv.logger.Debug().Err(err).Str("key", key).Msg("kv del failed")
	}
}

var _ KV = (*GormKV)(nil)
