/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package persist

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// FileKV is a single-file JSON map. The default backend for venues with no
// local database.
type FileKV struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	values map[string]string
}

// NewFileKV loads (or initializes) a file-backed KV at path.
func NewFileKV(path string, logger zerolog.Logger) *FileKV {
	kv := &FileKV{
		path:   path,
		logger: logger.With().Str("component", "kv-file").Logger(),
		values: make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &kv.values); err != nil {
			kv.logger.Debug().Err(err).Msg("state file unparseable, starting empty")
			kv.values = make(map[string]string)
		}
	}
	return kv
}

func (kv *FileKV) Get(key string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.values[key]
	return v, ok
}

func (kv *FileKV) Set(key, value string) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = value
	kv.flushLocked()
}

func (kv *FileKV) Remove(key string) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.values, key)
	kv.flushLocked()
}

func (kv *FileKV) flushLocked() {
	data, err := json.Marshal(kv.values)
	if err != nil {
		return
	}
	tmp := kv.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		kv.logger.Debug().Err(err).Msg("state write failed")
		return
	}
	if err := os.Rename(tmp, kv.path); err != nil {
		kv.logger.Debug().Err(err).Msg("state rename failed")
	}
}

var _ KV = (*FileKV)(nil)
