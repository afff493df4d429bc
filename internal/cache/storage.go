// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache holds the keyed storage behind the question cache and the
// staging cache. Values are opaque JSON documents addressed by string keys.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/your-org/chat-assistant/internal/config"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Storage.Get when the key is absent or expired
var ErrNotFound = errors.New("cache: key not found")

const (
	// StorageTypeMemory keeps values in process memory
	StorageTypeMemory = "memory"
	// StorageTypeRedis keeps values in a redis server
	StorageTypeRedis = "redis"
)

// Storage defines the interface for the cache backends
type Storage interface {
	// Get returns the stored value or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error
	// Close releases the backend
	Close() error
}

// NewStorage builds the backend selected by cfg.StorageType
func NewStorage(cfg config.CacheConfig, logger *zap.Logger) (Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.StorageType {
	case "", StorageTypeMemory:
		logger.Info("Using in-memory cache storage", zap.Int("max_entries", cfg.MaxEntries))
		return NewMemoryStorage(cfg.MaxEntries), nil
	case StorageTypeRedis:
		storage, err := NewRedisStorage(cfg.RedisURL, cfg.KeyPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis storage: %w", err)
		}
		logger.Info("Using redis cache storage", zap.String("key_prefix", cfg.KeyPrefix))
		return storage, nil
	default:
		return nil, fmt.Errorf("unsupported cache storage type: %s", cfg.StorageType)
	}
}
