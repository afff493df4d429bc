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

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient defines the subset of redis operations the storage needs.
// Implementations must return ErrNotFound from Get on a missing key.
type RedisClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisStorage provides redis-backed storage shared across processes
type RedisStorage struct {
	client RedisClient
	logger *zap.Logger
	prefix string
}

// NewRedisStorage connects to the redis server at redisURL
// (redis://[user:password@]host:port/db).
func NewRedisStorage(redisURL, prefix string, logger *zap.Logger) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewRedisStorageWithClient(&goRedisClient{client: redis.NewClient(opts)}, prefix, logger), nil
}

// NewRedisStorageWithClient wraps an existing client
func NewRedisStorageWithClient(client RedisClient, prefix string, logger *zap.Logger) *RedisStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStorage{
		client: client,
		logger: logger,
		prefix: prefix,
	}
}

// Get retrieves the value stored under key
func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return data, nil
}

// Set stores value under key with optional TTL
func (r *RedisStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	r.logger.Debug("Stored cache key",
		zap.String("key", key),
		zap.Int("bytes", len(value)),
		zap.Duration("ttl", ttl))
	return nil
}

// Delete removes a key
func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	return nil
}

// Ping checks the redis connection
func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// Close closes the redis connection
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) key(key string) string {
	return r.prefix + key
}

// goRedisClient adapts *redis.Client to RedisClient
type goRedisClient struct {
	client *redis.Client
}

func (g *goRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := g.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (g *goRedisClient) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return g.client.Set(ctx, key, value, expiration).Err()
}

func (g *goRedisClient) Del(ctx context.Context, keys ...string) error {
	return g.client.Del(ctx, keys...).Err()
}

func (g *goRedisClient) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *goRedisClient) Close() error {
	return g.client.Close()
}
