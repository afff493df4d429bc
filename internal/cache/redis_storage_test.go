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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedisClient struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failGet error
	closed  bool
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeRedisClient) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	value, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (f *fakeRedisClient) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value...)
	f.ttls[key] = expiration
	return nil
}

func (f *fakeRedisClient) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.data, key)
		delete(f.ttls, key)
	}
	return nil
}

func (f *fakeRedisClient) Ping(context.Context) error { return nil }

func (f *fakeRedisClient) Close() error {
	f.closed = true
	return nil
}

func TestRedisStorage(t *testing.T) {
	client := newFakeRedisClient()
	storage := NewRedisStorageWithClient(client, "chat:", nil)
	ctx := context.Background()

	_, err := storage.Get(ctx, "current_chat")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, storage.Set(ctx, "current_chat", []byte(`[{"id":"1"}]`), time.Hour))
	assert.Contains(t, client.data, "chat:current_chat", "keys are namespaced by the prefix")
	assert.Equal(t, time.Hour, client.ttls["chat:current_chat"])

	got, err := storage.Get(ctx, "current_chat")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"1"}]`, string(got))

	require.NoError(t, storage.Delete(ctx, "current_chat"))
	_, err = storage.Get(ctx, "current_chat")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, storage.Close())
	assert.True(t, client.closed)
}

func TestRedisStorageWrapsBackendErrors(t *testing.T) {
	client := newFakeRedisClient()
	client.failGet = errors.New("i/o timeout")
	storage := NewRedisStorageWithClient(client, "", nil)

	_, err := storage.Get(context.Background(), QuestionCacheKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "i/o timeout")
}

func TestNewRedisStorageRejectsBadURL(t *testing.T) {
	_, err := NewRedisStorage("not-a-redis-url", "", nil)
	assert.Error(t, err)
}
