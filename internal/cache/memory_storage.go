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
	"sync"
	"time"
)

type memoryEntry struct {
	value      []byte
	expiresAt  time.Time
	accessedAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStorage provides in-process storage. When maxEntries is reached the
// least recently used expiring entry is evicted; entries stored without a
// ttl are never evicted.
type MemoryStorage struct {
	entries    map[string]*memoryEntry
	maxEntries int
	mutex      sync.Mutex
	now        func() time.Time
}

// NewMemoryStorage creates a new in-memory storage
func NewMemoryStorage(maxEntries int) *MemoryStorage {
	return &MemoryStorage{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get retrieves a copy of the value stored under key
func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	entry, exists := m.entries[key]
	if !exists {
		return nil, ErrNotFound
	}
	if entry.expired(now) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}

	entry.accessedAt = now
	return append([]byte(nil), entry.value...), nil
}

// Set stores a copy of value with optional TTL
func (m *MemoryStorage) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	if _, exists := m.entries[key]; !exists && m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.evict(now)
	}

	entry := &memoryEntry{
		value:      append([]byte(nil), value...),
		accessedAt: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	m.entries[key] = entry

	return nil
}

// Delete removes a key
func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.entries, key)
	return nil
}

// Ping always succeeds for in-process storage
func (m *MemoryStorage) Ping(context.Context) error {
	return nil
}

// Close clears all data
func (m *MemoryStorage) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.entries = make(map[string]*memoryEntry)
	return nil
}

// Len returns the number of live entries
func (m *MemoryStorage) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	count := 0
	for _, entry := range m.entries {
		if !entry.expired(now) {
			count++
		}
	}
	return count
}

// evict drops expired entries first, then the least recently used entry
// that carries a ttl. Must be called with the mutex held.
func (m *MemoryStorage) evict(now time.Time) {
	removed := false
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			removed = true
		}
	}
	if removed {
		return
	}

	var oldestKey string
	var oldestTime time.Time
	for key, entry := range m.entries {
		if entry.expiresAt.IsZero() {
			continue
		}
		if oldestKey == "" || entry.accessedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.accessedAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}
