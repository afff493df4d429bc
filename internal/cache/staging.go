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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StagingKey is the slot used when a request carries no session id
const StagingKey = "current_chat"

// StagingCache holds the conversation awaiting commit, one slot per session.
// Turns in the same session still race on their shared slot.
type StagingCache struct {
	storage Storage
	ttl     time.Duration
}

// NewStagingCache creates a staging cache whose slots expire after ttl
// (zero keeps them until committed).
func NewStagingCache(storage Storage, ttl time.Duration) *StagingCache {
	return &StagingCache{storage: storage, ttl: ttl}
}

// Key returns the storage key for a session
func (s *StagingCache) Key(sessionID string) string {
	if sessionID == "" {
		return StagingKey
	}
	return StagingKey + ":" + sessionID
}

// Get decodes the staged value into dst. It reports false when nothing is
// staged for the session.
func (s *StagingCache) Get(ctx context.Context, sessionID string, dst interface{}) (bool, error) {
	data, err := s.storage.Get(ctx, s.Key(sessionID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read staging cache: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode staged chat: %w", err)
	}
	return true, nil
}

// Set replaces whatever the session had staged
func (s *StagingCache) Set(ctx context.Context, sessionID string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode staged chat: %w", err)
	}
	if err := s.storage.Set(ctx, s.Key(sessionID), data, s.ttl); err != nil {
		return fmt.Errorf("failed to write staging cache: %w", err)
	}
	return nil
}

// Delete clears the session's slot
func (s *StagingCache) Delete(ctx context.Context, sessionID string) error {
	if err := s.storage.Delete(ctx, s.Key(sessionID)); err != nil {
		return fmt.Errorf("failed to clear staging cache: %w", err)
	}
	return nil
}
