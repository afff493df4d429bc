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
	"sync"

	"go.uber.org/zap"
)

// QuestionCacheKey is the key holding every previously answered question
const QuestionCacheKey = "question_cache"

// CachedQuestion pairs a question with the answer payload it resolved to
type CachedQuestion struct {
	Question string          `json:"question"`
	Data     json.RawMessage `json:"data"`
}

// QuestionCache is the append-only list of resolved questions. Entries never
// expire and are never evicted.
//
// Writes from this process are serialised, so two turns merging at once do
// not drop each other's entries. Processes sharing one redis can still lose
// an update when their read-modify-write cycles interleave.
type QuestionCache struct {
	storage Storage
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewQuestionCache creates a question cache over storage
func NewQuestionCache(storage Storage, logger *zap.Logger) *QuestionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuestionCache{storage: storage, logger: logger}
}

// Get returns the cached questions in insertion order; empty when absent
func (q *QuestionCache) Get(ctx context.Context) ([]CachedQuestion, error) {
	data, err := q.storage.Get(ctx, QuestionCacheKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []CachedQuestion{}, nil
		}
		return nil, fmt.Errorf("failed to read question cache: %w", err)
	}

	var entries []CachedQuestion
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode question cache: %w", err)
	}
	if entries == nil {
		entries = []CachedQuestion{}
	}
	return entries, nil
}

// Append adds a single entry
func (q *QuestionCache) Append(ctx context.Context, question string, data json.RawMessage) error {
	return q.Merge(ctx, []CachedQuestion{{Question: question, Data: data}})
}

// ReplaceAll overwrites the whole list in one write
func (q *QuestionCache) ReplaceAll(ctx context.Context, entries []CachedQuestion) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.write(ctx, entries)
}

// Merge appends a batch to the current list and persists the result in one
// write. An empty batch writes nothing.
func (q *QuestionCache) Merge(ctx context.Context, batch []CachedQuestion) error {
	if len(batch) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.Get(ctx)
	if err != nil {
		return err
	}
	merged := make([]CachedQuestion, 0, len(current)+len(batch))
	merged = append(merged, current...)
	merged = append(merged, batch...)

	if err := q.write(ctx, merged); err != nil {
		return err
	}
	q.logger.Debug("Merged questions into cache",
		zap.Int("added", len(batch)),
		zap.Int("total", len(merged)))
	return nil
}

func (q *QuestionCache) write(ctx context.Context, entries []CachedQuestion) error {
	if entries == nil {
		entries = []CachedQuestion{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode question cache: %w", err)
	}
	if err := q.storage.Set(ctx, QuestionCacheKey, data, 0); err != nil {
		return fmt.Errorf("failed to write question cache: %w", err)
	}
	return nil
}
