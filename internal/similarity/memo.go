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

package similarity

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMemoSize bounds the number of remembered vectors
const DefaultMemoSize = 10000

// MemoEmbedder remembers vectors by exact text so that cached questions are
// embedded once instead of on every lookup. When full it starts over.
type MemoEmbedder struct {
	inner   Embedder
	maxSize int

	mu      sync.Mutex
	vectors map[string][]float32
}

// NewMemoEmbedder wraps inner
func NewMemoEmbedder(inner Embedder, maxSize int) *MemoEmbedder {
	if maxSize <= 0 {
		maxSize = DefaultMemoSize
	}
	return &MemoEmbedder{
		inner:   inner,
		maxSize: maxSize,
		vectors: make(map[string][]float32),
	}
}

// Dimensions returns the wrapped embedder's vector size
func (m *MemoEmbedder) Dimensions() int {
	return m.inner.Dimensions()
}

// Embed returns remembered vectors and embeds only the unseen texts, in one
// call to the wrapped embedder.
func (m *MemoEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	var missing []string
	missingIndex := make(map[string][]int)

	m.mu.Lock()
	for i, text := range texts {
		if vector, ok := m.vectors[text]; ok {
			result[i] = vector
			continue
		}
		if _, queued := missingIndex[text]; !queued {
			missing = append(missing, text)
		}
		missingIndex[text] = append(missingIndex[text], i)
	}
	m.mu.Unlock()

	if len(missing) == 0 {
		return result, nil
	}

	vectors, err := m.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(missing))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.vectors)+len(missing) > m.maxSize {
		m.vectors = make(map[string][]float32)
	}
	for i, text := range missing {
		m.vectors[text] = vectors[i]
		for _, idx := range missingIndex[text] {
			result[idx] = vectors[i]
		}
	}
	return result, nil
}

// Len returns the number of remembered vectors
func (m *MemoEmbedder) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vectors)
}
