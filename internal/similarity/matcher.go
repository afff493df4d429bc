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
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/your-org/chat-assistant/internal/cache"
	"go.uber.org/zap"
)

// DefaultThreshold is the similarity a cached question must exceed
const DefaultThreshold = 0.5

// Match is the cached question that best fits a query
type Match struct {
	Index    int
	Question string
	Data     json.RawMessage
	Score    float64
}

// Matcher scores a query against cached questions by cosine similarity
type Matcher struct {
	embedder  Embedder
	threshold float64
	logger    *zap.Logger
}

// NewMatcher creates a matcher. A negative threshold falls back to
// DefaultThreshold.
func NewMatcher(embedder Embedder, threshold float64, logger *zap.Logger) *Matcher {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{embedder: embedder, threshold: threshold, logger: logger}
}

// Threshold returns the score a match must exceed
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match embeds the query together with every cached question and returns
// the entry with the highest score strictly above the threshold. Equal
// scores keep the earlier entry. The bool is false when nothing qualifies.
func (m *Matcher) Match(ctx context.Context, query string, entries []cache.CachedQuestion) (Match, bool, error) {
	if len(entries) == 0 {
		return Match{}, false, nil
	}

	start := time.Now()
	texts := make([]string, 0, len(entries)+1)
	texts = append(texts, query)
	for _, entry := range entries {
		texts = append(texts, entry.Question)
	}

	vectors, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return Match{}, false, fmt.Errorf("failed to embed questions: %w", err)
	}
	if len(vectors) != len(texts) {
		return Match{}, false, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	queryVector := vectors[0]
	best := Match{Index: -1}
	bestScore := m.threshold
	for i, entry := range entries {
		score := CosineSimilarity(queryVector, vectors[i+1])
		if score > bestScore {
			bestScore = score
			best = Match{Index: i, Question: entry.Question, Data: entry.Data, Score: score}
		}
	}

	m.logger.Debug("Similarity lookup completed",
		zap.Int("candidates", len(entries)),
		zap.Bool("matched", best.Index >= 0),
		zap.Float64("score", best.Score),
		zap.Duration("duration", time.Since(start)))

	if best.Index < 0 {
		return Match{}, false, nil
	}
	return best, true, nil
}

// CosineSimilarity returns the cosine of the angle between a and b. Zero
// vectors and vectors of different length score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
