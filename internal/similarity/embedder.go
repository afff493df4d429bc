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

// Package similarity decides whether an incoming question was already
// answered by scoring it against the question cache.
package similarity

import (
	"context"
	"fmt"

	"github.com/your-org/chat-assistant/internal/config"
	"go.uber.org/zap"
)

const (
	// EmbedderHashing selects the local feature-hashing embedder
	EmbedderHashing = "hashing"
	// EmbedderOpenAI selects the OpenAI embeddings API
	EmbedderOpenAI = "openai"
)

// Embedder turns texts into fixed-size vectors. The returned slice is
// parallel to texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// NewEmbedder builds the embedder selected by cfg.Embedder, wrapped in a
// MemoEmbedder when cfg.CacheEmbeddings is set.
func NewEmbedder(cfg config.SimilarityConfig, openaiCfg config.OpenAIConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var embedder Embedder
	switch cfg.Embedder {
	case "", EmbedderHashing:
		embedder = NewHashingEmbedder(cfg.Dimensions)
	case EmbedderOpenAI:
		openaiEmbedder, err := NewOpenAIEmbedder(openaiCfg, cfg.Dimensions, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
		embedder = openaiEmbedder
	default:
		return nil, fmt.Errorf("unsupported embedder: %s", cfg.Embedder)
	}

	if cfg.CacheEmbeddings {
		embedder = NewMemoEmbedder(embedder, DefaultMemoSize)
	}

	logger.Info("Similarity embedder initialized",
		zap.String("embedder", cfg.Embedder),
		zap.Int("dimensions", embedder.Dimensions()),
		zap.Bool("cache_embeddings", cfg.CacheEmbeddings))

	return embedder, nil
}
