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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/your-org/chat-assistant/internal/config"
	"go.uber.org/zap"
)

// DefaultEmbeddingModel is used when no model is configured
const DefaultEmbeddingModel = openai.SmallEmbedding3

// OpenAIEmbedder embeds texts through the OpenAI embeddings API. Requests are
// never retried; a failure fails the lookup.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
	logger *zap.Logger
}

// NewOpenAIEmbedder creates an embedder from the openai config section.
// A non-empty Endpoint overrides the API base URL.
func NewOpenAIEmbedder(cfg config.OpenAIConfig, dims int, logger *zap.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dims <= 0 {
		dims = DefaultDimensions
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}

	model := openai.EmbeddingModel(cfg.Model)
	if model == "" {
		model = DefaultEmbeddingModel
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		dims:   dims,
		logger: logger,
	}, nil
}

// Dimensions returns the requested vector size
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dims
}

// Embed sends all texts in a single request
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      e.model,
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, e.handleAPIError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected response: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("unexpected embedding index %d", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}
	if err := e.validateEmbeddingDimensions(embeddings); err != nil {
		return nil, fmt.Errorf("embedding validation failed: %w", err)
	}

	e.logger.Debug("Embedding request completed",
		zap.Int("text_count", len(texts)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Duration("duration", time.Since(start)))

	return embeddings, nil
}

func (e *OpenAIEmbedder) handleAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("invalid API key or unauthorized access: %w", err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("OpenAI rate limit exceeded: %w", err)
		default:
			return fmt.Errorf("OpenAI API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}
	return fmt.Errorf("OpenAI client error: %w", err)
}

func (e *OpenAIEmbedder) validateEmbeddingDimensions(embeddings [][]float32) error {
	for i, embedding := range embeddings {
		if len(embedding) != e.dims {
			return fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(embedding), e.dims)
		}
	}
	return nil
}
