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

// Package gateway is the client for the three upstream question-answering
// services. Calls are synchronous and never retried.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/your-org/chat-assistant/internal/config"
	"go.uber.org/zap"
)

// maxResponseBytes caps how much of an upstream body is read
const maxResponseBytes = 10 << 20

// Mode selects how the answer service treats a question
type Mode string

const (
	// ModeGeneration answers the question in natural language
	ModeGeneration Mode = "generation"
	// ModeMapping returns the service's mapping payload as-is
	ModeMapping Mode = "mapping"
)

// ParseMode validates a client supplied mode; empty means generation
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeGeneration:
		return ModeGeneration, nil
	case ModeMapping:
		return ModeMapping, nil
	default:
		return "", fmt.Errorf("unsupported option %q, expected %q or %q", value, ModeMapping, ModeGeneration)
	}
}

// RelatedQuestions is the related-questions response
type RelatedQuestions struct {
	Questions              []string
	HighestSimilarQuestion string
	Raw                    json.RawMessage
}

type queryRequest struct {
	Query  string `json:"query"`
	Option Mode   `json:"option,omitempty"`
}

// Client calls the upstream services
type Client struct {
	httpClient   *http.Client
	optimizerURL string
	answerURL    string
	relatedURL   string
	logger       *zap.Logger
}

// NewClient creates a gateway client. A zero cfg.Timeout leaves requests
// bounded only by their context and the transport defaults.
func NewClient(cfg config.ServicesConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		optimizerURL: cfg.OptimizerURL,
		answerURL:    cfg.AnswerURL,
		relatedURL:   cfg.RelatedURL,
		logger:       logger,
	}
}

// OptimizeQuery asks the optimizer to rewrite text. The original text is
// returned when the response carries no optimized_query.
func (c *Client) OptimizeQuery(ctx context.Context, text string) (string, error) {
	body, err := c.post(ctx, EndpointOptimizer, c.optimizerURL, queryRequest{Query: text})
	if err != nil {
		return "", err
	}

	optimized := gjson.GetBytes(body, "optimized_query")
	if optimized.Type != gjson.String || strings.TrimSpace(optimized.String()) == "" {
		return text, nil
	}
	return optimized.String(), nil
}

// AnswerQuery sends text to the answer service and returns its raw payload
func (c *Client) AnswerQuery(ctx context.Context, text string, mode Mode) (json.RawMessage, error) {
	if mode == "" {
		mode = ModeGeneration
	}
	return c.post(ctx, EndpointAnswer, c.answerURL, queryRequest{Query: text, Option: mode})
}

// FetchRelatedQuestions returns the top related questions for text and the
// label of the most similar one.
func (c *Client) FetchRelatedQuestions(ctx context.Context, text string) (*RelatedQuestions, error) {
	body, err := c.post(ctx, EndpointRelated, c.relatedURL, queryRequest{Query: text})
	if err != nil {
		return nil, err
	}

	related := &RelatedQuestions{
		HighestSimilarQuestion: gjson.GetBytes(body, "highest_similar_question").String(),
		Raw:                    body,
	}
	for _, question := range gjson.GetBytes(body, "top_3_questions").Array() {
		if question.Type == gjson.String {
			related.Questions = append(related.Questions, question.String())
		} else {
			related.Questions = append(related.Questions, "")
		}
	}
	return related, nil
}

func (c *Client) post(ctx context.Context, endpoint Endpoint, url string, payload queryRequest) (json.RawMessage, error) {
	start := time.Now()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Endpoint: endpoint, URL: url, Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Endpoint: endpoint, URL: url, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Upstream request failed",
			zap.String("endpoint", string(endpoint)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, &Error{Endpoint: endpoint, URL: url, Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Endpoint: endpoint, URL: url, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Upstream returned error status",
			zap.String("endpoint", string(endpoint)),
			zap.Int("status_code", resp.StatusCode),
			zap.Duration("duration", time.Since(start)))
		return nil, &Error{Endpoint: endpoint, URL: url, StatusCode: resp.StatusCode, Message: summarize(body)}
	}

	if !gjson.ValidBytes(body) {
		return nil, &Error{Endpoint: endpoint, URL: url, StatusCode: resp.StatusCode, Message: "response is not valid JSON"}
	}

	c.logger.Debug("Upstream request completed",
		zap.String("endpoint", string(endpoint)),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)))

	return json.RawMessage(body), nil
}

// summarize extracts a readable message from an error body
func summarize(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "detail", "message"} {
			if value := gjson.GetBytes(body, path); value.Type == gjson.String && value.String() != "" {
				return value.String()
			}
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return "empty response body"
	}
	return text
}
