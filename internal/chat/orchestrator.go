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

// Package chat runs a chat turn end to end: question cache lookup, the
// upstream fallback chain, staging of the bot reply and its commit to the
// durable store.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/your-org/chat-assistant/internal/cache"
	"github.com/your-org/chat-assistant/internal/gateway"
	"github.com/your-org/chat-assistant/internal/similarity"
	"github.com/your-org/chat-assistant/internal/store"
	"go.uber.org/zap"
)

// DefaultAnswer is the bot text used when a payload carries no answer
const DefaultAnswer = "No answer available."

// Gateway is the upstream client used on a cache miss
type Gateway interface {
	OptimizeQuery(ctx context.Context, text string) (string, error)
	AnswerQuery(ctx context.Context, text string, mode gateway.Mode) (json.RawMessage, error)
	FetchRelatedQuestions(ctx context.Context, text string) (*gateway.RelatedQuestions, error)
}

// Matcher finds a previously answered question
type Matcher interface {
	Match(ctx context.Context, query string, entries []cache.CachedQuestion) (similarity.Match, bool, error)
}

// RecordStore persists committed conversations
type RecordStore interface {
	Create(ctx context.Context, pairs json.RawMessage) (int64, error)
	Get(ctx context.Context, id int64) (*store.Record, error)
	Update(ctx context.Context, id int64, pairs json.RawMessage) error
	List(ctx context.Context) ([]store.Record, error)
}

// TurnRequest is an incoming conversation whose last turn needs a reply
type TurnRequest struct {
	Turns     []Turn
	Mode      gateway.Mode
	SessionID string
}

// TurnResult is the outcome of ProcessTurn. In mapping mode only Mode,
// Turns and MappingPayload are set.
type TurnResult struct {
	Mode            gateway.Mode
	Turns           []Turn
	Staged          []Turn
	SimilarQuestion string
	CacheHit        bool
	MappingPayload  json.RawMessage
}

// Orchestrator wires the matcher, caches, gateway and store together
type Orchestrator struct {
	gateway   Gateway
	matcher   Matcher
	questions *cache.QuestionCache
	staging   *cache.StagingCache
	store     RecordStore
	logger    *zap.Logger
	newID     func() TurnID
}

// NewOrchestrator creates an orchestrator from its dependencies
func NewOrchestrator(gw Gateway, matcher Matcher, questions *cache.QuestionCache, staging *cache.StagingCache, records RecordStore, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		gateway:   gw,
		matcher:   matcher,
		questions: questions,
		staging:   staging,
		store:     records,
		logger:    logger,
		newID:     NewTurnID,
	}
}

// ProcessTurn answers the last turn of req. Mapping mode forwards the text
// to the answer service and returns its payload untouched, without reading
// or writing either cache. Otherwise the reply comes from the question cache
// when a similar question exists, or from the upstream chain, and the new
// bot turn alone is staged for commit.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (result *TurnResult, err error) {
	if len(req.Turns) == 0 {
		return nil, validationError(ErrEmptyConversation)
	}
	last := req.Turns[len(req.Turns)-1]
	if !last.HasText() {
		return nil, validationError(ErrMissingText)
	}

	mode := req.Mode
	if mode == "" {
		mode = gateway.ModeGeneration
	}
	turns := assignIDs(req.Turns, o.newID)

	logger := o.logger.With(
		zap.String("session_id", req.SessionID),
		zap.String("mode", string(mode)),
		zap.Int("turns", len(turns)))

	if mode == gateway.ModeMapping {
		payload, err := o.gateway.AnswerQuery(ctx, last.Text, gateway.ModeMapping)
		if err != nil {
			logger.Warn("Mapping request failed", zap.Error(err))
			return nil, upstreamError(err)
		}
		logger.Info("Turn processed", zap.String("path", "mapping"))
		return &TurnResult{Mode: mode, Turns: turns, MappingPayload: payload}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic while processing turn", zap.Any("panic", r))
			result = nil
			err = internalError("process turn", fmt.Errorf("panic: %v", r))
		}
	}()

	start := time.Now()
	entries, err := o.questions.Get(ctx)
	if err != nil {
		return nil, internalError("read question cache", err)
	}

	match, hit, err := o.matcher.Match(ctx, last.Text, entries)
	if err != nil {
		return nil, internalError("match question", err)
	}

	var answer, similar string
	if hit {
		answer = extractAnswer(match.Data)
		similar = gjson.GetBytes(match.Data, "highest_similar_question").String()
		logger.Info("Question cache hit",
			zap.String("matched_question", match.Question),
			zap.Float64("score", match.Score))
	} else {
		answer, similar, err = o.resolve(ctx, logger, last.Text, mode)
		if err != nil {
			return nil, err
		}
	}

	bot := Turn{ID: o.newID(), Text: answer, IsBot: true}
	turns = append(turns, bot)
	staged := []Turn{bot}

	if err := o.staging.Set(ctx, req.SessionID, staged); err != nil {
		return nil, internalError("stage chat", err)
	}

	path := "cache_miss"
	if hit {
		path = "cache_hit"
	}
	logger.Info("Turn processed",
		zap.String("path", path),
		zap.String("bot_turn_id", string(bot.ID)),
		zap.Duration("duration", time.Since(start)))

	return &TurnResult{
		Mode:            mode,
		Turns:           turns,
		Staged:          staged,
		SimilarQuestion: similar,
		CacheHit:        hit,
	}, nil
}

// resolve runs the upstream chain for a question that missed the cache.
// Any failure of the three main calls aborts before the cache is written.
func (o *Orchestrator) resolve(ctx context.Context, logger *zap.Logger, text string, mode gateway.Mode) (string, string, error) {
	optimized, err := o.gateway.OptimizeQuery(ctx, text)
	if err != nil {
		logger.Warn("Query optimization failed", zap.Error(err))
		return "", "", upstreamError(err)
	}

	payload, err := o.gateway.AnswerQuery(ctx, optimized, mode)
	if err != nil {
		logger.Warn("Answer request failed", zap.Error(err))
		return "", "", upstreamError(err)
	}
	answer := extractAnswer(payload)

	related, err := o.gateway.FetchRelatedQuestions(ctx, optimized)
	if err != nil {
		logger.Warn("Related questions request failed", zap.Error(err))
		return "", "", upstreamError(err)
	}

	resolved := o.resolveRelated(ctx, logger, related.Questions)
	if err := o.questions.Merge(ctx, resolved); err != nil {
		return "", "", internalError("update question cache", err)
	}

	logger.Info("Question resolved upstream",
		zap.String("optimized_query", optimized),
		zap.Int("related_requested", len(related.Questions)),
		zap.Int("related_cached", len(resolved)))

	return answer, related.HighestSimilarQuestion, nil
}

// resolveRelated answers each related question and keeps the successes.
// Blank questions are skipped and failures are dropped.
func (o *Orchestrator) resolveRelated(ctx context.Context, logger *zap.Logger, questions []string) []cache.CachedQuestion {
	resolved := make([]cache.CachedQuestion, 0, len(questions))
	for _, question := range questions {
		if question == "" {
			continue
		}
		data, err := o.gateway.AnswerQuery(ctx, question, gateway.ModeGeneration)
		if err != nil {
			logger.Warn("Skipping related question",
				zap.String("question", question),
				zap.Error(err))
			continue
		}
		resolved = append(resolved, cache.CachedQuestion{Question: question, Data: data})
	}
	return resolved
}

// Commit writes the staged turns to the store. With chatID set the record's
// pairs are replaced by the staged turns; otherwise a record is created.
// The staging slot is cleared only after the write succeeds.
func (o *Orchestrator) Commit(ctx context.Context, sessionID string, chatID *int64) (int64, error) {
	var staged []Turn
	found, err := o.staging.Get(ctx, sessionID, &staged)
	if err != nil {
		return 0, internalError("read staging cache", err)
	}
	if !found || len(staged) == 0 {
		return 0, notFoundError(ErrNothingToCommit.Error(), ErrNothingToCommit)
	}

	pairs, err := json.Marshal(staged)
	if err != nil {
		return 0, internalError("encode staged chat", err)
	}

	var id int64
	if chatID != nil {
		id = *chatID
		if err := o.store.Update(ctx, id, pairs); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return 0, notFoundError(fmt.Sprintf("chat %d not found", id), err)
			}
			return 0, internalError("update chat", err)
		}
	} else {
		id, err = o.store.Create(ctx, pairs)
		if err != nil {
			return 0, internalError("create chat", err)
		}
	}

	if err := o.staging.Delete(ctx, sessionID); err != nil {
		// The record is durable; a stale slot is only re-committed as the same turns.
		o.logger.Warn("Failed to clear staging cache after commit",
			zap.Int64("chat_id", id),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	o.logger.Info("Chat committed",
		zap.Int64("chat_id", id),
		zap.Bool("updated", chatID != nil),
		zap.String("session_id", sessionID),
		zap.Int("turns", len(staged)))

	return id, nil
}

// Fetch returns a committed conversation
func (o *Orchestrator) Fetch(ctx context.Context, id int64) (*store.Record, error) {
	record, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundError(fmt.Sprintf("chat %d not found", id), err)
		}
		return nil, internalError("fetch chat", err)
	}
	return record, nil
}

// List returns every committed conversation, newest first
func (o *Orchestrator) List(ctx context.Context) ([]store.Record, error) {
	records, err := o.store.List(ctx)
	if err != nil {
		return nil, internalError("list chats", err)
	}
	return records, nil
}

// SaveChat stores a whole conversation directly, bypassing the staging
// slot. Turns without ids are given one.
func (o *Orchestrator) SaveChat(ctx context.Context, turns []Turn) (int64, []Turn, error) {
	if len(turns) == 0 {
		return 0, nil, validationError(ErrEmptyConversation)
	}

	turns = assignIDs(turns, o.newID)
	pairs, err := json.Marshal(turns)
	if err != nil {
		return 0, nil, internalError("encode chat", err)
	}

	id, err := o.store.Create(ctx, pairs)
	if err != nil {
		return 0, nil, internalError("create chat", err)
	}

	o.logger.Info("Chat saved", zap.Int64("chat_id", id), zap.Int("turns", len(turns)))
	return id, turns, nil
}

// extractAnswer returns the payload's answer field as text
func extractAnswer(payload json.RawMessage) string {
	answer := gjson.GetBytes(payload, "answer")
	if !answer.Exists() || answer.Type == gjson.Null {
		return DefaultAnswer
	}
	return answer.String()
}
