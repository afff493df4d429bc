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

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/chat-assistant/internal/cache"
	"github.com/your-org/chat-assistant/internal/gateway"
	"github.com/your-org/chat-assistant/internal/resilience"
	"github.com/your-org/chat-assistant/internal/similarity"
	"github.com/your-org/chat-assistant/internal/store"
	"go.uber.org/zap/zaptest"
)

// fakeGateway records calls and answers from configurable functions
type fakeGateway struct {
	mu       sync.Mutex
	calls    []string
	optimize func(text string) (string, error)
	answer   func(text string, mode gateway.Mode) (json.RawMessage, error)
	related  func(text string) (*gateway.RelatedQuestions, error)
}

func (f *fakeGateway) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeGateway) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGateway) OptimizeQuery(_ context.Context, text string) (string, error) {
	f.record("optimize:" + text)
	return f.optimize(text)
}

func (f *fakeGateway) AnswerQuery(_ context.Context, text string, mode gateway.Mode) (json.RawMessage, error) {
	f.record(fmt.Sprintf("answer:%s:%s", text, mode))
	return f.answer(text, mode)
}

func (f *fakeGateway) FetchRelatedQuestions(_ context.Context, text string) (*gateway.RelatedQuestions, error) {
	f.record("related:" + text)
	return f.related(text)
}

// missScenarioGateway answers like the upstream stub of the cache-miss case
func missScenarioGateway() *fakeGateway {
	return &fakeGateway{
		optimize: func(string) (string, error) { return "opt", nil },
		answer: func(text string, _ gateway.Mode) (json.RawMessage, error) {
			switch text {
			case "opt":
				return json.RawMessage(`{"answer":"A2"}`), nil
			default:
				return json.RawMessage(fmt.Sprintf(`{"answer":"answer to %s","highest_similar_question":"%s"}`, text, text)), nil
			}
		},
		related: func(string) (*gateway.RelatedQuestions, error) {
			return &gateway.RelatedQuestions{
				Questions:              []string{"R1", "R2"},
				HighestSimilarQuestion: "Q2",
			}, nil
		},
	}
}

func upstreamDown(endpoint gateway.Endpoint) error {
	return &gateway.Error{Endpoint: endpoint, StatusCode: 503, Message: "service unavailable"}
}

// spyStorage counts every access to the wrapped storage
type spyStorage struct {
	cache.Storage
	mu  sync.Mutex
	ops int
}

func (s *spyStorage) count() {
	s.mu.Lock()
	s.ops++
	s.mu.Unlock()
}

func (s *spyStorage) Ops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops
}

func (s *spyStorage) Get(ctx context.Context, key string) ([]byte, error) {
	s.count()
	return s.Storage.Get(ctx, key)
}

func (s *spyStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.count()
	return s.Storage.Set(ctx, key, value, ttl)
}

func (s *spyStorage) Delete(ctx context.Context, key string) error {
	s.count()
	return s.Storage.Delete(ctx, key)
}

// countingStore counts writes to the wrapped store
type countingStore struct {
	*store.Store
	creates int
	updates int
}

func (c *countingStore) Create(ctx context.Context, pairs json.RawMessage) (int64, error) {
	c.creates++
	return c.Store.Create(ctx, pairs)
}

func (c *countingStore) Update(ctx context.Context, id int64, pairs json.RawMessage) error {
	c.updates++
	return c.Store.Update(ctx, id, pairs)
}

// spyMatcher counts lookups
type spyMatcher struct {
	inner Matcher
	calls int
}

func (s *spyMatcher) Match(ctx context.Context, query string, entries []cache.CachedQuestion) (similarity.Match, bool, error) {
	s.calls++
	return s.inner.Match(ctx, query, entries)
}

type harness struct {
	orchestrator *Orchestrator
	gateway      *fakeGateway
	matcher      *spyMatcher
	storage      *spyStorage
	questions    *cache.QuestionCache
	staging      *cache.StagingCache
	store        *countingStore
}

func newHarness(t *testing.T, gw *fakeGateway) *harness {
	t.Helper()

	records, err := store.NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	logger := zaptest.NewLogger(t)
	storage := &spyStorage{Storage: cache.NewMemoryStorage(100)}
	h := &harness{
		gateway:   gw,
		matcher:   &spyMatcher{inner: similarity.NewMatcher(similarity.NewHashingEmbedder(similarity.DefaultDimensions), similarity.DefaultThreshold, logger)},
		storage:   storage,
		questions: cache.NewQuestionCache(storage, logger),
		staging:   cache.NewStagingCache(storage, time.Hour),
		store:     &countingStore{Store: records},
	}
	h.orchestrator = NewOrchestrator(h.gateway, h.matcher, h.questions, h.staging, h.store, logger)

	next := 0
	h.orchestrator.newID = func() TurnID {
		next++
		return TurnID(fmt.Sprintf("gen-%d", next))
	}
	return h
}

func (h *harness) staged(t *testing.T, sessionID string) ([]Turn, bool) {
	t.Helper()
	var turns []Turn
	found, err := h.staging.Get(context.Background(), sessionID, &turns)
	require.NoError(t, err)
	return turns, found
}

func userTurn(text string) Turn {
	return Turn{Text: text}
}

func requireCode(t *testing.T, err error, code resilience.ErrorCode) *resilience.ServiceError {
	t.Helper()
	require.Error(t, err)
	var serviceErr *resilience.ServiceError
	require.True(t, resilience.AsServiceError(err, &serviceErr), "expected ServiceError, got %T: %v", err, err)
	require.Equal(t, code, serviceErr.Code, serviceErr.Message)
	return serviceErr
}

func TestProcessTurnCacheHit(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, gw)
	ctx := context.Background()

	require.NoError(t, h.questions.Append(ctx, "Q1", json.RawMessage(`{"answer":"A1","highest_similar_question":"Q1"}`)))

	result, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{
		Turns: []Turn{{ID: "u1", Text: "Q1"}},
	})
	require.NoError(t, err)

	assert.Empty(t, gw.Calls(), "a cache hit must not reach the gateway")
	assert.True(t, result.CacheHit)
	assert.Equal(t, "Q1", result.SimilarQuestion)
	require.Len(t, result.Turns, 2)
	assert.Equal(t, Turn{ID: "u1", Text: "Q1"}, result.Turns[0])
	assert.Equal(t, Turn{ID: "gen-1", Text: "A1", IsBot: true}, result.Turns[1])
	assert.Equal(t, []Turn{result.Turns[1]}, result.Staged)

	staged, found := h.staged(t, "")
	require.True(t, found)
	assert.Equal(t, result.Staged, staged)
}

func TestProcessTurnCacheMiss(t *testing.T) {
	gw := missScenarioGateway()
	h := newHarness(t, gw)
	ctx := context.Background()

	result, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{
		Turns:     []Turn{userTurn("hello"), {ID: "b0", Text: "hi", IsBot: true}, userTurn("What is X?")},
		SessionID: "s1",
	})
	require.NoError(t, err)

	assert.False(t, result.CacheHit)
	assert.Equal(t, "Q2", result.SimilarQuestion)
	require.Len(t, result.Turns, 4)
	bot := result.Turns[3]
	assert.Equal(t, "A2", bot.Text)
	assert.True(t, bot.IsBot)
	assert.NotEmpty(t, bot.ID)
	assert.Equal(t, TurnID("b0"), result.Turns[1].ID)

	assert.Equal(t, []string{
		"optimize:What is X?",
		"answer:opt:generation",
		"related:opt",
		"answer:R1:generation",
		"answer:R2:generation",
	}, gw.Calls())

	entries, err := h.questions.Get(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "R1", entries[0].Question)
	assert.Equal(t, "R2", entries[1].Question)
	assert.JSONEq(t, `{"answer":"answer to R1","highest_similar_question":"R1"}`, string(entries[0].Data))

	staged, found := h.staged(t, "s1")
	require.True(t, found)
	assert.Equal(t, []Turn{bot}, staged, "only the new bot turn is staged")
	_, legacyFound := h.staged(t, "")
	assert.False(t, legacyFound, "session turns do not touch the shared slot")
}

func TestProcessTurnResolvedQuestionsServeLaterTurns(t *testing.T) {
	gw := missScenarioGateway()
	h := newHarness(t, gw)
	ctx := context.Background()

	_, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{Turns: []Turn{userTurn("first question")}})
	require.NoError(t, err)
	callsAfterMiss := len(gw.Calls())

	result, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{Turns: []Turn{userTurn("R2")}})
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
	assert.Equal(t, "answer to R2", result.Turns[1].Text)
	assert.Equal(t, "R2", result.SimilarQuestion)
	assert.Len(t, gw.Calls(), callsAfterMiss)
}

func TestProcessTurnUpstreamFailures(t *testing.T) {
	tests := []struct {
		name          string
		breakGateway  func(gw *fakeGateway)
		endpoint      gateway.Endpoint
		expectedCalls []string
	}{
		{
			name: "optimize fails",
			breakGateway: func(gw *fakeGateway) {
				gw.optimize = func(string) (string, error) { return "", upstreamDown(gateway.EndpointOptimizer) }
			},
			endpoint:      gateway.EndpointOptimizer,
			expectedCalls: []string{"optimize:Q"},
		},
		{
			name: "answer fails",
			breakGateway: func(gw *fakeGateway) {
				gw.answer = func(string, gateway.Mode) (json.RawMessage, error) {
					return nil, upstreamDown(gateway.EndpointAnswer)
				}
			},
			endpoint:      gateway.EndpointAnswer,
			expectedCalls: []string{"optimize:Q", "answer:opt:generation"},
		},
		{
			name: "related fails",
			breakGateway: func(gw *fakeGateway) {
				gw.related = func(string) (*gateway.RelatedQuestions, error) {
					return nil, upstreamDown(gateway.EndpointRelated)
				}
			},
			endpoint:      gateway.EndpointRelated,
			expectedCalls: []string{"optimize:Q", "answer:opt:generation", "related:opt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := missScenarioGateway()
			tt.breakGateway(gw)
			h := newHarness(t, gw)
			ctx := context.Background()

			previous := []Turn{{ID: "old", Text: "previous reply", IsBot: true}}
			require.NoError(t, h.staging.Set(ctx, "", previous))

			result, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{Turns: []Turn{userTurn("Q")}})
			assert.Nil(t, result)

			serviceErr := requireCode(t, err, resilience.ErrorCodeDependencyFailure)
			assert.Equal(t, string(tt.endpoint), serviceErr.Context["endpoint"])
			assert.Contains(t, serviceErr.Message, "service unavailable")

			var gwErr *gateway.Error
			assert.True(t, errors.As(err, &gwErr), "gateway error stays reachable")

			assert.Equal(t, tt.expectedCalls, gw.Calls())

			staged, found := h.staged(t, "")
			require.True(t, found)
			assert.Equal(t, previous, staged, "staging cache is untouched")

			entries, err := h.questions.Get(ctx)
			require.NoError(t, err)
			assert.Empty(t, entries, "question cache is untouched")
		})
	}
}

func TestProcessTurnRelatedResolutionIsBestEffort(t *testing.T) {
	gw := missScenarioGateway()
	gw.related = func(string) (*gateway.RelatedQuestions, error) {
		return &gateway.RelatedQuestions{Questions: []string{"R1", "", "broken", "R3"}, HighestSimilarQuestion: "R1"}, nil
	}
	baseAnswer := gw.answer
	gw.answer = func(text string, mode gateway.Mode) (json.RawMessage, error) {
		if text == "broken" {
			return nil, upstreamDown(gateway.EndpointAnswer)
		}
		return baseAnswer(text, mode)
	}
	h := newHarness(t, gw)
	ctx := context.Background()

	result, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{Turns: []Turn{userTurn("Q")}})
	require.NoError(t, err)
	assert.Equal(t, "A2", result.Turns[1].Text)

	entries, err := h.questions.Get(ctx)
	require.NoError(t, err)
	questions := make([]string, len(entries))
	for i, entry := range entries {
		questions[i] = entry.Question
	}
	assert.Equal(t, []string{"R1", "R3"}, questions)
	assert.NotContains(t, gw.Calls(), "answer::generation", "blank questions are skipped")
}

func TestProcessTurnDefaultAnswer(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing answer", `{"sources":[]}`},
		{"null answer", `{"answer":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := missScenarioGateway()
			gw.answer = func(string, gateway.Mode) (json.RawMessage, error) {
				return json.RawMessage(tt.payload), nil
			}
			h := newHarness(t, gw)

			result, err := h.orchestrator.ProcessTurn(context.Background(), TurnRequest{Turns: []Turn{userTurn("Q")}})
			require.NoError(t, err)
			assert.Equal(t, DefaultAnswer, result.Turns[1].Text)
		})
	}

	t.Run("cache hit without answer", func(t *testing.T) {
		h := newHarness(t, &fakeGateway{})
		ctx := context.Background()
		require.NoError(t, h.questions.Append(ctx, "Q1", json.RawMessage(`{"highest_similar_question":"Q1"}`)))

		result, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{Turns: []Turn{userTurn("Q1")}})
		require.NoError(t, err)
		assert.Equal(t, "No answer available.", result.Turns[1].Text)
	})
}

func TestProcessTurnMappingMode(t *testing.T) {
	gw := &fakeGateway{
		answer: func(text string, mode gateway.Mode) (json.RawMessage, error) {
			return json.RawMessage(`{"mapping":{"entity":"` + text + `"},"mode":"` + string(mode) + `"}`), nil
		},
	}
	h := newHarness(t, gw)
	ctx := context.Background()

	result, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{
		Turns:     []Turn{userTurn("map this")},
		Mode:      gateway.ModeMapping,
		SessionID: "s1",
	})
	require.NoError(t, err)

	assert.Equal(t, gateway.ModeMapping, result.Mode)
	assert.JSONEq(t, `{"mapping":{"entity":"map this"},"mode":"mapping"}`, string(result.MappingPayload))
	assert.Len(t, result.Turns, 1, "mapping mode appends no bot turn")
	assert.NotEmpty(t, result.Turns[0].ID)
	assert.Empty(t, result.Staged)

	assert.Equal(t, []string{"answer:map this:mapping"}, gw.Calls())
	assert.Zero(t, h.storage.Ops(), "mapping mode never touches either cache")
	assert.Zero(t, h.matcher.calls)
}

func TestProcessTurnMappingFailure(t *testing.T) {
	gw := &fakeGateway{
		answer: func(string, gateway.Mode) (json.RawMessage, error) {
			return nil, upstreamDown(gateway.EndpointAnswer)
		},
	}
	h := newHarness(t, gw)

	_, err := h.orchestrator.ProcessTurn(context.Background(), TurnRequest{
		Turns: []Turn{userTurn("map this")},
		Mode:  gateway.ModeMapping,
	})
	requireCode(t, err, resilience.ErrorCodeDependencyFailure)
	assert.Zero(t, h.storage.Ops())
}

func TestProcessTurnValidation(t *testing.T) {
	tests := []struct {
		name     string
		turns    []Turn
		sentinel error
	}{
		{"no turns", nil, ErrEmptyConversation},
		{"last turn without text", []Turn{userTurn("Q"), {ID: "x", IsBot: true}}, ErrMissingText},
		{"blank last turn", []Turn{userTurn("   ")}, ErrMissingText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := missScenarioGateway()
			h := newHarness(t, gw)

			_, err := h.orchestrator.ProcessTurn(context.Background(), TurnRequest{Turns: tt.turns})
			requireCode(t, err, resilience.ErrorCodeBadRequest)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Empty(t, gw.Calls())
			assert.Zero(t, h.storage.Ops())
		})
	}
}

func TestProcessTurnRecoversPanics(t *testing.T) {
	gw := missScenarioGateway()
	gw.related = func(string) (*gateway.RelatedQuestions, error) {
		var related *gateway.RelatedQuestions
		_ = related.Questions[0]
		return related, nil
	}
	h := newHarness(t, gw)

	result, err := h.orchestrator.ProcessTurn(context.Background(), TurnRequest{Turns: []Turn{userTurn("Q")}})
	assert.Nil(t, result)
	serviceErr := requireCode(t, err, resilience.ErrorCodeInternalError)
	assert.Contains(t, serviceErr.Message, "panic")

	_, found := h.staged(t, "")
	assert.False(t, found)
}

func TestCommitNothingStaged(t *testing.T) {
	h := newHarness(t, &fakeGateway{})

	_, err := h.orchestrator.Commit(context.Background(), "", nil)
	requireCode(t, err, resilience.ErrorCodeNotFound)
	assert.ErrorIs(t, err, ErrNothingToCommit)
	assert.Zero(t, h.store.creates)
	assert.Zero(t, h.store.updates)
}

func TestCommitCreatesRecordAndClearsStaging(t *testing.T) {
	h := newHarness(t, missScenarioGateway())
	ctx := context.Background()

	result, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{Turns: []Turn{userTurn("Q")}})
	require.NoError(t, err)

	id, err := h.orchestrator.Commit(ctx, "", nil)
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.Equal(t, 1, h.store.creates)

	_, found := h.staged(t, "")
	assert.False(t, found, "staging is cleared after commit")

	first, err := h.orchestrator.Fetch(ctx, id)
	require.NoError(t, err)
	var pairs []Turn
	require.NoError(t, json.Unmarshal(first.Pairs, &pairs))
	if diff := cmp.Diff(result.Staged, pairs); diff != "" {
		t.Errorf("committed pairs mismatch (-want +got):\n%s", diff)
	}

	second, err := h.orchestrator.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(first.Pairs), string(second.Pairs), "fetch is idempotent")

	_, err = h.orchestrator.Commit(ctx, "", nil)
	assert.ErrorIs(t, err, ErrNothingToCommit, "a second commit has nothing left")
}

func TestCommitReplacesExistingRecord(t *testing.T) {
	h := newHarness(t, missScenarioGateway())
	ctx := context.Background()

	id, _, err := h.orchestrator.SaveChat(ctx, []Turn{userTurn("Q"), {Text: "old", IsBot: true}})
	require.NoError(t, err)

	result, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{Turns: []Turn{userTurn("Q")}})
	require.NoError(t, err)

	committed, err := h.orchestrator.Commit(ctx, "", &id)
	require.NoError(t, err)
	assert.Equal(t, id, committed)
	assert.Equal(t, 1, h.store.updates)

	record, err := h.orchestrator.Fetch(ctx, id)
	require.NoError(t, err)
	var pairs []Turn
	require.NoError(t, json.Unmarshal(record.Pairs, &pairs))
	assert.Equal(t, result.Staged, pairs, "pairs are replaced by the staged turn, not appended")
}

func TestCommitUnknownChatID(t *testing.T) {
	h := newHarness(t, missScenarioGateway())
	ctx := context.Background()

	_, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{Turns: []Turn{userTurn("Q")}})
	require.NoError(t, err)
	before, found := h.staged(t, "")
	require.True(t, found)

	missing := int64(9999)
	_, err = h.orchestrator.Commit(ctx, "", &missing)
	requireCode(t, err, resilience.ErrorCodeNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, h.store.creates, "a missing id never falls back to creating a record")

	after, found := h.staged(t, "")
	require.True(t, found)
	assert.Equal(t, before, after, "staging is unchanged")
}

func TestCommitIsScopedToSession(t *testing.T) {
	h := newHarness(t, missScenarioGateway())
	ctx := context.Background()

	for _, session := range []string{"alice", "bob"} {
		_, err := h.orchestrator.ProcessTurn(ctx, TurnRequest{Turns: []Turn{userTurn("Q " + session)}, SessionID: session})
		require.NoError(t, err)
	}

	_, err := h.orchestrator.Commit(ctx, "alice", nil)
	require.NoError(t, err)

	_, found := h.staged(t, "alice")
	assert.False(t, found)
	_, found = h.staged(t, "bob")
	assert.True(t, found, "other sessions keep their staged turn")
}

func TestFetchNotFound(t *testing.T) {
	h := newHarness(t, &fakeGateway{})

	_, err := h.orchestrator.Fetch(context.Background(), 12345)
	requireCode(t, err, resilience.ErrorCodeNotFound)
}

func TestListNewestFirst(t *testing.T) {
	h := newHarness(t, &fakeGateway{})
	ctx := context.Background()

	records, err := h.orchestrator.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, _, err := h.orchestrator.SaveChat(ctx, []Turn{userTurn(fmt.Sprintf("chat %d", i))})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	records, err = h.orchestrator.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []int64{ids[2], ids[1], ids[0]}, []int64{records[0].ID, records[1].ID, records[2].ID})
}

func TestSaveChat(t *testing.T) {
	h := newHarness(t, &fakeGateway{})
	ctx := context.Background()

	id, turns, err := h.orchestrator.SaveChat(ctx, []Turn{{ID: "42", Text: "hello"}, {Text: "hi there", IsBot: true}})
	require.NoError(t, err)
	assert.Equal(t, TurnID("42"), turns[0].ID)
	assert.Equal(t, TurnID("gen-1"), turns[1].ID)

	record, err := h.orchestrator.Fetch(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"42","text":"hello","isBot":false},{"id":"gen-1","text":"hi there","isBot":true}]`, string(record.Pairs))

	_, _, err = h.orchestrator.SaveChat(ctx, nil)
	requireCode(t, err, resilience.ErrorCodeBadRequest)
	assert.Zero(t, h.storage.Ops(), "saving bypasses the caches")
}
