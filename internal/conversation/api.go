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

// Package conversation exposes the chat operations over HTTP.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/your-org/chat-assistant/internal/chat"
	"github.com/your-org/chat-assistant/internal/gateway"
	"github.com/your-org/chat-assistant/internal/resilience"
	"github.com/your-org/chat-assistant/internal/store"
	"go.uber.org/zap"
)

const (
	// SessionHeader carries the staging slot of the caller
	SessionHeader = "X-Session-ID"
	// RequestIDHeader carries the request correlation id
	RequestIDHeader = "X-Request-ID"

	requestIDKey = "request_id"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// Service is the chat functionality served by the API
type Service interface {
	ProcessTurn(ctx context.Context, req chat.TurnRequest) (*chat.TurnResult, error)
	Commit(ctx context.Context, sessionID string, chatID *int64) (int64, error)
	Fetch(ctx context.Context, id int64) (*store.Record, error)
	List(ctx context.Context) ([]store.Record, error)
	SaveChat(ctx context.Context, turns []chat.Turn) (int64, []chat.Turn, error)
}

// APIHandler handles HTTP requests for chat turns and stored conversations
type APIHandler struct {
	service  Service
	errors   *resilience.ErrorHandler
	timeouts *resilience.TimeoutManager
	logger   *zap.Logger
}

// NewAPIHandler creates a new chat API handler. A zero requestTimeout
// leaves requests without a deadline.
func NewAPIHandler(service Service, requestTimeout time.Duration, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		service:  service,
		errors:   resilience.NewErrorHandler(logger),
		timeouts: resilience.NewTimeoutManager(requestTimeout, logger),
		logger:   logger,
	}
}

// RegisterRoutes registers the chat routes with the router
func (h *APIHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/save_chat_to_cache/", h.saveChatToCache)
	router.POST("/save_cache_to_db/", h.saveCacheToDB)
	router.GET("/fetch_chat_from_db/:chat_id/", h.fetchChatFromDB)
	router.GET("/list_chats/", h.listChats)
	router.POST("/save_chat/", h.saveChat)
}

// SaveToCacheRequest is a turn submission
type SaveToCacheRequest struct {
	ChatData  []chat.Turn `json:"chat_data"`
	Option    string      `json:"option,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// SaveToCacheResponse is returned for a generation turn
type SaveToCacheResponse struct {
	ChatData        []chat.Turn `json:"chat_data"`
	CurrentChat     []chat.Turn `json:"current_chat"`
	SimilarQuestion string      `json:"similar_question"`
}

// CommitRequest commits the staged turn. ChatID may be a number, a numeric
// string or absent.
type CommitRequest struct {
	ChatID    json.RawMessage `json:"chat_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// CommitResponse identifies the record the staged turn was written to
type CommitResponse struct {
	ChatID  int64  `json:"chat_id"`
	Message string `json:"message"`
}

// SaveChatRequest stores a whole conversation
type SaveChatRequest struct {
	InputResponsePairs []chat.Turn `json:"input_response_pairs"`
}

// SaveChatResponse is the stored conversation
type SaveChatResponse struct {
	ID                 int64       `json:"id"`
	InputResponsePairs []chat.Turn `json:"input_response_pairs"`
}

// saveChatToCache handles POST /save_chat_to_cache/
func (h *APIHandler) saveChatToCache(c *gin.Context) {
	var req SaveToCacheRequest
	if !h.bindJSON(c, &req, false) {
		return
	}

	mode, err := gateway.ParseMode(req.Option)
	if err != nil {
		h.writeError(c, resilience.NewBadRequestError(err.Error(), err), "save chat to cache")
		return
	}

	sessionID, ok := h.sessionID(c, req.SessionID)
	if !ok {
		return
	}

	var result *chat.TurnResult
	err = h.timeouts.Execute(c.Request.Context(), func(ctx context.Context) error {
		var err error
		result, err = h.service.ProcessTurn(ctx, chat.TurnRequest{
			Turns:     req.ChatData,
			Mode:      mode,
			SessionID: sessionID,
		})
		return err
	})
	if err != nil {
		h.writeError(c, err, "save chat to cache")
		return
	}

	if result.Mode == gateway.ModeMapping {
		c.Data(http.StatusOK, "application/json; charset=utf-8", result.MappingPayload)
		return
	}

	c.JSON(http.StatusOK, SaveToCacheResponse{
		ChatData:        result.Turns,
		CurrentChat:     result.Staged,
		SimilarQuestion: result.SimilarQuestion,
	})
}

// saveCacheToDB handles POST /save_cache_to_db/
func (h *APIHandler) saveCacheToDB(c *gin.Context) {
	var req CommitRequest
	if !h.bindJSON(c, &req, true) {
		return
	}

	chatID, err := parseChatID(req.ChatID)
	if err != nil {
		h.writeError(c, resilience.NewBadRequestError(err.Error(), err), "save cache to db")
		return
	}

	sessionID, ok := h.sessionID(c, req.SessionID)
	if !ok {
		return
	}

	var id int64
	err = h.timeouts.Execute(c.Request.Context(), func(ctx context.Context) error {
		var err error
		id, err = h.service.Commit(ctx, sessionID, chatID)
		return err
	})
	if err != nil {
		h.writeError(c, err, "save cache to db")
		return
	}

	c.JSON(http.StatusOK, CommitResponse{ChatID: id, Message: "Chat saved to database"})
}

// fetchChatFromDB handles GET /fetch_chat_from_db/:chat_id/
func (h *APIHandler) fetchChatFromDB(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(c, resilience.NewBadRequestError("chat_id must be a positive integer", err), "fetch chat")
		return
	}

	record, err := h.service.Fetch(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, "fetch chat")
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", record.Pairs)
}

// listChats handles GET /list_chats/
func (h *APIHandler) listChats(c *gin.Context) {
	records, err := h.service.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "list chats")
		return
	}

	c.JSON(http.StatusOK, records)
}

// saveChat handles POST /save_chat/
func (h *APIHandler) saveChat(c *gin.Context) {
	var req SaveChatRequest
	if !h.bindJSON(c, &req, false) {
		return
	}

	id, turns, err := h.service.SaveChat(c.Request.Context(), req.InputResponsePairs)
	if err != nil {
		h.writeError(c, err, "save chat")
		return
	}

	c.JSON(http.StatusCreated, SaveChatResponse{ID: id, InputResponsePairs: turns})
}

// bindJSON decodes the request body into dst. An empty body is accepted
// only when allowEmpty is set.
func (h *APIHandler) bindJSON(c *gin.Context, dst interface{}, allowEmpty bool) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	h.writeError(c, resilience.NewBadRequestError("Invalid request format: "+err.Error(), err), "decode request")
	return false
}

// sessionID picks the staging slot from the body or the session header
func (h *APIHandler) sessionID(c *gin.Context, fromBody string) (string, bool) {
	sessionID := fromBody
	if sessionID == "" {
		sessionID = c.GetHeader(SessionHeader)
	}
	if sessionID != "" && !sessionIDPattern.MatchString(sessionID) {
		h.writeError(c, resilience.NewBadRequestError("Invalid session ID format", nil), "resolve session")
		return "", false
	}
	return sessionID, true
}

// writeError logs err and writes the standard error body
func (h *APIHandler) writeError(c *gin.Context, err error, operation string) {
	requestID := c.GetString(requestIDKey)
	h.errors.LogError(err, operation,
		zap.String("request_id", requestID),
		zap.String("path", c.FullPath()))
	h.errors.WriteErrorResponse(c.Writer, err, requestID)
	c.Abort()
}

// parseChatID reads an optional record id sent as a number or a string
func parseChatID(raw json.RawMessage) (*int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("invalid chat_id: %w", err)
		}
		if text == "" {
			return nil, nil
		}
	}

	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("chat_id must be a positive integer, got %s", raw)
	}
	return &id, nil
}

// RequestIDMiddleware tags every request with a correlation id, reusing the
// caller's X-Request-ID when present
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// RequestLoggingMiddleware logs each request once it completes
func RequestLoggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(requestIDKey)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("Request completed", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("Request completed", fields...)
		default:
			logger.Info("Request completed", fields...)
		}
	}
}

// CORSMiddleware allows the browser chat client on another origin
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Session-ID, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
