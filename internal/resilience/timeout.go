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

package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// TimeoutFunc is a function that can be executed with a timeout
type TimeoutFunc func(ctx context.Context) error

// WithTimeout runs fn with a deadline derived from ctx. The function runs on
// the calling goroutine so it never outlives the request that started it; a
// non-positive timeout leaves ctx untouched. A deadline hit that fn reports
// unwrapped is converted into a TIMEOUT ServiceError.
func WithTimeout(ctx context.Context, timeout time.Duration, logger *zap.Logger, fn TimeoutFunc) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(timeoutCtx)
	if err == nil {
		return nil
	}

	var serviceErr *ServiceError
	if AsServiceError(err, &serviceErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		logger.Warn("Operation timed out",
			zap.Duration("timeout", timeout),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return NewTimeoutError("Operation timed out", err)
	}
	return err
}

// TimeoutManager applies one configured deadline to every request
type TimeoutManager struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewTimeoutManager creates a new timeout manager
func NewTimeoutManager(timeout time.Duration, logger *zap.Logger) *TimeoutManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeoutManager{timeout: timeout, logger: logger}
}

// Execute executes a function with the manager's timeout
func (tm *TimeoutManager) Execute(ctx context.Context, fn TimeoutFunc) error {
	return WithTimeout(ctx, tm.timeout, tm.logger, fn)
}

// Timeout returns the configured deadline; zero means none
func (tm *TimeoutManager) Timeout() time.Duration {
	return tm.timeout
}
