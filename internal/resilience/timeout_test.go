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
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWithTimeout_Success(t *testing.T) {
	called := false
	err := WithTimeout(context.Background(), time.Second, zap.NewNop(), func(ctx context.Context) error {
		called = true
		if _, ok := ctx.Deadline(); !ok {
			t.Error("Expected a deadline on the context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !called {
		t.Fatal("Expected function to be called")
	}
}

func TestWithTimeout_ZeroDisablesDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), 0, nil, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("Expected no deadline when timeout is zero")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
}

func TestWithTimeout_DeadlineExceeded(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !IsCode(err, ErrorCodeTimeout) {
		t.Fatalf("Expected TIMEOUT service error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("Expected the deadline error to stay reachable")
	}
}

func TestWithTimeout_PreservesServiceErrors(t *testing.T) {
	original := NewDependencyFailureError("optimizer failed", context.DeadlineExceeded)
	err := WithTimeout(context.Background(), time.Second, zap.NewNop(), func(context.Context) error {
		return original
	})
	if err != original {
		t.Fatalf("Expected original service error, got %v", err)
	}
}

func TestTimeoutManager(t *testing.T) {
	tm := NewTimeoutManager(50*time.Millisecond, nil)
	if tm.Timeout() != 50*time.Millisecond {
		t.Errorf("Expected 50ms, got %s", tm.Timeout())
	}

	plain := errors.New("boom")
	if err := tm.Execute(context.Background(), func(context.Context) error { return plain }); err != plain {
		t.Errorf("Expected plain error to pass through, got %v", err)
	}
}
