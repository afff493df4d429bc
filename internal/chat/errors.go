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
	"errors"
	"fmt"

	"github.com/your-org/chat-assistant/internal/gateway"
	"github.com/your-org/chat-assistant/internal/resilience"
)

var (
	// ErrEmptyConversation is returned for a turn request without turns
	ErrEmptyConversation = errors.New("chat_data must contain at least one turn")
	// ErrMissingText is returned when the last turn has no text
	ErrMissingText = errors.New("the last turn must have text")
	// ErrNothingToCommit is returned when the staging slot is empty
	ErrNothingToCommit = errors.New("no chat data in cache")
)

func validationError(err error) error {
	return resilience.NewBadRequestError(err.Error(), err)
}

func notFoundError(message string, err error) error {
	return resilience.NewNotFoundError(message, err)
}

func internalError(operation string, err error) error {
	return resilience.NewInternalError(fmt.Sprintf("failed to %s: %v", operation, err), err)
}

// upstreamError reports a failed upstream call with the endpoint that failed
func upstreamError(err error) error {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return resilience.NewDependencyFailureError(
			fmt.Sprintf("%s service failed: %s", gwErr.Endpoint, gwErr.Message), err).
			WithContext("endpoint", string(gwErr.Endpoint))
	}
	return resilience.NewDependencyFailureError(err.Error(), err)
}
