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

package gateway

import "fmt"

// Endpoint names one of the upstream services
type Endpoint string

const (
	// EndpointOptimizer rewrites a question before retrieval
	EndpointOptimizer Endpoint = "optimizer"
	// EndpointAnswer retrieves or generates an answer
	EndpointAnswer Endpoint = "answer"
	// EndpointRelated returns questions related to a text
	EndpointRelated Endpoint = "related"
)

// Error reports a failed upstream call. StatusCode is zero when no HTTP
// response was received.
type Error struct {
	Endpoint   Endpoint
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s endpoint returned status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s endpoint failed: %s", e.Endpoint, e.Message)
}

// Unwrap returns the transport error, if any
func (e *Error) Unwrap() error {
	return e.Err
}
