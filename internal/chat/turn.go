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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TurnID identifies a turn. Clients may send it as a JSON string or number;
// it is always written back as a string.
type TurnID string

// UnmarshalJSON accepts strings, numbers and null
func (id *TurnID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = TurnID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("turn id must be a string or number: %w", err)
	}
	*id = TurnID(n.String())
	return nil
}

// NewTurnID returns a random identifier
func NewTurnID() TurnID {
	return TurnID(uuid.NewString())
}

// Turn is one message in a conversation
type Turn struct {
	ID    TurnID `json:"id"`
	Text  string `json:"text"`
	IsBot bool   `json:"isBot"`
}

// HasText reports whether the turn carries non-blank text
func (t Turn) HasText() bool {
	return strings.TrimSpace(t.Text) != ""
}

// AssignIDs returns a copy of turns in which every turn without an id has a
// fresh one. Existing ids are kept as they are.
func AssignIDs(turns []Turn) []Turn {
	return assignIDs(turns, NewTurnID)
}

func assignIDs(turns []Turn, newID func() TurnID) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = newID()
		}
	}
	return out
}
