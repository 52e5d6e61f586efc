// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package events defines the reaction-transition wire contract shared by the
// coordinator (producer), the persistence worker (consumer) and any downstream
// service that reads the reaction topic.
//
// Message key: itemId (string). Per-key ordering on the log is what gives
// per-item ordering at the persistence layer.
//
// Value (JSON):
//
//	{"eventId":"u1:q1","actorId":"u1","itemId":"q1","type":"like",
//	 "action":"updated","oldType":"love","timestamp":1730000000000}
package events

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Action describes the transition a toggle produced.
type Action string

const (
	ActionAdded   Action = "added"
	ActionUpdated Action = "updated"
	ActionRemoved Action = "removed"
)

// Valid reports whether a is one of the three known transitions.
func (a Action) Valid() bool {
	switch a {
	case ActionAdded, ActionUpdated, ActionRemoved:
		return true
	}
	return false
}

// Delta returns the change this action applies to an item's total.
func (a Action) Delta() int64 {
	switch a {
	case ActionAdded:
		return 1
	case ActionRemoved:
		return -1
	}
	return 0
}

// Header names carried on log messages.
const (
	HeaderContentType         = "content-type"
	HeaderError               = "error"
	HeaderTimestamp           = "timestamp"
	HeaderIsRetry             = "isRetry"
	HeaderReplayedAt          = "replayedAt"
	HeaderOriginalSourceTopic = "originalSourceTopic"

	ContentTypeJSON = "application/json"
)

// ErrMalformed is returned (wrapped) by Decode and Validate.
var ErrMalformed = errors.New("malformed reaction event")

// Reaction is one reaction transition as published to the log. It is never
// mutated after publication.
type Reaction struct {
	// EventID is the logical-intent key (actor:item), not an occurrence id.
	EventID   string  `json:"eventId"`
	ActorID   string  `json:"actorId"`
	ItemID    string  `json:"itemId"`
	Type      string  `json:"type"`
	Action    Action  `json:"action"`
	OldType   *string `json:"oldType"`
	Timestamp int64   `json:"timestamp"`
}

// EventID derives the idempotency key for an actor/item pair.
func EventID(actorID, itemID string) string { return actorID + ":" + itemID }

// PreviousType returns the old type or "" when absent.
func (r Reaction) PreviousType() string {
	if r.OldType == nil {
		return ""
	}
	return *r.OldType
}

// Validate checks the structural invariants consumers rely on.
func (r Reaction) Validate() error {
	switch {
	case strings.TrimSpace(r.ActorID) == "":
		return fmt.Errorf("%w: actorId required", ErrMalformed)
	case strings.TrimSpace(r.ItemID) == "":
		return fmt.Errorf("%w: itemId required", ErrMalformed)
	case strings.TrimSpace(r.Type) == "":
		return fmt.Errorf("%w: type required", ErrMalformed)
	case !r.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrMalformed, r.Action)
	case r.Action == ActionUpdated && r.PreviousType() == "":
		return fmt.Errorf("%w: updated event without oldType", ErrMalformed)
	case r.Timestamp <= 0:
		return fmt.Errorf("%w: timestamp required", ErrMalformed)
	}
	return nil
}

// Encode serializes a reaction event.
func Encode(r Reaction) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reaction event: %w", err)
	}
	return b, nil
}

// Decode parses and validates a reaction event payload.
func Decode(b []byte) (Reaction, error) {
	var r Reaction
	if len(b) == 0 {
		return r, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return Reaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := r.Validate(); err != nil {
		return Reaction{}, err
	}
	return r, nil
}
