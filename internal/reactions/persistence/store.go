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

// Package persistence is the system of record for reactions: one record per
// (item, actor) plus denormalized per-item counters.
//
// Writers never compute a mutation up front. They pass a Planner which the
// store invokes with the current record while holding that record's lock, so
// the decision and the write are one atomic step per (item, actor).
package persistence

import (
	"context"
	"sort"
	"time"
)

// Record is the durable reaction of one actor on one item.
type Record struct {
	ID        string
	ItemID    string
	ActorID   string
	Type      string
	CreatedAt time.Time
	// EventAt is the timestamp (unix ms) of the last event applied to the record.
	EventAt int64
}

// Counters are the denormalized reaction counts of one item.
type Counters struct {
	Breakdown map[string]int64
	Total     int64
}

// MutationKind selects the record write.
type MutationKind int

const (
	MutationNone MutationKind = iota
	MutationInsert
	MutationUpdate
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationInsert:
		return "insert"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	default:
		return "none"
	}
}

// Mutation is a planned change to one record and the counters of its item.
type Mutation struct {
	Kind MutationKind
	// Type and EventAt are written on insert and update.
	Type    string
	EventAt int64
	// Deltas are per-type counter adjustments; TotalDelta adjusts the total.
	Deltas     map[string]int64
	TotalDelta int64
	// Reason explains a MutationNone (duplicate, stale, absent).
	Reason string
}

// Noop reports whether the mutation leaves both record and counters untouched.
func (m Mutation) Noop() bool {
	if m.Kind != MutationNone || m.TotalDelta != 0 {
		return false
	}
	for _, d := range m.Deltas {
		if d != 0 {
			return false
		}
	}
	return true
}

// deltaTypes returns the types with a non-zero delta in a stable order, so
// concurrent transactions lock counter rows in the same sequence.
func (m Mutation) deltaTypes() []string {
	out := make([]string, 0, len(m.Deltas))
	for t, d := range m.Deltas {
		if d != 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Planner decides a mutation from the current record (nil when absent).
type Planner func(current *Record) Mutation

// Query selects a page of an item's reactions, newest first. Pages are
// ordered by (CreatedAt, ID) descending; Before and BeforeID are the key of
// the last row of the previous page.
type Query struct {
	ItemID   string
	Type     string    // optional filter
	Before   time.Time // zero means newest
	BeforeID string    // tie-break on ID; empty means strictly before Before
	Limit    int
}

// After reports whether r sorts strictly after the cursor (Before, BeforeID),
// i.e. belongs to a later page.
func (q Query) After(r Record) bool {
	if q.Before.IsZero() {
		return true
	}
	if !r.CreatedAt.Equal(q.Before) {
		return r.CreatedAt.Before(q.Before)
	}
	return q.BeforeID != "" && r.ID < q.BeforeID
}

// Store is the system-of-record contract.
type Store interface {
	// Apply plans and writes one (item, actor) mutation atomically and
	// returns the mutation that was applied.
	Apply(ctx context.Context, itemID, actorID string, plan Planner) (Mutation, error)
	// Lookup returns the record for (item, actor), or nil when absent.
	Lookup(ctx context.Context, itemID, actorID string) (*Record, error)
	// Aggregate counts the item's records grouped by type.
	Aggregate(ctx context.Context, itemID string) (map[string]int64, error)
	// Counters returns the denormalized counters maintained by Apply.
	Counters(ctx context.Context, itemID string) (Counters, error)
	List(ctx context.Context, q Query) ([]Record, error)
	Close() error
}
