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

package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type recordKey struct{ item, actor string }

// MemoryStore is an in-process Store. A single mutex serializes Apply, which
// is stricter than the per-record locking of the PostgreSQL store.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[recordKey]*Record
	counters map[string]*Counters
	now      func() time.Time
	last     time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[recordKey]*Record),
		counters: make(map[string]*Counters),
		now:      time.Now,
	}
}

// createdAt is strictly increasing so List cursors never skip ties.
func (s *MemoryStore) createdAt() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) Apply(ctx context.Context, itemID, actorID string, plan Planner) (Mutation, error) {
	if err := ctx.Err(); err != nil {
		return Mutation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{itemID, actorID}
	var current *Record
	if rec, ok := s.records[key]; ok {
		cp := *rec
		current = &cp
	}
	m := plan(current)

	switch m.Kind {
	case MutationInsert:
		if current != nil {
			// Planners only insert when absent; keep the record unique anyway.
			return Mutation{Kind: MutationNone, Reason: "duplicate"}, nil
		}
		s.records[key] = &Record{
			ID:        uuid.NewString(),
			ItemID:    itemID,
			ActorID:   actorID,
			Type:      m.Type,
			CreatedAt: s.createdAt(),
			EventAt:   m.EventAt,
		}
	case MutationUpdate:
		if rec, ok := s.records[key]; ok {
			rec.Type = m.Type
			rec.EventAt = m.EventAt
		}
	case MutationDelete:
		delete(s.records, key)
	}

	c := s.countersLocked(itemID)
	for _, t := range m.deltaTypes() {
		c.Breakdown[t] = max(c.Breakdown[t]+m.Deltas[t], 0)
	}
	c.Total = max(c.Total+m.TotalDelta, 0)
	return m, nil
}

func (s *MemoryStore) countersLocked(itemID string) *Counters {
	c, ok := s.counters[itemID]
	if !ok {
		c = &Counters{Breakdown: make(map[string]int64)}
		s.counters[itemID] = c
	}
	return c
}

func (s *MemoryStore) Lookup(ctx context.Context, itemID, actorID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{itemID, actorID}]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Aggregate(ctx context.Context, itemID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for k, rec := range s.records {
		if k.item == itemID {
			out[rec.Type]++
		}
	}
	return out, nil
}

func (s *MemoryStore) Counters(ctx context.Context, itemID string) (Counters, error) {
	if err := ctx.Err(); err != nil {
		return Counters{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Counters{Breakdown: make(map[string]int64)}
	if c, ok := s.counters[itemID]; ok {
		for t, n := range c.Breakdown {
			out.Breakdown[t] = n
		}
		out.Total = c.Total
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for k, rec := range s.records {
		if k.item != q.ItemID || (q.Type != "" && rec.Type != q.Type) {
			continue
		}
		if !q.After(*rec) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
