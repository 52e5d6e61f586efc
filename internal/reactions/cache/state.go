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

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"quotely/internal/reactions/errs"
	"quotely/pkg/events"
)

// ErrStateMiss is returned by a probing Transition when no entry exists.
var ErrStateMiss = errors.New("cache: reaction state miss")

// tombstone marks "no reaction" without deleting the entry, so a removal is
// not mistaken for a cold cache.
const tombstone = "-"

func StateKey(actorID, itemID string) string {
	return fmt.Sprintf("reaction:state:{%s}:%s", actorID, itemID)
}

// transitionScript decides and records the next state in one step.
//
// KEYS[1]=state key
// ARGV: requested, ttl_seconds, probe ('1' returns a miss instead of using
// the seed), seed ('' when no durable reaction exists)
// Returns {action, previous}.
var transitionScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  if ARGV[3] == '1' then
    return {'miss', ''}
  end
  cur = ARGV[4]
end
local ttl = tonumber(ARGV[2])
local function put(v)
  if ttl > 0 then
    redis.call('SET', KEYS[1], v, 'EX', ttl)
  else
    redis.call('SET', KEYS[1], v)
  end
end
if cur == '' or cur == '-' then
  put(ARGV[1])
  return {'added', ''}
end
if cur == ARGV[1] then
  put('-')
  return {'removed', cur}
end
put(ARGV[1])
return {'updated', cur}
`)

// Transition is the decided state change. Previous is the type held before
// the change, empty when there was none.
type Transition struct {
	Action   events.Action
	Previous string
}

// StateStore keeps the current reaction type per (actor, item).
type StateStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewStateStore(client redis.UniversalClient, ttl time.Duration) *StateStore {
	return &StateStore{client: client, ttl: ttl}
}

// Probe decides the transition toward requested, or returns ErrStateMiss
// when the entry is cold and must be seeded from the system of record.
func (s *StateStore) Probe(ctx context.Context, actorID, itemID, requested string) (Transition, error) {
	return s.run(ctx, actorID, itemID, requested, true, "")
}

// Seeded decides the transition, treating a cold entry as holding seed
// ("" for no reaction).
func (s *StateStore) Seeded(ctx context.Context, actorID, itemID, requested, seed string) (Transition, error) {
	return s.run(ctx, actorID, itemID, requested, false, seed)
}

func (s *StateStore) run(ctx context.Context, actorID, itemID, requested string, probe bool, seed string) (Transition, error) {
	probeArg := "0"
	if probe {
		probeArg = "1"
	}
	res, err := transitionScript.Run(ctx, s.client, []string{StateKey(actorID, itemID)},
		requested, int64(s.ttl/time.Second), probeArg, seed).StringSlice()
	if err != nil {
		return Transition{}, errs.Transient("cache", "reaction state transition", err)
	}
	if len(res) != 2 {
		return Transition{}, errs.Transient("cache", "reaction state transition", fmt.Errorf("unexpected reply %v", res))
	}
	if res[0] == "miss" {
		return Transition{}, ErrStateMiss
	}
	return Transition{Action: events.Action(res[0]), Previous: res[1]}, nil
}

// Restore puts back the state held before a transition whose follow-up
// failed. An empty previous restores "no reaction".
func (s *StateStore) Restore(ctx context.Context, actorID, itemID, previous string) error {
	if previous == "" {
		previous = tombstone
	}
	if err := s.client.Set(ctx, StateKey(actorID, itemID), previous, s.ttl).Err(); err != nil {
		return errs.Transient("cache", "restore reaction state", err)
	}
	return nil
}
