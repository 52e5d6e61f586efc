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

// Package cache holds the Redis-resident views of the reaction pipeline:
// per-item breakdown counters, the per-(actor, item) current type, and
// short-lived page responses.
//
// None of these are authoritative. Every structure can be rebuilt from the
// system of record, and every multi-key mutation runs as one server-side script.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"quotely/internal/reactions/errs"
	"quotely/internal/reactions/telemetry"
)

// Aggregator counts durable records of an item grouped by type.
type Aggregator interface {
	Aggregate(ctx context.Context, itemID string) (map[string]int64, error)
}

// Breakdown is the per-type counts and total of one item.
type Breakdown struct {
	Counts map[string]int64 `msgpack:"counts" json:"counts"`
	Total  int64            `msgpack:"total" json:"total"`
}

// DeltaRequest is one atomic counter mutation.
//
// With PreviousType set the request is a type swap: PreviousType loses one,
// Type gains one and the total is unchanged. Otherwise Delta (+1 or -1) is
// applied to both Type and the total.
type DeltaRequest struct {
	ItemID       string
	Type         string
	Delta        int64
	PreviousType string
}

func BreakdownKey(itemID string) string { return fmt.Sprintf("quote:reactions:{%s}", itemID) }
func TotalKey(itemID string) string     { return fmt.Sprintf("quote:reactions:total:{%s}", itemID) }

// applyDeltaScript mutates hash and total together.
//
// KEYS[1]=breakdown hash, KEYS[2]=total
// ARGV: type, delta, previousType ('' for none), ttl_seconds
// Returns 1 when applied, 0 when the entry is cold (total absent), -1 when a
// counter went negative and both keys were dropped for repair.
var applyDeltaScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
  return 0
end
local low
if ARGV[3] ~= '' then
  low = redis.call('HINCRBY', KEYS[1], ARGV[3], -1)
  redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
else
  local delta = tonumber(ARGV[2])
  low = redis.call('INCRBY', KEYS[2], delta)
  local n = redis.call('HINCRBY', KEYS[1], ARGV[1], delta)
  if n < low then low = n end
end
if low < 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
  return -1
end
local ttl = tonumber(ARGV[4])
if ttl > 0 and redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)

// seedScript writes an aggregate unless a concurrent caller already did.
//
// KEYS[1]=breakdown hash, KEYS[2]=total
// ARGV: ttl_seconds, total, then type/count pairs
var seedScript = redis.NewScript(`
local total = redis.call('GET', KEYS[2])
if total and (tonumber(total) == 0 or redis.call('HLEN', KEYS[1]) > 0) then
  return 0
end
local ttl = tonumber(ARGV[1])
redis.call('DEL', KEYS[1])
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ttl > 0 then
  redis.call('SET', KEYS[2], ARGV[2], 'EX', ttl)
  if #ARGV >= 3 then
    redis.call('EXPIRE', KEYS[1], ttl)
  end
else
  redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// ReactionCache serves item breakdowns and repairs itself from an Aggregator.
type ReactionCache struct {
	client        redis.UniversalClient
	store         Aggregator
	ttl           time.Duration
	repairTimeout time.Duration
	logger        *slog.Logger
}

// DefaultRepairTimeout bounds the system-of-record read that seeds a cold
// entry during ApplyDelta.
const DefaultRepairTimeout = 2 * time.Second

// Option customizes a ReactionCache.
type Option func(*ReactionCache)

// WithRepairTimeout overrides DefaultRepairTimeout.
func WithRepairTimeout(d time.Duration) Option {
	return func(c *ReactionCache) {
		if d > 0 {
			c.repairTimeout = d
		}
	}
}

// NewReactionCache returns a cache whose repaired entries live for ttl.
func NewReactionCache(client redis.UniversalClient, store Aggregator, ttl time.Duration, logger *slog.Logger, opts ...Option) *ReactionCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ReactionCache{client: client, store: store, ttl: ttl, repairTimeout: DefaultRepairTimeout, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetBreakdown returns the cached breakdown, repairing it from the system of
// record when the total is absent or the hash is empty while the total is not.
func (c *ReactionCache) GetBreakdown(ctx context.Context, itemID string) (Breakdown, error) {
	var (
		hashCmd  *redis.MapStringStringCmd
		totalCmd *redis.StringCmd
	)
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		hashCmd = p.HGetAll(ctx, BreakdownKey(itemID))
		totalCmd = p.Get(ctx, TotalKey(itemID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Breakdown{}, errs.Transient("cache", "read breakdown", err)
	}

	raw := hashCmd.Val()
	total, terr := totalCmd.Int64()
	if errors.Is(terr, redis.Nil) || (terr == nil && total > 0 && len(raw) == 0) {
		return c.repair(ctx, itemID)
	}
	if terr != nil {
		return Breakdown{}, errs.Transient("cache", "parse total", terr)
	}

	b := Breakdown{Counts: make(map[string]int64, len(raw)), Total: total}
	for t, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.logger.Warn("unparseable breakdown field, repairing", "item_id", itemID, "type", t, "value", v)
			return c.repair(ctx, itemID)
		}
		b.Counts[t] = n
	}
	return b, nil
}

// ApplyDelta mutates the item's counters atomically. A cold entry is seeded
// from the system of record first so the delta lands on a complete view.
//
// ctx bounds the script round-trips only. Seeding and the retried delta run
// under the repair timeout, detached from ctx's deadline, because an
// aggregate over the store routinely outlasts a cache budget.
func (c *ReactionCache) ApplyDelta(ctx context.Context, req DeltaRequest) error {
	res, err := c.runDelta(ctx, req)
	if err != nil {
		return err
	}
	if res != 0 {
		c.applied(req, res)
		return nil
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.repairTimeout)
	defer cancel()
	if _, err := c.repair(rctx, req.ItemID); err != nil {
		return err
	}
	res, err = c.runDelta(rctx, req)
	if err != nil {
		return err
	}
	if res == 0 {
		// Evicted again between seed and apply; the next read repairs.
		c.logger.Debug("breakdown stayed cold, delta skipped", "item_id", req.ItemID)
		return nil
	}
	c.applied(req, res)
	return nil
}

func (c *ReactionCache) applied(req DeltaRequest, res int64) {
	if res == -1 {
		c.logger.Info("breakdown went negative, dropped for repair", "item_id", req.ItemID)
	}
}

func (c *ReactionCache) runDelta(ctx context.Context, req DeltaRequest) (int64, error) {
	keys := []string{BreakdownKey(req.ItemID), TotalKey(req.ItemID)}
	res, err := applyDeltaScript.Run(ctx, c.client, keys,
		req.Type, req.Delta, req.PreviousType, int64(c.ttl/time.Second)).Int64()
	if err != nil {
		return 0, errs.Transient("cache", "apply delta", err)
	}
	return res, nil
}

// Evict drops the item's cached breakdown.
func (c *ReactionCache) Evict(ctx context.Context, itemID string) error {
	if err := c.client.Del(ctx, BreakdownKey(itemID), TotalKey(itemID)).Err(); err != nil {
		return errs.Transient("cache", "evict", err)
	}
	return nil
}

func (c *ReactionCache) repair(ctx context.Context, itemID string) (Breakdown, error) {
	counts, err := c.store.Aggregate(ctx, itemID)
	if err != nil {
		var e *errs.E
		if errors.As(err, &e) {
			return Breakdown{}, err
		}
		return Breakdown{}, errs.Transient("cache", "aggregate for repair", err)
	}
	b := Breakdown{Counts: make(map[string]int64, len(counts))}
	args := []interface{}{int64(c.ttl / time.Second), int64(0)}
	for t, n := range counts {
		b.Counts[t] = n
		b.Total += n
		args = append(args, t, n)
	}
	args[1] = b.Total

	keys := []string{BreakdownKey(itemID), TotalKey(itemID)}
	if err := seedScript.Run(ctx, c.client, keys, args...).Err(); err != nil {
		return Breakdown{}, errs.Transient("cache", "write repaired breakdown", err)
	}
	telemetry.RecordReadRepair()
	c.logger.Debug("breakdown read-repaired", "item_id", itemID, "total", b.Total)
	return b, nil
}
