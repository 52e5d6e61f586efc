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

// Package ratelimit provides per-actor admission control with two independent
// sliding windows (burst + sustained) evaluated in one Redis script.
//
// The check-then-record sequence runs server-side, so concurrent callers for
// the same actor cannot both take the last slot of a window.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"quotely/internal/reactions/errs"
)

// Window is one sliding window: at most Limit admissions within Width.
type Window struct {
	Width time.Duration
	Limit int
}

// Limiter admits or rejects actions per actor.
type Limiter struct {
	client    redis.Scripter
	burst     Window
	sustained Window
	prefix    string
	now       func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithPrefix overrides the key namespace (default "rate:reaction").
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// New returns a limiter backed by client.
func New(client redis.Scripter, burst, sustained Window, opts ...Option) *Limiter {
	l := &Limiter{
		client:    client,
		burst:     burst,
		sustained: sustained,
		prefix:    "rate:reaction",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// slidingWindowScript evaluates both windows for one actor.
//
// KEYS[1]=burst zset, KEYS[2]=sustained zset
// ARGV: now_ms, burst_width_ms, burst_limit, sustained_width_ms, sustained_limit, member
// Returns 1 when admitted (and recorded in both windows), 0 when rejected (nothing recorded).
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local burstWidth = tonumber(ARGV[2])
local burstLimit = tonumber(ARGV[3])
local sustainedWidth = tonumber(ARGV[4])
local sustainedLimit = tonumber(ARGV[5])
local member = ARGV[6]

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - burstWidth)
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now - sustainedWidth)

if redis.call('ZCARD', KEYS[1]) >= burstLimit then
  return 0
end
if redis.call('ZCARD', KEYS[2]) >= sustainedLimit then
  return 0
end

redis.call('ZADD', KEYS[1], now, member)
redis.call('ZADD', KEYS[2], now, member)
redis.call('PEXPIRE', KEYS[1], burstWidth)
redis.call('PEXPIRE', KEYS[2], sustainedWidth)
return 1
`)

// BurstKey and SustainedKey share a hash tag so both land in one cluster slot.
func BurstKey(prefix, actorID string) string     { return fmt.Sprintf("%s:{%s}:burst", prefix, actorID) }
func SustainedKey(prefix, actorID string) string { return fmt.Sprintf("%s:{%s}:sustained", prefix, actorID) }

// Allow reports whether actorID may act now. A false result is a decision,
// not an error; errors mean the cache could not be consulted.
func (l *Limiter) Allow(ctx context.Context, actorID string) (bool, error) {
	now := l.now().UnixMilli()
	keys := []string{BurstKey(l.prefix, actorID), SustainedKey(l.prefix, actorID)}
	args := []interface{}{
		now,
		l.burst.Width.Milliseconds(),
		l.burst.Limit,
		l.sustained.Width.Milliseconds(),
		l.sustained.Limit,
		strconv.FormatInt(now, 10) + "-" + uuid.NewString(),
	}
	admitted, err := slidingWindowScript.Run(ctx, l.client, keys, args...).Int64()
	if err != nil {
		return false, errs.Transient("ratelimit", "evaluate sliding windows", err)
	}
	return admitted == 1, nil
}
