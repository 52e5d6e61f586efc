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

// Package eventlog abstracts the ordered, partitioned, at-least-once append log
// that carries reaction transitions.
//
// Contract:
//   - Produce(topic, key, value, headers) with a deterministic key partitioner,
//     so all messages for one key land on one partition in publish order.
//   - Subscribe(topic, group, start) returns a Consumer; within a group each
//     partition is owned by one consumer at a time. Messages fetched but not
//     committed are redelivered to the next owner.
package eventlog

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

// ErrClosed is returned by operations on a closed log or consumer.
var ErrClosed = errors.New("eventlog: closed")

// Message is one log record as seen by consumers.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// Producer appends messages to a topic.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// StartOffset selects where a group with no committed position begins.
type StartOffset int

const (
	StartLatest StartOffset = iota
	StartEarliest
)

// Subscription describes one consumer's membership.
//
// Lane/Lanes pin static partition ownership (partition % Lanes == Lane) for
// logs without a group coordinator. Kafka ignores them and lets the broker
// assign partitions to group members.
type Subscription struct {
	Topic string
	Group string
	Start StartOffset
	Lane  int
	Lanes int
}

// Consumer pulls messages one at a time. Fetch blocks until a message is
// available or ctx is done.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber opens consumers.
type Subscriber interface {
	Subscribe(ctx context.Context, sub Subscription) (Consumer, error)
}

// Log is a full event log client.
type Log interface {
	Producer
	Subscriber
	Close() error
}

// Partition maps a key onto one of n partitions with FNV-1a, the same hash
// kafka-go's Hash balancer uses.
func Partition(key []byte, n int) int {
	if n <= 1 || len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(n))
}

// CloneHeaders returns a copy of h that is safe to mutate. Never nil.
func CloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+3)
	for k, v := range h {
		out[k] = v
	}
	return out
}
