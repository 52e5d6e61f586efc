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

package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-process partitioned log with consumer-group offsets.
// It backs the simulator and tests; it keeps every message for its lifetime.
type MemoryLog struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][][]Message
	committed  map[string]map[int]int64 // group/topic -> partition -> next offset
	notify     chan struct{}
	closed     bool
}

// NewMemoryLog returns a log whose topics have the given partition count.
func NewMemoryLog(partitions int) *MemoryLog {
	if partitions < 1 {
		partitions = 1
	}
	return &MemoryLog{
		partitions: partitions,
		topics:     make(map[string][][]Message),
		committed:  make(map[string]map[int]int64),
		notify:     make(chan struct{}),
	}
}

func (l *MemoryLog) topicLocked(name string) [][]Message {
	parts, ok := l.topics[name]
	if !ok {
		parts = make([][]Message, l.partitions)
		l.topics[name] = parts
	}
	return parts
}

// Produce appends to the key's partition and wakes blocked consumers.
func (l *MemoryLog) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	parts := l.topicLocked(topic)
	p := Partition(key, l.partitions)
	msg := Message{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(parts[p])),
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Headers:   CloneHeaders(headers),
		Time:      time.Now(),
	}
	parts[p] = append(parts[p], msg)
	close(l.notify)
	l.notify = make(chan struct{})
	return nil
}

// Subscribe opens a consumer positioned at the group's committed offsets.
func (l *MemoryLog) Subscribe(ctx context.Context, sub Subscription) (Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	parts := l.topicLocked(sub.Topic)
	gk := sub.Group + "/" + sub.Topic
	offsets, ok := l.committed[gk]
	if !ok {
		offsets = make(map[int]int64)
		l.committed[gk] = offsets
	}
	c := &memoryConsumer{log: l, topic: sub.Topic, groupKey: gk, next: make(map[int]int64)}
	for p := 0; p < l.partitions; p++ {
		if sub.Lanes > 1 && p%sub.Lanes != sub.Lane {
			continue
		}
		c.owned = append(c.owned, p)
		if off, ok := offsets[p]; ok {
			c.next[p] = off
		} else if sub.Start == StartLatest {
			c.next[p] = int64(len(parts[p]))
		}
	}
	return c, nil
}

// Messages returns a snapshot of every message on topic, partition by partition.
func (l *MemoryLog) Messages(topic string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Message
	for _, part := range l.topics[topic] {
		out = append(out, part...)
	}
	return out
}

// Close wakes all consumers; subsequent calls fail with ErrClosed.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.notify)
	}
	return nil
}

type memoryConsumer struct {
	log      *MemoryLog
	topic    string
	groupKey string
	owned    []int
	next     map[int]int64
	rr       int
	closed   bool
}

func (c *memoryConsumer) Fetch(ctx context.Context) (Message, error) {
	for {
		c.log.mu.Lock()
		if c.closed || c.log.closed {
			c.log.mu.Unlock()
			return Message{}, ErrClosed
		}
		parts := c.log.topicLocked(c.topic)
		for i := 0; i < len(c.owned); i++ {
			idx := (c.rr + i) % len(c.owned)
			p := c.owned[idx]
			if off := c.next[p]; off < int64(len(parts[p])) {
				msg := parts[p][off]
				msg.Headers = CloneHeaders(msg.Headers)
				c.next[p] = off + 1
				c.rr = (idx + 1) % len(c.owned)
				c.log.mu.Unlock()
				return msg, nil
			}
		}
		wait := c.log.notify
		c.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wait:
		}
	}
}

func (c *memoryConsumer) Commit(_ context.Context, msg Message) error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	offsets := c.log.committed[c.groupKey]
	if next := msg.Offset + 1; next > offsets[msg.Partition] {
		offsets[msg.Partition] = next
	}
	return nil
}

func (c *memoryConsumer) Close() error {
	c.log.mu.Lock()
	c.closed = true
	c.log.mu.Unlock()
	return nil
}
