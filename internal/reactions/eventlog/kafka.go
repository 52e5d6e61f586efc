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
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaOptions configures a KafkaLog.
type KafkaOptions struct {
	Brokers      []string
	ClientID     string
	BatchTimeout time.Duration
}

// KafkaLog is the production Log.
//
// Requirements met by the writer:
//   - Hash balancer on the message key (per-item ordering)
//   - Acks=all, synchronous writes (Produce returns after acknowledgement)
type KafkaLog struct {
	opts   KafkaOptions
	writer *kafka.Writer
}

// NewKafkaLog returns a log that talks to opts.Brokers. Connections are opened lazily.
func NewKafkaLog(opts KafkaOptions) (*KafkaLog, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("eventlog: kafka brokers required")
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           opts.BatchTimeout,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: opts.ClientID},
	}
	return &KafkaLog{opts: opts, writer: w}, nil
}

// Produce writes one message and waits for the broker acknowledgement.
func (k *KafkaLog) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: toKafkaHeaders(headers),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka produce topic=%s key=%s: %w", topic, string(key), err)
	}
	return nil
}

// Subscribe joins sub.Group on sub.Topic. Lane fields are ignored; the group
// coordinator assigns partitions.
func (k *KafkaLog) Subscribe(_ context.Context, sub Subscription) (Consumer, error) {
	start := kafka.LastOffset
	if sub.Start == StartEarliest {
		start = kafka.FirstOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.opts.Brokers,
		GroupID:     sub.Group,
		Topic:       sub.Topic,
		StartOffset: start,
		MinBytes:    1,
		MaxBytes:    10e6,
		Dialer:      &kafka.Dialer{ClientID: k.opts.ClientID, Timeout: 10 * time.Second, DualStack: true},
	})
	return &kafkaConsumer{reader: r}, nil
}

// Close flushes and closes the writer.
func (k *KafkaLog) Close() error {
	return k.writer.Close()
}

type kafkaConsumer struct {
	reader *kafka.Reader
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("kafka fetch: %w", err)
	}
	return fromKafkaMessage(m), nil
}

func (c *kafkaConsumer) Commit(ctx context.Context, msg Message) error {
	return c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}

func fromKafkaMessage(m kafka.Message) Message {
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   fromKafkaHeaders(m.Headers),
		Time:      m.Time,
	}
}

// toKafkaHeaders sorts by key so the wire order is stable.
func toKafkaHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(h[k])})
	}
	return out
}

// fromKafkaHeaders keeps the last value for repeated keys.
func fromKafkaHeaders(hs []kafka.Header) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}
