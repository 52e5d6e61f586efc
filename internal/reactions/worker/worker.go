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

// Package worker applies reaction events from the log to the system of record.
//
// Each lane owns a disjoint set of partitions and handles its messages
// strictly one at a time, which is what preserves per-item order. A message
// that cannot be applied is forwarded to the dead-letter topic and the lane
// moves on, so one poisoned event never stalls its partition.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"

	"quotely/internal/reactions/config"
	"quotely/internal/reactions/errs"
	"quotely/internal/reactions/eventlog"
	"quotely/internal/reactions/logging"
	"quotely/internal/reactions/persistence"
	"quotely/internal/reactions/telemetry"
	"quotely/pkg/events"
)

// Options configures a Worker.
type Options struct {
	Topic          string
	DLQTopic       string
	Group          string
	Lanes          int
	RetryAttempts  int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	ProcessTimeout time.Duration
}

// OptionsFromConfig maps the worker and kafka sections onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Topic:          cfg.Kafka.Topic,
		DLQTopic:       cfg.Kafka.DLQTopic,
		Group:          cfg.Kafka.Group,
		Lanes:          cfg.Worker.Lanes,
		RetryAttempts:  cfg.Worker.RetryAttempts,
		RetryInitial:   cfg.Worker.RetryInitial,
		RetryMax:       cfg.Worker.RetryMax,
		ProcessTimeout: cfg.Worker.ProcessTimeout,
	}
}

// Worker is the persistence consumer.
type Worker struct {
	sub    eventlog.Subscriber
	dlq    eventlog.Producer
	store  persistence.Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	cancel   context.CancelFunc
	stopChan chan struct{}
	lanes    conc.WaitGroup
	mu       sync.Mutex
	started  bool
	stopped  uint32
}

// New creates a worker. Start must be called to begin consuming.
func New(sub eventlog.Subscriber, dlq eventlog.Producer, store persistence.Store, opts Options, logger *slog.Logger) *Worker {
	if opts.Lanes < 1 {
		opts.Lanes = 1
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 100 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryInitial {
		opts.RetryMax = opts.RetryInitial
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 10 * time.Second
	}
	return &Worker{
		sub:      sub,
		dlq:      dlq,
		store:    store,
		opts:     opts,
		logger:   logging.OrDefault(logger).With("component", "worker"),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start subscribes every lane and launches the consume loops. Subscription
// failures are returned before any lane runs.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker: already started")
	}

	consumers := make([]eventlog.Consumer, 0, w.opts.Lanes)
	for lane := 0; lane < w.opts.Lanes; lane++ {
		c, err := w.sub.Subscribe(ctx, eventlog.Subscription{
			Topic: w.opts.Topic,
			Group: w.opts.Group,
			Start: eventlog.StartEarliest,
			Lane:  lane,
			Lanes: w.opts.Lanes,
		})
		if err != nil {
			for _, c := range consumers {
				_ = c.Close()
			}
			return fmt.Errorf("subscribe lane %d: %w", lane, err)
		}
		consumers = append(consumers, c)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true
	for lane, c := range consumers {
		w.lanes.Go(func() { w.runLane(runCtx, lane, c) })
	}
	w.logger.Info("worker started", "topic", w.opts.Topic, "group", w.opts.Group, "lanes", w.opts.Lanes)
	return nil
}

// Stop ends consumption. A message being processed completes first; anything
// fetched after that is left uncommitted and redelivered to the next owner.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	w.logger.Info("stopping worker")
	close(w.stopChan)
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.lanes.Wait()
}

// Done is closed when Stop is called.
func (w *Worker) Done() <-chan struct{} { return w.stopChan }

func (w *Worker) runLane(ctx context.Context, lane int, c eventlog.Consumer) {
	logger := w.logger.With("lane", lane)
	logger.Info("worker lane started")
	defer logger.Info("worker lane stopped")
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close consumer", "error", err)
		}
	}()

	fetchBackoff := backoff.NewExponentialBackOff()
	fetchBackoff.InitialInterval = w.opts.RetryInitial
	fetchBackoff.MaxInterval = w.opts.RetryMax

	for {
		msg, err := c.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, eventlog.ErrClosed) {
				return
			}
			sleep := fetchBackoff.NextBackOff()
			if sleep == backoff.Stop {
				sleep = w.opts.RetryMax
			}
			logger.Warn("fetch failed", "error", err, "retry_in", sleep)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}
		fetchBackoff.Reset()

		// In-flight work outlives Stop; it is bounded by ProcessTimeout instead.
		work := context.WithoutCancel(ctx)
		w.Handle(work, msg)

		commitCtx, cancel := context.WithTimeout(work, w.opts.ProcessTimeout)
		if err := c.Commit(commitCtx, msg); err != nil {
			logger.Warn("commit failed, message will be redelivered",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
		cancel()
	}
}

// Handle processes one message to completion: applied, skipped as a no-op,
// or dead-lettered. It never returns an error because nothing a caller could
// do would change the outcome.
func (w *Worker) Handle(ctx context.Context, msg eventlog.Message) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.ProcessTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "worker.handle",
		attribute.String("topic", msg.Topic),
		attribute.Int("partition", msg.Partition),
		attribute.Int64("offset", msg.Offset))

	evt, err := events.Decode(msg.Value)
	if err != nil {
		telemetry.RecordEvent("unknown", telemetry.OutcomeMalformed)
		err = errs.New("worker", errs.CodeMalformed, errs.WithCause(err))
		w.deadLetter(ctx, msg, err)
		telemetry.EndSpan(span, err)
		return
	}
	span.SetAttributes(attribute.String("item_id", evt.ItemID), attribute.String("action", string(evt.Action)))
	logger := w.logger.With("item_id", evt.ItemID, "actor_id", evt.ActorID, "action", evt.Action, "offset", msg.Offset)

	_, replayed := msg.Headers[events.HeaderReplayedAt]
	m, err := w.apply(ctx, evt, replayed)
	switch {
	case err == nil && m.Noop():
		telemetry.RecordEvent(string(evt.Action), telemetry.OutcomeNoop)
		logger.Debug("event already reflected", "reason", m.Reason)
	case err == nil:
		telemetry.RecordEvent(string(evt.Action), telemetry.OutcomeApplied)
		logger.Debug("event applied", "mutation", m.Kind.String())
		if m.Kind == persistence.MutationUpdate && evt.Action == events.ActionAdded {
			logger.Info("durable record drifted from cache state, corrected", "type", evt.Type)
		}
	case errors.Is(err, errs.ErrConflict):
		telemetry.RecordEvent(string(evt.Action), telemetry.OutcomeNoop)
		logger.Info("constraint race lost, treated as applied", "error", err)
		err = nil
	default:
		telemetry.RecordEvent(string(evt.Action), telemetry.OutcomeFailed)
		w.deadLetter(ctx, msg, err)
	}
	telemetry.EndSpan(span, err)
}

// apply retries transient store failures with exponential backoff.
func (w *Worker) apply(ctx context.Context, evt events.Reaction, fence bool) (persistence.Mutation, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.RetryInitial
	b.MaxInterval = w.opts.RetryMax

	planner := func(current *persistence.Record) persistence.Mutation { return Plan(evt, current, fence) }
	return backoff.Retry(ctx, func() (persistence.Mutation, error) {
		m, err := w.store.Apply(ctx, evt.ItemID, evt.ActorID, planner)
		if err != nil && !errs.Retryable(err) {
			return m, backoff.Permanent(err)
		}
		return m, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.opts.RetryAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Debug("store apply failed, retrying", "item_id", evt.ItemID, "error", err, "retry_in", next)
		}),
	)
}

// deadLetter forwards msg unchanged with diagnostic headers. Publishing is
// retried; if it still fails the message is logged and dropped so the lane
// keeps moving.
func (w *Worker) deadLetter(ctx context.Context, msg eventlog.Message, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ProcessTimeout)
	defer cancel()
	headers := DeadLetterHeaders(msg.Headers, cause, w.now())
	publish := func() (struct{}, error) {
		return struct{}{}, w.dlq.Produce(ctx, w.opts.DLQTopic, msg.Key, msg.Value, headers)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.RetryInitial
	b.MaxInterval = w.opts.RetryMax
	_, err := backoff.Retry(ctx, publish, backoff.WithBackOff(b), backoff.WithMaxTries(uint(w.opts.RetryAttempts)))
	if err != nil {
		w.logger.Error("dead-letter publish failed, message dropped",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"key", string(msg.Key), "cause", cause, "error", err)
		return
	}
	telemetry.RecordDeadLettered()
	w.logger.Warn("message dead-lettered",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
		"key", string(msg.Key), "dlq", w.opts.DLQTopic, "error", cause)
}

// DeadLetterHeaders returns the original headers plus error, timestamp and,
// for messages that were themselves replayed, isRetry.
func DeadLetterHeaders(original map[string]string, cause error, at time.Time) map[string]string {
	h := eventlog.CloneHeaders(original)
	h[events.HeaderError] = cause.Error()
	h[events.HeaderTimestamp] = strconv.FormatInt(at.UnixMilli(), 10)
	if _, replayed := original[events.HeaderReplayedAt]; replayed {
		h[events.HeaderIsRetry] = "true"
	} else {
		delete(h, events.HeaderIsRetry)
	}
	return h
}
