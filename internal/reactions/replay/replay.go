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

// Package replay re-publishes the contents of one topic into another,
// typically draining the dead-letter topic back into the live reaction topic
// once a fix is deployed.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"quotely/internal/reactions/config"
	"quotely/internal/reactions/eventlog"
	"quotely/internal/reactions/logging"
	"quotely/internal/reactions/telemetry"
	"quotely/pkg/events"
)

// Options configures a Replayer.
type Options struct {
	Group string
	// RatePerSecond caps republishing; 0 is unthrottled.
	RatePerSecond float64
	// IdleTimeout > 0 ends the run once the source yields nothing for that
	// long. 0 runs until the context is cancelled.
	IdleTimeout time.Duration
	// PublishTimeout bounds each republish.
	PublishTimeout time.Duration
}

// OptionsFromConfig maps the replay section onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Group:          cfg.Replay.Group,
		RatePerSecond:  cfg.Replay.RatePerSecond,
		IdleTimeout:    cfg.Replay.IdleTimeout,
		PublishTimeout: cfg.Coordinator.PublishTimeout,
	}
}

// Stats summarizes a run.
type Stats struct {
	Replayed int
	Failed   int
}

// Replayer copies messages between topics with provenance headers.
type Replayer struct {
	sub    eventlog.Subscriber
	pub    eventlog.Producer
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(sub eventlog.Subscriber, pub eventlog.Producer, opts Options, logger *slog.Logger) *Replayer {
	if opts.Group == "" {
		opts.Group = "reaction-replayer"
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Replayer{
		sub:    sub,
		pub:    pub,
		opts:   opts,
		logger: logging.OrDefault(logger).With("component", "replay"),
		now:    time.Now,
	}
}

// Run subscribes to source from its earliest retained offset and republishes
// every message to target, preserving key, value and headers and adding
// replayedAt and originalSourceTopic. A failed republish is logged and
// skipped. Cancellation and drain (IdleTimeout) end the run without error.
func (r *Replayer) Run(ctx context.Context, source, target string) (Stats, error) {
	var stats Stats
	if source == "" || target == "" {
		return stats, errors.New("replay: source and target topics required")
	}
	if source == target {
		return stats, fmt.Errorf("replay: source and target are both %q", source)
	}

	c, err := r.sub.Subscribe(ctx, eventlog.Subscription{Topic: source, Group: r.opts.Group, Start: eventlog.StartEarliest})
	if err != nil {
		return stats, fmt.Errorf("replay: subscribe %s: %w", source, err)
	}
	defer c.Close()

	var limiter *rate.Limiter
	if r.opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.opts.RatePerSecond), 1)
	}
	logger := r.logger.With("source", source, "target", target)
	logger.Info("replay started", "group", r.opts.Group, "rate_per_second", r.opts.RatePerSecond, "idle_timeout", r.opts.IdleTimeout)

	for {
		msg, err := r.fetch(ctx, c)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				logger.Info("replay stopped", "replayed", stats.Replayed, "failed", stats.Failed)
				return stats, nil
			case errors.Is(err, context.DeadlineExceeded):
				logger.Info("source drained", "replayed", stats.Replayed, "failed", stats.Failed)
				return stats, nil
			case errors.Is(err, eventlog.ErrClosed):
				return stats, err
			}
			logger.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return stats, nil
			case <-time.After(time.Second):
			}
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return stats, nil
			}
		}

		if err := r.republish(ctx, source, target, msg); err != nil {
			stats.Failed++
			telemetry.RecordReplayed(false)
			logger.Error("replay publish failed", "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key), "error", err)
		} else {
			stats.Replayed++
			telemetry.RecordReplayed(true)
			logger.Info("message replayed", "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key))
		}
		if err := c.Commit(context.WithoutCancel(ctx), msg); err != nil {
			logger.Warn("commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

func (r *Replayer) fetch(ctx context.Context, c eventlog.Consumer) (eventlog.Message, error) {
	if r.opts.IdleTimeout <= 0 {
		return c.Fetch(ctx)
	}
	idleCtx, cancel := context.WithTimeout(ctx, r.opts.IdleTimeout)
	defer cancel()
	return c.Fetch(idleCtx)
}

func (r *Replayer) republish(ctx context.Context, source, target string, msg eventlog.Message) error {
	headers := ProvenanceHeaders(msg.Headers, source, r.now())
	pctx, cancel := context.WithTimeout(ctx, r.opts.PublishTimeout)
	defer cancel()
	return r.pub.Produce(pctx, target, msg.Key, msg.Value, headers)
}

// ProvenanceHeaders returns the original headers plus replayedAt (unix ms)
// and originalSourceTopic.
func ProvenanceHeaders(original map[string]string, source string, at time.Time) map[string]string {
	h := eventlog.CloneHeaders(original)
	h[events.HeaderReplayedAt] = strconv.FormatInt(at.UnixMilli(), 10)
	h[events.HeaderOriginalSourceTopic] = source
	return h
}
