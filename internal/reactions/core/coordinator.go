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

// Package core provides the synchronous half of the reaction pipeline: the
// toggle path a user request waits on, and the item reaction query.
package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"quotely/internal/reactions/cache"
	"quotely/internal/reactions/config"
	"quotely/internal/reactions/errs"
	"quotely/internal/reactions/eventlog"
	"quotely/internal/reactions/logging"
	"quotely/internal/reactions/persistence"
	"quotely/internal/reactions/telemetry"
	"quotely/pkg/events"
)

// Limiter admits actors.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// Counters is the breakdown cache.
type Counters interface {
	GetBreakdown(ctx context.Context, itemID string) (cache.Breakdown, error)
	ApplyDelta(ctx context.Context, req cache.DeltaRequest) error
}

// StateCache decides per-(actor, item) transitions.
type StateCache interface {
	Probe(ctx context.Context, actorID, itemID, requested string) (cache.Transition, error)
	Seeded(ctx context.Context, actorID, itemID, requested, seed string) (cache.Transition, error)
	Restore(ctx context.Context, actorID, itemID, previous string) error
}

// Records is the read side of the system of record.
type Records interface {
	Lookup(ctx context.Context, itemID, actorID string) (*persistence.Record, error)
	List(ctx context.Context, q persistence.Query) ([]persistence.Record, error)
}

// Pages caches whole query responses.
type Pages interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Invalidate(ctx context.Context, key string) error
}

// Options configures a Coordinator.
type Options struct {
	Topic          string
	OpTimeout      time.Duration
	PublishTimeout time.Duration
	ReactionTypes  []string
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Topic:          cfg.Kafka.Topic,
		OpTimeout:      cfg.Coordinator.OpTimeout,
		PublishTimeout: cfg.Coordinator.PublishTimeout,
		ReactionTypes:  cfg.Coordinator.ReactionTypes,
	}
}

// Deps are the collaborators of a Coordinator. Records and Pages are
// optional: without Records a cold state entry counts as "no reaction",
// without Pages queries are never cached.
type Deps struct {
	Limiter  Limiter
	Counters Counters
	State    StateCache
	Producer eventlog.Producer
	Records  Records
	Pages    Pages
	Logger   *slog.Logger
}

// Result is the outcome of a toggle.
type Result struct {
	Action       events.Action
	Type         string
	PreviousType string
}

// Coordinator runs toggles and item queries.
type Coordinator struct {
	deps    Deps
	opts    Options
	allowed map[string]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Coordinator. Limiter, Counters, State and Producer are required.
func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Limiter == nil || deps.Counters == nil || deps.State == nil || deps.Producer == nil {
		return nil, errors.New("coordinator: limiter, counters, state and producer are required")
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 50 * time.Millisecond
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if len(opts.ReactionTypes) == 0 {
		opts.ReactionTypes = config.DefaultReactionTypes
	}
	allowed := make(map[string]struct{}, len(opts.ReactionTypes))
	for _, t := range opts.ReactionTypes {
		allowed[t] = struct{}{}
	}
	return &Coordinator{
		deps:    deps,
		opts:    opts,
		allowed: allowed,
		logger:  logging.OrDefault(deps.Logger).With("component", "coordinator"),
		now:     time.Now,
	}, nil
}

// ToggleReaction applies the actor's reaction toggle on the item and returns
// once the transition is cached and published. It does not wait for
// persistence.
func (c *Coordinator) ToggleReaction(ctx context.Context, actorID, itemID, reactionType string) (res Result, err error) {
	start := c.now()
	ctx, span := telemetry.StartSpan(ctx, "coordinator.toggle",
		attribute.String("actor_id", actorID),
		attribute.String("item_id", itemID),
		attribute.String("type", reactionType))
	defer func() { telemetry.EndSpan(span, err) }()

	if err := c.validate(actorID, itemID, reactionType); err != nil {
		return Result{}, err
	}

	if err := c.admit(ctx, actorID); err != nil {
		return Result{}, err
	}

	tr, err := c.transition(ctx, actorID, itemID, reactionType)
	if err != nil {
		return Result{}, err
	}

	req := cache.DeltaRequest{ItemID: itemID, Type: reactionType, Delta: tr.Action.Delta()}
	if tr.Action == events.ActionUpdated {
		req.PreviousType = tr.Previous
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	err = c.deps.Counters.ApplyDelta(opCtx, req)
	cancel()
	if err != nil {
		c.rollback(ctx, actorID, itemID, tr.Previous)
		return Result{}, transient("apply counters delta", err)
	}

	res = Result{Action: tr.Action, Type: reactionType}
	if tr.Action == events.ActionUpdated {
		res.PreviousType = tr.Previous
	}
	c.invalidatePage(ctx, itemID)
	c.publish(ctx, actorID, itemID, res)

	span.SetAttributes(attribute.String("action", string(res.Action)))
	telemetry.RecordToggle(string(res.Action), c.now().Sub(start))
	return res, nil
}

func (c *Coordinator) validate(actorID, itemID, reactionType string) error {
	switch {
	case strings.TrimSpace(actorID) == "":
		return errs.Invalid("coordinator", "actor id required")
	case strings.TrimSpace(itemID) == "":
		return errs.Invalid("coordinator", "item id required")
	}
	if _, ok := c.allowed[reactionType]; !ok {
		return errs.Invalid("coordinator", "unknown reaction type "+reactionType)
	}
	return nil
}

func (c *Coordinator) admit(ctx context.Context, actorID string) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	ok, err := c.deps.Limiter.Allow(opCtx, actorID)
	if err != nil {
		return transient("rate limit check", err)
	}
	if !ok {
		telemetry.RecordRateLimited()
		return errs.New("coordinator", errs.CodeRateLimited, errs.WithMessage("too many reactions, slow down"))
	}
	return nil
}

// transition decides the action from the state cache, reconciling a cold
// entry from the system of record.
func (c *Coordinator) transition(ctx context.Context, actorID, itemID, requested string) (cache.Transition, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	if c.deps.Records == nil {
		tr, err := c.deps.State.Seeded(opCtx, actorID, itemID, requested, "")
		if err != nil {
			return cache.Transition{}, transient("reaction state", err)
		}
		return tr, nil
	}

	tr, err := c.deps.State.Probe(opCtx, actorID, itemID, requested)
	if err == nil {
		return tr, nil
	}
	if !errors.Is(err, cache.ErrStateMiss) {
		return cache.Transition{}, transient("reaction state", err)
	}

	// Store lookups get the publish budget; the cache op budget is too tight.
	lookupCtx, lookupCancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	rec, err := c.deps.Records.Lookup(lookupCtx, itemID, actorID)
	lookupCancel()
	if err != nil {
		return cache.Transition{}, transient("reconcile reaction state", err)
	}
	seed := ""
	if rec != nil {
		seed = rec.Type
	}
	c.logger.Debug("reaction state reconciled from store", "actor_id", actorID, "item_id", itemID, "seed", seed)

	seedCtx, seedCancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer seedCancel()
	tr, err = c.deps.State.Seeded(seedCtx, actorID, itemID, requested, seed)
	if err != nil {
		return cache.Transition{}, transient("reaction state", err)
	}
	return tr, nil
}

// invalidatePage drops the cached first page so the next query shows the new
// breakdown. The listed reactions still follow the worker.
func (c *Coordinator) invalidatePage(ctx context.Context, itemID string) {
	if c.deps.Pages == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	if err := c.deps.Pages.Invalidate(pctx, cache.FirstPageKey(itemID)); err != nil {
		c.logger.Warn("page cache invalidation failed", "item_id", itemID, "error", err)
	}
}

func (c *Coordinator) rollback(ctx context.Context, actorID, itemID, previous string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OpTimeout)
	defer cancel()
	if err := c.deps.State.Restore(rctx, actorID, itemID, previous); err != nil {
		c.logger.Warn("reaction state rollback failed", "actor_id", actorID, "item_id", itemID, "error", err)
	}
}

// publish emits the transition keyed by item. A failure leaves the cache
// ahead of the log; read-repair converges it, so it is logged, not returned.
func (c *Coordinator) publish(ctx context.Context, actorID, itemID string, res Result) {
	evt := events.Reaction{
		EventID:   events.EventID(actorID, itemID),
		ActorID:   actorID,
		ItemID:    itemID,
		Type:      res.Type,
		Action:    res.Action,
		Timestamp: c.now().UnixMilli(),
	}
	if res.PreviousType != "" {
		prev := res.PreviousType
		evt.OldType = &prev
	}
	value, err := events.Encode(evt)
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
		err = c.deps.Producer.Produce(pctx, c.opts.Topic, []byte(itemID), value,
			map[string]string{events.HeaderContentType: events.ContentTypeJSON})
		cancel()
	}
	if err != nil {
		telemetry.RecordPublishFailure()
		c.logger.Warn("reaction event publish failed after cache update; cache is ahead of the log",
			"actor_id", actorID, "item_id", itemID, "action", res.Action, "type", res.Type, "error", err)
	}
}

func transient(message string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	return errs.Transient("coordinator", message, err)
}
