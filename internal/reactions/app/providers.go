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

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"

	"quotely/internal/reactions/cache"
	"quotely/internal/reactions/config"
	"quotely/internal/reactions/core"
	"quotely/internal/reactions/eventlog"
	"quotely/internal/reactions/persistence"
	"quotely/internal/reactions/ratelimit"
	"quotely/internal/reactions/replay"
	"quotely/internal/reactions/telemetry"
	"quotely/internal/reactions/worker"
)

const connectTimeout = 10 * time.Second

// RedisHandle wraps the cache client and, when no address is configured,
// the embedded server backing it.
type RedisHandle struct {
	Client   redis.UniversalClient
	embedded *miniredis.Miniredis
}

// Shutdown implements do.Shutdownable.
func (h *RedisHandle) Shutdown() error {
	err := h.Client.Close()
	if h.embedded != nil {
		h.embedded.Close()
	}
	return err
}

// ProvideRedis connects to the cache and verifies it answers.
func ProvideRedis(i do.Injector) (*RedisHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)

	h := &RedisHandle{}
	addr := cfg.Redis.Addr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start embedded redis: %w", err)
		}
		h.embedded = mr
		addr = mr.Addr()
		log.Warn("redis: no address configured, using embedded in-process server", "addr", addr)
	}
	h.Client = redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.OpTimeout,
		WriteTimeout: cfg.Redis.OpTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := h.Client.Ping(ctx).Err(); err != nil {
		_ = h.Shutdown()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info("redis connected", "addr", addr)
	return h, nil
}

// EventLogHandle wraps the event log client.
type EventLogHandle struct {
	eventlog.Log
}

// Shutdown implements do.Shutdownable.
func (h *EventLogHandle) Shutdown() error { return h.Close() }

// ProvideEventLog builds the Kafka or in-memory log.
func ProvideEventLog(i do.Injector) (*EventLogHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	l, err := eventlog.Build(cfg.Kafka, log)
	if err != nil {
		return nil, err
	}
	return &EventLogHandle{Log: l}, nil
}

// StoreHandle wraps the system of record.
type StoreHandle struct {
	persistence.Store
}

// Shutdown implements do.Shutdownable.
func (h *StoreHandle) Shutdown() error { return h.Close() }

// ProvideStore opens the system of record, migrating it when configured.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	s, err := persistence.Open(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, err
	}
	return &StoreHandle{Store: s}, nil
}

func ProvideLimiter(i do.Injector) (*ratelimit.Limiter, error) {
	cfg := do.MustInvoke[*config.Config](i)
	rh, err := do.Invoke[*RedisHandle](i)
	if err != nil {
		return nil, err
	}
	return ratelimit.New(rh.Client,
		ratelimit.Window{Width: cfg.RateLimit.BurstWindow, Limit: cfg.RateLimit.BurstLimit},
		ratelimit.Window{Width: cfg.RateLimit.SustainedWindow, Limit: cfg.RateLimit.SustainedLimit},
	), nil
}

func ProvideReactionCache(i do.Injector) (*cache.ReactionCache, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	rh, err := do.Invoke[*RedisHandle](i)
	if err != nil {
		return nil, err
	}
	sh, err := do.Invoke[*StoreHandle](i)
	if err != nil {
		return nil, err
	}
	return cache.NewReactionCache(rh.Client, sh.Store, cfg.Cache.BreakdownTTL, log,
		cache.WithRepairTimeout(cfg.Coordinator.PublishTimeout)), nil
}

func ProvideStateStore(i do.Injector) (*cache.StateStore, error) {
	cfg := do.MustInvoke[*config.Config](i)
	rh, err := do.Invoke[*RedisHandle](i)
	if err != nil {
		return nil, err
	}
	return cache.NewStateStore(rh.Client, cfg.Cache.StateTTL), nil
}

func ProvidePageCache(i do.Injector) (*cache.PageCache, error) {
	cfg := do.MustInvoke[*config.Config](i)
	rh, err := do.Invoke[*RedisHandle](i)
	if err != nil {
		return nil, err
	}
	return cache.NewPageCache(rh.Client, cfg.Cache.PageTTL), nil
}

// ProvideCoordinator wires the toggle path.
func ProvideCoordinator(i do.Injector) (*core.Coordinator, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	lh, err := do.Invoke[*EventLogHandle](i)
	if err != nil {
		return nil, err
	}
	sh, err := do.Invoke[*StoreHandle](i)
	if err != nil {
		return nil, err
	}
	limiter, err := do.Invoke[*ratelimit.Limiter](i)
	if err != nil {
		return nil, err
	}
	counters, err := do.Invoke[*cache.ReactionCache](i)
	if err != nil {
		return nil, err
	}
	state, err := do.Invoke[*cache.StateStore](i)
	if err != nil {
		return nil, err
	}
	pages, err := do.Invoke[*cache.PageCache](i)
	if err != nil {
		return nil, err
	}
	return core.New(core.Deps{
		Limiter:  limiter,
		Counters: counters,
		State:    state,
		Producer: lh.Log,
		Records:  sh.Store,
		Pages:    pages,
		Logger:   log,
	}, core.OptionsFromConfig(*cfg))
}

// WorkerHandle wraps the running persistence worker.
type WorkerHandle struct {
	*worker.Worker
}

// Shutdown implements do.Shutdownable.
func (h *WorkerHandle) Shutdown() error {
	h.Stop()
	return nil
}

// ProvideWorker builds and starts the persistence worker.
func ProvideWorker(i do.Injector) (*WorkerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	lh, err := do.Invoke[*EventLogHandle](i)
	if err != nil {
		return nil, err
	}
	sh, err := do.Invoke[*StoreHandle](i)
	if err != nil {
		return nil, err
	}
	w := worker.New(lh.Log, lh.Log, sh.Store, worker.OptionsFromConfig(*cfg), log)
	if err := w.Start(context.Background()); err != nil {
		return nil, err
	}
	return &WorkerHandle{Worker: w}, nil
}

func ProvideReplayer(i do.Injector) (*replay.Replayer, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	lh, err := do.Invoke[*EventLogHandle](i)
	if err != nil {
		return nil, err
	}
	return replay.New(lh.Log, lh.Log, replay.OptionsFromConfig(*cfg), log), nil
}

// MetricsHandle runs the Prometheus endpoint in the background.
type MetricsHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Shutdown implements do.Shutdownable.
func (h *MetricsHandle) Shutdown() error {
	h.cancel()
	<-h.done
	return nil
}

// ProvideMetrics starts /metrics when telemetry.metricsAddr is set.
func ProvideMetrics(i do.Injector) (*MetricsHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	ctx, cancel := context.WithCancel(context.Background())
	h := &MetricsHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		if err := telemetry.Serve(ctx, cfg.Telemetry.MetricsAddr, log); err != nil {
			log.Error("metrics endpoint failed", "error", err)
		}
	}()
	return h, nil
}
