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

// Package app owns the process-scoped resources of the reaction pipeline.
//
// Every connection (Redis, event log, system of record) is created once by a
// provider in the container and injected into the components that need it.
// The container shuts services down in reverse dependency order, so the
// worker drains before the log and store it uses are closed.
package app

import (
	"log/slog"

	"github.com/samber/do/v2"

	"quotely/internal/reactions/cache"
	"quotely/internal/reactions/config"
	"quotely/internal/reactions/core"
	"quotely/internal/reactions/logging"
	"quotely/internal/reactions/ratelimit"
	"quotely/internal/reactions/replay"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.Config) *slog.Logger {
	return logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Production: cfg.Production(),
	})
}

// NewContainer registers every provider. Nothing is constructed until invoked.
func NewContainer(cfg config.Config, logger *slog.Logger) *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, func(do.Injector) (*config.Config, error) { return &cfg, nil })
	do.Provide(injector, func(do.Injector) (*slog.Logger, error) { return logger, nil })
	do.Provide(injector, ProvideMetrics)

	// Connections
	do.Provide(injector, ProvideRedis)
	do.Provide(injector, ProvideEventLog)
	do.Provide(injector, ProvideStore)

	// Pipeline components
	do.Provide(injector, ProvideLimiter)
	do.Provide(injector, ProvideReactionCache)
	do.Provide(injector, ProvideStateStore)
	do.Provide(injector, ProvidePageCache)
	do.Provide(injector, ProvideCoordinator)
	do.Provide(injector, ProvideWorker)
	do.Provide(injector, ProvideReplayer)

	return injector
}

// BootstrapServing initializes the synchronous path: connectivity to cache
// and log is established before the coordinator is handed out.
func BootstrapServing(injector *do.RootScope) (*core.Coordinator, error) {
	if _, err := do.Invoke[*MetricsHandle](injector); err != nil {
		return nil, err
	}
	if _, err := do.Invoke[*RedisHandle](injector); err != nil {
		return nil, err
	}
	if _, err := do.Invoke[*EventLogHandle](injector); err != nil {
		return nil, err
	}
	_ = do.MustInvoke[*ratelimit.Limiter](injector)
	_ = do.MustInvoke[*cache.ReactionCache](injector)
	return do.Invoke[*core.Coordinator](injector)
}

// BootstrapWorker initializes and starts the persistence worker.
func BootstrapWorker(injector *do.RootScope) (*WorkerHandle, error) {
	if _, err := do.Invoke[*MetricsHandle](injector); err != nil {
		return nil, err
	}
	return do.Invoke[*WorkerHandle](injector)
}

// BootstrapReplay initializes the replayer.
func BootstrapReplay(injector *do.RootScope) (*replay.Replayer, error) {
	return do.Invoke[*replay.Replayer](injector)
}
