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

package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"quotely/internal/reactions/config"
	"quotely/internal/reactions/persistence/migrations"
)

// Open returns the PostgreSQL store when a DSN is configured (applying
// migrations first when enabled) and the in-memory store otherwise.
func Open(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (Store, error) {
	if cfg.DSN == "" {
		logger.Info("system of record: in-memory")
		return NewMemoryStore(), nil
	}
	if cfg.Migrate {
		if err := migrations.Apply(ctx, cfg.DSN, logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	store, err := OpenPostgres(ctx, cfg.DSN, cfg.MaxConns, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("system of record: postgres", "max_conns", cfg.MaxConns)
	return store, nil
}
