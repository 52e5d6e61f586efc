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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"quotely/internal/reactions/errs"
)

// maxInsertRaces bounds how often Apply replans after losing an insert race
// against a concurrent writer for the same (item, actor).
const maxInsertRaces = 3

var errInsertRace = errors.New("persistence: insert race")

// PostgresStore is the PostgreSQL-backed Store.
//
// Apply runs one transaction per call:
//
//	SELECT ... FOR UPDATE        (lock the current record if any)
//	plan(current)                (decide from what is actually stored)
//	INSERT/UPDATE/DELETE         (record write)
//	upsert counters and total    (clamped at zero)
//
// An absent row cannot be locked, so two concurrent inserts for one pair are
// resolved by the unique constraint: the loser sees zero affected rows, rolls
// back and replans against the winner's record.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an existing pool. The schema must already exist.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// OpenPostgres creates a pool for dsn and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Transient("persistence", "create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Transient("persistence", "ping", err)
	}
	return NewPostgresStore(pool, logger), nil
}

func (s *PostgresStore) Apply(ctx context.Context, itemID, actorID string, plan Planner) (Mutation, error) {
	for attempt := 1; attempt <= maxInsertRaces; attempt++ {
		m, err := s.applyOnce(ctx, itemID, actorID, plan)
		if errors.Is(err, errInsertRace) {
			s.logger.Debug("insert race lost, replanning", "item_id", itemID, "actor_id", actorID, "attempt", attempt)
			continue
		}
		if err != nil {
			return Mutation{}, classify("apply", err)
		}
		return m, nil
	}
	return Mutation{}, errs.New("persistence", errs.CodeConflict,
		errs.WithMessage(fmt.Sprintf("insert race lost %d times for item=%s actor=%s", maxInsertRaces, itemID, actorID)))
}

func (s *PostgresStore) applyOnce(ctx context.Context, itemID, actorID string, plan Planner) (Mutation, error) {
	var applied Mutation
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		current, err := lookup(ctx, tx, itemID, actorID, true)
		if err != nil {
			return err
		}
		m := plan(current)

		switch m.Kind {
		case MutationInsert:
			tag, err := tx.Exec(ctx, `
				INSERT INTO reactions (id, item_id, actor_id, reaction_type, event_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (item_id, actor_id) DO NOTHING`,
				uuid.New(), itemID, actorID, m.Type, m.EventAt)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errInsertRace
			}
		case MutationUpdate:
			if _, err := tx.Exec(ctx, `
				UPDATE reactions SET reaction_type = $3, event_at = $4
				WHERE item_id = $1 AND actor_id = $2`,
				itemID, actorID, m.Type, m.EventAt); err != nil {
				return err
			}
		case MutationDelete:
			if _, err := tx.Exec(ctx, `DELETE FROM reactions WHERE item_id = $1 AND actor_id = $2`, itemID, actorID); err != nil {
				return err
			}
		}

		for _, t := range m.deltaTypes() {
			if _, err := tx.Exec(ctx, `
				INSERT INTO reaction_counters (item_id, reaction_type, count)
				VALUES ($1, $2, GREATEST($3::bigint, 0))
				ON CONFLICT (item_id, reaction_type)
				DO UPDATE SET count = GREATEST(reaction_counters.count + $3::bigint, 0)`,
				itemID, t, m.Deltas[t]); err != nil {
				return err
			}
		}
		if m.TotalDelta != 0 {
			if _, err := tx.Exec(ctx, `
				INSERT INTO reaction_totals (item_id, total)
				VALUES ($1, GREATEST($2::bigint, 0))
				ON CONFLICT (item_id)
				DO UPDATE SET total = GREATEST(reaction_totals.total + $2::bigint, 0)`,
				itemID, m.TotalDelta); err != nil {
				return err
			}
		}
		applied = m
		return nil
	})
	return applied, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lookup(ctx context.Context, q querier, itemID, actorID string, forUpdate bool) (*Record, error) {
	sql := `SELECT id::text, item_id, actor_id, reaction_type, created_at, event_at
		FROM reactions WHERE item_id = $1 AND actor_id = $2`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var rec Record
	err := q.QueryRow(ctx, sql, itemID, actorID).Scan(&rec.ID, &rec.ItemID, &rec.ActorID, &rec.Type, &rec.CreatedAt, &rec.EventAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, itemID, actorID string) (*Record, error) {
	rec, err := lookup(ctx, s.pool, itemID, actorID, false)
	if err != nil {
		return nil, classify("lookup", err)
	}
	return rec, nil
}

func (s *PostgresStore) Aggregate(ctx context.Context, itemID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reaction_type, COUNT(*) FROM reactions
		WHERE item_id = $1 GROUP BY reaction_type`, itemID)
	if err != nil {
		return nil, classify("aggregate", err)
	}
	out, err := collectCounts(rows)
	if err != nil {
		return nil, classify("aggregate", err)
	}
	return out, nil
}

func (s *PostgresStore) Counters(ctx context.Context, itemID string) (Counters, error) {
	rows, err := s.pool.Query(ctx, `SELECT reaction_type, count FROM reaction_counters WHERE item_id = $1`, itemID)
	if err != nil {
		return Counters{}, classify("counters", err)
	}
	breakdown, err := collectCounts(rows)
	if err != nil {
		return Counters{}, classify("counters", err)
	}
	c := Counters{Breakdown: breakdown}
	err = s.pool.QueryRow(ctx, `SELECT total FROM reaction_totals WHERE item_id = $1`, itemID).Scan(&c.Total)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Counters{}, classify("counters", err)
	}
	return c, nil
}

func collectCounts(rows pgx.Rows) (map[string]int64, error) {
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]Record, error) {
	var (
		where = []string{"item_id = $1"}
		args  = []any{q.ItemID}
	)
	if q.Type != "" {
		args = append(args, q.Type)
		where = append(where, fmt.Sprintf("reaction_type = $%d", len(args)))
	}
	switch {
	case !q.Before.IsZero() && q.BeforeID != "":
		args = append(args, q.Before, q.BeforeID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d::uuid)", len(args)-1, len(args)))
	case !q.Before.IsZero():
		args = append(args, q.Before)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	sql := `SELECT id::text, item_id, actor_id, reaction_type, created_at, event_at FROM reactions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.ActorID, &rec.Type, &rec.CreatedAt, &rec.EventAt); err != nil {
			return nil, classify("list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// classify maps integrity violations (SQLSTATE class 23) to constraint errors
// and everything else to transient infrastructure errors.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return errs.New("persistence", errs.CodeConflict, errs.WithMessage(op), errs.WithCause(err))
	}
	return errs.Transient("persistence", op, err)
}
