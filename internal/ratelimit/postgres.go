// Copyright (c) 2026 John Earle
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

package ratelimit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotbook/wa-ingress/internal/models"
)

// PostgresStore persists records in webhook_rate_limits.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool and ensures its table
// exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure rate limit schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_rate_limits (
			identifier      TEXT PRIMARY KEY,
			request_count   INTEGER NOT NULL DEFAULT 0,
			window_start    TIMESTAMPTZ NOT NULL,
			last_request_at TIMESTAMPTZ NOT NULL,
			blocked_until   TIMESTAMPTZ,
			total_blocks    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_rate_limits_blocked ON webhook_rate_limits(blocked_until);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, identifier string) (*models.RateLimitRecord, error) {
	var r models.RateLimitRecord
	err := s.pool.QueryRow(ctx, `
		SELECT identifier, request_count, window_start, last_request_at,
		       blocked_until, total_blocks
		FROM webhook_rate_limits
		WHERE identifier = $1
	`, identifier).Scan(
		&r.Identifier, &r.RequestCount, &r.WindowStart, &r.LastRequestAt,
		&r.BlockedUntil, &r.TotalBlocks,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Put upserts rec. A block that is still live in the table is never
// shortened or cleared by a concurrent writer, and total_blocks never
// decreases.
func (s *PostgresStore) Put(ctx context.Context, rec models.RateLimitRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_rate_limits
			(identifier, request_count, window_start, last_request_at, blocked_until, total_blocks)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identifier) DO UPDATE SET
			request_count   = EXCLUDED.request_count,
			window_start    = EXCLUDED.window_start,
			last_request_at = EXCLUDED.last_request_at,
			blocked_until   = CASE
				WHEN webhook_rate_limits.blocked_until > EXCLUDED.last_request_at
				THEN GREATEST(webhook_rate_limits.blocked_until, COALESCE(EXCLUDED.blocked_until, webhook_rate_limits.blocked_until))
				ELSE EXCLUDED.blocked_until
			END,
			total_blocks    = GREATEST(webhook_rate_limits.total_blocks, EXCLUDED.total_blocks)
	`, rec.Identifier, rec.RequestCount, rec.WindowStart, rec.LastRequestAt, rec.BlockedUntil, rec.TotalBlocks)
	return err
}
