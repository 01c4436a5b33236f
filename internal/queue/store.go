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

// Package queue is the durable side of the ingress: every accepted
// webhook becomes a row in whatsapp_webhook_queue before the provider is
// told 200. A Redis list wakes the drainer, which routes queued messages
// the inline fast path did not handle.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotbook/wa-ingress/internal/models"
)

// Store persists queued webhooks in Postgres.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore creates a queue store backed by pool and ensures its table
// exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS whatsapp_webhook_queue (
			id            UUID PRIMARY KEY,
			webhook_type  TEXT NOT NULL,
			payload       JSONB NOT NULL,
			processed     BOOLEAN NOT NULL DEFAULT FALSE,
			processed_at  TIMESTAMPTZ,
			error         TEXT,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_queue_pending
			ON whatsapp_webhook_queue(created_at) WHERE NOT processed;
	`)
	return err
}

// Insert writes a new unprocessed row and returns its id. A body that is
// not valid JSON is stored as a JSON string so it is still kept.
func (s *Store) Insert(ctx context.Context, webhookType models.WebhookType, payload []byte) (uuid.UUID, error) {
	doc := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return uuid.Nil, fmt.Errorf("quote payload: %w", err)
		}
		doc = quoted
	}

	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO whatsapp_webhook_queue (id, webhook_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, string(webhookType), doc, s.now().UTC())
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Get returns a single row, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.QueuedWebhook, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, webhook_type, payload, processed, processed_at, error, retry_count, created_at
		FROM whatsapp_webhook_queue
		WHERE id = $1
	`, id)
	w, err := scanWebhook(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListPending returns the oldest unprocessed rows that have not exhausted
// their retries.
func (s *Store) ListPending(ctx context.Context, limit, maxRetries int) ([]models.QueuedWebhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, webhook_type, payload, processed, processed_at, error, retry_count, created_at
		FROM whatsapp_webhook_queue
		WHERE NOT processed AND retry_count < $1
		ORDER BY created_at
		LIMIT $2
	`, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QueuedWebhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// MarkProcessed flags a row as done.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE whatsapp_webhook_queue
		SET processed = TRUE, processed_at = $1, error = NULL
		WHERE id = $2
	`, s.now().UTC(), id)
	return err
}

// UnroutedMarker is stored in the error column of message rows that were
// acknowledged without any dispatch, so they can be reconciled later.
const UnroutedMarker = "unrouted"

// MarkUnrouted flags a row as done while recording that nothing in it
// could be routed to a calendar.
func (s *Store) MarkUnrouted(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE whatsapp_webhook_queue
		SET processed = TRUE, processed_at = $1, error = $2
		WHERE id = $3
	`, s.now().UTC(), UnroutedMarker, id)
	return err
}

// MarkFailed records an error and bumps the retry counter.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE whatsapp_webhook_queue
		SET retry_count = retry_count + 1, error = $1
		WHERE id = $2
	`, cause.Error(), id)
	return err
}

func scanWebhook(row pgx.Row) (*models.QueuedWebhook, error) {
	var (
		w       models.QueuedWebhook
		typ     string
		payload []byte
	)
	if err := row.Scan(&w.ID, &typ, &payload, &w.Processed, &w.ProcessedAt, &w.Error, &w.RetryCount, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.WebhookType = models.WebhookType(typ)
	w.Payload = payload
	return &w, nil
}
