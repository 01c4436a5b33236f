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

package securitylog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotbook/wa-ingress/internal/models"
)

// PostgresSink appends entries to webhook_security_logs.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a sink backed by pool and ensures its table
// exists.
func NewPostgresSink(ctx context.Context, pool *pgxpool.Pool) (*PostgresSink, error) {
	s := &PostgresSink{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure security log schema: %w", err)
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_security_logs (
			id          BIGSERIAL PRIMARY KEY,
			event_type  TEXT NOT NULL,
			severity    TEXT NOT NULL,
			ip_address  TEXT NOT NULL DEFAULT '',
			event_data  JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_security_logs_created ON webhook_security_logs(created_at);
		CREATE INDEX IF NOT EXISTS idx_security_logs_severity ON webhook_security_logs(severity);
	`)
	return err
}

// Insert appends a single entry.
func (s *PostgresSink) Insert(ctx context.Context, e models.SecurityLogEntry) error {
	data := e.EventData
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_security_logs (event_type, severity, ip_address, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, string(e.EventType), string(e.Severity), e.IPAddress, raw, e.CreatedAt)
	return err
}
