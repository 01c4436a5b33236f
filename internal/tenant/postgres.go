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

package tenant

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads the calendars table owned by the dashboard.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory creates a directory backed by pool.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// FindByPrefix returns at most two active calendars whose id starts with
// prefix, ordered by id.
func (d *PostgresDirectory) FindByPrefix(ctx context.Context, prefix string) ([]Tenant, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id::text, COALESCE(user_id::text, ''), COALESCE(name, '')
		FROM calendars
		WHERE is_active AND lower(id::text) LIKE $1 || '%'
		ORDER BY id
		LIMIT 2
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query calendars: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.CalendarID, &t.OwnerID, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
