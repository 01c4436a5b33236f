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
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotbook/wa-ingress/internal/models"
)

// storeRoundTrip exercises the Store contract shared by every backend.
func storeRoundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	id := "test:" + uuid.NewString()

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)

	now := time.Now().UTC().Truncate(time.Microsecond)
	until := now.Add(DefaultBlock)
	require.NoError(t, s.Put(ctx, models.RateLimitRecord{
		Identifier:    id,
		RequestCount:  100,
		WindowStart:   now,
		LastRequestAt: now,
		BlockedUntil:  &until,
		TotalBlocks:   1,
	}))

	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 100, rec.RequestCount)
	assert.Equal(t, 1, rec.TotalBlocks)
	require.NotNil(t, rec.BlockedUntil)
	assert.True(t, rec.BlockedUntil.Equal(until))
	assert.True(t, rec.WindowStart.Equal(now))
}

func TestMemoryStore_Contract(t *testing.T) {
	storeRoundTrip(t, NewMemoryStore())
}

func TestRedisStore_Contract(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	storeRoundTrip(t, NewRedisStore(rdb))
}

func TestPostgresStore_Contract(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	s, err := NewPostgresStore(ctx, pool)
	require.NoError(t, err)
	storeRoundTrip(t, s)
}

func TestPostgresStore_LiveBlockSurvivesStaleWrite(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	s, err := NewPostgresStore(ctx, pool)
	require.NoError(t, err)

	id := "test:" + uuid.NewString()
	now := time.Now().UTC()
	until := now.Add(DefaultBlock)
	require.NoError(t, s.Put(ctx, models.RateLimitRecord{
		Identifier: id, RequestCount: 100, WindowStart: now, LastRequestAt: now,
		BlockedUntil: &until, TotalBlocks: 2,
	}))

	// A racing request that read the row before the block was written.
	require.NoError(t, s.Put(ctx, models.RateLimitRecord{
		Identifier: id, RequestCount: 100, WindowStart: now, LastRequestAt: now.Add(time.Millisecond),
		TotalBlocks: 1,
	}))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.BlockedUntil)
	assert.Equal(t, 2, rec.TotalBlocks)
}
