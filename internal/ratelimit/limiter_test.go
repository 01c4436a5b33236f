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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotbook/wa-ingress/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(store Store) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(store, Policy{})
	l.now = c.now
	return l, c
}

func TestDecide_FirstSight(t *testing.T) {
	now := time.Now()
	rec, d := Decide("1.2.3.4:pn", nil, now, Policy{})

	assert.True(t, d.Allowed)
	assert.True(t, d.Persist)
	assert.Equal(t, 1, rec.RequestCount)
	assert.Equal(t, now, rec.WindowStart)
	assert.Equal(t, "1.2.3.4:pn", rec.Identifier)
}

func TestDecide_BlockedDoesNotIncrement(t *testing.T) {
	now := time.Now()
	until := now.Add(time.Minute)
	prev := &models.RateLimitRecord{
		Identifier:   "id",
		RequestCount: 100,
		WindowStart:  now.Add(-10 * time.Second),
		BlockedUntil: &until,
		TotalBlocks:  1,
	}

	rec, d := Decide("id", prev, now, Policy{})

	assert.False(t, d.Allowed)
	assert.False(t, d.Persist)
	assert.False(t, d.NewlyBlocked)
	assert.Contains(t, d.Reason, until.UTC().Format(time.RFC3339))
	assert.Equal(t, 100, rec.RequestCount)
	assert.Equal(t, 1, rec.TotalBlocks)
}

func TestDecide_ExpiredBlockIsCleared(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	prev := &models.RateLimitRecord{
		RequestCount: 100,
		WindowStart:  now.Add(-10 * time.Minute),
		BlockedUntil: &past,
		TotalBlocks:  3,
	}

	rec, d := Decide("id", prev, now, Policy{})

	assert.True(t, d.Allowed)
	assert.Equal(t, 1, rec.RequestCount)
	assert.Nil(t, rec.BlockedUntil)
	assert.Equal(t, 3, rec.TotalBlocks)
}

func TestLimiter_Threshold(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryStore())
	ctx := context.Background()

	for i := 1; i <= DefaultMaxRequests; i++ {
		d, err := l.CheckAndRecord(ctx, "ip:pn")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}

	d, err := l.CheckAndRecord(ctx, "ip:pn")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.NewlyBlocked)

	d, err = l.CheckAndRecord(ctx, "ip:pn")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.NewlyBlocked)

	other, err := l.CheckAndRecord(ctx, "ip:other")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestLimiter_BlockOutlivesWindow(t *testing.T) {
	store := NewMemoryStore()
	l, c := newTestLimiter(store)
	ctx := context.Background()

	for i := 0; i <= DefaultMaxRequests; i++ {
		_, err := l.CheckAndRecord(ctx, "id")
		require.NoError(t, err)
	}

	// The counting window has expired but the block has not.
	c.advance(2 * time.Minute)
	d, err := l.CheckAndRecord(ctx, "id")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	c.advance(DefaultBlock)
	d, err = l.CheckAndRecord(ctx, "id")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	rec, _ := store.Get(ctx, "id")
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.RequestCount)
	assert.Nil(t, rec.BlockedUntil)
	assert.Equal(t, 1, rec.TotalBlocks)
}

func TestLimiter_WindowReset(t *testing.T) {
	store := NewMemoryStore()
	l, c := newTestLimiter(store)
	ctx := context.Background()

	for i := 0; i < DefaultMaxRequests; i++ {
		_, err := l.CheckAndRecord(ctx, "id")
		require.NoError(t, err)
	}

	c.advance(DefaultWindow + time.Second)
	d, err := l.CheckAndRecord(ctx, "id")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	rec, _ := store.Get(ctx, "id")
	assert.Equal(t, 1, rec.RequestCount)
	assert.Equal(t, c.t, rec.WindowStart)
}

func TestLimiter_TotalBlocksAccumulate(t *testing.T) {
	store := NewMemoryStore()
	l, c := newTestLimiter(store)
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for i := 0; i <= DefaultMaxRequests; i++ {
			_, _ = l.CheckAndRecord(ctx, "id")
		}
		c.advance(DefaultBlock + time.Second)
	}

	rec, _ := store.Get(ctx, "id")
	assert.Equal(t, 3, rec.TotalBlocks)
}

type failingStore struct{ getErr, putErr error }

func (f failingStore) Get(context.Context, string) (*models.RateLimitRecord, error) {
	return nil, f.getErr
}
func (f failingStore) Put(context.Context, models.RateLimitRecord) error { return f.putErr }

func TestLimiter_StoreErrorsFailOpen(t *testing.T) {
	l, _ := newTestLimiter(failingStore{getErr: errors.New("connection refused")})
	d, err := l.CheckAndRecord(context.Background(), "id")
	assert.Error(t, err)
	assert.True(t, d.Allowed)

	l, _ = newTestLimiter(failingStore{putErr: errors.New("read only")})
	d, err = l.CheckAndRecord(context.Background(), "id")
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "10.0.0.1:123", Identifier("10.0.0.1", "123"))
	assert.Equal(t, "10.0.0.1:unknown", Identifier("10.0.0.1", ""))
}

func TestDecodeRecord(t *testing.T) {
	rec, err := decodeRecord("id", map[string]string{
		"request_count":   "7",
		"total_blocks":    "2",
		"window_start":    "2026-03-01T12:00:00Z",
		"last_request_at": "2026-03-01T12:00:30Z",
		"blocked_until":   "",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, rec.RequestCount)
	assert.Equal(t, 2, rec.TotalBlocks)
	assert.Nil(t, rec.BlockedUntil)

	_, err = decodeRecord("id", map[string]string{"request_count": "x"})
	assert.Error(t, err)
}
