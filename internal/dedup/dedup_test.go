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

package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFilter_DefaultTTL(t *testing.T) {
	f := NewFilter(nil, 0)
	assert.Equal(t, DefaultTTL, f.ttl)
	assert.Equal(t, DefaultInFlightTTL, f.inFlight)

	f = NewFilter(nil, time.Hour)
	assert.Equal(t, time.Hour, f.ttl)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "acquired", Acquired.String())
	assert.Equal(t, "in_flight", InFlight.String())
	assert.Equal(t, "done", Done.String())
}

func TestFilter_ClaimLifecycle(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	f := NewFilter(rdb, time.Minute)
	id := "wamid." + uuid.NewString()

	first, err := f.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Acquired, first)

	second, err := f.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, InFlight, second)

	require.NoError(t, f.Release(ctx, id))
	again, err := f.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Acquired, again)

	require.NoError(t, f.Complete(ctx, id))
	done, err := f.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Done, done)
}
