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
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slotbook/wa-ingress/internal/models"
)

// keyPrefix namespaces rate limit hashes in Redis.
const keyPrefix = "wa:ratelimit:"

// RedisStore keeps one hash per identifier. Keys never expire; the block
// history is kept for abuse tracking.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a store backed by rdb.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, identifier string) (*models.RateLimitRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, keyPrefix+identifier).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRecord(identifier, fields)
}

func (s *RedisStore) Put(ctx context.Context, rec models.RateLimitRecord) error {
	blocked := ""
	if rec.BlockedUntil != nil {
		blocked = rec.BlockedUntil.UTC().Format(time.RFC3339Nano)
	}
	err := s.rdb.HSet(ctx, keyPrefix+rec.Identifier,
		"request_count", rec.RequestCount,
		"window_start", rec.WindowStart.UTC().Format(time.RFC3339Nano),
		"last_request_at", rec.LastRequestAt.UTC().Format(time.RFC3339Nano),
		"blocked_until", blocked,
		"total_blocks", rec.TotalBlocks,
	).Err()
	if err != nil {
		return fmt.Errorf("redis HSET: %w", err)
	}
	return nil
}

func decodeRecord(identifier string, fields map[string]string) (*models.RateLimitRecord, error) {
	r := &models.RateLimitRecord{Identifier: identifier}
	var err error

	if r.RequestCount, err = strconv.Atoi(fields["request_count"]); err != nil {
		return nil, fmt.Errorf("decode request_count: %w", err)
	}
	if r.TotalBlocks, err = strconv.Atoi(fields["total_blocks"]); err != nil {
		return nil, fmt.Errorf("decode total_blocks: %w", err)
	}
	if r.WindowStart, err = time.Parse(time.RFC3339Nano, fields["window_start"]); err != nil {
		return nil, fmt.Errorf("decode window_start: %w", err)
	}
	if r.LastRequestAt, err = time.Parse(time.RFC3339Nano, fields["last_request_at"]); err != nil {
		return nil, fmt.Errorf("decode last_request_at: %w", err)
	}
	if v := fields["blocked_until"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("decode blocked_until: %w", err)
		}
		r.BlockedUntil = &t
	}
	return r, nil
}
