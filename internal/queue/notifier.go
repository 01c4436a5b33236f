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

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis list the drainer listens on.
const DefaultChannel = "wa:webhook_queue"

// maxPending caps the notification list when no drainer is consuming it.
const maxPending = 10000

// Notifier signals that new rows are waiting. It carries ids only; the
// row in Postgres is the source of truth.
type Notifier struct {
	rdb     redis.UniversalClient
	channel string
}

// NewNotifier creates a notifier on the given Redis list.
func NewNotifier(rdb redis.UniversalClient, channel string) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{
		rdb:     rdb,
		channel: channel,
	}
}

// Notify pushes a queued row id onto the list.
func (n *Notifier) Notify(ctx context.Context, id uuid.UUID) error {
	pipe := n.rdb.Pipeline()
	pipe.LPush(ctx, n.channel, id.String())
	pipe.LTrim(ctx, n.channel, 0, maxPending-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	return nil
}

// Wait blocks for up to timeout until an id is pushed. It returns
// uuid.Nil and no error when the timeout passes without a notification.
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	res, err := n.rdb.BRPop(ctx, timeout, n.channel).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("redis BRPOP: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return uuid.Nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	id, err := uuid.Parse(res[1])
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse queued id %q: %w", res[1], err)
	}
	return id, nil
}

// Ping checks the Redis connection.
func (n *Notifier) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return n.rdb.Ping(ctx).Err()
}
