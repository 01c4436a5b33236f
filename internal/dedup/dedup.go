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

// Package dedup guards the conversation pipeline against processing the
// same WhatsApp message twice. The provider delivers at least once and
// both the inline fast path and the queue drainer may see a message, so
// whichever gets there first claims its id in Redis.
//
// A claim is in flight until its holder either completes it, which leaves
// a done marker for the full TTL, or releases it after a failed dispatch.
// In-flight claims expire quickly so a crashed holder cannot strand a
// message.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a completed message id is remembered. The
	// provider stops redelivering well within a day.
	DefaultTTL = 24 * time.Hour

	// DefaultInFlightTTL bounds how long a claim may be held without
	// being completed or released.
	DefaultInFlightTTL = 2 * time.Minute

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "wa:dispatched:"

	valuePending = "pending"
	valueDone    = "done"
)

// State is the result of a claim attempt.
type State int

const (
	// Acquired means the caller now holds the claim and must Complete or
	// Release it.
	Acquired State = iota
	// InFlight means another caller holds the claim and has not finished.
	InFlight
	// Done means the message was already dispatched successfully.
	Done
)

func (s State) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Filter tracks which message ids have been handed to the conversation
// pipeline.
type Filter struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	inFlight time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb redis.UniversalClient, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb:      rdb,
		ttl:      ttl,
		inFlight: DefaultInFlightTTL,
	}
}

// Claim tries to take the claim for messageID (SETNX). When the key is
// already set it reports whether the holder is still working or done.
func (f *Filter) Claim(ctx context.Context, messageID string) (State, error) {
	key := keyPrefix + messageID
	set, err := f.rdb.SetNX(ctx, key, valuePending, f.inFlight).Result()
	if err != nil {
		return InFlight, fmt.Errorf("dedup SETNX: %w", err)
	}
	if set {
		return Acquired, nil
	}

	v, err := f.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Released or expired between the two calls; try again later.
		return InFlight, nil
	}
	if err != nil {
		return InFlight, fmt.Errorf("dedup GET: %w", err)
	}
	if v == valueDone {
		return Done, nil
	}
	return InFlight, nil
}

// Complete marks a claimed message as dispatched.
func (f *Filter) Complete(ctx context.Context, messageID string) error {
	if err := f.rdb.Set(ctx, keyPrefix+messageID, valueDone, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

// Release forgets a claim so a later attempt can retry the message.
func (f *Filter) Release(ctx context.Context, messageID string) error {
	if err := f.rdb.Del(ctx, keyPrefix+messageID).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
