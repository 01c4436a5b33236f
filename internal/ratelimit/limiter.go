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

// Package ratelimit implements a persisted sliding-window limiter keyed by
// "{source_ip}:{channel_id}". State lives in a shared Store so several
// ingress instances see the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slotbook/wa-ingress/internal/models"
)

// Defaults used when a Policy field is zero.
const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 100
	DefaultBlock       = 5 * time.Minute
)

// Policy configures window length, threshold and block duration.
type Policy struct {
	Window      time.Duration
	MaxRequests int
	Block       time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.MaxRequests <= 0 {
		p.MaxRequests = DefaultMaxRequests
	}
	if p.Block <= 0 {
		p.Block = DefaultBlock
	}
	return p
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed bool
	Reason  string
	// NewlyBlocked is set on the request that tripped the threshold.
	NewlyBlocked bool
	// Persist is false when the record must not be written back.
	Persist bool
}

// Decide applies the limiter state machine to rec (nil if the identifier
// has never been seen) and returns the record to persist.
//
// A live block is checked before the window reset so an identifier stays
// denied until blocked_until even after its counting window has expired.
func Decide(identifier string, rec *models.RateLimitRecord, now time.Time, p Policy) (models.RateLimitRecord, Decision) {
	p = p.withDefaults()

	if rec == nil {
		return models.RateLimitRecord{
			Identifier:    identifier,
			RequestCount:  1,
			WindowStart:   now,
			LastRequestAt: now,
		}, Decision{Allowed: true, Persist: true}
	}

	next := *rec
	if rec.Blocked(now) {
		return next, Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("blocked until %s", rec.BlockedUntil.UTC().Format(time.RFC3339)),
		}
	}

	if now.Sub(rec.WindowStart) > p.Window {
		next.RequestCount = 1
		next.WindowStart = now
		next.LastRequestAt = now
		next.BlockedUntil = nil
		return next, Decision{Allowed: true, Persist: true}
	}

	if rec.RequestCount < p.MaxRequests {
		next.RequestCount++
		next.LastRequestAt = now
		return next, Decision{Allowed: true, Persist: true}
	}

	until := now.Add(p.Block)
	next.BlockedUntil = &until
	next.TotalBlocks++
	next.LastRequestAt = now
	return next, Decision{
		Allowed:      false,
		Reason:       fmt.Sprintf("more than %d requests in %s, blocked until %s", p.MaxRequests, p.Window, until.UTC().Format(time.RFC3339)),
		NewlyBlocked: true,
		Persist:      true,
	}
}

// Store persists one record per identifier.
type Store interface {
	// Get returns nil, nil when the identifier has no record.
	Get(ctx context.Context, identifier string) (*models.RateLimitRecord, error)
	// Put upserts the record keyed on its identifier.
	Put(ctx context.Context, rec models.RateLimitRecord) error
}

// Limiter makes allow/deny decisions against a Store.
type Limiter struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// NewLimiter creates a limiter over store.
func NewLimiter(store Store, policy Policy) *Limiter {
	return &Limiter{
		store:  store,
		policy: policy.withDefaults(),
		now:    time.Now,
	}
}

// Identifier builds the limiter key for a source IP and channel id.
func Identifier(ip, channelID string) string {
	if channelID == "" {
		channelID = "unknown"
	}
	return ip + ":" + channelID
}

// CheckAndRecord counts a request for identifier and reports whether it is
// allowed.
//
// The read and the write are separate statements; concurrent requests for
// the same identifier may be slightly over-admitted. Store failures fail
// open and are returned alongside an allowing decision.
func (l *Limiter) CheckAndRecord(ctx context.Context, identifier string) (Decision, error) {
	now := l.now()

	rec, err := l.store.Get(ctx, identifier)
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("load rate limit record: %w", err)
	}

	next, d := Decide(identifier, rec, now, l.policy)
	if !d.Persist {
		return d, nil
	}

	if err := l.store.Put(ctx, next); err != nil {
		if d.Allowed {
			return d, fmt.Errorf("save rate limit record: %w", err)
		}
		slog.Warn("failed to persist rate limit block",
			"identifier", identifier,
			"error", err,
		)
	}
	return d, nil
}
