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

// Package models defines the data structures shared across the webhook
// ingress: the provider payload, queued rows, security events and
// rate-limit state.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookType categorises an inbound provider payload.
type WebhookType string

const (
	WebhookMessage       WebhookType = "message"
	WebhookStatus        WebhookType = "status"
	WebhookContactUpdate WebhookType = "contact_update"
)

// EventType is the kind of a security log entry.
type EventType string

const (
	EventVerificationSuccess EventType = "webhook_verification_success"
	EventVerificationFailed  EventType = "webhook_verification_failed"
	EventVerificationSkipped EventType = "webhook_verification_skipped"
	EventInvalidSignature    EventType = "invalid_signature"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventQueueInsertFailed   EventType = "queue_insert_failed"
	EventWebhookProcessed    EventType = "webhook_processed"
)

// Severity grades a security log entry by risk.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityLogEntry is an append-only audit record.
type SecurityLogEntry struct {
	EventType EventType      `json:"event_type"`
	Severity  Severity       `json:"severity"`
	IPAddress string         `json:"ip_address"`
	EventData map[string]any `json:"event_data"`
	CreatedAt time.Time      `json:"created_at"`
}

// QueuedWebhook is a row of the durable webhook queue.
type QueuedWebhook struct {
	ID          uuid.UUID       `json:"id"`
	WebhookType WebhookType     `json:"webhook_type"`
	Payload     json.RawMessage `json:"payload"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RateLimitRecord is the persisted sliding-window state of one identifier.
type RateLimitRecord struct {
	Identifier    string     `json:"identifier"`
	RequestCount  int        `json:"request_count"`
	WindowStart   time.Time  `json:"window_start"`
	LastRequestAt time.Time  `json:"last_request_at"`
	BlockedUntil  *time.Time `json:"blocked_until,omitempty"`
	TotalBlocks   int        `json:"total_blocks"`
}

// Blocked reports whether the record denies requests at now.
func (r *RateLimitRecord) Blocked(now time.Time) bool {
	return r.BlockedUntil != nil && r.BlockedUntil.After(now)
}
