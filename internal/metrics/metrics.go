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

// Package metrics exposes Prometheus counters for the ingress pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequests counts POST deliveries by pipeline outcome.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_ingress_webhook_requests_total",
		Help: "Webhook deliveries by outcome.",
	}, []string{"outcome"})

	// Handshakes counts GET verification attempts.
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_ingress_handshakes_total",
		Help: "Webhook verification handshakes by result.",
	}, []string{"result"})

	// InlineDispatch counts fast-path attempts.
	InlineDispatch = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_ingress_inline_dispatch_total",
		Help: "Inline conversation dispatch attempts by result.",
	}, []string{"result"})

	// QueueDrain counts rows handled by the drainer.
	QueueDrain = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_ingress_queue_drain_total",
		Help: "Queued webhooks handled by the drainer, by result.",
	}, []string{"result"})
)

// Outcome labels shared by the handler and drainer.
const (
	OutcomeAccepted     = "accepted"
	OutcomeBadSignature = "invalid_signature"
	OutcomeRateLimited  = "rate_limited"
	OutcomeQueueFailed  = "queue_failed"

	ResultOK       = "ok"
	ResultError    = "error"
	ResultSkipped  = "skipped"
	ResultDeferred = "deferred"
	ResultUnrouted = "unrouted"
)
