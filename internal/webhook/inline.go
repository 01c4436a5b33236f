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

package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/slotbook/wa-ingress/internal/classify"
	"github.com/slotbook/wa-ingress/internal/conversation"
	"github.com/slotbook/wa-ingress/internal/dedup"
	"github.com/slotbook/wa-ingress/internal/metrics"
	"github.com/slotbook/wa-ingress/internal/models"
	"github.com/slotbook/wa-ingress/internal/queue"
)

// InlineResult reports what the fast path did with one text message.
type InlineResult struct {
	MessageID string
	// Attempted is true when a tenant was resolved and the conversation
	// service was called.
	Attempted bool
	Err       error
}

// InlineProcessor tries to hand text messages to the conversation
// service while the provider is still waiting for its 200. Failures are
// logged and never affect the response; the queued row remains the
// durable copy.
type InlineProcessor struct {
	resolver   queue.Resolver
	dispatcher queue.Dispatcher
	claimer    queue.Claimer
}

// NewInlineProcessor creates the fast path. claimer may be nil.
func NewInlineProcessor(resolver queue.Resolver, dispatcher queue.Dispatcher, claimer queue.Claimer) *InlineProcessor {
	return &InlineProcessor{
		resolver:   resolver,
		dispatcher: dispatcher,
		claimer:    claimer,
	}
}

// ProcessPayload runs the fast path for every text message in a raw
// delivery. ctx carries the overall deadline.
func (p *InlineProcessor) ProcessPayload(ctx context.Context, raw []byte) []InlineResult {
	msgs := classify.TextMessages(raw)
	results := make([]InlineResult, 0, len(msgs))
	for _, msg := range msgs {
		res := p.Process(ctx, msg)
		results = append(results, res)
	}
	return results
}

// Process dispatches a single text message if it carries a tracking
// code that resolves to an active tenant.
func (p *InlineProcessor) Process(ctx context.Context, msg models.TextMessage) InlineResult {
	res := InlineResult{MessageID: msg.MessageID}

	t, err := p.resolver.Resolve(ctx, msg.Body)
	if err != nil {
		slog.Warn("inline tenant lookup failed", "message_id", msg.MessageID, "error", err)
		metrics.InlineDispatch.WithLabelValues(metrics.ResultError).Inc()
		res.Err = err
		return res
	}
	if t == nil {
		metrics.InlineDispatch.WithLabelValues(metrics.ResultSkipped).Inc()
		return res
	}

	held := false
	if p.claimer != nil {
		state, err := p.claimer.Claim(ctx, msg.MessageID)
		switch {
		case err != nil:
			// Without the claim the drainer may dispatch too; proceed anyway.
			slog.Warn("inline dispatch claim failed", "message_id", msg.MessageID, "error", err)
		case state != dedup.Acquired:
			slog.Debug("message claimed elsewhere, skipping inline dispatch",
				"message_id", msg.MessageID,
				"state", state,
			)
			metrics.InlineDispatch.WithLabelValues(metrics.ResultSkipped).Inc()
			return res
		default:
			held = true
		}
	}

	res.Attempted = true
	start := time.Now()
	err = p.dispatcher.Process(ctx, conversation.Request{
		CalendarID:  t.CalendarID,
		PhoneNumber: msg.From,
		MessageID:   msg.MessageID,
		Content:     msg.Body,
		ContactName: msg.ContactName,
		ChannelID:   msg.ChannelID,
	})
	if err != nil {
		slog.Warn("inline dispatch failed, leaving message to the queue drainer",
			"message_id", msg.MessageID,
			"calendar_id", t.CalendarID,
			"error", err,
		)
		metrics.InlineDispatch.WithLabelValues(metrics.ResultError).Inc()
		if held {
			p.release(msg.MessageID)
		}
		res.Err = err
		return res
	}

	if held {
		p.complete(msg.MessageID)
	}

	slog.Info("inline dispatch succeeded",
		"message_id", msg.MessageID,
		"calendar_id", t.CalendarID,
		"duration", time.Since(start),
	)
	metrics.InlineDispatch.WithLabelValues(metrics.ResultOK).Inc()
	return res
}

// complete runs detached from ctx, which may already be past its deadline.
func (p *InlineProcessor) complete(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.claimer.Complete(ctx, messageID); err != nil {
		slog.Warn("failed to mark message dispatched", "message_id", messageID, "error", err)
	}
}

func (p *InlineProcessor) release(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.claimer.Release(ctx, messageID); err != nil {
		slog.Warn("failed to release dispatch claim", "message_id", messageID, "error", err)
	}
}
