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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/slotbook/wa-ingress/internal/classify"
	"github.com/slotbook/wa-ingress/internal/conversation"
	"github.com/slotbook/wa-ingress/internal/dedup"
	"github.com/slotbook/wa-ingress/internal/metrics"
	"github.com/slotbook/wa-ingress/internal/models"
	"github.com/slotbook/wa-ingress/internal/tenant"
)

// PendingStore is the subset of Store the drainer needs.
type PendingStore interface {
	ListPending(ctx context.Context, limit, maxRetries int) ([]models.QueuedWebhook, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkUnrouted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
}

// Waker blocks until new rows may be available. Implemented by Notifier.
type Waker interface {
	Wait(ctx context.Context, timeout time.Duration) (uuid.UUID, error)
}

// Resolver maps message text to a calendar. Implemented by tenant.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, text string) (*tenant.Tenant, error)
}

// Dispatcher hands a message to the conversation service.
type Dispatcher interface {
	Process(ctx context.Context, req conversation.Request) error
}

// Claimer deduplicates dispatches by message id. Implemented by
// dedup.Filter.
type Claimer interface {
	Claim(ctx context.Context, messageID string) (dedup.State, error)
	Complete(ctx context.Context, messageID string) error
	Release(ctx context.Context, messageID string) error
}

// errInFlight marks a message whose claim is held by another dispatcher.
var errInFlight = errors.New("dispatch in flight elsewhere")

// DrainResult summarises one pass over the queue.
type DrainResult struct {
	Processed  int
	Failed     int
	Dispatched int
	// Unrouted rows were marked processed with UnroutedMarker.
	Unrouted int
	// Deferred rows were left pending because a message in them is being
	// dispatched elsewhere.
	Deferred int
}

// Drainer routes queued message webhooks to the conversation service and
// marks rows processed. Status and contact updates are acknowledged
// without dispatch.
type Drainer struct {
	store      PendingStore
	waker      Waker
	resolver   Resolver
	dispatcher Dispatcher
	claimer    Claimer
	limiter    *rate.Limiter

	batchSize  int
	maxRetries int
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DrainerConfig holds the dependencies and tuning of a Drainer.
type DrainerConfig struct {
	Store      PendingStore
	Waker      Waker
	Resolver   Resolver
	Dispatcher Dispatcher
	Claimer    Claimer

	BatchSize  int
	MaxRetries int
	Interval   time.Duration
	// DispatchRate caps conversation calls per second. Zero means no cap.
	DispatchRate float64
}

// NewDrainer creates a drainer.
func NewDrainer(cfg DrainerConfig) *Drainer {
	d := &Drainer{
		store:      cfg.Store,
		waker:      cfg.Waker,
		resolver:   cfg.Resolver,
		dispatcher: cfg.Dispatcher,
		claimer:    cfg.Claimer,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		interval:   cfg.Interval,
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
	if cfg.DispatchRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	if d.batchSize <= 0 {
		d.batchSize = 50
	}
	if d.maxRetries <= 0 {
		d.maxRetries = 5
	}
	if d.interval <= 0 {
		d.interval = 30 * time.Second
	}
	return d
}

// Start runs the drain loop in the background until Stop is called or
// ctx is cancelled.
func (d *Drainer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Run(loopCtx)
	}()
	slog.Info("queue drainer started",
		"batch_size", d.batchSize,
		"interval", d.interval,
	)
}

// Stop cancels the drain loop and waits for the current pass to finish.
func (d *Drainer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	slog.Info("queue drainer stopped")
}

// Run drains until ctx is cancelled, waking on notifications or every
// interval.
func (d *Drainer) Run(ctx context.Context) {
	for {
		res, err := d.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("queue drain pass failed", "error", err)
		} else if res.Processed+res.Failed > 0 {
			slog.Info("queue drain pass complete",
				"processed", res.Processed,
				"failed", res.Failed,
				"dispatched", res.Dispatched,
			)
		}

		if ctx.Err() != nil {
			return
		}
		d.wait(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Drainer) wait(ctx context.Context) {
	if d.waker != nil {
		_, err := d.waker.Wait(ctx, d.interval)
		if err == nil || ctx.Err() != nil {
			return
		}
		slog.Warn("queue notification wait failed, falling back to polling", "error", err)
	}

	t := time.NewTimer(d.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// DrainOnce processes pending rows until a batch comes back short.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainResult, error) {
	var total DrainResult
	for {
		rows, err := d.store.ListPending(ctx, d.batchSize, d.maxRetries)
		if err != nil {
			return total, fmt.Errorf("list pending webhooks: %w", err)
		}

		for _, row := range rows {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			routed, n, err := d.handle(ctx, row)
			total.Dispatched += n
			switch {
			case errors.Is(err, errInFlight):
				// Left untouched; the holder either completes the message or
				// releases it and a later pass retries.
				total.Deferred++
				metrics.QueueDrain.WithLabelValues(metrics.ResultDeferred).Inc()
				slog.Debug("queued webhook deferred", "id", row.ID, "error", err)
			case err != nil:
				total.Failed++
				metrics.QueueDrain.WithLabelValues(metrics.ResultError).Inc()
				slog.Warn("queued webhook failed",
					"id", row.ID,
					"retry_count", row.RetryCount+1,
					"error", err,
				)
				if merr := d.store.MarkFailed(ctx, row.ID, err); merr != nil {
					return total, fmt.Errorf("mark webhook %s failed: %w", row.ID, merr)
				}
			case row.WebhookType == models.WebhookMessage && routed == 0:
				total.Processed++
				total.Unrouted++
				metrics.QueueDrain.WithLabelValues(metrics.ResultUnrouted).Inc()
				slog.Info("queued message has no routable text, kept for reconciliation", "id", row.ID)
				if err := d.store.MarkUnrouted(ctx, row.ID); err != nil {
					return total, fmt.Errorf("mark webhook %s unrouted: %w", row.ID, err)
				}
			default:
				total.Processed++
				metrics.QueueDrain.WithLabelValues(metrics.ResultOK).Inc()
				if err := d.store.MarkProcessed(ctx, row.ID); err != nil {
					return total, fmt.Errorf("mark webhook %s processed: %w", row.ID, err)
				}
			}
		}

		// Failed and deferred rows stay pending, so a full batch of them
		// would be listed again; stop after any short or incomplete batch.
		if len(rows) < d.batchSize || total.Failed > 0 || total.Deferred > 0 {
			return total, nil
		}
	}
}

// handle dispatches every routable text message in a row. It returns how
// many messages resolved to a calendar and how many were dispatched by
// this call.
func (d *Drainer) handle(ctx context.Context, row models.QueuedWebhook) (int, int, error) {
	if row.WebhookType != models.WebhookMessage {
		return 0, 0, nil
	}

	var (
		routed     int
		dispatched int
		errs       []error
	)
	for _, msg := range classify.TextMessages(row.Payload) {
		res, err := d.dispatch(ctx, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", msg.MessageID, err))
			continue
		}
		switch res {
		case dispatchSent:
			routed++
			dispatched++
		case dispatchAlreadyDone:
			routed++
		}
	}
	return routed, dispatched, errors.Join(errs...)
}

type dispatchResult int

const (
	dispatchUnrouted dispatchResult = iota
	dispatchSent
	dispatchAlreadyDone
)

func (d *Drainer) dispatch(ctx context.Context, msg models.TextMessage) (dispatchResult, error) {
	t, err := d.resolver.Resolve(ctx, msg.Body)
	if err != nil {
		return dispatchUnrouted, err
	}
	if t == nil {
		slog.Debug("queued message has no routable tracking code", "message_id", msg.MessageID)
		return dispatchUnrouted, nil
	}

	if d.claimer != nil {
		state, err := d.claimer.Claim(ctx, msg.MessageID)
		if err != nil {
			return dispatchUnrouted, err
		}
		switch state {
		case dedup.Done:
			slog.Debug("message already dispatched", "message_id", msg.MessageID)
			return dispatchAlreadyDone, nil
		case dedup.InFlight:
			return dispatchUnrouted, errInFlight
		}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.release(msg.MessageID)
		return dispatchUnrouted, err
	}

	err = d.dispatcher.Process(ctx, conversation.Request{
		CalendarID:  t.CalendarID,
		PhoneNumber: msg.From,
		MessageID:   msg.MessageID,
		Content:     msg.Body,
		ContactName: msg.ContactName,
		ChannelID:   msg.ChannelID,
	})
	if err != nil {
		d.release(msg.MessageID)
		return dispatchUnrouted, err
	}

	if d.claimer != nil {
		if err := d.claimer.Complete(ctx, msg.MessageID); err != nil {
			slog.Warn("failed to mark message dispatched", "message_id", msg.MessageID, "error", err)
		}
	}
	return dispatchSent, nil
}

func (d *Drainer) release(messageID string) {
	if d.claimer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.claimer.Release(ctx, messageID); err != nil {
		slog.Warn("failed to release dispatch claim", "message_id", messageID, "error", err)
	}
}
