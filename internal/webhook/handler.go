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

// Package webhook serves the shared WhatsApp Cloud API webhook endpoint.
//
// A POST delivery goes through signature verification, rate limiting and
// classification, and is then written to the durable queue. Only after
// the queue insert succeeds is the provider answered 200; message
// deliveries additionally get a best-effort inline dispatch to the
// conversation service. GET serves the provider's subscription handshake.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slotbook/wa-ingress/internal/classify"
	"github.com/slotbook/wa-ingress/internal/metrics"
	"github.com/slotbook/wa-ingress/internal/models"
	"github.com/slotbook/wa-ingress/internal/ratelimit"
	"github.com/slotbook/wa-ingress/internal/signature"
)

// MaxBodyBytes caps the size of a delivery.
const MaxBodyBytes = 1 << 20

const (
	corsAllowOrigin  = "*"
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
)

// SecurityLogger records security events without blocking.
type SecurityLogger interface {
	Log(eventType models.EventType, severity models.Severity, details map[string]any, ip string)
}

// RateLimiter decides whether an identifier may proceed.
type RateLimiter interface {
	CheckAndRecord(ctx context.Context, identifier string) (ratelimit.Decision, error)
}

// QueueWriter durably stores a delivery.
type QueueWriter interface {
	Insert(ctx context.Context, webhookType models.WebhookType, payload []byte) (uuid.UUID, error)
}

// QueueNotifier wakes the drainer after an insert.
type QueueNotifier interface {
	Notify(ctx context.Context, id uuid.UUID) error
}

// Config holds the handler's secrets and tuning.
type Config struct {
	// VerifyToken is compared with hub.verify_token during the handshake.
	// Empty means every handshake fails.
	VerifyToken string
	// AppSecret signs deliveries. Empty disables signature checks.
	AppSecret string
	// RequireSignature rejects deliveries whose signature could not be
	// checked instead of letting them through.
	RequireSignature bool
	// InlineTimeout bounds the inline dispatch of one delivery.
	InlineTimeout time.Duration
}

// Handler serves /webhook.
type Handler struct {
	cfg      Config
	security SecurityLogger
	limiter  RateLimiter
	queue    QueueWriter
	notifier QueueNotifier
	inline   *InlineProcessor
}

// Deps are the collaborators of a Handler. Notifier and Inline may be nil.
type Deps struct {
	Security SecurityLogger
	Limiter  RateLimiter
	Queue    QueueWriter
	Notifier QueueNotifier
	Inline   *InlineProcessor
}

// NewHandler creates the webhook handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.InlineTimeout <= 0 {
		cfg.InlineTimeout = 5 * time.Second
	}
	return &Handler{
		cfg:      cfg,
		security: deps.Security,
		limiter:  deps.Limiter,
		queue:    deps.Queue,
		notifier: deps.Notifier,
		inline:   deps.Inline,
	}
}

// ServeHTTP dispatches on method. Every response carries CORS headers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", corsAllowOrigin)
	w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		h.serveHandshake(w, r)
	case http.MethodPost:
		h.serveDelivery(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "Method not allowed"})
	}
}

// serveHandshake answers the provider's subscription verification:
// GET ?hub.mode=subscribe&hub.verify_token=<token>&hub.challenge=<string>
func (h *Handler) serveHandshake(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")
	ip := clientIP(r)

	if mode == "subscribe" && h.cfg.VerifyToken != "" && token == h.cfg.VerifyToken {
		slog.Info("webhook verification handshake succeeded")
		metrics.Handshakes.WithLabelValues(metrics.ResultOK).Inc()
		h.security.Log(models.EventVerificationSuccess, models.SeverityInfo, map[string]any{
			"mode": mode,
		}, ip)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}

	slog.Warn("webhook verification handshake failed",
		"mode", mode,
		"token_configured", h.cfg.VerifyToken != "",
		"ip", ip,
	)
	metrics.Handshakes.WithLabelValues(metrics.ResultError).Inc()
	h.security.Log(models.EventVerificationFailed, models.SeverityHigh, map[string]any{
		"mode":          mode,
		"token_present": token != "",
	}, ip)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte("Forbidden"))
}

// serveDelivery runs the POST pipeline. Each stage may end the request;
// later stages never run for a rejected delivery.
func (h *Handler) serveDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	// The raw bytes are needed for the signature, so read before parsing.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "Payload too large"})
			return
		}
		slog.Error("failed to read webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Failed to read body"})
		return
	}

	if !h.verifySignature(body, r.Header.Get(signature.HeaderName), ip) {
		metrics.WebhookRequests.WithLabelValues(metrics.OutcomeBadSignature).Inc()
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "Invalid signature"})
		return
	}

	channelID := classify.ChannelID(body)
	identifier := ratelimit.Identifier(ip, channelID)
	decision, err := h.limiter.CheckAndRecord(ctx, identifier)
	if err != nil {
		slog.Warn("rate limiter unavailable, admitting request",
			"identifier", identifier,
			"error", err,
		)
	}
	if !decision.Allowed {
		slog.Warn("webhook rate limited",
			"identifier", identifier,
			"reason", decision.Reason,
		)
		metrics.WebhookRequests.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		h.security.Log(models.EventRateLimitExceeded, models.SeverityHigh, map[string]any{
			"identifier":    identifier,
			"reason":        decision.Reason,
			"newly_blocked": decision.NewlyBlocked,
		}, ip)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "Rate limit exceeded"})
		return
	}

	webhookType := classify.Classify(body)

	queueID, err := h.queue.Insert(ctx, webhookType, body)
	if err != nil {
		slog.Error("failed to queue webhook",
			"webhook_type", webhookType,
			"error", err,
		)
		metrics.WebhookRequests.WithLabelValues(metrics.OutcomeQueueFailed).Inc()
		h.security.Log(models.EventQueueInsertFailed, models.SeverityCritical, map[string]any{
			"webhook_type": string(webhookType),
			"channel_id":   channelID,
			"error":        err.Error(),
		}, ip)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to queue webhook"})
		return
	}

	metrics.WebhookRequests.WithLabelValues(metrics.OutcomeAccepted).Inc()
	h.security.Log(models.EventWebhookProcessed, models.SeverityInfo, map[string]any{
		"webhook_type": string(webhookType),
		"queue_id":     queueID.String(),
		"channel_id":   channelID,
	}, ip)

	slog.Info("webhook queued",
		"queue_id", queueID,
		"webhook_type", webhookType,
		"channel_id", channelID,
	)

	if webhookType == models.WebhookMessage && h.inline != nil {
		inlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.InlineTimeout)
		h.inline.ProcessPayload(inlineCtx, body)
		cancel()
	}

	// Wake the drainer only after the inline attempt has finished with
	// its claims.
	if h.notifier != nil {
		if err := h.notifier.Notify(context.WithoutCancel(ctx), queueID); err != nil {
			slog.Warn("failed to notify queue drainer", "queue_id", queueID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// verifySignature checks the delivery signature and records the outcome.
// It returns false when the delivery must be rejected.
func (h *Handler) verifySignature(body []byte, header, ip string) bool {
	switch signature.Check(body, header, h.cfg.AppSecret) {
	case signature.Valid:
		h.security.Log(models.EventVerificationSuccess, models.SeverityInfo, map[string]any{
			"stage": "delivery",
		}, ip)
		return true

	case signature.Skipped:
		reason := skipReason(h.cfg.AppSecret, header)
		if h.cfg.RequireSignature {
			slog.Warn("rejecting unsigned webhook", "reason", reason, "ip", ip)
			h.security.Log(models.EventInvalidSignature, models.SeverityCritical, map[string]any{
				"reason": reason,
			}, ip)
			return false
		}
		slog.Warn("signature verification skipped", "reason", reason, "ip", ip)
		h.security.Log(models.EventVerificationSkipped, models.SeverityHigh, map[string]any{
			"reason": reason,
		}, ip)
		return true

	default:
		slog.Warn("invalid webhook signature", "ip", ip)
		h.security.Log(models.EventInvalidSignature, models.SeverityCritical, map[string]any{
			"reason":     "signature mismatch",
			"body_bytes": len(body),
		}, ip)
		return false
	}
}

func skipReason(secret, header string) string {
	if secret == "" {
		return "no app secret configured"
	}
	if strings.TrimSpace(header) == "" {
		return "no signature header"
	}
	return "unknown"
}

// clientIP returns the best-effort client address: the first
// X-Forwarded-For hop, then X-Real-Ip, then the connection peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// Serve starts the webhook HTTP server on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// starting to accept connections. When ctx ends the server shuts down
// gracefully; the stopped channel closes once in-flight requests have
// finished.
func Serve(ctx context.Context, port int, handler http.Handler) (ready, stopped <-chan struct{}, err error) {
	mux := http.NewServeMux()
	mux.Handle("/webhook", handler)
	mux.Handle("/webhook/", handler)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	stoppedCh := make(chan struct{})

	go func() {
		defer close(stoppedCh)
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("webhook server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return readyCh, stoppedCh, nil
}
