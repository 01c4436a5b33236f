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

// Slotbook WhatsApp Ingress: Webhook Service
//
// Entry point for the shared WhatsApp Cloud API webhook. It:
//  1. Loads configuration from .env, config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Builds the rate limiter, security log, durable queue and tenant resolver
//  4. Serves GET/POST/OPTIONS /webhook for the provider
//  5. Optionally runs the queue drainer in-process
//  6. Serves /health and /metrics on the admin port
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/slotbook/wa-ingress/internal/config"
	"github.com/slotbook/wa-ingress/internal/conversation"
	"github.com/slotbook/wa-ingress/internal/dedup"
	"github.com/slotbook/wa-ingress/internal/queue"
	"github.com/slotbook/wa-ingress/internal/ratelimit"
	"github.com/slotbook/wa-ingress/internal/securitylog"
	"github.com/slotbook/wa-ingress/internal/tenant"
	"github.com/slotbook/wa-ingress/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting WhatsApp ingress service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"rate_limit_backend", cfg.RateLimitBackend,
		"rate_limit_window", cfg.RateLimitWindow,
		"rate_limit_max_requests", cfg.RateLimitMaxRequests,
		"require_signature", cfg.RequireSignature,
		"dispatch_enabled", cfg.DispatchEnabled(),
		"drain_in_process", cfg.DrainInProcess,
	)
	if cfg.AppSecret == "" {
		slog.Warn("WHATSAPP_APP_SECRET is not set, webhook signatures will not be verified")
	}
	if cfg.VerifyToken == "" {
		slog.Warn("WHATSAPP_VERIFY_TOKEN is not set, subscription handshakes will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	notifier := queue.NewNotifier(rdb, cfg.QueueChannel)
	if err := notifier.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Durable Queue ---
	store, err := queue.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise webhook queue", "error", err)
		os.Exit(1)
	}

	// --- Security Log ---
	sink, err := securitylog.NewPostgresSink(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise security log", "error", err)
		os.Exit(1)
	}
	security := securitylog.NewLogger(sink, cfg.SecurityLogBuffer)

	// --- Rate Limiter ---
	limitStore, err := newRateLimitStore(ctx, cfg.RateLimitBackend, pgPool, rdb)
	if err != nil {
		slog.Error("failed to initialise rate limit store", "error", err)
		os.Exit(1)
	}
	limiter := ratelimit.NewLimiter(limitStore, ratelimit.Policy{
		Window:      cfg.RateLimitWindow,
		MaxRequests: cfg.RateLimitMaxRequests,
		Block:       cfg.RateLimitBlock,
	})

	// --- Tenant routing and conversation dispatch ---
	resolver := tenant.NewResolver(tenant.NewPostgresDirectory(pgPool))
	filter := dedup.NewFilter(rdb, cfg.DedupTTL)

	var (
		inline  *webhook.InlineProcessor
		drainer *queue.Drainer
	)
	if cfg.DispatchEnabled() {
		httpClient := conversation.NewHTTPClient(ctx, conversation.AuthConfig{
			ClientID:     cfg.ConversationClientID,
			ClientSecret: cfg.ConversationClientSecret,
			TokenURL:     cfg.ConversationTokenURL,
			StaticToken:  cfg.ConversationToken,
		})
		convo := conversation.NewClient(httpClient, cfg.ConversationURL)
		inline = webhook.NewInlineProcessor(resolver, convo, filter)

		if cfg.DrainInProcess {
			drainer = queue.NewDrainer(queue.DrainerConfig{
				Store:        store,
				Waker:        notifier,
				Resolver:     resolver,
				Dispatcher:   convo,
				Claimer:      filter,
				BatchSize:    cfg.DrainBatch,
				MaxRetries:   cfg.DrainMaxRetries,
				Interval:     cfg.DrainInterval,
				DispatchRate: cfg.DrainRate,
			})
		}
	} else {
		slog.Warn("CONVERSATION_URL is not set, messages will be queued but not dispatched")
	}

	// --- Webhook Server ---
	handler := webhook.NewHandler(webhook.Config{
		VerifyToken:      cfg.VerifyToken,
		AppSecret:        cfg.AppSecret,
		RequireSignature: cfg.RequireSignature,
		InlineTimeout:    cfg.InlineTimeout,
	}, webhook.Deps{
		Security: security,
		Limiter:  limiter,
		Queue:    store,
		Notifier: notifier,
		Inline:   inline,
	})
	ready, webhookStopped, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready

	if drainer != nil {
		drainer.Start(ctx)
	}

	// --- Admin Server (health + metrics) ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := notifier.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.AdminPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stops the webhook server and background goroutines

		// In-flight deliveries still write to Postgres and Redis.
		<-webhookStopped

		if drainer != nil {
			drainer.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := security.Close(shutdownCtx); err != nil {
			slog.Error("security log did not drain before shutdown", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("admin server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("admin server error", "error", err)
		os.Exit(1)
	}

	<-shutdownDone
	slog.Info("WhatsApp ingress service stopped")
}

// newRateLimitStore picks the limiter's persistence. postgres and redis
// share state across instances; memory is per process.
func newRateLimitStore(ctx context.Context, backend string, pool *pgxpool.Pool, rdb redis.UniversalClient) (ratelimit.Store, error) {
	switch backend {
	case config.BackendPostgres:
		return ratelimit.NewPostgresStore(ctx, pool)
	case config.BackendRedis:
		return ratelimit.NewRedisStore(rdb), nil
	case config.BackendMemory:
		slog.Warn("using in-memory rate limit store, limits are not shared between instances")
		return ratelimit.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", backend)
	}
}
