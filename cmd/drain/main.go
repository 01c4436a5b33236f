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

// Slotbook WhatsApp Ingress: Queue Drain Command
//
// Standalone worker that replays pending rows of the webhook queue to the
// conversation service. Run it as a long-lived worker next to webhook
// instances started with DRAIN_IN_PROCESS=false, or with --once from cron
// or by hand to flush a backlog.
//
// Usage:
//
//	go run ./cmd/drain/ [--once] [--batch 50] [--rate 10]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/slotbook/wa-ingress/internal/config"
	"github.com/slotbook/wa-ingress/internal/conversation"
	"github.com/slotbook/wa-ingress/internal/dedup"
	"github.com/slotbook/wa-ingress/internal/queue"
	"github.com/slotbook/wa-ingress/internal/tenant"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	onceFlag := flag.Bool("once", false, "Drain the pending backlog once and exit")
	batchFlag := flag.Int("batch", 0, "Rows per batch (default DRAIN_BATCH)")
	rateFlag := flag.Float64("rate", -1, "Dispatches per second, 0 for unlimited (default DRAIN_RATE)")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if !cfg.DispatchEnabled() {
		fmt.Fprintf(os.Stderr, "Error: CONVERSATION_URL is required to drain the queue\n")
		os.Exit(1)
	}

	batch := cfg.DrainBatch
	if *batchFlag > 0 {
		batch = *batchFlag
	}
	dispatchRate := cfg.DrainRate
	if *rateFlag >= 0 {
		dispatchRate = *rateFlag
	}

	slog.Info("starting queue drain",
		"once", *onceFlag,
		"batch", batch,
		"rate", dispatchRate,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
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

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	notifier := queue.NewNotifier(rdb, cfg.QueueChannel)
	if err := notifier.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	store, err := queue.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise webhook queue", "error", err)
		os.Exit(1)
	}

	httpClient := conversation.NewHTTPClient(ctx, conversation.AuthConfig{
		ClientID:     cfg.ConversationClientID,
		ClientSecret: cfg.ConversationClientSecret,
		TokenURL:     cfg.ConversationTokenURL,
		StaticToken:  cfg.ConversationToken,
	})

	drainer := queue.NewDrainer(queue.DrainerConfig{
		Store:        store,
		Waker:        notifier,
		Resolver:     tenant.NewResolver(tenant.NewPostgresDirectory(pgPool)),
		Dispatcher:   conversation.NewClient(httpClient, cfg.ConversationURL),
		Claimer:      dedup.NewFilter(rdb, cfg.DedupTTL),
		BatchSize:    batch,
		MaxRetries:   cfg.DrainMaxRetries,
		Interval:     cfg.DrainInterval,
		DispatchRate: dispatchRate,
	})

	if *onceFlag {
		res, err := drainer.DrainOnce(ctx)
		slog.Info("queue drain complete",
			"processed", res.Processed,
			"failed", res.Failed,
			"dispatched", res.Dispatched,
		)
		if err != nil {
			slog.Error("queue drain failed", "error", err)
			os.Exit(1)
		}
		return
	}

	drainer.Run(ctx)
	slog.Info("queue drain stopped")
}
