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

// PhishGuard — Historical Backfill Command
//
// Standalone CLI tool that replays a local maildir export through the
// ingestion pipeline. Intended for seeding data on new deployments. Re-runs
// are safe: previously stored messages resolve to duplicate_skipped.
//
// Usage:
//
//	go run ./cmd/backfill/ --maildir /path/to/Maildir [--delay 100ms]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/phishguard/ingestion/internal/backfill"
	"github.com/phishguard/ingestion/internal/config"
	"github.com/phishguard/ingestion/internal/detect"
	"github.com/phishguard/ingestion/internal/graphsvc"
	"github.com/phishguard/ingestion/internal/pipeline"
	"github.com/phishguard/ingestion/internal/queue"
	"github.com/phishguard/ingestion/internal/store"
	"github.com/phishguard/ingestion/internal/tenant"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	maildirFlag := flag.String("maildir", "", "Path to the maildir to replay (required)")
	delayFlag := flag.Duration("delay", 100*time.Millisecond, "Delay between messages")
	flag.Parse()

	if *maildirFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --maildir is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	slog.Info("starting historical backfill", "maildir", *maildirFlag)

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	// --- Stores and Resolver ---
	configStore, err := tenant.NewConfigStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise tenant config store", "error", err)
		os.Exit(1)
	}
	employeeStore, err := tenant.NewEmployeeStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise monitored employee store", "error", err)
		os.Exit(1)
	}
	emailStore, err := store.NewEmailStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise email record store", "error", err)
		os.Exit(1)
	}

	deps := pipeline.Deps{
		Records:  emailStore,
		Resolver: tenant.NewResolver(configStore, employeeStore, nil, cfg.DefaultOrgID, cfg.ServiceType),
		Analyzer: detect.NewClient(cfg.ThreatServiceURL, cfg.DetectionTimeout),
		Graph:    graphsvc.NewClient(cfg.GraphServiceURL),
		Policy: pipeline.Policy{
			RequireMonitored: cfg.RequireMonitored,
			AlwaysAnalyze:    cfg.AlwaysAnalyze,
			DetectionTimeout: cfg.DetectionTimeout,
			FanoutTimeout:    cfg.FanoutTimeout,
		},
	}

	// --- Optional Redis queue ---
	if opt, err := redis.ParseURL(cfg.RedisURL); err == nil {
		rdb := redis.NewClient(opt)
		publisher := queue.NewPublisher(rdb, cfg.ProcessedQueue)
		if err := publisher.Ping(ctx); err == nil {
			deps.Publisher = publisher
			defer rdb.Close()
		} else {
			slog.Warn("Redis unreachable, backfilling without queue publish", "error", err)
			rdb.Close()
		}
	}

	// --- Run ---
	runner := backfill.NewRunner(pipeline.New(deps), *delayFlag)
	result, err := runner.Run(ctx, *maildirFlag)
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Backfill complete: %d scanned, %d processed, %d duplicates, %d skipped, %d rejected, %d errors in %s\n",
		result.Scanned, result.Processed, result.Duplicates,
		result.Skipped, result.Rejected, result.Errors, result.Elapsed.Round(time.Millisecond))
}
