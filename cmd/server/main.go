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

// PhishGuard — Mail Ingestion Service
//
// Entry point for the ingestion webhook service. It:
//  1. Loads configuration from config.yaml and environment variables
//  2. Connects to PostgreSQL and Redis
//  3. Builds the tenant resolver and the email record store
//  4. Wires the ingestion orchestrator with its collaborator clients
//  5. Serves the /webhook endpoint (POST ingest, GET health)
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/phishguard/ingestion/internal/config"
	"github.com/phishguard/ingestion/internal/detect"
	"github.com/phishguard/ingestion/internal/graphsvc"
	"github.com/phishguard/ingestion/internal/mailflow"
	"github.com/phishguard/ingestion/internal/pipeline"
	"github.com/phishguard/ingestion/internal/queue"
	"github.com/phishguard/ingestion/internal/store"
	"github.com/phishguard/ingestion/internal/tenant"
	"github.com/phishguard/ingestion/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting PhishGuard ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"default_org", cfg.DefaultOrgID,
		"require_monitored", cfg.RequireMonitored,
		"always_analyze", cfg.AlwaysAnalyze,
	)

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

	publisher := queue.NewPublisher(rdb, cfg.ProcessedQueue)
	if err := publisher.Ping(ctx); err != nil {
		// Redis only backs the cache and the best-effort queue; degrade
		// rather than refuse to start.
		slog.Warn("Redis unreachable, continuing without cache and queue", "error", err)
		publisher = nil
		rdb = nil
	} else {
		slog.Info("connected to Redis")
	}

	// --- Stores ---
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

	// --- Tenant Resolver ---
	var cache *tenant.Cache
	if rdb != nil {
		cache = tenant.NewCache(rdb)
	}
	resolver := tenant.NewResolver(configStore, employeeStore, cache, cfg.DefaultOrgID, cfg.ServiceType)

	// --- Collaborator Clients ---
	fetcher := mailflow.NewFetcher(ctx, mailflow.Config{
		BaseURL:      cfg.MailflowAPIURL,
		TokenURL:     cfg.MailflowTokenURL,
		ClientID:     cfg.MailflowClientID,
		ClientSecret: cfg.MailflowClientSecret,
	})
	analyzer := detect.NewClient(cfg.ThreatServiceURL, cfg.DetectionTimeout)
	graphClient := graphsvc.NewClient(cfg.GraphServiceURL)

	// --- Orchestrator ---
	deps := pipeline.Deps{
		Records:  emailStore,
		Resolver: resolver,
		Fetcher:  fetcher,
		Analyzer: analyzer,
		Graph:    graphClient,
		Policy: pipeline.Policy{
			RequireMonitored: cfg.RequireMonitored,
			AlwaysAnalyze:    cfg.AlwaysAnalyze,
			DetectionTimeout: cfg.DetectionTimeout,
			FanoutTimeout:    cfg.FanoutTimeout,
		},
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	orchestrator := pipeline.New(deps)

	// --- Webhook Server ---
	handler := webhook.NewHandler(orchestrator, configStore, cfg.RequireMonitored, cfg.AlwaysAnalyze)
	ready, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("ingestion service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stops the webhook server

	if rdb != nil {
		rdb.Close()
	}
	pgPool.Close()

	slog.Info("ingestion service stopped")
}
