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

// Package webhook serves the mail-flow ingestion endpoint. Upstream systems
// POST one of the supported event shapes; the pipeline classifies,
// persists, and fans out. GET on the same path is the readiness probe.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/phishguard/ingestion/internal/pipeline"
)

// maxBodyBytes bounds inbound payload size. Raw MIME content arrives
// base64-encoded inline for some shapes, so this is generous.
const maxBodyBytes = 16 << 20

// Processor runs one payload through the ingestion pipeline.
// Implemented by *pipeline.Orchestrator.
type Processor interface {
	Process(ctx context.Context, payload []byte) *pipeline.Outcome
}

// HealthChecker performs the cheap tenant-config read backing the probe.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler processes ingestion webhook requests.
type Handler struct {
	processor Processor
	health    HealthChecker

	// Capability flags echoed by the health probe.
	requireMonitored bool
	alwaysAnalyze    bool
}

// NewHandler creates the webhook handler.
func NewHandler(processor Processor, health HealthChecker, requireMonitored, alwaysAnalyze bool) *Handler {
	return &Handler{
		processor:        processor,
		health:           health,
		requireMonitored: requireMonitored,
		alwaysAnalyze:    alwaysAnalyze,
	}
}

// ServeWebhook dispatches POST (ingest) and GET (health) on /webhook.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.serveIngest(w, r)
	case http.MethodGet:
		h.serveHealth(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"status": pipeline.StatusRejected,
			"reason": "method-not-allowed",
		})
	}
}

func (h *Handler) serveIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("failed to read webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": pipeline.StatusRejected,
			"reason": "unreadable-body",
		})
		return
	}

	outcome := h.processor.Process(r.Context(), body)
	writeJSON(w, outcome.HTTPStatus, outcome)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		slog.Error("health probe failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "unhealthy",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "webhook_ready",
		"require_monitored": h.requireMonitored,
		"always_analyze":    h.alwaysAnalyze,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Serve starts the webhook HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned
// channel before starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", handler.ServeWebhook)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
