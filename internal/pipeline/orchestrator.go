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

// Package pipeline sequences ingestion of one webhook event: normalization,
// tenant resolution, policy filtering, body extraction, scanning, idempotent
// persistence, and best-effort fan-out to the detection and graph services.
//
// Persistence is the commit point. Everything after the conditional write is
// fault-isolated: a failing collaborator can never lose the stored record or
// fail the request.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phishguard/ingestion/internal/detect"
	"github.com/phishguard/ingestion/internal/models"
	"github.com/phishguard/ingestion/internal/normalize"
	"github.com/phishguard/ingestion/internal/rawmime"
	"github.com/phishguard/ingestion/internal/scan"
	"github.com/phishguard/ingestion/internal/tenant"
)

// Outcome statuses returned in the webhook response body.
const (
	StatusProcessed        = "processed"
	StatusSkipped          = "skipped"
	StatusDuplicateSkipped = "duplicate_skipped"
	StatusRejected         = "rejected"
	StatusError            = "error"
)

// RecordStore persists email records with conditional-create semantics.
type RecordStore interface {
	Create(ctx context.Context, rec *models.EmailRecord) (bool, error)
}

// TenantResolver maps events to tenants and monitored identities.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, ev *models.EmailEvent) string
	Attribute(ctx context.Context, orgID string, ev *models.EmailEvent) tenant.Attribution
}

// ContentFetcher retrieves raw message bytes for the delivery-notification path.
type ContentFetcher interface {
	FetchRawMessage(ctx context.Context, messageID string) (string, error)
}

// ThreatAnalyzer scores a message. Best-effort.
type ThreatAnalyzer interface {
	Analyze(ctx context.Context, req detect.Request) (*models.ThreatVerdict, error)
}

// GraphUpdater records the message in the relationship graph. Best-effort.
type GraphUpdater interface {
	AddEmail(ctx context.Context, data map[string]any) error
}

// RecordPublisher hands the stored record to downstream workers. Best-effort.
type RecordPublisher interface {
	PublishProcessedEmail(ctx context.Context, rec *models.EmailRecord) error
}

// Policy holds the explicit toggles for behavior that varied across the
// product's revisions. Both default to true in config.
type Policy struct {
	// RequireMonitored skips messages where neither sender nor any
	// recipient is a monitored identity.
	RequireMonitored bool
	// AlwaysAnalyze invokes threat detection for every ingested message;
	// when false, only messages with a threat signal are submitted.
	AlwaysAnalyze bool

	DetectionTimeout time.Duration
	FanoutTimeout    time.Duration
}

// Outcome is the structured result of processing one webhook payload.
type Outcome struct {
	HTTPStatus int `json:"-"`

	Status           string           `json:"status"`
	Reason           string           `json:"reason,omitempty"`
	MessageID        string           `json:"messageId,omitempty"`
	Direction        models.Direction `json:"direction,omitempty"`
	UserID           string           `json:"userId,omitempty"`
	ThreatsTriggered bool             `json:"threatsTriggered,omitempty"`
	BodyLength       int              `json:"bodyLength,omitempty"`

	// Diagnostics for skipped / rejected outcomes.
	Sender       string   `json:"sender,omitempty"`
	Recipients   []string `json:"recipients,omitempty"`
	DetectedKeys []string `json:"detectedKeys,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Orchestrator is the ingestion state machine with all collaborators
// injected at construction. Fetcher, analyzer, graph and publisher may be
// nil — the corresponding step is then skipped.
type Orchestrator struct {
	records   RecordStore
	resolver  TenantResolver
	fetcher   ContentFetcher
	analyzer  ThreatAnalyzer
	graph     GraphUpdater
	publisher RecordPublisher
	policy    Policy
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Records   RecordStore
	Resolver  TenantResolver
	Fetcher   ContentFetcher
	Analyzer  ThreatAnalyzer
	Graph     GraphUpdater
	Publisher RecordPublisher
	Policy    Policy
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	p := deps.Policy
	if p.DetectionTimeout == 0 {
		p.DetectionTimeout = 90 * time.Second
	}
	if p.FanoutTimeout == 0 {
		p.FanoutTimeout = 15 * time.Second
	}
	return &Orchestrator{
		records:   deps.Records,
		resolver:  deps.Resolver,
		fetcher:   deps.Fetcher,
		analyzer:  deps.Analyzer,
		graph:     deps.Graph,
		publisher: deps.Publisher,
		policy:    p,
	}
}

// Process runs one webhook payload through the full pipeline and returns a
// structured outcome. It never panics and never returns before the record's
// durability is decided.
func (o *Orchestrator) Process(ctx context.Context, payload []byte) *Outcome {
	// Received → Classified
	ev, err := normalize.Classify(payload)
	if err != nil {
		var fe *normalize.FormatError
		if errors.As(err, &fe) {
			slog.Info("rejected webhook payload",
				"reason", fe.Reason,
				"detail", fe.Detail,
			)
			return &Outcome{
				HTTPStatus:   http.StatusBadRequest,
				Status:       StatusRejected,
				Reason:       fe.Reason,
				Error:        fe.Detail,
				DetectedKeys: fe.Keys,
			}
		}
		return &Outcome{HTTPStatus: http.StatusInternalServerError, Status: StatusError, Error: err.Error()}
	}

	// Classified → Filtered
	orgID := o.resolver.ResolveTenant(ctx, ev)
	att := o.resolver.Attribute(ctx, orgID, ev)
	if o.policy.RequireMonitored && !att.AnyMonitored {
		slog.Info("skipping message with no monitored participant",
			"message_id", ev.MessageID,
			"org", orgID,
			"sender", ev.Sender,
		)
		return &Outcome{
			HTTPStatus: http.StatusOK,
			Status:     StatusSkipped,
			Reason:     "no-monitored-users",
			MessageID:  ev.MessageID,
			Sender:     ev.Sender,
			Recipients: ev.Recipients,
		}
	}

	// Filtered → Parsed
	parsed := o.extractBody(ctx, ev)

	urls := scan.ExtractURLs(parsed.Body)
	if parsed.BodyHTML != "" {
		urls = append(urls, scan.ExtractHTMLLinks(parsed.BodyHTML)...)
	}
	keywordText := parsed.Body
	if parsed.BodyHTML != "" && parsed.Body == parsed.BodyHTML {
		// Plain-text part was missing; scan visible text, not markup.
		keywordText = scan.HTMLToText(parsed.BodyHTML)
	}
	hasSignal := scan.HasThreatSignal(urls, keywordText)

	now := time.Now().UTC()
	receivedAt := ev.TimestampUTC
	if receivedAt.IsZero() {
		receivedAt = now
	}

	rec := &models.EmailRecord{
		UserID:      att.UserID,
		ReceivedAt:  receivedAt,
		MessageID:   ev.MessageID,
		EmailID:     uuid.New().String(),
		OrgID:       orgID,
		Sender:      ev.Sender,
		Recipients:  ev.Recipients,
		Subject:     ev.Subject,
		Body:        parsed.Body,
		BodyHTML:    parsed.BodyHTML,
		Direction:   att.Direction,
		Size:        len(parsed.Body),
		Status:      models.StatusReceived,
		ThreatLevel: "none",
		URLs:        urls,
		Headers:     parsed.Headers,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Parsed → Persisted. The conditional create is the commit point and
	// the sole dedup mechanism: upstream at-least-once redelivery lands
	// here as a no-op.
	created, err := o.records.Create(ctx, rec)
	if err != nil {
		slog.Error("email record write failed",
			"message_id", ev.MessageID,
			"user_id", att.UserID,
			"error", err,
		)
		return &Outcome{
			HTTPStatus: http.StatusInternalServerError,
			Status:     StatusError,
			MessageID:  ev.MessageID,
			Error:      "storage failure",
		}
	}
	if !created {
		slog.Info("duplicate message skipped",
			"message_id", ev.MessageID,
			"user_id", att.UserID,
		)
		return &Outcome{
			HTTPStatus: http.StatusOK,
			Status:     StatusDuplicateSkipped,
			MessageID:  ev.MessageID,
			UserID:     att.UserID,
		}
	}

	// Persisted → FannedOut. Detached from the request context: a client
	// abort after the commit point must not cancel fan-out.
	o.fanOut(context.WithoutCancel(ctx), rec, hasSignal)

	return &Outcome{
		HTTPStatus:       http.StatusOK,
		Status:           StatusProcessed,
		MessageID:        ev.MessageID,
		Direction:        att.Direction,
		UserID:           att.UserID,
		ThreatsTriggered: hasSignal,
		BodyLength:       len(parsed.Body),
	}
}

// extractBody yields a non-empty body for every event: the pre-extracted
// body when present, else parsed raw MIME (fetched from the mail-flow API
// for delivery notifications), else a placeholder.
func (o *Orchestrator) extractBody(ctx context.Context, ev *models.EmailEvent) models.ParsedEmail {
	if ev.ExtractedBody != "" {
		return models.ParsedEmail{
			Headers: map[string]string{},
			Body:    ev.ExtractedBody,
		}
	}

	raw := ev.RawBodyBase64
	if raw == "" && ev.SourceFormat == models.SourceLambdaSES && o.fetcher != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, o.policy.FanoutTimeout)
		fetched, err := o.fetcher.FetchRawMessage(fetchCtx, ev.MessageID)
		cancel()
		if err != nil {
			slog.Warn("raw content fetch failed, using placeholder body",
				"message_id", ev.MessageID,
				"error", err,
			)
		}
		raw = fetched
	}

	if raw != "" {
		parsed := rawmime.Parse(raw)
		if parsed.Body == rawmime.FailurePlaceholder {
			slog.Warn("raw MIME parsing degraded to placeholder",
				"message_id", ev.MessageID,
			)
		}
		return parsed
	}

	return models.ParsedEmail{
		Headers: map[string]string{},
		Body:    rawmime.EmptyPlaceholder,
	}
}

// fanOut issues the post-persistence calls. The two service calls and the
// queue publish are independent: each is fault-isolated with its own
// timeout, failures are logged and swallowed. The call blocks until all
// complete so detection remains synchronous within its bound.
func (o *Orchestrator) fanOut(ctx context.Context, rec *models.EmailRecord, hasSignal bool) {
	var wg sync.WaitGroup

	if o.analyzer != nil && (o.policy.AlwaysAnalyze || hasSignal) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bestEffort(ctx, "threat-detection", o.policy.DetectionTimeout, func(ctx context.Context) error {
				verdict, err := o.analyzer.Analyze(ctx, detect.Request{
					MessageID:  rec.MessageID,
					Sender:     rec.Sender,
					Recipients: rec.Recipients,
					Subject:    rec.Subject,
					Body:       rec.Body,
					Timestamp:  rec.ReceivedAt.Format(time.RFC3339),
					URLs:       rec.URLs,
					Direction:  string(rec.Direction),
				})
				if err != nil {
					return err
				}
				slog.Info("threat detection verdict",
					"message_id", rec.MessageID,
					"threat_level", verdict.ThreatLevel,
					"is_phishing", verdict.IsPhishing,
				)
				return nil
			})
		}()
	}

	if o.graph != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bestEffort(ctx, "graph-update", o.policy.FanoutTimeout, func(ctx context.Context) error {
				return o.graph.AddEmail(ctx, map[string]any{
					"message_id": rec.MessageID,
					"email_id":   rec.EmailID,
					"user_id":    rec.UserID,
					"org_id":     rec.OrgID,
					"sender":     rec.Sender,
					"recipients": rec.Recipients,
					"subject":    rec.Subject,
					"direction":  rec.Direction,
					"timestamp":  rec.ReceivedAt.Format(time.RFC3339),
				})
			})
		}()
	}

	if o.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bestEffort(ctx, "processed-queue", o.policy.FanoutTimeout, func(ctx context.Context) error {
				return o.publisher.PublishProcessedEmail(ctx, rec)
			})
		}()
	}

	wg.Wait()
}

// bestEffort runs fn with a bounded context and swallows its error with a
// logged warning. This is the structural enforcement of the non-fatal
// fan-out contract.
func bestEffort(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("best-effort call failed",
			"call", name,
			"error", err,
		)
	}
}
