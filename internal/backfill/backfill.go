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

// Package backfill provides historical email ingestion by replaying a local
// maildir export through the regular pipeline. Each message is wrapped as a
// WorkMail Message Flow event; the conditional create makes re-runs safe.
package backfill

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-maildir"

	"github.com/phishguard/ingestion/internal/normalize"
	"github.com/phishguard/ingestion/internal/pipeline"
	"github.com/phishguard/ingestion/internal/rawmime"
)

// Processor runs one synthesized event through the ingestion pipeline.
type Processor interface {
	Process(ctx context.Context, payload []byte) *pipeline.Outcome
}

// Result summarises a completed backfill run.
type Result struct {
	Scanned    int
	Processed  int
	Duplicates int
	Skipped    int
	Rejected   int
	Errors     int
	Elapsed    time.Duration
}

// Runner replays maildir messages through the pipeline.
type Runner struct {
	processor Processor
	delay     time.Duration // between messages, to avoid hammering fan-out targets
}

// NewRunner creates a backfill runner.
func NewRunner(processor Processor, delay time.Duration) *Runner {
	if delay == 0 {
		delay = 100 * time.Millisecond
	}
	return &Runner{processor: processor, delay: delay}
}

// Run ingests every message in the maildir at path.
func (r *Runner) Run(ctx context.Context, path string) (*Result, error) {
	start := time.Now()
	dir := maildir.Dir(path)

	// Unseen moves new/ messages into cur/ so Messages sees everything.
	if _, err := dir.Unseen(); err != nil {
		return nil, fmt.Errorf("scan maildir new/: %w", err)
	}
	msgs, err := dir.Messages()
	if err != nil {
		return nil, fmt.Errorf("list maildir messages: %w", err)
	}

	result := &Result{}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Scanned++

		payload, err := eventFromMessage(msg)
		if err != nil {
			slog.Warn("skipping unreadable maildir message",
				"key", msg.Key(),
				"error", err,
			)
			result.Errors++
			continue
		}

		outcome := r.processor.Process(ctx, payload)
		switch outcome.Status {
		case pipeline.StatusProcessed:
			result.Processed++
		case pipeline.StatusDuplicateSkipped:
			result.Duplicates++
		case pipeline.StatusSkipped:
			result.Skipped++
		case pipeline.StatusRejected:
			result.Rejected++
		default:
			result.Errors++
		}

		time.Sleep(r.delay)
	}

	result.Elapsed = time.Since(start)
	slog.Info("backfill complete",
		"scanned", result.Scanned,
		"processed", result.Processed,
		"duplicates", result.Duplicates,
		"skipped", result.Skipped,
		"rejected", result.Rejected,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// eventFromMessage wraps one raw maildir message as a WorkMail Message Flow
// payload the normalizer already understands.
func eventFromMessage(msg *maildir.Message) ([]byte, error) {
	rd, err := msg.Open()
	if err != nil {
		return nil, fmt.Errorf("open message: %w", err)
	}
	defer rd.Close()

	raw, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	return buildFlowEvent(msg.Key(), string(raw))
}

// buildFlowEvent synthesizes the webhook payload for one raw RFC-822
// message. The maildir key backs the message id when the message carries
// no Message-ID header.
func buildFlowEvent(key, raw string) ([]byte, error) {
	parsed := rawmime.ParseText(raw)

	messageID := strings.Trim(parsed.Headers["message-id"], "<> ")
	if messageID == "" {
		messageID = "maildir-" + key
	}

	type addr struct {
		Address string `json:"address"`
	}
	recipients := []addr{}
	for _, part := range strings.Split(parsed.Headers["to"], ",") {
		a := normalize.ExtractAddress(part)
		if a != normalize.AddressPlaceholder {
			recipients = append(recipients, addr{Address: a})
		}
	}
	if len(recipients) == 0 {
		// Keep the message ingestible; the pipeline's policy filter still
		// decides whether it is worth storing.
		recipients = append(recipients, addr{Address: normalize.AddressPlaceholder})
	}

	event := map[string]any{
		"messageId": messageID,
		"subject":   parsed.Headers["subject"],
		"envelope": map[string]any{
			"mailFrom":   addr{Address: normalize.ExtractAddress(parsed.Headers["from"])},
			"recipients": recipients,
		},
		"content": base64.StdEncoding.EncodeToString([]byte(raw)),
	}

	return json.Marshal(event)
}
