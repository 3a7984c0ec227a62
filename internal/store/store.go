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

// Package store persists ingested email records in Postgres. The
// conditional create on (user_id, message_id) is the pipeline's sole
// deduplication mechanism — upstream redelivery of the same message id is
// an idempotent no-op, not an error.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phishguard/ingestion/internal/models"
)

// EmailStore provides conditional-create access to email records. The
// pipeline never updates or deletes — later transitions belong to the
// detection and investigation subsystems.
type EmailStore struct {
	pool *pgxpool.Pool
}

// NewEmailStore creates the store and ensures its schema.
func NewEmailStore(ctx context.Context, pool *pgxpool.Pool) (*EmailStore, error) {
	s := &EmailStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure email record schema: %w", err)
	}
	slog.Info("email record store initialised")
	return s, nil
}

func (s *EmailStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_records (
			user_id          TEXT NOT NULL,
			received_at      TIMESTAMPTZ NOT NULL,
			message_id       TEXT NOT NULL,
			email_id         TEXT NOT NULL,
			org_id           TEXT NOT NULL,
			sender           TEXT NOT NULL,
			recipients       TEXT[] NOT NULL,
			subject          TEXT DEFAULT '',
			body             TEXT NOT NULL,
			body_html        TEXT DEFAULT '',
			direction        TEXT NOT NULL,
			size             INTEGER DEFAULT 0,
			status           TEXT DEFAULT 'received',
			threat_level     TEXT DEFAULT 'none',
			is_phishing      BOOLEAN DEFAULT FALSE,
			flagged_category TEXT DEFAULT '',
			urls             TEXT[] DEFAULT '{}',
			headers          JSONB DEFAULT '{}',
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (user_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_email_records_received ON email_records(user_id, received_at);
		CREATE INDEX IF NOT EXISTS idx_email_records_org ON email_records(org_id);
	`)
	return err
}

// Create inserts a record if no record with the same (userID, messageID)
// exists. Returns false with a nil error when the record already existed —
// the caller reports duplicate_skipped, never retries.
func (s *EmailStore) Create(ctx context.Context, rec *models.EmailRecord) (bool, error) {
	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		headersJSON = []byte(`{}`)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO email_records
			(user_id, received_at, message_id, email_id, org_id, sender, recipients,
			 subject, body, body_html, direction, size, status, threat_level,
			 is_phishing, flagged_category, urls, headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (user_id, message_id) DO NOTHING
	`,
		rec.UserID, rec.ReceivedAt, rec.MessageID, rec.EmailID, rec.OrgID,
		rec.Sender, rec.Recipients, rec.Subject, rec.Body, rec.BodyHTML,
		string(rec.Direction), rec.Size, rec.Status, rec.ThreatLevel,
		rec.IsPhishing, rec.FlaggedCategory, rec.URLs, headersJSON,
	)
	if err != nil {
		return false, fmt.Errorf("insert email record: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}
