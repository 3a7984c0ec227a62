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

// Package models defines the data structures shared across the ingestion pipeline.
package models

import "time"

// SourceFormat identifies which upstream shape an event was normalized from.
// It determines which resolver and body-extraction path the pipeline runs.
type SourceFormat string

const (
	// SourceS3Enhanced is a Lambda-processed event whose body was already
	// extracted from the raw message stored in S3.
	SourceS3Enhanced SourceFormat = "s3-enhanced"

	// SourceWorkMailFlow is a WorkMail Message Flow event. It may carry
	// base64 raw content, or no content at all.
	SourceWorkMailFlow SourceFormat = "workmail-flow"

	// SourceLambdaSES is an SES delivery notification forwarded by the
	// ingestion Lambda. Raw content must be fetched from the mail-flow API.
	SourceLambdaSES SourceFormat = "lambda-ses"

	// SourceDirectSES is a provider-native SES delivery record posted
	// straight to the webhook. Always rejected — it bypasses the required
	// body extraction and duplicate prevention.
	SourceDirectSES SourceFormat = "direct-ses"
)

// Direction classifies mail flow relative to the monitored organization.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// EmailEvent is the canonical event produced by the normalizer.
//
// At most one of RawBodyBase64 / ExtractedBody is populated. When both are
// empty the pipeline substitutes a placeholder body.
type EmailEvent struct {
	MessageID     string       `json:"message_id"`
	Subject       string       `json:"subject"`
	Sender        string       `json:"sender"`
	Recipients    []string     `json:"recipients"`
	TimestampUTC  time.Time    `json:"timestamp_utc"`
	RawBodyBase64 string       `json:"raw_body_base64,omitempty"`
	ExtractedBody string       `json:"extracted_body,omitempty"`
	Direction     Direction    `json:"direction,omitempty"`
	SourceFormat  SourceFormat `json:"source_format"`

	// WorkMailOrgID is the upstream WorkMail organization id, when the
	// event carries one. Used for reverse tenant lookup.
	WorkMailOrgID string `json:"workmail_org_id,omitempty"`
}

// ParsedEmail is the best-effort result of raw MIME parsing. Body is always
// non-empty — a placeholder is substituted when nothing could be extracted.
type ParsedEmail struct {
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	BodyHTML string            `json:"body_html,omitempty"`
}

// Record status values. The pipeline only ever creates records in
// StatusReceived; later transitions belong to the detection and
// investigation subsystems.
const (
	StatusReceived = "received"
	StatusBlocked  = "blocked"
	StatusAllowed  = "allowed"
)

// EmailRecord is the persisted form of an ingested message. Uniqueness is
// enforced by the store on (UserID, MessageID).
type EmailRecord struct {
	UserID          string            `json:"user_id"`
	ReceivedAt      time.Time         `json:"received_at"`
	MessageID       string            `json:"message_id"`
	EmailID         string            `json:"email_id"`
	Sender          string            `json:"sender"`
	Recipients      []string          `json:"recipients"`
	Subject         string            `json:"subject"`
	Body            string            `json:"body"`
	BodyHTML        string            `json:"body_html,omitempty"`
	Direction       Direction         `json:"direction"`
	Size            int               `json:"size"`
	Status          string            `json:"status"`
	ThreatLevel     string            `json:"threat_level"`
	IsPhishing      bool              `json:"is_phishing"`
	FlaggedCategory string            `json:"flagged_category,omitempty"`
	URLs            []string          `json:"urls,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	OrgID           string            `json:"org_id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TenantConfig is the identity-provider configuration for one tenant.
// Read-only from this pipeline's perspective.
type TenantConfig struct {
	OrgID         string `json:"org_id"`
	ServiceType   string `json:"service_type"`
	Region        string `json:"region"`
	UserPoolID    string `json:"user_pool_id,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
	WorkMailOrgID string `json:"workmail_org_id,omitempty"`
}

// ThreatVerdict is the (defensively consumed) response from the threat
// detection service. Missing fields are tolerated and left at zero values.
type ThreatVerdict struct {
	ThreatLevel     string  `json:"threatLevel"`
	ThreatScore     float64 `json:"threatScore"`
	FlaggedCategory string  `json:"flaggedCategory"`
	IsPhishing      bool    `json:"isPhishing"`
	IsMalware       bool    `json:"isMalware"`
}
