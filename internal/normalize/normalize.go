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

// Package normalize discriminates the heterogeneous upstream webhook shapes
// and produces one canonical EmailEvent. Classification is ordered — the
// shapes overlap, so the first matching branch wins. Classification is pure:
// no lookups, no side effects.
package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/phishguard/ingestion/internal/models"
)

// Rejection reasons carried by FormatError.
const (
	ReasonUnsupportedDirectEvent = "unsupported-direct-event"
	ReasonUnknownFormat          = "unknown-format"
	ReasonInvalidS3Enhanced      = "invalid-s3-enhanced"
	ReasonInvalidWorkMailFlow    = "invalid-workmail-flow"
	ReasonInvalidNotification    = "invalid-delivery-notification"
	ReasonInvalidJSON            = "invalid-json"
)

// FormatError reports an unrecognized or schema-invalid payload. It is fatal
// to the request: the caller must fix the shape, a retry cannot succeed.
type FormatError struct {
	Reason string
	Detail string
	// Keys lists the payload's top-level keys for operator diagnosis when
	// no branch matched.
	Keys []string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// sesMail is the `mail` block of an SES delivery notification.
type sesMail struct {
	MessageID     string   `json:"messageId"`
	Timestamp     string   `json:"timestamp"`
	Source        string   `json:"source"`
	Destination   []string `json:"destination"`
	CommonHeaders struct {
		From    []string `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
	} `json:"commonHeaders"`
}

// sesRecords is the provider-native delivery record envelope.
type sesRecords struct {
	Records []struct {
		EventSource string `json:"eventSource"`
		SES         struct {
			Mail    sesMail `json:"mail"`
			Receipt struct {
				Action struct {
					Type string `json:"type"`
				} `json:"action"`
			} `json:"receipt"`
		} `json:"ses"`
	} `json:"Records"`
}

// flowEvent covers both the S3-enhanced shape and the bare WorkMail
// Message Flow shape — they share the messageId/envelope skeleton and are
// told apart by the processingInfo block.
type flowEvent struct {
	MessageID string `json:"messageId"`
	Subject   string `json:"subject"`
	Envelope  *struct {
		MailFrom struct {
			Address string `json:"address"`
		} `json:"mailFrom"`
		Recipients []struct {
			Address string `json:"address"`
		} `json:"recipients"`
	} `json:"envelope"`
	FlowDirection  string `json:"flowDirection"`
	ExtractedBody  string `json:"extractedBody"`
	Content        string `json:"content"` // base64 raw MIME, optional
	Timestamp      string `json:"timestamp"`
	WorkMailOrgID  string `json:"workmailOrganizationId"`
	ProcessingInfo *struct {
		ExtractionMethod string          `json:"extractionMethod"`
		S3               json.RawMessage `json:"s3"`
	} `json:"processingInfo"`
}

// deliveryNotification is the SES notification shape the ingestion Lambda
// forwards verbatim.
type deliveryNotification struct {
	NotificationType string   `json:"notificationType"`
	Mail             *sesMail `json:"mail"`
}

// Classify maps an arbitrary webhook payload to a canonical EmailEvent.
// On failure it returns a *FormatError describing why.
func Classify(payload []byte) (*models.EmailEvent, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, &FormatError{Reason: ReasonInvalidJSON, Detail: "body is not a JSON object"}
	}

	// 1. Provider-native delivery records. These bypass the Lambda's body
	// extraction and must never be processed straight — unless the record
	// itself shows it already went through the Lambda receipt action.
	if _, ok := top["Records"]; ok {
		var rec sesRecords
		if err := json.Unmarshal(payload, &rec); err != nil || len(rec.Records) == 0 {
			return nil, &FormatError{Reason: ReasonUnknownFormat, Detail: "unparseable Records envelope", Keys: topKeys(top)}
		}
		first := rec.Records[0]
		if !strings.Contains(strings.ToLower(first.EventSource), "ses") {
			return nil, &FormatError{Reason: ReasonUnknownFormat, Detail: fmt.Sprintf("unsupported eventSource %q", first.EventSource), Keys: topKeys(top)}
		}
		if !strings.EqualFold(first.SES.Receipt.Action.Type, "Lambda") {
			return nil, &FormatError{
				Reason: ReasonUnsupportedDirectEvent,
				Detail: "direct SES delivery records are not accepted; route through the ingestion Lambda",
			}
		}
		return eventFromMail(&first.SES.Mail)
	}

	if f, ok := matchFlowEvent(payload, top); ok {
		// 2. S3-enhanced: the Lambda already pulled the body out of S3.
		if isS3Enhanced(f) {
			if f.MessageID == "" {
				return nil, &FormatError{Reason: ReasonInvalidS3Enhanced, Detail: "missing messageId"}
			}
			if f.Envelope == nil || len(f.Envelope.Recipients) == 0 {
				return nil, &FormatError{Reason: ReasonInvalidS3Enhanced, Detail: "missing envelope recipients"}
			}
			if strings.TrimSpace(f.ExtractedBody) == "" {
				return nil, &FormatError{Reason: ReasonInvalidS3Enhanced, Detail: "missing extractedBody"}
			}
			ev := eventFromFlow(f, models.SourceS3Enhanced)
			ev.ExtractedBody = f.ExtractedBody
			return ev, nil
		}

		// 3. Bare WorkMail Message Flow fallback: messageId + envelope, no
		// S3 block. Content may be absent entirely.
		if f.MessageID != "" && f.Envelope != nil {
			if len(f.Envelope.Recipients) == 0 {
				return nil, &FormatError{Reason: ReasonInvalidWorkMailFlow, Detail: "missing envelope recipients"}
			}
			ev := eventFromFlow(f, models.SourceWorkMailFlow)
			ev.RawBodyBase64 = f.Content
			return ev, nil
		}
	}

	// 4. SES delivery notification forwarded by the Lambda. Raw content
	// requires a follow-up mail-flow API fetch.
	if _, ok := top["notificationType"]; ok {
		var n deliveryNotification
		if err := json.Unmarshal(payload, &n); err != nil || n.Mail == nil {
			return nil, &FormatError{Reason: ReasonInvalidNotification, Detail: "missing mail block"}
		}
		return eventFromMail(n.Mail)
	}

	return nil, &FormatError{Reason: ReasonUnknownFormat, Keys: topKeys(top)}
}

// matchFlowEvent attempts to decode the shared WorkMail flow skeleton.
func matchFlowEvent(payload []byte, top map[string]json.RawMessage) (*flowEvent, bool) {
	if _, hasID := top["messageId"]; !hasID {
		if _, hasInfo := top["processingInfo"]; !hasInfo {
			return nil, false
		}
	}
	var f flowEvent
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, false
	}
	return &f, true
}

// isS3Enhanced reports whether the Lambda marked this event as having an
// S3-extracted body.
func isS3Enhanced(f *flowEvent) bool {
	if f.ProcessingInfo == nil {
		return false
	}
	if strings.Contains(strings.ToLower(f.ProcessingInfo.ExtractionMethod), "s3") {
		return true
	}
	return len(f.ProcessingInfo.S3) > 0 && string(f.ProcessingInfo.S3) != "null"
}

func eventFromFlow(f *flowEvent, format models.SourceFormat) *models.EmailEvent {
	recipients := make([]string, 0, len(f.Envelope.Recipients))
	for _, r := range f.Envelope.Recipients {
		if addr := ExtractAddress(r.Address); addr != AddressPlaceholder {
			recipients = append(recipients, addr)
		}
	}
	if len(recipients) == 0 {
		recipients = []string{AddressPlaceholder}
	}

	var dir models.Direction
	switch strings.ToUpper(f.FlowDirection) {
	case "INBOUND":
		dir = models.DirectionInbound
	case "OUTBOUND":
		dir = models.DirectionOutbound
	}

	return &models.EmailEvent{
		MessageID:     f.MessageID,
		Subject:       f.Subject,
		Sender:        ExtractAddress(f.Envelope.MailFrom.Address),
		Recipients:    recipients,
		TimestampUTC:  parseTimestamp(f.Timestamp),
		Direction:     dir,
		SourceFormat:  format,
		WorkMailOrgID: f.WorkMailOrgID,
	}
}

func eventFromMail(m *sesMail) (*models.EmailEvent, error) {
	if m.MessageID == "" {
		return nil, &FormatError{Reason: ReasonInvalidNotification, Detail: "missing mail.messageId"}
	}

	sender := ExtractAddress(m.Source)
	if sender == AddressPlaceholder && len(m.CommonHeaders.From) > 0 {
		sender = ExtractAddress(m.CommonHeaders.From[0])
	}

	recipients := ExtractAddresses(m.Destination)
	if len(recipients) == 0 {
		recipients = ExtractAddresses(m.CommonHeaders.To)
	}
	if len(recipients) == 0 {
		return nil, &FormatError{Reason: ReasonInvalidNotification, Detail: "no destination recipients"}
	}

	return &models.EmailEvent{
		MessageID:    m.MessageID,
		Subject:      m.CommonHeaders.Subject,
		Sender:       sender,
		Recipients:   recipients,
		TimestampUTC: parseTimestamp(m.Timestamp),
		SourceFormat: models.SourceLambdaSES,
	}, nil
}

func parseTimestamp(value string) time.Time {
	if value != "" {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func topKeys(top map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
