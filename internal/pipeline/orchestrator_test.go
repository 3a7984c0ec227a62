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

package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phishguard/ingestion/internal/detect"
	"github.com/phishguard/ingestion/internal/models"
	"github.com/phishguard/ingestion/internal/tenant"
)

type stubStore struct {
	mu      sync.Mutex
	created []*models.EmailRecord
	exists  bool
	err     error
}

func (s *stubStore) Create(ctx context.Context, rec *models.EmailRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.exists {
		return false, nil
	}
	s.created = append(s.created, rec)
	return true, nil
}

func (s *stubStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type stubResolver struct {
	orgID        string
	anyMonitored bool
	userID       string
}

func (s *stubResolver) ResolveTenant(ctx context.Context, ev *models.EmailEvent) string {
	return s.orgID
}

func (s *stubResolver) Attribute(ctx context.Context, orgID string, ev *models.EmailEvent) tenant.Attribution {
	userID := s.userID
	if userID == "" && len(ev.Recipients) > 0 {
		userID = ev.Recipients[0]
	}
	dir := ev.Direction
	if dir == "" {
		dir = models.DirectionInbound
	}
	return tenant.Attribution{
		UserID:       userID,
		AnyMonitored: s.anyMonitored,
		Direction:    dir,
	}
}

type stubAnalyzer struct {
	mu     sync.Mutex
	calls  int
	reqs   []detect.Request
	err    error
	result *models.ThreatVerdict
}

func (s *stubAnalyzer) Analyze(ctx context.Context, req detect.Request) (*models.ThreatVerdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &models.ThreatVerdict{ThreatLevel: "none"}, nil
}

func (s *stubAnalyzer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubGraph struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubGraph) AddEmail(ctx context.Context, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubGraph) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubPublisher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubPublisher) PublishProcessedEmail(ctx context.Context, rec *models.EmailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

type stubFetcher struct {
	raw string
	err error
}

func (s *stubFetcher) FetchRawMessage(ctx context.Context, messageID string) (string, error) {
	return s.raw, s.err
}

const flowPayload = `{
	"messageId": "msg-100",
	"subject": "Status update",
	"envelope": {
		"mailFrom": {"address": "alice@example.com"},
		"recipients": [{"address": "bob@corp.example"}]
	},
	"flowDirection": "INBOUND",
	"extractedBody": "All systems nominal. Visit https://status.example for details.",
	"workmailOrganizationId": "m-42",
	"processingInfo": {"extractionMethod": "s3-enhanced"}
}`

func monitoredDeps(store *stubStore) Deps {
	return Deps{
		Records:  store,
		Resolver: &stubResolver{orgID: "acme", anyMonitored: true},
		Policy:   Policy{RequireMonitored: true, AlwaysAnalyze: true},
	}
}

// TestProcess_HappyPath verifies the full pipeline on a well-formed event.
func TestProcess_HappyPath(t *testing.T) {
	st := &stubStore{}
	an := &stubAnalyzer{}
	gr := &stubGraph{}
	pub := &stubPublisher{}

	deps := monitoredDeps(st)
	deps.Analyzer = an
	deps.Graph = gr
	deps.Publisher = pub

	out := New(deps).Process(context.Background(), []byte(flowPayload))

	if out.Status != StatusProcessed {
		t.Fatalf("status = %q (%s), want processed", out.Status, out.Error)
	}
	if out.HTTPStatus != http.StatusOK {
		t.Errorf("httpStatus = %d, want 200", out.HTTPStatus)
	}
	if out.MessageID != "msg-100" {
		t.Errorf("messageId = %q", out.MessageID)
	}
	if !out.ThreatsTriggered {
		t.Error("URL in body should trigger the threat signal")
	}
	if st.writes() != 1 {
		t.Fatalf("store writes = %d, want 1", st.writes())
	}
	rec := st.created[0]
	if rec.OrgID != "acme" || rec.UserID != "bob@corp.example" {
		t.Errorf("record attribution: org=%q user=%q", rec.OrgID, rec.UserID)
	}
	if rec.EmailID == "" {
		t.Error("emailID must be assigned")
	}
	if rec.Status != models.StatusReceived {
		t.Errorf("record status = %q", rec.Status)
	}
	if len(rec.URLs) != 1 || rec.URLs[0] != "https://status.example" {
		t.Errorf("record urls = %v", rec.URLs)
	}
	// fanOut blocks until complete, so the counts are settled here.
	if an.callCount() != 1 {
		t.Errorf("analyzer calls = %d, want 1", an.callCount())
	}
	if gr.callCount() != 1 {
		t.Errorf("graph calls = %d, want 1", gr.callCount())
	}
}

// TestProcess_Rejected verifies malformed payloads produce a 400 and zero
// writes.
func TestProcess_Rejected(t *testing.T) {
	st := &stubStore{}
	out := New(monitoredDeps(st)).Process(context.Background(), []byte(`{"foo": 1}`))

	if out.Status != StatusRejected {
		t.Fatalf("status = %q, want rejected", out.Status)
	}
	if out.HTTPStatus != http.StatusBadRequest {
		t.Errorf("httpStatus = %d, want 400", out.HTTPStatus)
	}
	if len(out.DetectedKeys) == 0 {
		t.Error("unknown-format rejection should echo the payload keys")
	}
	if st.writes() != 0 {
		t.Errorf("store writes = %d, want 0", st.writes())
	}
}

// TestProcess_PolicySkip verifies unmonitored traffic is skipped before any
// write or fan-out.
func TestProcess_PolicySkip(t *testing.T) {
	st := &stubStore{}
	an := &stubAnalyzer{}

	deps := Deps{
		Records:  st,
		Resolver: &stubResolver{orgID: "acme", anyMonitored: false},
		Analyzer: an,
		Policy:   Policy{RequireMonitored: true, AlwaysAnalyze: true},
	}

	out := New(deps).Process(context.Background(), []byte(flowPayload))

	if out.Status != StatusSkipped {
		t.Fatalf("status = %q, want skipped", out.Status)
	}
	if out.HTTPStatus != http.StatusOK {
		t.Errorf("httpStatus = %d, want 200", out.HTTPStatus)
	}
	if out.Reason != "no-monitored-users" {
		t.Errorf("reason = %q", out.Reason)
	}
	if st.writes() != 0 {
		t.Errorf("store writes = %d, want 0", st.writes())
	}
	if an.callCount() != 0 {
		t.Errorf("analyzer calls = %d, want 0", an.callCount())
	}
}

// TestProcess_PolicyDisabled verifies RequireMonitored=false ingests
// unmonitored traffic.
func TestProcess_PolicyDisabled(t *testing.T) {
	st := &stubStore{}
	deps := Deps{
		Records:  st,
		Resolver: &stubResolver{orgID: "acme", anyMonitored: false},
		Policy:   Policy{RequireMonitored: false},
	}

	out := New(deps).Process(context.Background(), []byte(flowPayload))

	if out.Status != StatusProcessed {
		t.Fatalf("status = %q, want processed", out.Status)
	}
	if st.writes() != 1 {
		t.Errorf("store writes = %d, want 1", st.writes())
	}
}

// TestProcess_Duplicate verifies redelivery resolves to duplicate_skipped
// with no fan-out.
func TestProcess_Duplicate(t *testing.T) {
	st := &stubStore{exists: true}
	an := &stubAnalyzer{}
	gr := &stubGraph{}

	deps := monitoredDeps(st)
	deps.Analyzer = an
	deps.Graph = gr

	out := New(deps).Process(context.Background(), []byte(flowPayload))

	if out.Status != StatusDuplicateSkipped {
		t.Fatalf("status = %q, want duplicate_skipped", out.Status)
	}
	if out.HTTPStatus != http.StatusOK {
		t.Errorf("httpStatus = %d, want 200", out.HTTPStatus)
	}
	if an.callCount() != 0 || gr.callCount() != 0 {
		t.Error("duplicates must not fan out")
	}
}

// TestProcess_StorageFailure verifies a failed write is the one 500 path.
func TestProcess_StorageFailure(t *testing.T) {
	st := &stubStore{err: errors.New("connection refused")}
	an := &stubAnalyzer{}

	deps := monitoredDeps(st)
	deps.Analyzer = an

	out := New(deps).Process(context.Background(), []byte(flowPayload))

	if out.Status != StatusError {
		t.Fatalf("status = %q, want error", out.Status)
	}
	if out.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("httpStatus = %d, want 500", out.HTTPStatus)
	}
	if out.Error != "storage failure" {
		t.Errorf("error = %q, internals must not leak", out.Error)
	}
	if an.callCount() != 0 {
		t.Error("no fan-out after a failed write")
	}
}

// TestProcess_FanOutIsolation verifies a failing analyzer cannot fail the
// request while the graph update still goes through.
func TestProcess_FanOutIsolation(t *testing.T) {
	st := &stubStore{}
	an := &stubAnalyzer{err: errors.New("detection service down")}
	gr := &stubGraph{}

	deps := monitoredDeps(st)
	deps.Analyzer = an
	deps.Graph = gr

	out := New(deps).Process(context.Background(), []byte(flowPayload))

	if out.Status != StatusProcessed {
		t.Fatalf("status = %q, want processed despite analyzer failure", out.Status)
	}
	if st.writes() != 1 {
		t.Errorf("store writes = %d, want 1", st.writes())
	}
	if gr.callCount() != 1 {
		t.Errorf("graph calls = %d, want 1", gr.callCount())
	}
}

// TestProcess_AllCollaboratorsFail verifies the record survives a total
// fan-out outage.
func TestProcess_AllCollaboratorsFail(t *testing.T) {
	st := &stubStore{}
	deps := monitoredDeps(st)
	deps.Analyzer = &stubAnalyzer{err: errors.New("down")}
	deps.Graph = &stubGraph{err: errors.New("down")}
	deps.Publisher = &stubPublisher{err: errors.New("down")}

	out := New(deps).Process(context.Background(), []byte(flowPayload))

	if out.Status != StatusProcessed {
		t.Fatalf("status = %q, want processed", out.Status)
	}
	if st.writes() != 1 {
		t.Errorf("store writes = %d, want 1", st.writes())
	}
}

// TestProcess_SelectiveAnalysis verifies AlwaysAnalyze=false only submits
// messages with a threat signal.
func TestProcess_SelectiveAnalysis(t *testing.T) {
	clean := `{
		"messageId": "msg-clean",
		"envelope": {"mailFrom": {"address": "a@b.c"}, "recipients": [{"address": "d@e.f"}]},
		"extractedBody": "See you at the meeting tomorrow.",
		"processingInfo": {"extractionMethod": "s3-enhanced"}
	}`

	st := &stubStore{}
	an := &stubAnalyzer{}
	deps := monitoredDeps(st)
	deps.Analyzer = an
	deps.Policy.AlwaysAnalyze = false

	out := New(deps).Process(context.Background(), []byte(clean))
	if out.Status != StatusProcessed {
		t.Fatalf("status = %q", out.Status)
	}
	if out.ThreatsTriggered {
		t.Error("clean body should carry no threat signal")
	}
	if an.callCount() != 0 {
		t.Errorf("analyzer calls = %d, want 0 for clean mail", an.callCount())
	}

	out = New(deps).Process(context.Background(), []byte(flowPayload))
	if out.Status != StatusProcessed {
		t.Fatalf("status = %q", out.Status)
	}
	if an.callCount() != 1 {
		t.Errorf("analyzer calls = %d, want 1 for flagged mail", an.callCount())
	}
}

// TestProcess_NotificationFetch verifies the delivery-notification path
// fetches and parses raw content.
func TestProcess_NotificationFetch(t *testing.T) {
	raw := "Subject: hi\nFrom: sender@example.com\n\nPlease verify account details now."
	fetcher := &stubFetcher{raw: base64.StdEncoding.EncodeToString([]byte(raw))}

	payload := `{
		"notificationType": "Received",
		"mail": {
			"messageId": "msg-200",
			"source": "sender@example.com",
			"destination": ["bob@corp.example"],
			"commonHeaders": {"subject": "hi"}
		}
	}`

	st := &stubStore{}
	deps := monitoredDeps(st)
	deps.Fetcher = fetcher

	out := New(deps).Process(context.Background(), []byte(payload))

	if out.Status != StatusProcessed {
		t.Fatalf("status = %q (%s)", out.Status, out.Error)
	}
	if st.writes() != 1 {
		t.Fatalf("store writes = %d", st.writes())
	}
	if !strings.Contains(st.created[0].Body, "verify account details") {
		t.Errorf("record body = %q, want fetched content", st.created[0].Body)
	}
}

// TestProcess_NotificationFetchFails verifies a fetch failure degrades to a
// placeholder body instead of failing ingestion.
func TestProcess_NotificationFetchFails(t *testing.T) {
	payload := `{
		"notificationType": "Received",
		"mail": {
			"messageId": "msg-201",
			"source": "sender@example.com",
			"destination": ["bob@corp.example"]
		}
	}`

	st := &stubStore{}
	deps := monitoredDeps(st)
	deps.Fetcher = &stubFetcher{err: errors.New("timeout")}

	out := New(deps).Process(context.Background(), []byte(payload))

	if out.Status != StatusProcessed {
		t.Fatalf("status = %q, fetch failures must not fail ingestion", out.Status)
	}
	if st.writes() != 1 {
		t.Fatalf("store writes = %d", st.writes())
	}
	if strings.TrimSpace(st.created[0].Body) == "" {
		t.Error("stored body must never be empty")
	}
}

// TestProcess_ReceivedAtDefaults verifies a missing upstream timestamp falls
// back to the ingestion time.
func TestProcess_ReceivedAtDefaults(t *testing.T) {
	st := &stubStore{}
	before := time.Now().UTC()

	out := New(monitoredDeps(st)).Process(context.Background(), []byte(flowPayload))
	if out.Status != StatusProcessed {
		t.Fatalf("status = %q", out.Status)
	}
	if rec := st.created[0]; rec.ReceivedAt.Before(before.Add(-time.Second)) {
		t.Errorf("receivedAt = %v, want ingestion time", rec.ReceivedAt)
	}
}
