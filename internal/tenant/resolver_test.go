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

package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/phishguard/ingestion/internal/models"
)

// stubConfigs maps workmail org ids to tenant configs.
type stubConfigs struct {
	byWorkMail map[string]*models.TenantConfig
	err        error
}

func (s *stubConfigs) FindByWorkMailOrg(ctx context.Context, workmailOrgID, serviceType string) (*models.TenantConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byWorkMail[workmailOrgID], nil
}

// stubDirectory marks a fixed set of addresses as monitored.
type stubDirectory struct {
	monitored map[string]bool
	err       error
}

func (s *stubDirectory) IsMonitored(ctx context.Context, orgID, email string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.monitored[email], nil
}

func newTestResolver(configs ConfigLookup, dir EmployeeDirectory) *Resolver {
	return NewResolver(configs, dir, nil, "default-org", "aws-cognito")
}

// TestResolveTenant_ReverseLookup verifies the workmail org id path.
func TestResolveTenant_ReverseLookup(t *testing.T) {
	r := newTestResolver(&stubConfigs{
		byWorkMail: map[string]*models.TenantConfig{
			"m-123": {OrgID: "acme", ServiceType: "aws-cognito"},
		},
	}, &stubDirectory{})

	got := r.ResolveTenant(context.Background(), &models.EmailEvent{WorkMailOrgID: "m-123"})
	if got != "acme" {
		t.Errorf("tenant = %q, want acme", got)
	}
}

// TestResolveTenant_FallbackOnMiss verifies unknown org ids use the default.
func TestResolveTenant_FallbackOnMiss(t *testing.T) {
	r := newTestResolver(&stubConfigs{byWorkMail: map[string]*models.TenantConfig{}}, &stubDirectory{})

	got := r.ResolveTenant(context.Background(), &models.EmailEvent{WorkMailOrgID: "m-unknown"})
	if got != "default-org" {
		t.Errorf("tenant = %q, want default-org", got)
	}
}

// TestResolveTenant_FallbackOnError verifies lookup failures fail open to
// the default tenant.
func TestResolveTenant_FallbackOnError(t *testing.T) {
	r := newTestResolver(&stubConfigs{err: errors.New("store down")}, &stubDirectory{})

	got := r.ResolveTenant(context.Background(), &models.EmailEvent{WorkMailOrgID: "m-123"})
	if got != "default-org" {
		t.Errorf("tenant = %q, want default-org", got)
	}
}

// TestResolveTenant_NoUpstreamID verifies the direct default path.
func TestResolveTenant_NoUpstreamID(t *testing.T) {
	r := newTestResolver(&stubConfigs{}, &stubDirectory{})

	got := r.ResolveTenant(context.Background(), &models.EmailEvent{})
	if got != "default-org" {
		t.Errorf("tenant = %q, want default-org", got)
	}
}

// TestAttribute_SenderPreferred verifies a monitored sender owns the record
// even when recipients are monitored too.
func TestAttribute_SenderPreferred(t *testing.T) {
	r := newTestResolver(&stubConfigs{}, &stubDirectory{
		monitored: map[string]bool{"alice@corp.example": true, "bob@corp.example": true},
	})

	att := r.Attribute(context.Background(), "acme", &models.EmailEvent{
		Sender:     "alice@corp.example",
		Recipients: []string{"bob@corp.example", "ext@other.example"},
	})

	if att.UserID != "alice@corp.example" {
		t.Errorf("userID = %q, want the monitored sender", att.UserID)
	}
	if att.Direction != models.DirectionOutbound {
		t.Errorf("direction = %q, want outbound", att.Direction)
	}
	if !att.AnyMonitored {
		t.Error("anyMonitored should be true")
	}
}

// TestAttribute_FirstMonitoredRecipient verifies list-order recipient
// selection when the sender is external.
func TestAttribute_FirstMonitoredRecipient(t *testing.T) {
	r := newTestResolver(&stubConfigs{}, &stubDirectory{
		monitored: map[string]bool{"carol@corp.example": true},
	})

	att := r.Attribute(context.Background(), "acme", &models.EmailEvent{
		Sender:     "ext@other.example",
		Recipients: []string{"unmonitored@corp.example", "carol@corp.example"},
	})

	if att.UserID != "carol@corp.example" {
		t.Errorf("userID = %q, want first monitored recipient", att.UserID)
	}
	if att.Direction != models.DirectionInbound {
		t.Errorf("direction = %q, want inbound", att.Direction)
	}
}

// TestAttribute_NoneMonitored verifies the fallback to the first recipient.
func TestAttribute_NoneMonitored(t *testing.T) {
	r := newTestResolver(&stubConfigs{}, &stubDirectory{})

	att := r.Attribute(context.Background(), "acme", &models.EmailEvent{
		Sender:     "a@x.example",
		Recipients: []string{"b@y.example", "c@z.example"},
	})

	if att.AnyMonitored {
		t.Error("anyMonitored should be false")
	}
	if att.UserID != "b@y.example" {
		t.Errorf("userID = %q, want first recipient", att.UserID)
	}
}

// TestAttribute_ChecksFailOpen verifies directory failures count as "not
// monitored" instead of aborting.
func TestAttribute_ChecksFailOpen(t *testing.T) {
	r := newTestResolver(&stubConfigs{}, &stubDirectory{err: errors.New("directory down")})

	att := r.Attribute(context.Background(), "acme", &models.EmailEvent{
		Sender:     "alice@corp.example",
		Recipients: []string{"bob@corp.example"},
	})

	if att.AnyMonitored {
		t.Error("failed checks must resolve to not monitored")
	}
	if att.UserID != "bob@corp.example" {
		t.Errorf("userID = %q, want first recipient fallback", att.UserID)
	}
}

// TestAttribute_EventDirectionPreserved verifies an upstream-provided
// direction is not overridden.
func TestAttribute_EventDirectionPreserved(t *testing.T) {
	r := newTestResolver(&stubConfigs{}, &stubDirectory{
		monitored: map[string]bool{"alice@corp.example": true},
	})

	att := r.Attribute(context.Background(), "acme", &models.EmailEvent{
		Sender:     "alice@corp.example",
		Recipients: []string{"b@y.example"},
		Direction:  models.DirectionInbound,
	})

	if att.Direction != models.DirectionInbound {
		t.Errorf("direction = %q, upstream value must win", att.Direction)
	}
}
