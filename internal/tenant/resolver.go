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
	"log/slog"
	"sync"

	"github.com/phishguard/ingestion/internal/models"
)

// ConfigLookup is the subset of the config store the resolver needs.
type ConfigLookup interface {
	FindByWorkMailOrg(ctx context.Context, workmailOrgID, serviceType string) (*models.TenantConfig, error)
}

// EmployeeDirectory answers monitored-identity membership tests.
type EmployeeDirectory interface {
	IsMonitored(ctx context.Context, orgID, email string) (bool, error)
}

// Attribution is the filtering decision for one event: which identity owns
// the record and whether any participant is monitored.
type Attribution struct {
	UserID              string
	SenderMonitored     bool
	MonitoredRecipients []string
	AnyMonitored        bool
	Direction           models.Direction
}

// Resolver maps upstream organization identifiers to internal tenants and
// attributes events to monitored identities. Lookup failures never abort
// ingestion — they degrade to the default tenant and "not monitored".
type Resolver struct {
	configs      ConfigLookup
	employees    EmployeeDirectory
	cache        *Cache
	defaultOrgID string
	serviceType  string
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(configs ConfigLookup, employees EmployeeDirectory, cache *Cache, defaultOrgID, serviceType string) *Resolver {
	return &Resolver{
		configs:      configs,
		employees:    employees,
		cache:        cache,
		defaultOrgID: defaultOrgID,
		serviceType:  serviceType,
	}
}

// ResolveTenant determines the internal tenant id for an event. Events
// carrying a WorkMail organization id are reverse-looked-up (through the
// cache); everything else, including lookup misses and errors, falls back
// to the statically configured default tenant.
func (r *Resolver) ResolveTenant(ctx context.Context, ev *models.EmailEvent) string {
	if ev.WorkMailOrgID == "" {
		return r.defaultOrgID
	}

	if orgID := r.cache.Get(ctx, ev.WorkMailOrgID); orgID != "" {
		return orgID
	}

	cfg, err := r.configs.FindByWorkMailOrg(ctx, ev.WorkMailOrgID, r.serviceType)
	if err != nil {
		slog.Warn("tenant reverse lookup failed, using default tenant",
			"workmail_org", ev.WorkMailOrgID,
			"error", err,
		)
		return r.defaultOrgID
	}
	if cfg == nil {
		slog.Warn("no tenant configured for workmail org, using default tenant",
			"workmail_org", ev.WorkMailOrgID,
		)
		return r.defaultOrgID
	}

	r.cache.Put(ctx, ev.WorkMailOrgID, cfg.OrgID)
	return cfg.OrgID
}

// Attribute checks sender and all recipients against the monitored
// directory and selects the record's owning identity:
// the sender when monitored (outbound-attributable), else the first
// monitored recipient in list order, else the first recipient.
//
// Membership checks are issued concurrently — each is an independent read.
// A failed check counts as "not monitored" and is logged, never fatal.
func (r *Resolver) Attribute(ctx context.Context, orgID string, ev *models.EmailEvent) Attribution {
	monitored := make([]bool, 1+len(ev.Recipients))

	var wg sync.WaitGroup
	check := func(idx int, email string) {
		defer wg.Done()
		ok, err := r.employees.IsMonitored(ctx, orgID, email)
		if err != nil {
			slog.Warn("monitoring check failed, treating as not monitored",
				"org", orgID,
				"email", email,
				"error", err,
			)
			return
		}
		monitored[idx] = ok
	}

	wg.Add(1 + len(ev.Recipients))
	go check(0, ev.Sender)
	for i, rcpt := range ev.Recipients {
		go check(1+i, rcpt)
	}
	wg.Wait()

	att := Attribution{SenderMonitored: monitored[0]}
	for i, rcpt := range ev.Recipients {
		if monitored[1+i] {
			att.MonitoredRecipients = append(att.MonitoredRecipients, rcpt)
		}
	}
	att.AnyMonitored = att.SenderMonitored || len(att.MonitoredRecipients) > 0

	switch {
	case att.SenderMonitored:
		att.UserID = ev.Sender
	case len(att.MonitoredRecipients) > 0:
		att.UserID = att.MonitoredRecipients[0]
	case len(ev.Recipients) > 0:
		att.UserID = ev.Recipients[0]
	default:
		att.UserID = ev.Sender
	}

	att.Direction = ev.Direction
	if att.Direction == "" {
		if att.SenderMonitored {
			att.Direction = models.DirectionOutbound
		} else {
			att.Direction = models.DirectionInbound
		}
	}

	return att
}
