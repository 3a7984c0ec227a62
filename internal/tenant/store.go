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

// Package tenant maps upstream organization identifiers to internal tenant
// ids and answers whether an address is a monitored identity within a
// tenant. Both stores are read-only from the pipeline's perspective —
// provisioning happens in the admin console, out of scope here.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phishguard/ingestion/internal/models"
)

// ConfigStore reads identity-provider configuration per tenant from Postgres.
type ConfigStore struct {
	pool *pgxpool.Pool
}

// NewConfigStore creates a tenant config store and ensures its schema.
func NewConfigStore(ctx context.Context, pool *pgxpool.Pool) (*ConfigStore, error) {
	s := &ConfigStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure tenant config schema: %w", err)
	}
	slog.Info("tenant config store initialised")
	return s, nil
}

func (s *ConfigStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_configs (
			org_id          TEXT NOT NULL,
			service_type    TEXT NOT NULL,
			region          TEXT DEFAULT '',
			user_pool_id    TEXT DEFAULT '',
			client_id       TEXT DEFAULT '',
			client_secret   TEXT DEFAULT '',
			workmail_org_id TEXT DEFAULT '',
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (org_id, service_type)
		);
		CREATE INDEX IF NOT EXISTS idx_tenant_workmail ON tenant_configs(workmail_org_id);
	`)
	return err
}

// GetByOrg performs a point read by (orgID, serviceType). Returns nil when
// no config exists.
func (s *ConfigStore) GetByOrg(ctx context.Context, orgID, serviceType string) (*models.TenantConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT org_id, service_type, region, user_pool_id, client_id, client_secret, workmail_org_id
		FROM tenant_configs
		WHERE org_id = $1 AND service_type = $2
	`, orgID, serviceType)
	return scanConfig(row)
}

// FindByWorkMailOrg reverse-looks-up the tenant owning an upstream WorkMail
// organization id. Returns nil on miss.
func (s *ConfigStore) FindByWorkMailOrg(ctx context.Context, workmailOrgID, serviceType string) (*models.TenantConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT org_id, service_type, region, user_pool_id, client_id, client_secret, workmail_org_id
		FROM tenant_configs
		WHERE workmail_org_id = $1 AND service_type = $2
		LIMIT 1
	`, workmailOrgID, serviceType)
	return scanConfig(row)
}

// Ping performs the bounded read used by the health probe.
func (s *ConfigStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM tenant_configs LIMIT 1`).Scan(&one)
	if err == pgx.ErrNoRows {
		// An empty table is still a healthy store.
		return nil
	}
	return err
}

func scanConfig(row pgx.Row) (*models.TenantConfig, error) {
	var c models.TenantConfig
	err := row.Scan(
		&c.OrgID, &c.ServiceType, &c.Region, &c.UserPoolID,
		&c.ClientID, &c.ClientSecret, &c.WorkMailOrgID,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EmployeeStore answers monitored-identity membership tests from Postgres.
type EmployeeStore struct {
	pool *pgxpool.Pool
}

// NewEmployeeStore creates the monitored employee store and ensures its schema.
func NewEmployeeStore(ctx context.Context, pool *pgxpool.Pool) (*EmployeeStore, error) {
	s := &EmployeeStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure monitored employee schema: %w", err)
	}
	slog.Info("monitored employee store initialised")
	return s, nil
}

func (s *EmployeeStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS monitored_employees (
			org_id     TEXT NOT NULL,
			email      TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (org_id, email)
		);
	`)
	return err
}

// IsMonitored reports whether the address is a monitored identity within
// the tenant. Existence-only semantics.
func (s *EmployeeStore) IsMonitored(ctx context.Context, orgID, email string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM monitored_employees WHERE org_id = $1 AND email = $2
	`, orgID, email).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
