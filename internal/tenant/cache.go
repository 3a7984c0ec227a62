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
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// cacheTTL bounds staleness of the WorkMail org reverse lookup. Tenant
	// onboarding is rare, so ten minutes is generous.
	cacheTTL = 10 * time.Minute

	cacheKeyPrefix = "ingest:tenant:wm:"
)

// Cache is a read-through Redis cache for WorkMail-org-to-tenant lookups.
// All failures are soft: a broken cache degrades to direct store reads.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache creates a lookup cache backed by Redis.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, ttl: cacheTTL}
}

// Get returns the cached org id for a WorkMail organization id, or "" on
// miss or cache error.
func (c *Cache) Get(ctx context.Context, workmailOrgID string) string {
	if c == nil || c.rdb == nil {
		return ""
	}
	v, err := c.rdb.Get(ctx, cacheKeyPrefix+workmailOrgID).Result()
	if err != nil {
		return ""
	}
	return v
}

// Put stores a resolved mapping. Errors are ignored.
func (c *Cache) Put(ctx context.Context, workmailOrgID, orgID string) {
	if c == nil || c.rdb == nil || orgID == "" {
		return
	}
	c.rdb.Set(ctx, cacheKeyPrefix+workmailOrgID, orgID, c.ttl)
}
