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

// Package config loads configuration from config.yaml and environment
// variables. Every setting has a documented default — absence of a value is
// never a hard startup failure.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	// Stores
	DatabaseURL string
	RedisURL    string

	// Tenant resolution
	DefaultOrgID string
	ServiceType  string
	Region       string

	// Collaborator services
	ThreatServiceURL string
	GraphServiceURL  string

	// Mail-flow API (raw content fetch for delivery notifications)
	MailflowAPIURL       string
	MailflowTokenURL     string
	MailflowClientID     string
	MailflowClientSecret string

	// Policy
	RequireMonitored bool
	AlwaysAnalyze    bool

	// Timeouts
	DetectionTimeout time.Duration
	FanoutTimeout    time.Duration

	// Fan-out queue
	ProcessedQueue string

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
		Queues struct {
			Processed string `yaml:"processed"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Tenant struct {
		DefaultOrgID string `yaml:"default_org_id"`
		ServiceType  string `yaml:"service_type"`
		Region       string `yaml:"region"`
	} `yaml:"tenant"`
	Services struct {
		Threat   string `yaml:"threat"`
		Graph    string `yaml:"graph"`
		Mailflow struct {
			URL          string `yaml:"url"`
			TokenURL     string `yaml:"token_url"`
			ClientID     string `yaml:"client_id"`
			ClientSecret string `yaml:"client_secret"`
		} `yaml:"mailflow"`
	} `yaml:"services"`
	Policy struct {
		RequireMonitored *bool `yaml:"require_monitored"`
		AlwaysAnalyze    *bool `yaml:"always_analyze"`
	} `yaml:"policy"`
}

// Load reads configuration from config.yaml (with env var expansion) when
// present, then applies environment variable overrides and defaults.
func Load() (*Config, error) {
	var raw rawConfig

	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")
	if data, err := os.ReadFile(configPath); err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		// A malformed file is ignored rather than fatal — env defaults
		// still produce a runnable config.
		_ = yaml.Unmarshal([]byte(expanded), &raw)
	}

	cfg := &Config{
		DatabaseURL:  firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/phishguard")),
		RedisURL:     firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		DefaultOrgID: firstNonEmpty(raw.Tenant.DefaultOrgID, envOrDefault("DEFAULT_ORG_ID", "default-org")),
		ServiceType:  firstNonEmpty(raw.Tenant.ServiceType, envOrDefault("SERVICE_TYPE", "aws-cognito")),
		Region:       firstNonEmpty(raw.Tenant.Region, envOrDefault("AWS_REGION", "us-east-1")),

		ThreatServiceURL: firstNonEmpty(raw.Services.Threat, envOrDefault("THREAT_SERVICE_URL", "http://threat-detection:8000")),
		GraphServiceURL:  firstNonEmpty(raw.Services.Graph, envOrDefault("GRAPH_SERVICE_URL", "http://graph-service:8000")),

		MailflowAPIURL:       firstNonEmpty(raw.Services.Mailflow.URL, envOrDefault("MAILFLOW_API_URL", "")),
		MailflowTokenURL:     firstNonEmpty(raw.Services.Mailflow.TokenURL, envOrDefault("MAILFLOW_TOKEN_URL", "")),
		MailflowClientID:     firstNonEmpty(raw.Services.Mailflow.ClientID, envOrDefault("MAILFLOW_CLIENT_ID", "")),
		MailflowClientSecret: firstNonEmpty(raw.Services.Mailflow.ClientSecret, envOrDefault("MAILFLOW_CLIENT_SECRET", "")),

		RequireMonitored: boolSetting(raw.Policy.RequireMonitored, "REQUIRE_MONITORED", true),
		AlwaysAnalyze:    boolSetting(raw.Policy.AlwaysAnalyze, "ALWAYS_ANALYZE", true),

		DetectionTimeout: envOrDefaultDuration("DETECTION_TIMEOUT", 90*time.Second),
		FanoutTimeout:    envOrDefaultDuration("FANOUT_TIMEOUT", 15*time.Second),

		ProcessedQueue: firstNonEmpty(raw.Redis.Queues.Processed, envOrDefault("PROCESSED_QUEUE", "processed-emails")),

		Port: envOrDefaultInt("PORT", 8080),
	}

	return cfg, nil
}

// boolSetting resolves a policy flag: env var wins, then YAML, then default.
func boolSetting(yamlValue *bool, envKey string, fallback bool) bool {
	if v := os.Getenv(envKey); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	if yamlValue != nil {
		return *yamlValue
	}
	return fallback
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
