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

// Package mailflow fetches raw message content from the mail-flow API.
// Only the delivery-notification path needs this — the other upstream
// shapes carry their content inline.
package mailflow

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2/clientcredentials"
)

// Config holds the mail-flow API connection settings.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Fetcher retrieves raw RFC-822 message bytes by message id.
type Fetcher struct {
	httpClient *http.Client
	baseURL    string
}

// NewFetcher creates a content fetcher. When client credentials are
// configured, requests carry an OAuth2 client-credentials token; otherwise
// a plain client is used (local development against a stub API).
func NewFetcher(ctx context.Context, cfg Config) *Fetcher {
	httpClient := http.DefaultClient
	if cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.TokenURL != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = creds.Client(ctx)
	}
	return &Fetcher{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
	}
}

// FetchRawMessage retrieves the raw content for a message id and returns it
// base64-encoded, fully buffered, ready for MIME parsing. Returns "" with
// a nil error when the message is gone (expired upstream retention).
func (f *Fetcher) FetchRawMessage(ctx context.Context, messageID string) (string, error) {
	if f.baseURL == "" {
		return "", fmt.Errorf("mail-flow API not configured")
	}

	reqURL := fmt.Sprintf("%s/messages/%s/content", f.baseURL, url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("build content request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch raw content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("raw message content not found (may have expired)",
			"message_id", messageID,
		)
		return "", nil
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mail-flow API returned HTTP %d for message %s", resp.StatusCode, messageID)
	}

	// The stream must be fully buffered before MIME parsing.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read raw content: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}
