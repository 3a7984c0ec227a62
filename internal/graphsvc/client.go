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

// Package graphsvc is the fire-and-forget client for the graph database
// service. The response is ignored beyond logging.
package graphsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client posts graph update actions.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a graph update client.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
	}
}

// updateRequest is the graph service's action envelope.
type updateRequest struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// AddEmail records an ingested email in the relationship graph.
func (c *Client) AddEmail(ctx context.Context, data map[string]any) error {
	body, err := json.Marshal(updateRequest{Action: "add_email", Data: data})
	if err != nil {
		return fmt.Errorf("marshal graph update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/update", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build graph update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph update call: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("graph service returned HTTP %d", resp.StatusCode)
	}

	return nil
}
