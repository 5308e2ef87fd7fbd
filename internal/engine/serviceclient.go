// Copyright 2026 The Forge Control Plane Authors
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

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/forgeline/controlplane/internal/workflow"
)

// HTTPServiceClient is the default workflow.ServiceClient collaborator: it
// resolves a serviceSlug to a base URL via ServiceDirectory and issues the
// resolved request with net/http. Grounded on the timeout/client-building
// idiom of internal/connector/http.New, narrowed to the fields a service
// step actually needs (no redirect/dialer security controls — those
// belong to the out-of-scope HTTP-framework collaborator fronting this
// engine, not to a step-to-service call this engine originates itself).
type HTTPServiceClient struct {
	Directory  ServiceDirectory
	HTTPClient *http.Client
}

// ServiceDirectory resolves a serviceSlug to the base URL and health
// status a service step's requireHealthy/allowDegraded gate and Do call
// need. A real deployment backs this with its service registry; tests and
// small deployments can use StaticServiceDirectory.
type ServiceDirectory interface {
	Resolve(ctx context.Context, serviceSlug string) (baseURL string, err error)
	Health(ctx context.Context, serviceSlug string) (workflow.ServiceHealth, error)
}

// StaticServiceDirectory resolves against a fixed slug->baseURL map and
// always reports healthy, useful for single-node deployments without a
// separate service registry.
type StaticServiceDirectory map[string]string

// Resolve implements ServiceDirectory.
func (d StaticServiceDirectory) Resolve(_ context.Context, serviceSlug string) (string, error) {
	baseURL, ok := d[serviceSlug]
	if !ok {
		return "", fmt.Errorf("engine: unknown service %q", serviceSlug)
	}
	return baseURL, nil
}

// Health implements ServiceDirectory, always reporting healthy — a static
// directory has no liveness signal of its own.
func (StaticServiceDirectory) Health(_ context.Context, _ string) (workflow.ServiceHealth, error) {
	return workflow.ServiceHealth{Healthy: true}, nil
}

// NewHTTPServiceClient builds a client with the given directory and a
// sane default timeout; pass a pre-configured *http.Client to override
// transport/timeout behavior.
func NewHTTPServiceClient(dir ServiceDirectory, client *http.Client) *HTTPServiceClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPServiceClient{Directory: dir, HTTPClient: client}
}

// Health implements workflow.ServiceClient.
func (c *HTTPServiceClient) Health(ctx context.Context, serviceSlug string) (workflow.ServiceHealth, error) {
	return c.Directory.Health(ctx, serviceSlug)
}

// Do implements workflow.ServiceClient, issuing req against the directory-
// resolved base URL joined with req.Path.
func (c *HTTPServiceClient) Do(ctx context.Context, req *workflow.ServiceRequest) (*workflow.ServiceResponse, error) {
	base, err := c.Directory.Resolve(ctx, req.ServiceSlug)
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid base URL for service %q: %w", req.ServiceSlug, err)
	}
	target.Path = target.Path + req.Path
	if len(req.Query) > 0 {
		q := target.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("engine: marshal request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("engine: build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := c.HTTPClient
	if req.Timeout > 0 {
		clientCopy := *client
		clientCopy.Timeout = req.Timeout
		client = &clientCopy
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine: service request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("engine: read response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded) // non-JSON bodies are reported as nil, not an error
	}

	return &workflow.ServiceResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       decoded,
	}, nil
}
