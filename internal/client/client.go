// Copyright 2025 Tom Barlow
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

// Package client is a typed client for the edged workload API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tombee/edged/internal/config"
	"github.com/tombee/edged/internal/httputil"
	"github.com/tombee/edged/internal/module"
	"github.com/tombee/edged/internal/workload"
)

// Client talks to a running edged.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL sets the URL requests are sent to. The host part is ignored
// by the socket transport.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// New creates a client that reaches the daemon configured by cfg.
func New(cfg config.WorkloadConfig, opts ...Option) *Client {
	scheme := "http"
	if cfg.TCPAddr != "" && cfg.TLSCert != "" {
		scheme = "https"
	}
	c := &Client{
		baseURL: scheme + "://edged",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: NewTransport(cfg)}
	}
	return c
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("edged returned error %d: %s", e.Status, e.Message)
}

// Health checks that the daemon is serving.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// Version returns the daemon's build information.
func (c *Client) Version(ctx context.Context) (workload.VersionInfo, error) {
	var out workload.VersionInfo
	err := c.do(ctx, http.MethodGet, "/version", nil, &out)
	return out, err
}

// Modules lists the modules the runtime knows about.
func (c *Client) Modules(ctx context.Context) ([]module.Module, error) {
	var out struct {
		Modules []module.Module `json:"modules"`
	}
	err := c.do(ctx, http.MethodGet, "/modules", nil, &out)
	return out.Modules, err
}

// Module returns one module's status.
func (c *Client) Module(ctx context.Context, name string) (workload.ModuleStatus, error) {
	var out workload.ModuleStatus
	err := c.do(ctx, http.MethodGet, "/modules/"+url.PathEscape(name), nil, &out)
	return out, err
}

// Identity returns a module's identity.
func (c *Client) Identity(ctx context.Context, name string) (module.Identity, error) {
	var out module.Identity
	err := c.do(ctx, http.MethodGet, "/modules/"+url.PathEscape(name)+"/identity", nil, &out)
	return out, err
}

// Sign asks the daemon to sign data with the module's keyID key and returns
// the raw digest.
func (c *Client) Sign(ctx context.Context, name, generationID, keyID string, data []byte) ([]byte, error) {
	req := workload.SignRequest{
		KeyID: keyID,
		Algo:  workload.SignAlgorithm,
		Data:  base64.StdEncoding.EncodeToString(data),
	}
	path := fmt.Sprintf("/modules/%s/genid/%s/sign", url.PathEscape(name), url.PathEscape(generationID))

	var out workload.SignResponse
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	digest, err := base64.StdEncoding.DecodeString(out.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to decode digest: %w", err)
	}
	return digest, nil
}

// do sends a request with an optional JSON body and decodes a JSON reply.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", httputil.ContentTypeJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var doc httputil.ErrorDocument
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &doc) != nil || doc.Message == "" {
			doc.Message = string(bytes.TrimSpace(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: doc.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
