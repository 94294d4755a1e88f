// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package client talks to a running dashboard over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devfarm/devfarm/internal/environment"
	"github.com/devfarm/devfarm/internal/update"
	"github.com/devfarm/devfarm/internal/version"
)

// DefaultURL is the dashboard address used when none is given.
const DefaultURL = "http://localhost:5000"

// StatusError is a non-2xx answer from the dashboard.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
	}
	return e.Message
}

// Health is the /health payload.
type Health struct {
	Status            string `json:"status"`
	EnvironmentsCount int    `json:"environments_count"`
	RuntimeConnected  bool   `json:"runtime_connected"`
}

// Client is the dashboard API client used by the CLI.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

// New returns a client for baseURL; a bare host:port gets http://.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(EnsureScheme(baseURL), "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}
}

// SetRetryPolicy sets the retry policy for transient failures
func (c *Client) SetRetryPolicy(maxRetries int, delay time.Duration) {
	c.maxRetries = maxRetries
	c.retryDelay = delay
}

// BaseURL returns the normalized dashboard address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/health", &h)
	return h, err
}

func (c *Client) Environments(ctx context.Context) ([]environment.Summary, error) {
	var list []environment.Summary
	err := c.get(ctx, "/api/environments", &list)
	return list, err
}

// StartUpdate asks for an update run and returns its id. A run already in
// flight is reported as update.ErrAlreadyRunning.
func (c *Client) StartUpdate(ctx context.Context, force bool) (string, error) {
	var resp struct {
		Started bool   `json:"started"`
		RunID   string `json:"run_id"`
	}
	err := c.post(ctx, "/api/system/update/start", update.StartOptions{Force: force}, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return "", update.ErrAlreadyRunning
	}
	return resp.RunID, err
}

func (c *Client) UpdateStatus(ctx context.Context) (update.Progress, error) {
	var p update.Progress
	err := c.get(ctx, "/api/system/update/status", &p)
	return p, err
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doWithRetry(ctx, http.MethodGet, path, nil, result)
}

// post is never retried: the dashboard's POST endpoints are not idempotent.
func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.doRequest(ctx, http.MethodPost, path, body, result)
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, body, result any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		err := c.doRequest(ctx, method, path, body, result)
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't retry on client errors (4xx)
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if result != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	se := &StatusError{Code: statusCode}
	if err := json.Unmarshal(body, &errResp); err == nil {
		se.Message = errResp.Error
	}
	return se
}

// EnsureScheme adds http:// to a bare host.
func EnsureScheme(host string) string {
	if host == "" {
		return DefaultURL
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + host
}
