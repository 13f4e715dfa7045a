// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api is the device agent's HTTP client for the update server.
package api

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

	"github.com/bundlenudge/bundlenudge/pkg/protocol"
)

var (
	// ErrMAULimitExceeded is returned when the server answers 403
	// MAU_LIMIT_EXCEEDED.
	ErrMAULimitExceeded = errors.New("monthly active user limit exceeded")

	// ErrServer is returned for other non-success responses.
	ErrServer = errors.New("update server error")

	// ErrMalformedResponse is returned when a 200 body cannot be used.
	ErrMalformedResponse = errors.New("malformed update server response")
)

const (
	checkPath     = "/v1/updates/check"
	telemetryPath = "/v1/telemetry"

	maxResponseBytes = 1 << 20
)

// Client talks to the update server.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		userAgent: "bundlenudge-agent",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check asks whether an update is available for the device.
//
// # Outputs
//
//   - protocol.CheckResponse: The decoded 200 body. When UpdateAvailable is
//     true, Release is non-nil with a version, hash and download URL.
//   - error: ErrMAULimitExceeded, ErrServer, ErrMalformedResponse, or a
//     transport error.
func (c *Client) Check(ctx context.Context, req protocol.CheckRequest) (protocol.CheckResponse, error) {
	var out protocol.CheckResponse
	resp, err := c.post(ctx, checkPath, req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return out, fmt.Errorf("read check response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return out, statusError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return protocol.CheckResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if out.UpdateAvailable {
		r := out.Release
		if r == nil || r.Version == "" || r.Hash == "" || r.DownloadURL == "" {
			return protocol.CheckResponse{}, fmt.Errorf("%w: update offered without release details", ErrMalformedResponse)
		}
	}
	return out, nil
}

// SendEvent posts one telemetry event and waits for the response.
func (c *Client) SendEvent(ctx context.Context, ev protocol.TelemetryEvent) error {
	resp, err := c.post(ctx, telemetryPath, ev)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return statusError(resp.StatusCode, body)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	return resp, nil
}

func statusError(status int, body []byte) error {
	var e protocol.ErrorResponse
	_ = json.Unmarshal(body, &e)
	if status == http.StatusForbidden && e.Error == protocol.ErrCodeMAULimitExceeded {
		return ErrMAULimitExceeded
	}
	if e.Error != "" {
		return fmt.Errorf("%w: HTTP %d %s: %s", ErrServer, status, e.Error, e.Message)
	}
	return fmt.Errorf("%w: HTTP %d", ErrServer, status)
}
