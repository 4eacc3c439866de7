// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package smartthings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SAIC-MONTREAL/SAGE/pkg/telemetry"
	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

// DefaultClientTimeout bounds one request to the device API.
const DefaultClientTimeout = 10 * time.Second

// SessionError is a non-2xx answer from a session administration route.
type SessionError struct {
	Status   int
	Response ErrorResponse
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("device API returned %d", e.Status)
	if e.Response.Error != "" {
		msg += ": " + e.Response.Error
	}
	if e.Response.Details != "" {
		msg += " (" + e.Response.Details + ")"
	}
	return msg
}

// Is maps error codes back to the devicestate sentinels.
func (e *SessionError) Is(target error) bool {
	switch e.Response.Code {
	case "SESSION_NOT_FOUND":
		return target == devicestate.ErrNotFound
	case "INVALID_SESSION", "MISSING_SESSION":
		return target == devicestate.ErrInvalidSession
	}
	return false
}

// Client calls a served device API over HTTP.
//
// Device routes answer like the real cloud API: a non-2xx status is a
// Response, not an error. Session administration routes return
// *SessionError instead.
type Client struct {
	baseURL    string
	session    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL acting on session.
// A nil httpClient uses a client with DefaultClientTimeout.
func NewClient(baseURL, session string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    session,
		httpClient: httpClient,
	}
}

// Devices lists the session's devices.
func (c *Client) Devices(ctx context.Context) (Response, error) {
	return c.device(ctx, http.MethodGet, "/v1/devices", nil)
}

// DeviceStatus returns every component of deviceID.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (Response, error) {
	return c.device(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID)+"/status", nil)
}

// CapabilityStatus returns one capability of one component.
func (c *Client) CapabilityStatus(ctx context.Context, deviceID, component, capability string) (Response, error) {
	path := fmt.Sprintf("/v1/devices/%s/components/%s/capabilities/%s/status",
		url.PathEscape(deviceID), url.PathEscape(component), url.PathEscape(capability))
	return c.device(ctx, http.MethodGet, path, nil)
}

// Execute posts commands to deviceID.
func (c *Client) Execute(ctx context.Context, deviceID string, req CommandRequest) (Response, error) {
	return c.device(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(deviceID)+"/commands", req)
}

// State returns the device tree of sessionID.
func (c *Client) State(ctx context.Context, sessionID string) (devicestate.Tree, error) {
	var tree devicestate.Tree
	err := c.admin(ctx, http.MethodGet, sessionPath(sessionID, "/state"), nil, &tree)
	return tree, err
}

// SetState replaces the device tree of sessionID.
func (c *Client) SetState(ctx context.Context, sessionID string, tree devicestate.Tree) error {
	return c.admin(ctx, http.MethodPut, sessionPath(sessionID, "/state"), tree, nil)
}

// DeleteSession removes the tree and log of sessionID.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.admin(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil)
}

// Logs returns the session log of sessionID, oldest first.
func (c *Client) Logs(ctx context.Context, sessionID string) ([]devicestate.LogEntry, error) {
	var body struct {
		Logs []devicestate.LogEntry `json:"logs"`
	}
	err := c.admin(ctx, http.MethodGet, sessionPath(sessionID, "/logs"), nil, &body)
	return body.Logs, err
}

func sessionPath(sessionID, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID) + suffix
}

func (c *Client) device(ctx context.Context, method, path string, in any) (Response, error) {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	out := Response{Status: resp.StatusCode, Code: resp.Header.Get("X-Error-Code")}
	if err := devicestate.DecodeJSON(resp.Body, &out.Body); err != nil && !errors.Is(err, io.EOF) {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) admin(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sessErr := &SessionError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(data, &sessErr.Response); err != nil || sessErr.Response.Error == "" {
			sessErr.Response.Error = strings.TrimSpace(string(data))
		}
		return sessErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := devicestate.DecodeJSON(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.session != "" {
		req.Header.Set(SessionHeader, c.session)
	}
	req = telemetry.PropagateToRequest(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
