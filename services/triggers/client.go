// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package triggers

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

	"github.com/SAIC-MONTREAL/SAGE/pkg/telemetry"
	"github.com/SAIC-MONTREAL/SAGE/services/conditions"
	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

// DefaultClientTimeout bounds one request to the trigger server.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx answer from the trigger server.
type APIError struct {
	Status   int
	Response ErrorResponse
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("trigger server returned %d", e.Status)
	if e.Response.Error != "" {
		msg += ": " + e.Response.Error
	}
	if e.Response.Details != "" {
		msg += " (" + e.Response.Details + ")"
	}
	return msg
}

// Is maps error codes back to the conditions sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Response.Code {
	case CodeUnknownRoutine:
		return target == conditions.ErrUnknownRoutine
	case CodeInvalidCondition:
		return target == conditions.ErrInvalidCondition
	case CodeInvalidRequest:
		return target == ErrInvalidMessage
	}
	return false
}

// Client calls a trigger server over HTTP.
//
// # Description
//
// Client is what agent tooling and the CLI use to register conditions and
// to poll for fired triggers. Trace context from ctx is propagated on every
// request.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL
// (e.g. "http://localhost:5797"). A nil httpClient uses a client with
// DefaultClientTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CheckTriggers pops the oldest fired trigger. ok is false when nothing is
// pending.
func (c *Client) CheckTriggers(ctx context.Context) (resp TriggerResponse, ok bool, err error) {
	if err := c.do(ctx, http.MethodGet, "/check_triggers", nil, &resp); err != nil {
		return TriggerResponse{}, false, err
	}
	return resp, resp.User != "" || resp.Command != "", nil
}

// TriggerManually injects a message into the server's buffer.
func (c *Client) TriggerManually(ctx context.Context, user, command string) error {
	msg := conditions.TriggerMessage{User: user, Command: command}
	return c.do(ctx, http.MethodPost, "/trigger_manually", msg, nil)
}

// AddCondition registers codes and rec on the server.
func (c *Client) AddCondition(ctx context.Context, codes map[string]conditions.CodeEntry, rec conditions.Record) error {
	return c.do(ctx, http.MethodPost, "/add_condition", AddConditionRequest{Code: codes, Condition: rec}, nil)
}

// RegisterCondition checks rec against codes locally and then calls
// AddCondition. Only the routine rec names is sent.
//
// # Outputs
//
//   - error: *conditions.UnknownRoutineError ("Unknown function: X") when
//     rec.FunctionName is not in codes. No request is made in that case.
func (c *Client) RegisterCondition(ctx context.Context, codes map[string]conditions.CodeEntry, rec conditions.Record) error {
	entry, ok := codes[rec.FunctionName]
	if !ok {
		return &conditions.UnknownRoutineError{Name: rec.FunctionName}
	}
	return c.AddCondition(ctx, map[string]conditions.CodeEntry{rec.FunctionName: entry}, rec)
}

// Reset clears all server side state.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/reset", nil, nil)
}

// Conditions returns the server's registry snapshot.
func (c *Client) Conditions(ctx context.Context) (conditions.Snapshot, error) {
	var snap conditions.Snapshot
	err := c.do(ctx, http.MethodGet, "/conditions", nil, &snap)
	return snap, err
}

// Health returns the server status.
func (c *Client) Health(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req = telemetry.PropagateToRequest(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(data, &apiErr.Response); err != nil || apiErr.Response.Error == "" {
			apiErr.Response.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := devicestate.DecodeJSON(resp.Body, out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s %s: empty response", method, path)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
