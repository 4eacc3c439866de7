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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

// DefaultAPIHost is the device API host that agent-authored code calls.
const DefaultAPIHost = "api.smartthings.com"

// ErrUnroutable is returned for URLs outside the simulated device API.
var ErrUnroutable = errors.New("url is not routable to the device API")

// Transport answers device API calls in process, without a network hop.
// Sandboxed condition code reaches device state only through it.
//
// # Thread Safety
//
// Safe for concurrent use.
type Transport struct {
	in    *Interpreter
	hosts map[string]bool
}

// NewTransport creates a Transport over in. Absolute URLs must name one of
// hosts (DefaultAPIHost when none are given). Relative URLs such as
// "/v1/devices/light-1/status" are always accepted.
func NewTransport(in *Interpreter, hosts ...string) *Transport {
	if len(hosts) == 0 {
		hosts = []string{DefaultAPIHost}
	}
	allowed := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		allowed[strings.ToLower(h)] = true
	}
	return &Transport{in: in, hosts: allowed}
}

// Do performs one device API request for sessionID.
//
// # Inputs
//
//   - method: "GET" or "POST" (case-insensitive).
//   - rawURL: Absolute device API URL or a path starting with /v1.
//   - body: JSON request body for POST, nil otherwise.
//
// # Outputs
//
//   - Response: The same status and body the HTTP routes answer with.
//   - error: ErrUnroutable for foreign URLs or unknown routes, otherwise
//     an infrastructure failure.
func (t *Transport) Do(ctx context.Context, sessionID, method, rawURL string, body []byte) (Response, error) {
	segments, err := t.route(rawURL)
	if err != nil {
		return Response{}, err
	}
	method = strings.ToUpper(method)

	var logged any
	var req CommandRequest
	if method == http.MethodPost && len(body) > 0 {
		if err := devicestate.DecodeJSON(bytes.NewReader(body), &req); err != nil {
			return failure(invalidCommand("invalid request body: %v", err)).Response(), nil
		}
		logged = req
	}
	t.in.LogRequest(ctx, sessionID, strings.ToLower(method), rawURL, logged)

	switch {
	case method == http.MethodGet && len(segments) == 1:
		return t.in.GetDevicesResponse(ctx, sessionID)
	case method == http.MethodGet && len(segments) == 2:
		return t.in.GetDeviceResponse(ctx, sessionID, segments[1])
	case method == http.MethodGet && len(segments) == 3 && segments[2] == "status":
		return t.in.GetDeviceResponse(ctx, sessionID, segments[1])
	case method == http.MethodGet && len(segments) == 7 &&
		segments[2] == "components" && segments[4] == "capabilities" && segments[6] == "status":
		return t.in.GetCapabilityResponse(ctx, sessionID, segments[1], segments[3], segments[5])
	case method == http.MethodPost && len(segments) == 3 && segments[2] == "commands":
		return t.in.PostCommandsResponse(ctx, sessionID, segments[1], req)
	}
	return Response{}, fmt.Errorf("%w: %s %s", ErrUnroutable, method, rawURL)
}

// route validates the URL and returns its path segments after /v1,
// starting with "devices".
func (t *Transport) route(rawURL string) ([]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnroutable, err)
	}
	if u.Host != "" && !t.hosts[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("%w: host %s", ErrUnroutable, u.Hostname())
	}
	path := strings.Trim(u.Path, "/")
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[0] != "v1" || segments[1] != "devices" {
		return nil, fmt.Errorf("%w: path %s", ErrUnroutable, u.Path)
	}
	for _, s := range segments[1:] {
		if s == "" {
			return nil, fmt.Errorf("%w: path %s", ErrUnroutable, u.Path)
		}
	}
	return segments[1:], nil
}
