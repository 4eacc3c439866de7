// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package smartthings simulates the SmartThings device REST API on top of
// a devicestate.Store.
//
// The Interpreter is a table-driven state machine keyed by capability id.
// It is the single write path for device trees: the gin routes in this
// package, the in-process Transport used by sandboxed condition code, and
// the CLI all go through it, so every caller sees the same validation.
//
// Failures are returned as data (Result, Response) rather than Go errors.
// A Go error from this package always means the infrastructure failed
// (store unreachable, context cancelled).
package smartthings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
	"github.com/SAIC-MONTREAL/SAGE/services/observability"
)

// errUnchanged aborts a store update when no command mutated the tree.
var errUnchanged = errors.New("device tree unchanged")

// Options configures an Interpreter.
type Options struct {
	// RateLimit is the sustained commands per second allowed per session.
	// Zero disables rate limiting.
	RateLimit float64

	// Burst is the limiter's bucket size. Defaults to 1 when RateLimit is set.
	Burst int

	// AuditLog appends every device API request and command outcome to
	// the session log.
	AuditLog bool

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Now overrides the clock used for attribute timestamps.
	Now func() time.Time
}

// Interpreter applies device commands to session trees.
//
// # Thread Safety
//
// Safe for concurrent use. Each request is applied through a single
// Store.Update, so concurrent requests on one session serialize in the
// store and never interleave partially.
type Interpreter struct {
	store    devicestate.Store
	limiter  *sessionLimiter
	auditLog bool
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewInterpreter creates an Interpreter over store.
func NewInterpreter(store devicestate.Store, opts Options) *Interpreter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	in := &Interpreter{
		store:    store,
		auditLog: opts.AuditLog,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "smartthings"),
		now:      now,
	}
	if opts.RateLimit > 0 {
		in.limiter = newSessionLimiter(rate.Limit(opts.RateLimit), opts.Burst)
	}
	return in
}

// Store returns the backing store.
func (in *Interpreter) Store() devicestate.Store {
	return in.store
}

// Apply validates and applies a command request to one device.
//
// # Description
//
// Commands are applied in order to a private deep copy of the session's
// tree. If every command succeeds and at least one mutated state, the
// copy replaces the stored tree in one atomic update. If any command
// fails, nothing is written and the failure is returned as a Result.
//
// # Inputs
//
//   - ctx: Cancellation for the store round trip.
//   - sessionID: Session whose tree is addressed.
//   - deviceID: Target device.
//   - commands: One or more commands. Empty Component means "main".
//
// # Outputs
//
//   - Result: Success, or a structured failure (validation, not found,
//     domain, not supported, rate limited).
//   - error: Infrastructure failure only.
func (in *Interpreter) Apply(ctx context.Context, sessionID, deviceID string, commands []Command) (Result, error) {
	req := CommandRequest{Commands: commands}
	if err := req.Validate(); err != nil {
		res := failure(invalidCommand("malformed command request: %v", err))
		in.metrics.RecordDeviceCommand("", KindValidation.String())
		return res, nil
	}
	if in.limiter != nil && !in.limiter.Allow(sessionID) {
		in.metrics.RecordDeviceCommand("", KindRateLimited.String())
		return failure(rateLimited()), nil
	}

	var (
		cmdErr    *CommandError
		failedCap string
		mutated   bool
	)
	now := in.now()
	tree, err := in.store.Update(ctx, sessionID, func(tree devicestate.Tree) (devicestate.Tree, error) {
		// Update may retry on conflict; reset per attempt.
		cmdErr, failedCap, mutated = nil, "", false

		device, ok := tree[deviceID]
		if !ok {
			cmdErr = errNoSuchDevice
			return nil, cmdErr
		}
		for _, cmd := range commands {
			changed, e := applyCommand(device, cmd, now)
			if e != nil {
				cmdErr, failedCap = e, cmd.Capability
				return nil, cmdErr
			}
			mutated = mutated || changed
		}
		if !mutated {
			return nil, errUnchanged
		}
		return tree, nil
	})

	var result Result
	switch {
	case cmdErr != nil:
		result = failure(cmdErr)
		in.metrics.RecordDeviceCommand(failedCap, cmdErr.Kind.String())
	case errors.Is(err, errUnchanged):
		current, getErr := in.store.Get(ctx, sessionID)
		if getErr != nil {
			return Result{}, getErr
		}
		result = success(current)
		in.recordSuccess(commands)
	case errors.Is(err, devicestate.ErrNotFound):
		result = failure(notFound(CodeUnknownDevice, "no device state for session %s", sessionID))
		in.metrics.RecordDeviceCommand("", KindNotFound.String())
	case errors.Is(err, devicestate.ErrInvalidSession):
		return failure(invalidArgument("%v", err)), nil
	case err != nil:
		return Result{}, fmt.Errorf("apply commands: %w", err)
	default:
		result = success(tree)
		in.recordSuccess(commands)
	}

	in.logger.Debug("device commands applied",
		slog.String("session_id", sessionID),
		slog.String("device_id", deviceID),
		slog.Int("commands", len(commands)),
		slog.Int("status", result.Status))
	in.appendLog(ctx, sessionID, deviceID, commands, result)
	return result, nil
}

// ApplyOne applies a single command. It is Apply with one entry.
func (in *Interpreter) ApplyOne(ctx context.Context, sessionID, deviceID, component, capability, command string, args ...any) (Result, error) {
	return in.Apply(ctx, sessionID, deviceID, []Command{{
		Component:  component,
		Capability: capability,
		Command:    command,
		Arguments:  args,
	}})
}

func (in *Interpreter) recordSuccess(commands []Command) {
	for _, cmd := range commands {
		in.metrics.RecordDeviceCommand(cmd.Capability, "success")
	}
}

func (in *Interpreter) appendLog(ctx context.Context, sessionID, deviceID string, commands []Command, result Result) {
	if !in.auditLog {
		return
	}
	entry := devicestate.LogEntry{
		Kind: devicestate.LogKindCommand,
		Data: map[string]any{
			"device_id": deviceID,
			"commands":  commands,
			"status":    result.Status,
			"messages":  result.Messages,
		},
	}
	if err := in.store.AddLog(ctx, sessionID, entry); err != nil && !errors.Is(err, devicestate.ErrInvalidSession) {
		in.logger.Warn("failed to append command log",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// LogRequest records a device API request in the session log when audit
// logging is enabled. Failures are logged and otherwise ignored.
func (in *Interpreter) LogRequest(ctx context.Context, sessionID, method, url string, body any) {
	if !in.auditLog {
		return
	}
	data := map[string]any{"method": method, "url": url}
	if body != nil {
		data["body"] = body
	}
	err := in.store.AddLog(ctx, sessionID, devicestate.LogEntry{Kind: devicestate.LogKindRequest, Data: data})
	if err != nil && !errors.Is(err, devicestate.ErrInvalidSession) {
		in.logger.Warn("failed to append request log",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// applyCommand dispatches one command against device. It reports whether
// the device changed.
func applyCommand(device devicestate.Device, cmd Command, now time.Time) (bool, *CommandError) {
	componentID := cmd.Component
	if componentID == "" {
		componentID = DefaultComponent
	}
	component, ok := device[componentID]
	if !ok {
		return false, notFound(CodeUnsupportedComponent, "The component %s is not supported.", componentID)
	}

	spec, ok := capabilityTable[cmd.Capability]
	if !ok {
		return false, notSupported()
	}
	c := &call{
		componentID: componentID,
		component:   component,
		command:     cmd.Command,
		args:        cmd.Arguments,
		now:         now,
	}
	if spec.guard != nil {
		if err := spec.guard(c); err != nil {
			return false, err
		}
	}
	handler, ok := spec.commands[cmd.Command]
	if !ok {
		return false, invalidCommand("Invalid command: %s for the capability %s", cmd.Command, cmd.Capability)
	}
	if err := handler(c); err != nil {
		return false, err
	}
	return c.mutated, nil
}

// =============================================================================
// Reads
// =============================================================================

// DeviceStatus returns the components of one device.
//
// Errors: devicestate.ErrNotFound for an unknown session, a *CommandError
// of KindNotFound for an unknown device, or an infrastructure error.
func (in *Interpreter) DeviceStatus(ctx context.Context, sessionID, deviceID string) (devicestate.Device, error) {
	tree, err := in.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	device, ok := tree[deviceID]
	if !ok {
		return nil, errNoSuchDevice
	}
	return device, nil
}

// CapabilityStatus returns the attributes of one capability.
func (in *Interpreter) CapabilityStatus(ctx context.Context, sessionID, deviceID, componentID, capabilityID string) (devicestate.Capability, error) {
	device, err := in.DeviceStatus(ctx, sessionID, deviceID)
	if err != nil {
		return nil, err
	}
	component, ok := device[componentID]
	if !ok {
		return nil, errNoSuchComponent
	}
	capability, ok := component[capabilityID]
	if !ok {
		return nil, errNoSuchCapability
	}
	return capability, nil
}

// DeviceSummary describes one device in a device listing.
type DeviceSummary struct {
	DeviceID   string             `json:"deviceId"`
	Label      string             `json:"label,omitempty"`
	Components []ComponentSummary `json:"components"`
}

// ComponentSummary lists a component's capabilities.
type ComponentSummary struct {
	ID           string              `json:"id"`
	Capabilities []CapabilitySummary `json:"capabilities"`
}

// CapabilitySummary names one capability.
type CapabilitySummary struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// ListDevices summarizes every device of the session, sorted by id.
// The label is taken from a "label" capability's "value" when present.
func (in *Interpreter) ListDevices(ctx context.Context, sessionID string) ([]DeviceSummary, error) {
	tree, err := in.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceSummary, 0, len(tree))
	for _, deviceID := range sortedKeys(tree) {
		device := tree[deviceID]
		summary := DeviceSummary{DeviceID: deviceID, Components: []ComponentSummary{}}
		if label, ok := tree.Value(deviceID, DefaultComponent, "label", "label"); ok {
			summary.Label = fmt.Sprint(label)
		}
		for _, componentID := range sortedKeys(device) {
			comp := ComponentSummary{ID: componentID, Capabilities: []CapabilitySummary{}}
			for _, capabilityID := range sortedKeys(device[componentID]) {
				comp.Capabilities = append(comp.Capabilities, CapabilitySummary{ID: capabilityID, Version: 1})
			}
			summary.Components = append(summary.Components, comp)
		}
		out = append(out, summary)
	}
	return out, nil
}

// =============================================================================
// Wire Responses
// =============================================================================

// GetDevicesResponse answers GET /v1/devices.
func (in *Interpreter) GetDevicesResponse(ctx context.Context, sessionID string) (Response, error) {
	devices, err := in.ListDevices(ctx, sessionID)
	if resp, handled, err := readFailure(err, sessionID); handled {
		return resp, err
	}
	return Response{Status: http.StatusOK, Body: map[string]any{"items": devices}}, nil
}

// GetDeviceResponse answers GET /v1/devices/{id} and /v1/devices/{id}/status.
func (in *Interpreter) GetDeviceResponse(ctx context.Context, sessionID, deviceID string) (Response, error) {
	device, err := in.DeviceStatus(ctx, sessionID, deviceID)
	if resp, handled, err := readFailure(err, sessionID); handled {
		return resp, err
	}
	return Response{Status: http.StatusOK, Body: map[string]any{"components": device}}, nil
}

// GetCapabilityResponse answers the per-capability status route.
func (in *Interpreter) GetCapabilityResponse(ctx context.Context, sessionID, deviceID, componentID, capabilityID string) (Response, error) {
	capability, err := in.CapabilityStatus(ctx, sessionID, deviceID, componentID, capabilityID)
	if resp, handled, err := readFailure(err, sessionID); handled {
		return resp, err
	}
	return Response{Status: http.StatusOK, Body: capability}, nil
}

// PostCommandsResponse answers POST /v1/devices/{id}/commands.
func (in *Interpreter) PostCommandsResponse(ctx context.Context, sessionID, deviceID string, req CommandRequest) (Response, error) {
	result, err := in.Apply(ctx, sessionID, deviceID, req.Commands)
	if err != nil {
		return Response{}, err
	}
	return result.Response(), nil
}

// readFailure converts lookup errors into responses. handled is false
// when err is nil.
func readFailure(err error, sessionID string) (Response, bool, error) {
	if err == nil {
		return Response{}, false, nil
	}
	var cmdErr *CommandError
	switch {
	case errors.As(err, &cmdErr):
		return errorResponse(cmdErr), true, nil
	case errors.Is(err, devicestate.ErrNotFound):
		return errorResponse(notFound(CodeUnknownDevice, "no device state for session %s", sessionID)), true, nil
	case errors.Is(err, devicestate.ErrInvalidSession):
		return errorResponse(invalidArgument("%v", err)), true, nil
	default:
		return Response{}, true, err
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
