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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

// SessionHeader carries the session id on device API requests.
const SessionHeader = "X-Session-ID"

// SessionQueryParam is the fallback when the header is absent.
const SessionQueryParam = "session_id"

// ErrorResponse is the error body of the session administration routes.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Handlers serves the simulated device API.
type Handlers struct {
	in             *Interpreter
	defaultSession string
}

// NewHandlers creates device API handlers. defaultSession is used when a
// request names no session; empty makes the session mandatory.
func NewHandlers(in *Interpreter, defaultSession string) *Handlers {
	return &Handlers{in: in, defaultSession: defaultSession}
}

// HandleListDevices handles GET /v1/devices.
func (h *Handlers) HandleListDevices(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListDevices")
	sessionID, ok := h.session(c)
	if !ok {
		return
	}
	h.in.LogRequest(c.Request.Context(), sessionID, "get", c.Request.URL.String(), nil)

	resp, err := h.in.GetDevicesResponse(c.Request.Context(), sessionID)
	h.write(c, logger, resp, err)
}

// HandleGetDevice handles GET /v1/devices/:deviceId and
// GET /v1/devices/:deviceId/status.
//
// Response:
//
//	200 OK: {"components": {...}}
//	404 Not Found: ["no such device"]
func (h *Handlers) HandleGetDevice(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetDevice")
	sessionID, ok := h.session(c)
	if !ok {
		return
	}
	h.in.LogRequest(c.Request.Context(), sessionID, "get", c.Request.URL.String(), nil)

	resp, err := h.in.GetDeviceResponse(c.Request.Context(), sessionID, c.Param("deviceId"))
	h.write(c, logger, resp, err)
}

// HandleGetCapability handles
// GET /v1/devices/:deviceId/components/:componentId/capabilities/:capabilityId/status.
//
// Response:
//
//	200 OK: attribute map of the capability
//	404 Not Found: ["no such device"], ["no such component"] or ["no such capability"]
func (h *Handlers) HandleGetCapability(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetCapability")
	sessionID, ok := h.session(c)
	if !ok {
		return
	}
	h.in.LogRequest(c.Request.Context(), sessionID, "get", c.Request.URL.String(), nil)

	resp, err := h.in.GetCapabilityResponse(c.Request.Context(), sessionID,
		c.Param("deviceId"), c.Param("componentId"), c.Param("capabilityId"))
	h.write(c, logger, resp, err)
}

// HandlePostCommands handles POST /v1/devices/:deviceId/commands.
//
// Request Body:
//
//	{"commands": [{"component": "main", "capability": "switch", "command": "on", "arguments": []}]}
//
// Response:
//
//	200 OK: ["successfully executed command"] or ["capability not supported yet"]
//	400/404/422: ["An error occurred: ..."], code in X-Error-Code
//	429: ["rate limit exceeded"]
func (h *Handlers) HandlePostCommands(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePostCommands")
	sessionID, ok := h.session(c)
	if !ok {
		return
	}

	var req CommandRequest
	if err := devicestate.DecodeJSON(c.Request.Body, &req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		h.write(c, logger, failure(invalidCommand("invalid request body: %v", err)).Response(), nil)
		return
	}
	h.in.LogRequest(c.Request.Context(), sessionID, "post", c.Request.URL.String(), req)

	resp, err := h.in.PostCommandsResponse(c.Request.Context(), sessionID, c.Param("deviceId"), req)
	if err == nil && resp.Status == http.StatusOK {
		logger.Info("Device commands applied", "device_id", c.Param("deviceId"), "commands", len(req.Commands))
	}
	h.write(c, logger, resp, err)
}

// HandleGetState handles GET /v1/sessions/:sessionId/state.
func (h *Handlers) HandleGetState(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetState")
	tree, err := h.in.Store().Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.writeStoreError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// HandlePutState handles PUT /v1/sessions/:sessionId/state. The body is a
// full device tree that replaces the session's state.
func (h *Handlers) HandlePutState(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePutState")
	var tree devicestate.Tree
	if err := devicestate.DecodeJSON(c.Request.Body, &tree); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid device tree", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}
	if tree == nil {
		tree = devicestate.Tree{}
	}
	if err := h.in.Store().Set(c.Request.Context(), c.Param("sessionId"), tree); err != nil {
		h.writeStoreError(c, logger, err)
		return
	}
	logger.Info("Device state replaced", "session_id", c.Param("sessionId"), "devices", len(tree))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "devices": len(tree)})
}

// HandleDeleteSession handles DELETE /v1/sessions/:sessionId.
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeleteSession")
	sessionID := c.Param("sessionId")
	if err := h.in.Store().Delete(c.Request.Context(), sessionID); err != nil {
		h.writeStoreError(c, logger, err)
		return
	}
	if h.in.limiter != nil {
		h.in.limiter.Forget(sessionID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleGetLogs handles GET /v1/sessions/:sessionId/logs.
func (h *Handlers) HandleGetLogs(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetLogs")
	logs, err := h.in.Store().Logs(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.writeStoreError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// HandleAddLog handles POST /v1/sessions/:sessionId/logs.
func (h *Handlers) HandleAddLog(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAddLog")
	var entry devicestate.LogEntry
	if err := devicestate.DecodeJSON(c.Request.Body, &entry); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid log entry", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}
	if err := h.in.Store().AddLog(c.Request.Context(), c.Param("sessionId"), entry); err != nil {
		h.writeStoreError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handlers) session(c *gin.Context) (string, bool) {
	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" {
		sessionID = c.Query(SessionQueryParam)
	}
	if sessionID == "" {
		sessionID = h.defaultSession
	}
	if err := devicestate.ValidateSessionID(sessionID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "A session id is required",
			Code:    "MISSING_SESSION",
			Details: "set the " + SessionHeader + " header or the " + SessionQueryParam + " query parameter",
		})
		return "", false
	}
	return sessionID, true
}

func (h *Handlers) write(c *gin.Context, logger *slog.Logger, resp Response, err error) {
	if err != nil {
		logger.Error("Device API request failed", "error", err)
		c.JSON(http.StatusInternalServerError, []string{MessageErrorPrefix + err.Error()})
		return
	}
	if resp.Code != "" {
		c.Header("X-Error-Code", resp.Code)
	}
	c.JSON(resp.Status, resp.Body)
}

func (h *Handlers) writeStoreError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, devicestate.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No device state for session", Code: "SESSION_NOT_FOUND"})
	case errors.Is(err, devicestate.ErrInvalidSession):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid session id", Code: "INVALID_SESSION", Details: err.Error()})
	default:
		logger.Error("Device state store failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Device state store failed", Code: "INTERNAL_ERROR"})
	}
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.in.logger.With("request_id", getOrCreateRequestID(c), "handler", handler)
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
