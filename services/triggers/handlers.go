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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/SAIC-MONTREAL/SAGE/pkg/telemetry"
	"github.com/SAIC-MONTREAL/SAGE/services/conditions"
	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

// Acknowledgements returned by the mutating routes. Agent front-ends match
// on these bodies.
var (
	AckTriggered = []string{}
	AckAdded     = []string{"got it"}
	AckReset     = []string{"reset done"}
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnknownRoutine   = "UNKNOWN_ROUTINE"
	CodeInvalidCondition = "INVALID_CONDITION"
	CodeInternalError    = "INTERNAL_ERROR"
)

// ErrorResponse is the error body of every trigger route.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AddConditionRequest is the body of POST /add_condition.
type AddConditionRequest struct {
	Code      map[string]conditions.CodeEntry `json:"code"`
	Condition conditions.Record               `json:"condition"`
}

// TriggerResponse is the body of GET /check_triggers. All fields are
// omitted when nothing is pending, which encodes as {}.
type TriggerResponse struct {
	User    string    `json:"user,omitempty"`
	Command string    `json:"command,omitempty"`
	Routine string    `json:"routine,omitempty"`
	FiredAt time.Time `json:"fired_at,omitzero"`
}

// Handlers serves the trigger routes.
type Handlers struct {
	server *Server
	logger *slog.Logger
}

// NewHandlers creates the trigger route handlers.
func NewHandlers(server *Server) *Handlers {
	return &Handlers{server: server, logger: server.logger}
}

// HandleCheckTriggers handles GET /check_triggers.
//
// Response:
//
//	200 OK: {} or {"user": "...", "command": "...", "routine": "...", "fired_at": "..."}
func (h *Handlers) HandleCheckTriggers(c *gin.Context) {
	msg, ok := h.server.CheckTriggers()
	if !ok {
		c.JSON(http.StatusOK, TriggerResponse{})
		return
	}
	h.requestLogger(c, "HandleCheckTriggers").Info("Trigger delivered",
		"routine", msg.Routine, "user", msg.User)
	c.JSON(http.StatusOK, TriggerResponse{
		User:    msg.User,
		Command: msg.Command,
		Routine: msg.Routine,
		FiredAt: msg.FiredAt,
	})
}

// HandleTriggerManually handles POST /trigger_manually.
//
// Request Body:
//
//	{"user": "amal", "command": "remind me to water the plants"}
//
// Response:
//
//	200 OK: []
//	400 Bad Request: ErrorResponse with code INVALID_REQUEST
func (h *Handlers) HandleTriggerManually(c *gin.Context) {
	logger := h.requestLogger(c, "HandleTriggerManually")

	var msg conditions.TriggerMessage
	if err := devicestate.DecodeJSON(c.Request.Body, &msg); err != nil {
		logger.Warn("Invalid trigger payload", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}
	if err := h.server.TriggerManually(msg); err != nil {
		logger.Warn("Rejected manual trigger", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Trigger requires a user and a command",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, AckTriggered)
}

// HandleAddCondition handles POST /add_condition.
//
// Request Body:
//
//	{
//	  "code": {"door_open": {"code_define": "def door_open(): ...", "code_run": "door_open()", "last_result": false}},
//	  "condition": {"function_name": "door_open", "notify_when": true,
//	                "condition_description": "...", "action_description": "...", "user_name": "amal"}
//	}
//
// Response:
//
//	200 OK: ["got it"]
//	400 Bad Request: ErrorResponse with code INVALID_REQUEST, UNKNOWN_ROUTINE or INVALID_CONDITION
func (h *Handlers) HandleAddCondition(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAddCondition")

	var req AddConditionRequest
	if err := devicestate.DecodeJSON(c.Request.Body, &req); err != nil {
		logger.Warn("Invalid condition payload", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}

	err := h.server.AddCondition(req.Code, req.Condition)
	switch {
	case err == nil:
		logger.Info("Condition registered", "routine", req.Condition.FunctionName)
		c.JSON(http.StatusOK, AckAdded)
	case errors.Is(err, conditions.ErrUnknownRoutine):
		logger.Warn("Condition refers to an unknown routine", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  CodeUnknownRoutine,
		})
	case errors.Is(err, conditions.ErrInvalidCondition), errors.Is(err, conditions.ErrNoCompiler):
		logger.Warn("Invalid condition", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid condition",
			Code:    CodeInvalidCondition,
			Details: err.Error(),
		})
	default:
		logger.Error("Failed to add condition", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to add condition",
			Code:  CodeInternalError,
		})
	}
}

// HandleReset handles GET /reset.
func (h *Handlers) HandleReset(c *gin.Context) {
	h.server.Reset()
	h.requestLogger(c, "HandleReset").Info("Trigger server reset")
	c.JSON(http.StatusOK, AckReset)
}

// HandleConditions handles GET /conditions.
func (h *Handlers) HandleConditions(c *gin.Context) {
	c.JSON(http.StatusOK, h.server.Conditions())
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.server.Status())
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	logger := telemetry.LoggerWithTrace(c.Request.Context(), h.logger)
	return logger.With("request_id", getOrCreateRequestID(c), "handler", handler)
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
