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
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

var validate = validator.New()

// DefaultComponent is used when a command omits its component.
const DefaultComponent = "main"

// Command is one entry of a device command request.
type Command struct {
	Component  string `json:"component,omitempty"`
	Capability string `json:"capability" validate:"required"`
	Command    string `json:"command" validate:"required"`
	Arguments  []any  `json:"arguments,omitempty"`
}

// CommandRequest is the body of POST /v1/devices/{id}/commands.
type CommandRequest struct {
	Commands []Command `json:"commands" validate:"required,min=1,dive"`
}

// Validate checks the request shape.
func (r *CommandRequest) Validate() error {
	return validate.Struct(r)
}

// Wire bodies shared with agent-authored code, which matches on them.
const (
	MessageSuccess      = "successfully executed command"
	MessageErrorPrefix  = "An error occurred: "
	MessageNotSupported = "capability not supported yet"
)

// Result is the outcome of applying a command request.
type Result struct {
	// Status is the HTTP status the device API answers with.
	Status int

	// Messages is the JSON array body the device API answers with.
	Messages []string

	// Err is nil on success.
	Err *CommandError

	// Tree is the session's tree after a successful request.
	Tree devicestate.Tree
}

// OK reports whether every command was applied.
func (r Result) OK() bool { return r.Err == nil }

// Response converts the result to its wire form.
func (r Result) Response() Response {
	resp := Response{Status: r.Status, Body: r.Messages}
	if r.Err != nil {
		resp.Code = r.Err.Code
	}
	return resp
}

func success(tree devicestate.Tree) Result {
	return Result{Status: http.StatusOK, Messages: []string{MessageSuccess}, Tree: tree}
}

func failure(err *CommandError) Result {
	switch err.Kind {
	case KindNotSupported, KindRateLimited:
		return Result{Status: err.HTTPStatus(), Messages: []string{err.Message}, Err: err}
	default:
		return Result{Status: err.HTTPStatus(), Messages: []string{MessageErrorPrefix + err.Message}, Err: err}
	}
}

// Response is a device API reply: a status, a JSON body and, for
// failures, a machine-readable code.
type Response struct {
	Status int
	Body   any
	Code   string
}

func errorResponse(err *CommandError) Response {
	return Response{Status: err.HTTPStatus(), Body: []string{err.Message}, Code: err.Code}
}
