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
	"fmt"
	"net/http"
)

// Kind classifies a command failure.
type Kind int

const (
	// KindValidation is a bad command name or argument shape. Rejected
	// before any mutation.
	KindValidation Kind = iota + 1

	// KindNotFound is an unknown device, component, capability or attribute.
	KindNotFound

	// KindDomain is an operation disallowed by a device rule.
	KindDomain

	// KindNotSupported is a capability the simulator does not model.
	KindNotSupported

	// KindRateLimited is a session exceeding its command rate.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindDomain:
		return "domain"
	case KindNotSupported:
		return "not_supported"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}

// Sentinels for errors.Is matching against *CommandError.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrDomain       = errors.New("domain error")
	ErrNotSupported = errors.New("capability not supported yet")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// Machine-readable codes carried in CommandError.Code and the X-Error-Code
// response header.
const (
	CodeInvalidCommand       = "INVALID_COMMAND"
	CodeInvalidArgument      = "INVALID_ARGUMENT"
	CodeUnknownDevice        = "UNKNOWN_DEVICE"
	CodeUnsupportedComponent = "UNSUPPORTED_COMPONENT"
	CodeUnknownCapability    = "UNKNOWN_CAPABILITY"
	CodeUnknownAttribute     = "UNKNOWN_ATTRIBUTE"
	CodeDisallowed           = "DISALLOWED"
	CodeNotSupported         = "NOT_SUPPORTED"
	CodeRateLimited          = "RATE_LIMITED"
)

// CommandError is the structured failure of a device command. It is
// returned as data by the interpreter so callers (including sandboxed
// condition code) can branch on it.
type CommandError struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// Is matches the sentinel for the error's kind.
func (e *CommandError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrDomain:
		return e.Kind == KindDomain
	case ErrNotSupported:
		return e.Kind == KindNotSupported
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	}
	return false
}

// HTTPStatus maps the kind onto the device API status code. Unsupported
// capabilities answer 200 with an error body, like the real API.
func (e *CommandError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDomain:
		return http.StatusUnprocessableEntity
	case KindNotSupported:
		return http.StatusOK
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func invalidCommand(format string, args ...any) *CommandError {
	return &CommandError{Kind: KindValidation, Code: CodeInvalidCommand, Message: fmt.Sprintf(format, args...)}
}

func invalidArgument(format string, args ...any) *CommandError {
	return &CommandError{Kind: KindValidation, Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func notFound(code, format string, args ...any) *CommandError {
	return &CommandError{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func disallowed(format string, args ...any) *CommandError {
	return &CommandError{Kind: KindDomain, Code: CodeDisallowed, Message: fmt.Sprintf(format, args...)}
}

func notSupported() *CommandError {
	return &CommandError{Kind: KindNotSupported, Code: CodeNotSupported, Message: ErrNotSupported.Error()}
}

func rateLimited() *CommandError {
	return &CommandError{Kind: KindRateLimited, Code: CodeRateLimited, Message: ErrRateLimited.Error()}
}

// Status lookup failures, worded as the device API words them.
var (
	errNoSuchDevice     = notFound(CodeUnknownDevice, "no such device")
	errNoSuchComponent  = notFound(CodeUnsupportedComponent, "no such component")
	errNoSuchCapability = notFound(CodeUnknownCapability, "no such capability")
)
