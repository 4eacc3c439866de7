// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conditions holds persistent conditions and the poller that
// watches them.
//
// A condition is a named routine (a CodeEntry, compiled into a Predicate)
// plus a Record saying which result to notify on and what to tell whom.
// The Registry is the durable state: routines, records and each routine's
// last observed result. Pollers come and go; a restarted Poller is handed
// the same Registry, so a transition observed before a restart is never
// fired again after it.
package conditions

import (
	"context"
	"time"
)

// Record is one registered condition.
type Record struct {
	// FunctionName names the routine in the code registry. It is the
	// record's key: adding a record with an existing name replaces it.
	FunctionName string `json:"function_name" validate:"required,max=256"`

	// NotifyWhen is the result that fires the condition, normally a bool.
	NotifyWhen any `json:"notify_when"`

	ConditionDescription string `json:"condition_description,omitempty"`

	// ActionDescription is the command handed back to the agent.
	ActionDescription string `json:"action_description" validate:"required"`

	UserName string `json:"user_name" validate:"required"`
}

// CodeEntry is a routine in the code registry.
type CodeEntry struct {
	// CodeDefine is the source that defines the routine and what it needs.
	CodeDefine string `json:"code_define"`

	// CodeRun is the one-line expression whose value is the result.
	CodeRun string `json:"code_run" validate:"required"`

	// LastResult is the most recent successfully observed result.
	LastResult any `json:"last_result"`

	// SessionID is the device session the routine runs against. Empty
	// means the compiler's default session.
	SessionID string `json:"session_id,omitempty"`
}

// TriggerMessage is a fired condition on its way to a caller.
type TriggerMessage struct {
	User    string `json:"user" validate:"required"`
	Command string `json:"command" validate:"required"`

	// Conditions is the registry's condition list when the message fired.
	Conditions []Record `json:"conditions,omitempty"`

	Routine string    `json:"routine,omitempty"`
	FiredAt time.Time `json:"fired_at,omitzero"`

	// Epoch is the registry generation of the poller that sent the message.
	// Zero for messages that did not come from a poller.
	Epoch uint64 `json:"-"`
}

// Predicate evaluates a condition routine.
//
// Implementations must honour ctx: a poller that is stopped cancels the
// context of the evaluation in progress.
type Predicate interface {
	Evaluate(ctx context.Context) (any, error)
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(ctx context.Context) (any, error)

func (f PredicateFunc) Evaluate(ctx context.Context) (any, error) {
	return f(ctx)
}

// Compiler turns a code entry into a Predicate. A returned error means
// the source is unusable and the entry is rejected.
type Compiler interface {
	Compile(name string, entry CodeEntry) (Predicate, error)
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Epoch      uint64               `json:"epoch"`
	Codes      map[string]CodeEntry `json:"codes"`
	Conditions []Record             `json:"conditions"`
}
