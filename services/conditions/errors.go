// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conditions

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRoutine is returned when a name is not in the code registry.
	ErrUnknownRoutine = errors.New("unknown routine")

	// ErrInvalidCondition is returned for malformed records and code entries.
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrStaleEpoch is returned to a poller that has been superseded.
	ErrStaleEpoch = errors.New("registry epoch is stale")

	// ErrNoCompiler is returned when source code is registered on a
	// registry without a Compiler.
	ErrNoCompiler = errors.New("no compiler configured")

	// ErrRoutinePanic is returned when a routine panics during evaluation.
	ErrRoutinePanic = errors.New("routine panicked")
)

// UnknownRoutineError names the missing routine. Its message matches what
// the agent tooling has always shown: "Unknown function: <name>".
type UnknownRoutineError struct {
	Name string
}

func (e *UnknownRoutineError) Error() string {
	return "Unknown function: " + e.Name
}

func (e *UnknownRoutineError) Is(target error) bool {
	return target == ErrUnknownRoutine
}

// EvaluationError is a routine failing during polling. The poller logs and
// counts it and otherwise treats the cycle as "no change observed".
type EvaluationError struct {
	Routine string
	Err     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %s: %v", e.Routine, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCondition, fmt.Sprintf(format, args...))
}
