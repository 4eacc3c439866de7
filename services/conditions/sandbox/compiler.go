// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox runs agent-authored condition routines in a Starlark
// interpreter.
//
// A routine is a CodeEntry: code_define is a Starlark file that defines
// the routine, code_run is one expression that calls it. The routine sees
// only the predeclared names below and reaches device state only through
// the device API Transport:
//
//	requests    get(url, headers=None, params=None), post(url, json=None, headers=None)
//	json        encode, decode, indent (go.starlark.net/lib/json)
//	time        now, parse_time, ... (go.starlark.net/lib/time)
//	session_id  the device session the routine runs against
//
// load() is not available. Every evaluation runs on a fresh thread with an
// execution step budget and is cancelled when its context ends.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.starlark.net/lib/json"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/SAIC-MONTREAL/SAGE/services/conditions"
)

const (
	// DefaultMaxSteps is the execution step budget of one evaluation.
	DefaultMaxSteps = 10_000_000

	// DefaultTimeout bounds one evaluation when the caller's context has
	// no earlier deadline.
	DefaultTimeout = 30 * time.Second
)

// ErrStepLimit is returned when a routine exhausts its step budget.
var ErrStepLimit = errors.New("execution step limit exceeded")

// Options configures a Compiler.
type Options struct {
	// DefaultSession is used for entries without a SessionID.
	DefaultSession string

	// MaxSteps is the step budget per evaluation. Zero means DefaultMaxSteps.
	MaxSteps uint64

	// Timeout bounds one evaluation. Zero means DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// Compiler compiles code entries into Starlark predicates. It implements
// conditions.Compiler.
type Compiler struct {
	transport Transport
	opts      Options
	logger    *slog.Logger
	fileOpts  *syntax.FileOptions
}

var _ conditions.Compiler = (*Compiler)(nil)

// NewCompiler creates a Compiler whose routines call the device API
// through transport.
func NewCompiler(transport Transport, opts Options) *Compiler {
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		transport: transport,
		opts:      opts,
		logger:    logger.With("component", "sandbox"),
		fileOpts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
		},
	}
}

// Compile checks both halves of entry and returns a predicate that runs
// them. Syntax errors and references to undefined names are reported here
// rather than on every poll.
func (c *Compiler) Compile(name string, entry conditions.CodeEntry) (conditions.Predicate, error) {
	run := unwrapPrint(strings.TrimSpace(entry.CodeRun))
	if run == "" {
		return nil, errors.New("code_run is empty")
	}
	sessionID := entry.SessionID
	if sessionID == "" {
		sessionID = c.opts.DefaultSession
	}

	isPredeclared := func(n string) bool {
		_, ok := c.predeclared(sessionID)[n]
		return ok
	}
	_, prog, err := starlark.SourceProgramOptions(c.fileOpts, name+".star", entry.CodeDefine, isPredeclared)
	if err != nil {
		return nil, fmt.Errorf("code_define: %w", err)
	}
	if _, err := c.fileOpts.ParseExpr(name+"_run.star", run, 0); err != nil {
		return nil, fmt.Errorf("code_run: %w", err)
	}

	return &predicate{
		compiler:  c,
		name:      name,
		program:   prog,
		run:       run,
		sessionID: sessionID,
	}, nil
}

func (c *Compiler) predeclared(sessionID string) starlark.StringDict {
	return starlark.StringDict{
		"requests":   requestsModule(c.transport),
		"json":       json.Module,
		"time":       starlarktime.Module,
		"session_id": starlark.String(sessionID),
	}
}

// unwrapPrint turns `print(f())` into `f()`, the way agent code often ends.
func unwrapPrint(run string) string {
	if strings.HasPrefix(run, "print(") && strings.HasSuffix(run, ")") {
		return strings.TrimSpace(run[len("print(") : len(run)-1])
	}
	return run
}

type predicate struct {
	compiler  *Compiler
	name      string
	program   *starlark.Program
	run       string
	sessionID string
}

// Evaluate executes code_define on a fresh thread, evaluates code_run
// against its globals and converts the result to Go.
func (p *predicate) Evaluate(ctx context.Context) (any, error) {
	c := p.compiler
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: p.name,
		Print: func(_ *starlark.Thread, msg string) {
			c.logger.Debug("routine output", slog.String("routine", p.name), slog.String("msg", msg))
		},
	}
	thread.SetMaxExecutionSteps(c.opts.MaxSteps)
	thread.SetLocal(localContext, ctx)
	thread.SetLocal(localSession, p.sessionID)

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-finished:
		}
	}()

	predeclared := c.predeclared(p.sessionID)
	globals, err := p.program.Init(thread, predeclared)
	if err != nil {
		return nil, p.wrap(ctx, thread, err)
	}
	env := make(starlark.StringDict, len(predeclared)+len(globals))
	for k, v := range predeclared {
		env[k] = v
	}
	for k, v := range globals {
		env[k] = v
	}

	value, err := starlark.EvalOptions(c.fileOpts, thread, p.name+"_run.star", p.run, env)
	if err != nil {
		return nil, p.wrap(ctx, thread, err)
	}
	out, err := fromStarlark(value)
	if err != nil {
		return nil, fmt.Errorf("%s returned %w", p.name, err)
	}
	c.logger.Debug("routine evaluated",
		slog.String("routine", p.name),
		slog.Uint64("steps", thread.ExecutionSteps()))
	return out, nil
}

func (p *predicate) wrap(ctx context.Context, thread *starlark.Thread, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", p.name, ctxErr)
	}
	if thread.ExecutionSteps() >= p.compiler.opts.MaxSteps {
		return fmt.Errorf("%s: %w", p.name, ErrStepLimit)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		p.compiler.logger.Debug("routine failed",
			slog.String("routine", p.name),
			slog.String("backtrace", evalErr.Backtrace()))
	}
	return fmt.Errorf("%s: %w", p.name, err)
}
