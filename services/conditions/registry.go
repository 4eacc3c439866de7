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
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
	"github.com/SAIC-MONTREAL/SAGE/services/observability"
)

var validate = validator.New()

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

type routine struct {
	entry     CodeEntry
	predicate Predicate
}

// Registry stores condition records and the code registry.
//
// # Description
//
// Records are kept in registration order. Routines are keyed by name and
// carry their last observed result. The epoch counts poller generations:
// Advance is called before a replacement poller starts, and Observe
// rejects results from any older generation.
//
// # Thread Safety
//
// Safe for concurrent use. Predicates are evaluated outside the lock.
type Registry struct {
	mu         sync.RWMutex
	compiler   Compiler
	routines   map[string]*routine
	conditions []Record
	epoch      uint64
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewRegistry creates an empty registry. compiler may be nil when only
// RegisterPredicate is used.
func NewRegistry(compiler Compiler, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		compiler: compiler,
		routines: make(map[string]*routine),
		metrics:  opts.Metrics,
		logger:   logger.With("component", "conditions"),
	}
}

// Register compiles entry and stores it under name, replacing any entry
// already there. entry.LastResult seeds the routine's last result.
func (r *Registry) Register(name string, entry CodeEntry) error {
	rt, err := r.compile(name, entry)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.routines[name] = rt
	r.mu.Unlock()
	r.logger.Debug("routine registered", slog.String("routine", name))
	return nil
}

// Merge registers every entry of codes, or none of them if any fails to
// compile.
func (r *Registry) Merge(codes map[string]CodeEntry) error {
	compiled := make(map[string]*routine, len(codes))
	for name, entry := range codes {
		rt, err := r.compile(name, entry)
		if err != nil {
			return err
		}
		compiled[name] = rt
	}
	r.mu.Lock()
	for name, rt := range compiled {
		r.routines[name] = rt
	}
	r.mu.Unlock()
	return nil
}

// RegisterPredicate stores a native Go routine under name with an initial
// last result of seed.
func (r *Registry) RegisterPredicate(name string, p Predicate, seed any) error {
	if err := checkName(name); err != nil {
		return err
	}
	if p == nil {
		return invalidf("routine %s has no predicate", name)
	}
	seed, err := normalize(seed)
	if err != nil {
		return invalidf("routine %s: last_result: %v", name, err)
	}
	r.mu.Lock()
	r.routines[name] = &routine{entry: CodeEntry{LastResult: seed}, predicate: p}
	r.mu.Unlock()
	return nil
}

func (r *Registry) compile(name string, entry CodeEntry) (*routine, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := validate.Struct(entry); err != nil {
		return nil, invalidf("routine %s: %v", name, err)
	}
	if r.compiler == nil {
		return nil, ErrNoCompiler
	}
	seed, err := normalize(entry.LastResult)
	if err != nil {
		return nil, invalidf("routine %s: last_result: %v", name, err)
	}
	entry.LastResult = seed
	p, err := r.compiler.Compile(name, entry)
	if err != nil {
		return nil, invalidf("routine %s: %v", name, err)
	}
	return &routine{entry: entry, predicate: p}, nil
}

// Get returns the code entry registered under name.
func (r *Registry) Get(name string) (CodeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routines[name]
	if !ok {
		return CodeEntry{}, &UnknownRoutineError{Name: name}
	}
	return rt.entry, nil
}

// AddCondition validates rec and adds it. A record whose FunctionName is
// already present replaces that record in place.
func (r *Registry) AddCondition(rec Record) error {
	if err := validate.Struct(rec); err != nil {
		return invalidf("%v", err)
	}
	if rec.NotifyWhen == nil {
		return invalidf("notify_when is required")
	}
	polarity, err := normalize(rec.NotifyWhen)
	if err != nil {
		return invalidf("notify_when: %v", err)
	}
	rec.NotifyWhen = polarity

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routines[rec.FunctionName]; !ok {
		return &UnknownRoutineError{Name: rec.FunctionName}
	}
	for i := range r.conditions {
		if r.conditions[i].FunctionName == rec.FunctionName {
			r.conditions[i] = rec
			r.logger.Info("condition replaced", slog.String("routine", rec.FunctionName))
			return nil
		}
	}
	r.conditions = append(r.conditions, rec)
	r.metrics.SetConditionsRegistered(len(r.conditions))
	r.logger.Info("condition added",
		slog.String("routine", rec.FunctionName),
		slog.String("user", rec.UserName))
	return nil
}

// Conditions returns the records in registration order.
func (r *Registry) Conditions() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.conditions))
	copy(out, r.conditions)
	return out
}

// Len returns the number of condition records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conditions)
}

// Snapshot copies the registry.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make(map[string]CodeEntry, len(r.routines))
	for name, rt := range r.routines {
		codes[name] = rt.entry
	}
	conds := make([]Record, len(r.conditions))
	copy(conds, r.conditions)
	return Snapshot{Epoch: r.epoch, Codes: codes, Conditions: conds}
}

// Reset removes every record and routine and advances the epoch, so a
// poller still running against the old contents can no longer commit.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.routines = make(map[string]*routine)
	r.conditions = nil
	r.epoch++
	r.mu.Unlock()
	r.metrics.SetConditionsRegistered(0)
}

// Epoch returns the current poller generation.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Advance starts a new poller generation and returns it.
func (r *Registry) Advance() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	return r.epoch
}

// Evaluate runs the routine registered under name and returns its result
// in normalized JSON form. The registry is not modified. A panicking
// routine is reported as an error wrapping ErrRoutinePanic.
func (r *Registry) Evaluate(ctx context.Context, name string) (any, error) {
	r.mu.RLock()
	rt, ok := r.routines[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownRoutineError{Name: name}
	}
	result, err := evaluate(ctx, name, rt.predicate)
	if err != nil {
		return nil, err
	}
	normalized, err := normalize(result)
	if err != nil {
		return nil, fmt.Errorf("routine %s returned a non-JSON value: %w", name, err)
	}
	return normalized, nil
}

func evaluate(ctx context.Context, name string, p Predicate) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			result, err = nil, fmt.Errorf("%w: %s: %v", ErrRoutinePanic, name, v)
		}
	}()
	return p.Evaluate(ctx)
}

// Observe records result as the routine's latest value.
//
// # Description
//
// If result equals the stored last result nothing changes. Otherwise the
// last result is replaced, and fired reports whether the new value equals
// polarity. The compare and the update happen under one lock.
//
// # Outputs
//
//   - changed: The result differs from the stored last result.
//   - fired: The change matches the record's polarity.
//   - error: ErrStaleEpoch if epoch is not current; ErrUnknownRoutine if
//     the routine was removed.
func (r *Registry) Observe(epoch uint64, name string, result, polarity any) (changed, fired bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return false, false, ErrStaleEpoch
	}
	rt, ok := r.routines[name]
	if !ok {
		return false, false, &UnknownRoutineError{Name: name}
	}
	if sameValue(rt.entry.LastResult, result) {
		return false, false, nil
	}
	rt.entry.LastResult = result
	return true, sameValue(result, polarity), nil
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalidf("routine name is required")
	}
	return nil
}

// normalize converts v to the decoded-JSON form so results from Starlark,
// Go predicates and HTTP payloads compare consistently.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return devicestate.Normalize(v)
}

func sameValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
