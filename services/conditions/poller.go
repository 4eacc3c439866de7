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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SAIC-MONTREAL/SAGE/services/observability"
)

const (
	// DefaultInterval is the time between evaluation cycles.
	DefaultInterval = 10 * time.Second

	// DefaultEvaluationTimeout bounds a single routine evaluation.
	DefaultEvaluationTimeout = 30 * time.Second

	tracerName = "github.com/SAIC-MONTREAL/SAGE/services/conditions"
)

// State is the poller's current activity.
type State int32

const (
	// StateIdle means the registry is empty or the poller is between cycles.
	StateIdle State = iota
	// StateEvaluating means records are being evaluated.
	StateEvaluating
	// StateNotifying means a fired message is being handed off.
	StateNotifying
	// StateStopped means the loop has exited.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	case StateNotifying:
		return "notifying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Interval between cycles. Defaults to DefaultInterval.
	Interval time.Duration

	// EvaluationTimeout bounds one routine evaluation. Zero means
	// DefaultEvaluationTimeout; negative disables the bound.
	EvaluationTimeout time.Duration

	Clock   Clock
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Poller re-evaluates every registered condition once per interval and
// sends a TriggerMessage for each transition that matches its polarity.
//
// # Description
//
// A Poller is bound to the registry epoch current when it is created.
// Once the registry advances, the poller's observations are rejected and
// its cycle ends. Routine failures are logged and counted per record and
// never stop the loop.
//
// # Thread Safety
//
// Start, Stop, SetInterval, State and Done are safe for concurrent use.
type Poller struct {
	registry *Registry
	out      chan<- TriggerMessage
	epoch    uint64

	clock   Clock
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	interval      atomic.Int64
	intervalReset chan struct{}
	state         atomic.Int32

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller creates a poller over registry that sends fired messages to
// out. The caller owns out and keeps reading it.
func NewPoller(registry *Registry, out chan<- TriggerMessage, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.EvaluationTimeout == 0 {
		cfg.EvaluationTimeout = DefaultEvaluationTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	p := &Poller{
		registry:      registry,
		out:           out,
		epoch:         registry.Epoch(),
		clock:         cfg.Clock,
		timeout:       cfg.EvaluationTimeout,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		intervalReset: make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	p.logger = cfg.Logger.With("component", "poller", "epoch", p.epoch)
	p.interval.Store(int64(cfg.Interval))
	return p
}

// Start runs the loop in a new goroutine. The first cycle runs
// immediately. Calling Start more than once has no effect.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
	p.logger.Info("poller started", slog.Duration("interval", p.Interval()))
}

// Stop cancels the loop and the evaluation in progress. It returns
// without waiting; use Done to wait for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.started = true
		p.state.Store(int32(StateStopped))
		close(p.done)
		return
	}
	p.cancel()
}

// Done is closed when the loop has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// State returns what the poller is doing.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Epoch returns the registry generation the poller is bound to.
func (p *Poller) Epoch() uint64 {
	return p.epoch
}

// Interval returns the current cycle interval.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetInterval changes the cycle interval. It takes effect after the
// current cycle.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 || time.Duration(p.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case p.intervalReset <- struct{}{}:
	default:
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.state.Store(int32(StateStopped))

	ticker := p.clock.Ticker(p.Interval())
	defer func() { ticker.Stop() }()

	p.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-p.intervalReset:
			ticker.Stop()
			ticker = p.clock.Ticker(p.Interval())
			p.logger.Info("poller interval changed", slog.Duration("interval", p.Interval()))
		case <-ticker.Chan():
			p.Cycle(ctx)
		}
	}
}

// Cycle evaluates every record once, in registration order, and returns
// the number of messages sent. Start calls it on every tick; tests and
// tools may call it directly.
func (p *Poller) Cycle(ctx context.Context) int {
	records := p.registry.Conditions()
	if len(records) == 0 {
		p.state.Store(int32(StateIdle))
		return 0
	}

	p.state.Store(int32(StateEvaluating))
	defer func() {
		if ctx.Err() == nil {
			p.state.Store(int32(StateIdle))
		}
	}()

	ctx, span := p.tracer.Start(ctx, "conditions.Poller.Cycle",
		trace.WithAttributes(
			attribute.Int("conditions.count", len(records)),
			attribute.Int64("registry.epoch", int64(p.epoch)),
		))
	defer span.End()

	start := p.clock.Now()
	fired := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		sent, stale := p.check(ctx, span, rec)
		if sent {
			fired++
		}
		if stale {
			p.logger.Debug("poller superseded, ending cycle")
			break
		}
	}

	elapsed := p.clock.Now().Sub(start)
	p.metrics.RecordCycle(elapsed)
	span.SetAttributes(attribute.Int("triggers.fired", fired))
	p.logger.Debug("cycle complete",
		slog.Int("conditions", len(records)),
		slog.Int("fired", fired),
		slog.Duration("elapsed", elapsed))
	return fired
}

// check evaluates one record. sent reports a delivered message; stale
// reports that the poller has been superseded.
func (p *Poller) check(ctx context.Context, span trace.Span, rec Record) (sent, stale bool) {
	name := rec.FunctionName
	evalCtx, cancel := p.evalContext(ctx)
	started := p.clock.Now()
	result, err := p.registry.Evaluate(evalCtx, name)
	cancel()
	elapsed := p.clock.Now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			return false, false
		}
		evalErr := &EvaluationError{Routine: name, Err: err}
		p.metrics.RecordEvaluation(observability.OutcomeError, elapsed)
		p.logger.Warn("condition evaluation failed",
			slog.String("routine", name),
			slog.String("error", evalErr.Error()))
		span.AddEvent("evaluation.failed", trace.WithAttributes(
			attribute.String("routine", name),
			attribute.String("error", err.Error())))
		span.SetStatus(codes.Error, "one or more evaluations failed")
		return false, false
	}

	changed, fire, err := p.registry.Observe(p.epoch, name, result, rec.NotifyWhen)
	switch {
	case errors.Is(err, ErrStaleEpoch):
		return false, true
	case err != nil:
		p.logger.Warn("condition observation failed",
			slog.String("routine", name), slog.String("error", err.Error()))
		return false, false
	}

	outcome := observability.OutcomeUnchanged
	switch {
	case fire:
		outcome = observability.OutcomeFired
	case changed:
		outcome = observability.OutcomeChanged
	}
	p.metrics.RecordEvaluation(outcome, elapsed)
	span.AddEvent("evaluation", trace.WithAttributes(
		attribute.String("routine", name),
		attribute.String("outcome", outcome)))

	if !fire {
		if changed {
			p.logger.Debug("condition changed without firing", slog.String("routine", name))
		}
		return false, false
	}

	msg := TriggerMessage{
		User:       rec.UserName,
		Command:    rec.ActionDescription,
		Conditions: p.registry.Conditions(),
		Routine:    name,
		FiredAt:    p.clock.Now().UTC(),
		Epoch:      p.epoch,
	}
	p.state.Store(int32(StateNotifying))
	defer p.state.Store(int32(StateEvaluating))
	if !p.send(ctx, msg) {
		p.logger.Warn("trigger dropped, poller stopped before delivery", slog.String("routine", name))
		return false, false
	}
	p.logger.Info("condition fired",
		slog.String("routine", name),
		slog.String("user", rec.UserName))
	return true, false
}

// send prefers delivery over cancellation: a message is dropped only when
// out is full and the poller has been stopped.
func (p *Poller) send(ctx context.Context, msg TriggerMessage) bool {
	select {
	case p.out <- msg:
		return true
	default:
	}
	select {
	case p.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Poller) evalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}
