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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAIC-MONTREAL/SAGE/pkg/logging"
	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
	"github.com/SAIC-MONTREAL/SAGE/services/observability"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Ticker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time), interval: d}
	c.tickers = append(c.tickers, t)
	return t
}

// tick advances time by the newest ticker's interval and delivers a tick.
// It blocks until the poller loop receives it.
func (c *fakeClock) tick(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return c.tickerCount() > 0 }, 2*time.Second, time.Millisecond)
	c.mu.Lock()
	ticker := c.tickers[len(c.tickers)-1]
	c.now = c.now.Add(ticker.interval)
	now := c.now
	c.mu.Unlock()

	select {
	case ticker.ch <- now:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not receive tick")
	}
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()                  {}

// toggle is a routine whose result the test controls. It counts calls.
type toggle struct {
	value atomic.Value
	calls atomic.Int32
}

func newToggle(v any) *toggle {
	tg := &toggle{}
	tg.value.Store(v)
	return tg
}

func (tg *toggle) Evaluate(context.Context) (any, error) {
	tg.calls.Add(1)
	return tg.value.Load(), nil
}

func (tg *toggle) set(v any) { tg.value.Store(v) }

func failing(err error) Predicate {
	return PredicateFunc(func(context.Context) (any, error) { return nil, err })
}

func addCondition(t *testing.T, r *Registry, name string, p Predicate, seed, polarity any) {
	t.Helper()
	require.NoError(t, r.RegisterPredicate(name, p, seed))
	require.NoError(t, r.AddCondition(record(name, polarity)))
}

func receive(t *testing.T, ch <-chan TriggerMessage) TriggerMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger message received")
		return TriggerMessage{}
	}
}

func assertEmpty(t *testing.T, ch <-chan TriggerMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected trigger message: %+v", msg)
	default:
	}
}

// =============================================================================
// Cycle Tests
// =============================================================================

func TestPoller_EdgeTriggered(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	door := newToggle(false)
	addCondition(t, r, "door_open", door, false, true)

	out := make(chan TriggerMessage, 8)
	p := NewPoller(r, out, PollerConfig{Clock: newFakeClock()})
	ctx := context.Background()

	assert.Equal(t, 0, p.Cycle(ctx))
	assertEmpty(t, out)

	door.set(true)
	assert.Equal(t, 1, p.Cycle(ctx))
	msg := receive(t, out)
	assert.Equal(t, "amal", msg.User)
	assert.Equal(t, "tell the user about door_open", msg.Command)
	assert.Equal(t, "door_open", msg.Routine)
	assert.Len(t, msg.Conditions, 1)
	assert.False(t, msg.FiredAt.IsZero())

	assert.Equal(t, 0, p.Cycle(ctx), "staying true must not fire again")
	assertEmpty(t, out)

	door.set(false)
	assert.Equal(t, 0, p.Cycle(ctx), "transition away from polarity is silent")
	entry, err := r.Get("door_open")
	require.NoError(t, err)
	assert.Equal(t, false, entry.LastResult)

	door.set(true)
	assert.Equal(t, 1, p.Cycle(ctx))
	receive(t, out)
}

func TestPoller_FalsePolarity(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	light := newToggle(true)
	addCondition(t, r, "light_on", light, true, false)

	out := make(chan TriggerMessage, 8)
	p := NewPoller(r, out, PollerConfig{Clock: newFakeClock()})

	light.set(false)
	assert.Equal(t, 1, p.Cycle(context.Background()))
	assert.Equal(t, "light_on", receive(t, out).Routine)
}

func TestPoller_FailSoftIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	exporter := logging.NewBufferedExporter()
	logger := logging.New(logging.Config{Quiet: true, Exporter: exporter})

	r := NewRegistry(nil, RegistryOptions{})
	addCondition(t, r, "broken", failing(errors.New("division by zero")), false, true)
	addCondition(t, r, "panics", PredicateFunc(func(context.Context) (any, error) {
		var m map[string]bool
		m["open"] = true
		return m, nil
	}), false, true)
	ok := newToggle(false)
	addCondition(t, r, "ok", ok, false, true)

	out := make(chan TriggerMessage, 8)
	p := NewPoller(r, out, PollerConfig{Clock: newFakeClock(), Metrics: metrics, Logger: logger.Slog()})
	ctx := context.Background()

	assert.Equal(t, 0, p.Cycle(ctx))
	ok.set(true)
	assert.Equal(t, 1, p.Cycle(ctx))
	assert.Equal(t, "ok", receive(t, out).Routine)

	for _, name := range []string{"broken", "panics"} {
		entry, err := r.Get(name)
		require.NoError(t, err)
		assert.Equal(t, false, entry.LastResult, "failed evaluations leave last_result alone")
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.EvaluationsTotal.WithLabelValues(observability.OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EvaluationsTotal.WithLabelValues(observability.OutcomeFired)))

	failures := map[string]int{}
	for _, entry := range exporter.Entries() {
		if entry.Level == logging.LevelWarn && entry.Message == "condition evaluation failed" {
			routine, _ := entry.Attrs["routine"].(string)
			failures[routine]++
		}
	}
	assert.Equal(t, map[string]int{"broken": 2, "panics": 2}, failures)
}

func TestRegistry_EvaluateRecoversPanic(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	require.NoError(t, r.RegisterPredicate("panics", PredicateFunc(func(context.Context) (any, error) {
		panic("sensor unplugged")
	}), nil))

	_, err := r.Evaluate(context.Background(), "panics")
	assert.ErrorIs(t, err, ErrRoutinePanic)
	assert.ErrorContains(t, err, "sensor unplugged")
}

func TestPoller_AllMatchingRecordsFireInOrder(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	a := newToggle(false)
	b := newToggle(false)
	addCondition(t, r, "a", a, false, true)
	addCondition(t, r, "b", b, false, true)

	out := make(chan TriggerMessage, 8)
	p := NewPoller(r, out, PollerConfig{Clock: newFakeClock()})

	a.set(true)
	b.set(true)
	assert.Equal(t, 2, p.Cycle(context.Background()))
	assert.Equal(t, "a", receive(t, out).Routine)
	assert.Equal(t, "b", receive(t, out).Routine)
}

func TestPoller_RestartPreservesHistory(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	first := newToggle(false)
	addCondition(t, r, "first", first, false, true)

	out := make(chan TriggerMessage, 8)
	p1 := NewPoller(r, out, PollerConfig{Clock: newFakeClock()})
	ctx := context.Background()

	first.set(true)
	assert.Equal(t, 1, p1.Cycle(ctx))
	receive(t, out)

	p1.Stop()
	r.Advance()
	addCondition(t, r, "second", newToggle(false), false, true)
	p2 := NewPoller(r, out, PollerConfig{Clock: newFakeClock()})

	assert.Equal(t, 0, p2.Cycle(ctx), "transition seen before the restart must not fire again")
	assertEmpty(t, out)
}

func TestPoller_StalePollerCannotCommit(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	door := newToggle(true)
	addCondition(t, r, "door_open", door, false, true)

	out := make(chan TriggerMessage, 8)
	stale := NewPoller(r, out, PollerConfig{Clock: newFakeClock()})
	r.Advance()

	assert.Equal(t, 0, stale.Cycle(context.Background()))
	assertEmpty(t, out)
	entry, err := r.Get("door_open")
	require.NoError(t, err)
	assert.Equal(t, false, entry.LastResult)

	fresh := NewPoller(r, out, PollerConfig{Clock: newFakeClock()})
	assert.Equal(t, 1, fresh.Cycle(context.Background()))
}

func TestPoller_EvaluationTimeout(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	hang := PredicateFunc(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	addCondition(t, r, "hang", hang, false, true)
	ok := newToggle(true)
	addCondition(t, r, "ok", ok, false, true)

	out := make(chan TriggerMessage, 8)
	p := NewPoller(r, out, PollerConfig{Clock: newFakeClock(), EvaluationTimeout: 20 * time.Millisecond})

	assert.Equal(t, 1, p.Cycle(context.Background()))
	assert.Equal(t, "ok", receive(t, out).Routine)
}

func TestPoller_EmptyRegistryIsIdle(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	p := NewPoller(r, make(chan TriggerMessage, 1), PollerConfig{Clock: newFakeClock()})

	assert.Equal(t, 0, p.Cycle(context.Background()))
	assert.Equal(t, StateIdle, p.State())
}

// =============================================================================
// Loop Tests
// =============================================================================

func TestPoller_DoorOpenScenario(t *testing.T) {
	store := devicestate.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "s1", devicestate.Tree{
		"fridge-1": {"main": {"contactSensor": {"contact": {"value": "closed"}}}},
	}))

	doorOpen := PredicateFunc(func(ctx context.Context) (any, error) {
		tree, err := store.Get(ctx, "s1")
		if err != nil {
			return nil, err
		}
		v, _ := tree.Value("fridge-1", "main", "contactSensor", "contact")
		return v == "open", nil
	})
	r := NewRegistry(nil, RegistryOptions{})
	addCondition(t, r, "door_open", doorOpen, false, true)

	clock := newFakeClock()
	out := make(chan TriggerMessage, 8)
	p := NewPoller(r, out, PollerConfig{Clock: clock})
	p.Start(ctx)
	t.Cleanup(p.Stop)

	require.NoError(t, store.Set(ctx, "s1", devicestate.Tree{
		"fridge-1": {"main": {"contactSensor": {"contact": {"value": "open"}}}},
	}))
	clock.tick(t)
	clock.tick(t)

	msg := receive(t, out)
	assert.Equal(t, "door_open", msg.Routine)

	clock.tick(t)
	clock.tick(t)
	assertEmpty(t, out)
}

func TestPoller_StopDoesNotWaitForRoutine(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	stuck := PredicateFunc(func(context.Context) (any, error) {
		once.Do(func() { close(entered) })
		<-release
		return true, nil
	})
	addCondition(t, r, "stuck", stuck, false, true)

	out := make(chan TriggerMessage, 8)
	p := NewPoller(r, out, PollerConfig{Clock: newFakeClock(), EvaluationTimeout: -1})
	p.Start(context.Background())

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("routine never started")
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited for the routine")
	}

	r.Advance()
	close(release)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller loop did not exit")
	}
	assert.Equal(t, StateStopped, p.State())
	assertEmpty(t, out)
	entry, err := r.Get("stuck")
	require.NoError(t, err)
	assert.Equal(t, false, entry.LastResult)
}

func TestPoller_StopBeforeStart(t *testing.T) {
	p := NewPoller(NewRegistry(nil, RegistryOptions{}), make(chan TriggerMessage), PollerConfig{})
	p.Stop()
	p.Stop()

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, StateStopped, p.State())
}

func TestPoller_SetInterval(t *testing.T) {
	r := NewRegistry(nil, RegistryOptions{})
	tg := newToggle(false)
	addCondition(t, r, "a", tg, false, true)

	clock := newFakeClock()
	p := NewPoller(r, make(chan TriggerMessage, 8), PollerConfig{Clock: clock, Interval: time.Minute})
	assert.Equal(t, time.Minute, p.Interval())
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	require.Eventually(t, func() bool { return tg.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	p.SetInterval(time.Second)
	p.SetInterval(time.Second)
	assert.Equal(t, time.Second, p.Interval())
	require.Eventually(t, func() bool { return clock.tickerCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	clock.tick(t)
	require.Eventually(t, func() bool { return tg.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "evaluating", StateEvaluating.String())
	assert.Equal(t, "notifying", StateNotifying.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
