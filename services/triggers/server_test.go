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

	"github.com/SAIC-MONTREAL/SAGE/services/conditions"
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

func (c *fakeClock) Ticker(d time.Duration) conditions.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time), interval: d}
	c.tickers = append(c.tickers, t)
	return t
}

// tick waits until at least want tickers exist, then delivers one tick to
// the newest and blocks until it is received.
func (c *fakeClock) tick(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.tickers) >= want
	}, 2*time.Second, time.Millisecond)

	c.mu.Lock()
	ticker := c.tickers[len(c.tickers)-1]
	c.now = c.now.Add(ticker.interval)
	now := c.now
	c.mu.Unlock()

	select {
	case ticker.ch <- now:
	case <-time.After(2 * time.Second):
		t.Fatal("tick not received")
	}
}

type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()                  {}

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

// stubCompiler resolves CodeRun against a table of Go predicates.
type stubCompiler struct {
	predicates map[string]conditions.Predicate
}

func (c *stubCompiler) Compile(_ string, entry conditions.CodeEntry) (conditions.Predicate, error) {
	p, ok := c.predicates[entry.CodeRun]
	if !ok {
		return nil, errors.New("undefined: " + entry.CodeRun)
	}
	return p, nil
}

func record(name string) conditions.Record {
	return conditions.Record{
		FunctionName:         name,
		NotifyWhen:           true,
		ConditionDescription: name + " holds",
		ActionDescription:    "tell amal that " + name + " holds",
		UserName:             "amal",
	}
}

type fixture struct {
	server  *Server
	clock   *fakeClock
	metrics *observability.Metrics
}

func newFixture(t *testing.T, predicates map[string]conditions.Predicate) *fixture {
	t.Helper()
	clock := newFakeClock()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	registry := conditions.NewRegistry(&stubCompiler{predicates: predicates}, conditions.RegistryOptions{Metrics: metrics})
	server := NewServer(registry, Config{
		Poller:  conditions.PollerConfig{Interval: time.Hour, Clock: clock},
		Clock:   clock,
		Metrics: metrics,
	})
	t.Cleanup(server.Close)
	return &fixture{server: server, clock: clock, metrics: metrics}
}

func code(run string, seed any) map[string]conditions.CodeEntry {
	name := run[:len(run)-2]
	return map[string]conditions.CodeEntry{name: {CodeRun: run, LastResult: seed}}
}

// waitCycle waits until tg has been evaluated calls times and the poller
// is idle again. It does not drain the channel.
func waitCycle(t *testing.T, s *Server, tg *toggle, calls int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tg.calls.Load() >= calls && pollerState(s) == conditions.StateIdle
	}, 2*time.Second, time.Millisecond)
}

func pollerState(s *Server) conditions.State {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.poller == nil {
		return conditions.StateStopped
	}
	return s.poller.State()
}

// =============================================================================
// Buffer Tests
// =============================================================================

func TestServer_CheckTriggersEmptyIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	for range 3 {
		msg, ok := f.server.CheckTriggers()
		assert.False(t, ok)
		assert.Equal(t, conditions.TriggerMessage{}, msg)
	}
}

func TestServer_TriggerManuallyIsFIFO(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.server.TriggerManually(conditions.TriggerMessage{User: "amal", Command: "first"}))
	require.NoError(t, f.server.TriggerManually(conditions.TriggerMessage{User: "dmitriy", Command: "second"}))
	assert.Equal(t, 2, f.server.Pending())

	msg, ok := f.server.CheckTriggers()
	require.True(t, ok)
	assert.Equal(t, "first", msg.Command)
	assert.False(t, msg.FiredAt.IsZero())

	msg, ok = f.server.CheckTriggers()
	require.True(t, ok)
	assert.Equal(t, "second", msg.Command)
	assert.Equal(t, "dmitriy", msg.User)

	_, ok = f.server.CheckTriggers()
	assert.False(t, ok)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.TriggersEnqueuedTotal.WithLabelValues(observability.SourceManual)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.TriggersDeliveredTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.BufferDepth))
}

func TestServer_TriggerManuallyRejectsIncompleteMessages(t *testing.T) {
	f := newFixture(t, nil)

	err := f.server.TriggerManually(conditions.TriggerMessage{User: "amal"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	err = f.server.TriggerManually(conditions.TriggerMessage{Command: "water the plants"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assert.Equal(t, 0, f.server.Pending())
}

// =============================================================================
// Poller Lifecycle Tests
// =============================================================================

func TestServer_DoorOpenFiresExactlyOnce(t *testing.T) {
	door := newToggle(false)
	f := newFixture(t, map[string]conditions.Predicate{"door_open()": door})

	require.NoError(t, f.server.AddCondition(code("door_open()", false), record("door_open")))
	waitCycle(t, f.server, door, 1)
	_, ok := f.server.CheckTriggers()
	assert.False(t, ok)

	door.value.Store(true)
	f.clock.tick(t, 1)
	waitCycle(t, f.server, door, 2)

	msg, ok := f.server.CheckTriggers()
	require.True(t, ok)
	assert.Equal(t, "amal", msg.User)
	assert.Equal(t, "tell amal that door_open holds", msg.Command)
	assert.Equal(t, "door_open", msg.Routine)
	require.Len(t, msg.Conditions, 1)

	f.clock.tick(t, 1)
	waitCycle(t, f.server, door, 3)
	_, ok = f.server.CheckTriggers()
	assert.False(t, ok, "a condition that stays true must not fire again")
}

func TestServer_RestartPreservesHistory(t *testing.T) {
	door := newToggle(false)
	light := newToggle(false)
	f := newFixture(t, map[string]conditions.Predicate{
		"door_open()": door,
		"light_on()":  light,
	})

	require.NoError(t, f.server.AddCondition(code("door_open()", false), record("door_open")))
	waitCycle(t, f.server, door, 1)

	door.value.Store(true)
	f.clock.tick(t, 1)
	waitCycle(t, f.server, door, 2)

	// The fired message is still in the channel when the poller restarts.
	require.NoError(t, f.server.AddCondition(code("light_on()", false), record("light_on")))
	waitCycle(t, f.server, door, 3)
	require.Eventually(t, func() bool { return light.calls.Load() >= 1 }, 2*time.Second, time.Millisecond)

	msg, ok := f.server.CheckTriggers()
	require.True(t, ok)
	assert.Equal(t, "door_open", msg.Routine)

	_, ok = f.server.CheckTriggers()
	assert.False(t, ok, "door_open must not re-fire after the restart")

	entry, err := f.server.Registry().Get("door_open")
	require.NoError(t, err)
	assert.Equal(t, true, entry.LastResult)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollerRestartsTotal))
}

func TestServer_ResetDiscardsEverything(t *testing.T) {
	door := newToggle(false)
	f := newFixture(t, map[string]conditions.Predicate{"door_open()": door})

	require.NoError(t, f.server.AddCondition(code("door_open()", false), record("door_open")))
	waitCycle(t, f.server, door, 1)
	door.value.Store(true)
	f.clock.tick(t, 1)
	waitCycle(t, f.server, door, 2)
	require.NoError(t, f.server.TriggerManually(conditions.TriggerMessage{User: "amal", Command: "manual"}))

	f.server.Reset()

	_, ok := f.server.CheckTriggers()
	assert.False(t, ok)
	snap := f.server.Conditions()
	assert.Empty(t, snap.Codes)
	assert.Empty(t, snap.Conditions)
	assert.Equal(t, conditions.StateStopped.String(), f.server.Status().Poller)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.BufferDepth))
}

func TestServer_ResetDropsLateMessagesFromOldPoller(t *testing.T) {
	f := newFixture(t, nil)
	old := f.server.Registry().Epoch()

	f.server.Reset()
	f.server.messages <- conditions.TriggerMessage{User: "amal", Command: "late", Epoch: old}

	_, ok := f.server.CheckTriggers()
	assert.False(t, ok)
}

func TestServer_AddConditionErrorsLeavePollerAlone(t *testing.T) {
	f := newFixture(t, map[string]conditions.Predicate{"door_open()": newToggle(false)})

	err := f.server.AddCondition(nil, record("door_open"))
	assert.ErrorIs(t, err, conditions.ErrUnknownRoutine)
	assert.EqualError(t, err, "Unknown function: door_open")

	err = f.server.AddCondition(code("window_open()", false), record("window_open"))
	assert.ErrorIs(t, err, conditions.ErrInvalidCondition)

	noUser := record("door_open")
	noUser.UserName = ""
	err = f.server.AddCondition(code("door_open()", false), noUser)
	assert.ErrorIs(t, err, conditions.ErrInvalidCondition)

	assert.Equal(t, conditions.StateStopped.String(), f.server.Status().Poller)
	assert.Equal(t, 0, f.server.Status().Conditions)
}

func TestServer_SetIntervalAppliesToLaterPollers(t *testing.T) {
	door := newToggle(false)
	f := newFixture(t, map[string]conditions.Predicate{"door_open()": door})

	f.server.SetInterval(5 * time.Second)
	require.NoError(t, f.server.AddCondition(code("door_open()", false), record("door_open")))

	f.server.lifecycle.Lock()
	interval := f.server.poller.Interval()
	f.server.lifecycle.Unlock()
	assert.Equal(t, 5*time.Second, interval)

	f.server.SetInterval(0)
	f.server.lifecycle.Lock()
	interval = f.server.poller.Interval()
	f.server.lifecycle.Unlock()
	assert.Equal(t, 5*time.Second, interval)
}

func TestServer_RunDrainsAndStopsPoller(t *testing.T) {
	door := newToggle(true)
	pollerClock := newFakeClock()
	drainClock := newFakeClock()
	registry := conditions.NewRegistry(&stubCompiler{predicates: map[string]conditions.Predicate{"door_open()": door}}, conditions.RegistryOptions{})
	server := NewServer(registry, Config{
		Poller: conditions.PollerConfig{Interval: time.Hour, Clock: pollerClock},
		Clock:  drainClock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	require.NoError(t, server.AddCondition(code("door_open()", false), record("door_open")))
	waitCycle(t, server, door, 1)

	drainClock.tick(t, 1)
	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.buffer) == 1
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, conditions.StateStopped.String(), server.Status().Poller)

	msg, ok := server.CheckTriggers()
	require.True(t, ok)
	assert.Equal(t, "door_open", msg.Routine)
}
