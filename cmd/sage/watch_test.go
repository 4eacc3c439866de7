// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAIC-MONTREAL/SAGE/pkg/ux"
	"github.com/SAIC-MONTREAL/SAGE/services/triggers"
)

func queuePoll(queue ...triggers.TriggerResponse) pollFunc {
	return func(context.Context) (triggers.TriggerResponse, bool, error) {
		if len(queue) == 0 {
			return triggers.TriggerResponse{}, false, nil
		}
		head := queue[0]
		queue = queue[1:]
		return head, true, nil
	}
}

func update(t *testing.T, m watchModel, msg tea.Msg) (watchModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	wm, ok := next.(watchModel)
	require.True(t, ok)
	return wm, cmd
}

func TestWatchModel_PollsUntilEmpty(t *testing.T) {
	m := newWatchModel(queuePoll(
		triggers.TriggerResponse{User: "amal", Command: "close the fridge"},
		triggers.TriggerResponse{User: "dana", Command: "turn off the tv"},
	), time.Second, "http://localhost:6789")

	// Drive the poll loop by hand: each received trigger asks for another
	// poll right away.
	msg := m.pollCmd()()
	for i := 0; i < 3; i++ {
		var cmd tea.Cmd
		m, cmd = update(t, m, msg)
		require.NotNil(t, cmd)
		if tm, ok := msg.(triggerMsg); ok && !tm.ok {
			break
		}
		msg = cmd()
	}

	require.Len(t, m.received, 2)
	assert.Equal(t, 2, m.total)
	view := m.View()
	assert.Contains(t, view, "amal")
	assert.Contains(t, view, "turn off the tv")
	assert.Contains(t, view, "q to quit")
}

func TestWatchModel_KeepsRecentTriggers(t *testing.T) {
	m := newWatchModel(queuePoll(), time.Second, "x")
	for i := 0; i < maxShown+5; i++ {
		m, _ = update(t, m, triggerMsg{resp: triggers.TriggerResponse{User: "u", Command: fmt.Sprint(i)}, ok: true})
	}
	assert.Len(t, m.received, maxShown)
	assert.Equal(t, "5", m.received[0].Command)
	assert.Contains(t, m.View(), "(5 older not shown)")
}

func TestWatchModel_ErrorsAreShownAndCleared(t *testing.T) {
	m := newWatchModel(queuePoll(), time.Second, "x")

	m, cmd := update(t, m, pollErrMsg{err: errors.New("connection refused")})
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "connection refused")

	m, _ = update(t, m, triggerMsg{ok: false})
	assert.NotContains(t, m.View(), "connection refused")
}

func TestWatchModel_Quit(t *testing.T) {
	m := newWatchModel(queuePoll(), time.Second, "x")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, m.quitting)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.NotContains(t, m.View(), "q to quit")
}

func TestWatchPlain_PrintsUntilCancelled(t *testing.T) {
	var out bytes.Buffer
	printer = ux.NewPrinter(&out, &out, ux.ModeMachine)

	ctx, cancel := context.WithCancel(context.Background())
	poll := queuePoll(triggers.TriggerResponse{User: "amal", Command: "close the fridge"})
	calls := 0
	counting := func(ctx context.Context) (triggers.TriggerResponse, bool, error) {
		calls++
		if calls == 3 {
			cancel()
		}
		return poll(ctx)
	}

	require.NoError(t, watchPlain(ctx, counting, time.Millisecond))
	assert.JSONEq(t, `{"user": "amal", "command": "close the fridge"}`, out.String())
}
