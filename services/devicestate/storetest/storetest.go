// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storetest is a conformance suite every devicestate.Store
// backend runs from its own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) devicestate.Store

// SampleTree returns a small home with a light and a fridge.
func SampleTree() devicestate.Tree {
	return devicestate.Tree{
		"light-1": {
			"main": {
				"switch":      {"switch": {"value": "off"}},
				"switchLevel": {"level": {"value": json.Number("40"), "unit": "%"}},
			},
		},
		"fridge-1": {
			"main":   {"contactSensor": {"contact": {"value": "closed"}}},
			"cooler": {"temperatureMeasurement": {"temperature": {"value": json.Number("37"), "unit": "F"}}},
		},
	}
}

// Run executes the conformance suite against the backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetUnknownSession", func(t *testing.T) {
		s := open(t, newStore)
		_, err := s.Get(context.Background(), "nobody")
		assert.ErrorIs(t, err, devicestate.ErrNotFound)
	})

	t.Run("SetThenGet", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "session-a", SampleTree()))

		got, err := s.Get(ctx, "session-a")
		require.NoError(t, err)
		assert.Equal(t, SampleTree(), got)
	})

	t.Run("SetReplaces", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "session-a", SampleTree()))
		require.NoError(t, s.Set(ctx, "session-a", devicestate.Tree{"tv": {"main": {}}}))

		got, err := s.Get(ctx, "session-a")
		require.NoError(t, err)
		assert.Equal(t, devicestate.Tree{"tv": {"main": {}}}, got)
	})

	t.Run("SessionsAreIsolated", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "session-a", SampleTree()))
		other := SampleTree()
		other["light-1"]["main"]["switch"]["switch"]["value"] = "on"
		require.NoError(t, s.Set(ctx, "session-b", other))

		a, err := s.Get(ctx, "session-a")
		require.NoError(t, err)
		v, _ := a.Value("light-1", "main", "switch", "switch")
		assert.Equal(t, "off", v)
	})

	t.Run("GetReturnsPrivateCopy", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "session-a", SampleTree()))

		first, err := s.Get(ctx, "session-a")
		require.NoError(t, err)
		first["light-1"]["main"]["switch"]["switch"]["value"] = "on"

		second, err := s.Get(ctx, "session-a")
		require.NoError(t, err)
		v, _ := second.Value("light-1", "main", "switch", "switch")
		assert.Equal(t, "off", v)
	})

	t.Run("UpdateAppliesFunction", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "session-a", SampleTree()))

		out, err := s.Update(ctx, "session-a", func(tree devicestate.Tree) (devicestate.Tree, error) {
			tree["light-1"]["main"]["switch"]["switch"]["value"] = "on"
			return tree, nil
		})
		require.NoError(t, err)
		v, _ := out.Value("light-1", "main", "switch", "switch")
		assert.Equal(t, "on", v)

		stored, err := s.Get(ctx, "session-a")
		require.NoError(t, err)
		assert.Equal(t, out, stored)
	})

	t.Run("UpdateErrorLeavesTreeUntouched", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "session-a", SampleTree()))
		before, err := s.Get(ctx, "session-a")
		require.NoError(t, err)
		beforeBytes, err := devicestate.Encode(before)
		require.NoError(t, err)

		boom := errors.New("rejected")
		_, err = s.Update(ctx, "session-a", func(tree devicestate.Tree) (devicestate.Tree, error) {
			tree["light-1"]["main"]["switch"]["switch"]["value"] = "spin"
			return nil, boom
		})
		require.ErrorIs(t, err, boom)

		after, err := s.Get(ctx, "session-a")
		require.NoError(t, err)
		afterBytes, err := devicestate.Encode(after)
		require.NoError(t, err)
		assert.Equal(t, beforeBytes, afterBytes)
	})

	t.Run("UpdateUnknownSession", func(t *testing.T) {
		s := open(t, newStore)
		called := false
		_, err := s.Update(context.Background(), "nobody", func(tree devicestate.Tree) (devicestate.Tree, error) {
			called = true
			return tree, nil
		})
		assert.ErrorIs(t, err, devicestate.ErrNotFound)
		assert.False(t, called)
	})

	t.Run("ConcurrentUpdatesAreSerialized", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "session-a", devicestate.Tree{
			"counter": {"main": {"audioVolume": {"volume": {"value": json.Number("0")}}}},
		}))

		const writers = 10
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "session-a", func(tree devicestate.Tree) (devicestate.Tree, error) {
					attr := tree["counter"]["main"]["audioVolume"]["volume"]
					n, err := attr["value"].(json.Number).Int64()
					if err != nil {
						return nil, err
					}
					attr["value"] = json.Number(fmt.Sprint(n + 1))
					return tree, nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
			} else {
				require.ErrorIs(t, err, devicestate.ErrConflict)
			}
		}
		got, err := s.Get(ctx, "session-a")
		require.NoError(t, err)
		v, _ := got.Value("counter", "main", "audioVolume", "volume")
		assert.Equal(t, json.Number(fmt.Sprint(succeeded)), v)
	})

	t.Run("DeleteRemovesTreeAndLogs", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "session-a", SampleTree()))
		require.NoError(t, s.AddLog(ctx, "session-a", devicestate.LogEntry{Kind: devicestate.LogKindNote}))

		require.NoError(t, s.Delete(ctx, "session-a"))
		_, err := s.Get(ctx, "session-a")
		assert.ErrorIs(t, err, devicestate.ErrNotFound)
		logs, err := s.Logs(ctx, "session-a")
		require.NoError(t, err)
		assert.Empty(t, logs)

		assert.NoError(t, s.Delete(ctx, "never-existed"))
	})

	t.Run("LogsKeepInsertionOrder", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.AddLog(ctx, "session-a", devicestate.LogEntry{
				Kind: devicestate.LogKindCommand,
				Data: map[string]any{"seq": fmt.Sprint(i)},
			}))
		}
		require.NoError(t, s.AddLog(ctx, "session-b", devicestate.LogEntry{}))

		logs, err := s.Logs(ctx, "session-a")
		require.NoError(t, err)
		require.Len(t, logs, 5)
		for i, entry := range logs {
			assert.Equal(t, fmt.Sprint(i), entry.Data["seq"])
			assert.NotEmpty(t, entry.ID)
			assert.False(t, entry.Timestamp.IsZero())
		}
	})

	t.Run("RejectsInvalidSession", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		assert.ErrorIs(t, s.Set(ctx, "", SampleTree()), devicestate.ErrInvalidSession)
		_, err := s.Get(ctx, "a/b")
		assert.ErrorIs(t, err, devicestate.ErrInvalidSession)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := open(t, newStore)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Get(ctx, "session-a")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func open(t *testing.T, newStore Factory) devicestate.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
