// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devicestate_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
	"github.com/SAIC-MONTREAL/SAGE/services/devicestate/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) devicestate.Store {
		return devicestate.NewMemoryStore()
	})
}

func TestDecode_KeepsIntegersDistinct(t *testing.T) {
	tree, err := devicestate.Decode([]byte(`{"d":{"main":{"switchLevel":{"level":{"value":40}},"colorTemperature":{"colorTemperature":{"value":2700.5}}}}}`))
	require.NoError(t, err)

	level, ok := tree.Value("d", "main", "switchLevel", "level")
	require.True(t, ok)
	assert.Equal(t, json.Number("40"), level)

	temp, ok := tree.Value("d", "main", "colorTemperature", "colorTemperature")
	require.True(t, ok)
	assert.Equal(t, json.Number("2700.5"), temp)
}

func TestDecode_RejectsTrailingData(t *testing.T) {
	_, err := devicestate.Decode([]byte(`{} {}`))
	assert.Error(t, err)
}

func TestEncode_IsDeterministic(t *testing.T) {
	a, err := devicestate.Encode(storetest.SampleTree())
	require.NoError(t, err)
	b, err := devicestate.Encode(storetest.SampleTree())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTree_ValueMissingPath(t *testing.T) {
	tree := storetest.SampleTree()
	_, ok := tree.Value("light-1", "main", "colorControl", "hue")
	assert.False(t, ok)
	_, ok = tree.Value("nope", "main", "switch", "switch")
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	got, err := devicestate.Normalize(map[string]any{"open": true, "temp": 41})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"open": true, "temp": json.Number("41")}, got)
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, devicestate.ValidateSessionID("-1"))
	assert.NoError(t, devicestate.ValidateSessionID("3f1c1f3e-9a4e-4d3f-8d83-f3a4d0e1c9a2"))
	assert.ErrorIs(t, devicestate.ValidateSessionID("  "), devicestate.ErrInvalidSession)
	assert.ErrorIs(t, devicestate.ValidateSessionID("a/b"), devicestate.ErrInvalidSession)
}
