// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package smartthings_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
	"github.com/SAIC-MONTREAL/SAGE/services/observability"
	"github.com/SAIC-MONTREAL/SAGE/services/smartthings"
)

const session = "test-session"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// homeTree is a small home: a dimmable color light, a tv, a fridge with a
// cooler compartment and a dishwasher.
func homeTree() devicestate.Tree {
	return devicestate.Tree{
		"light-1": {
			"main": {
				"label":            {"label": {"value": "Kitchen light"}},
				"switch":           {"switch": {"value": "off", "timestamp": "2025-01-01T00:00:00Z"}},
				"switchLevel":      {"level": {"value": json.Number("40"), "unit": "%"}},
				"colorControl":     {"hue": {"value": json.Number("10")}, "saturation": {"value": json.Number("20")}},
				"colorTemperature": {"colorTemperature": {"value": json.Number("3000"), "unit": "K"}},
			},
		},
		"tv-1": {
			"main": {
				"switch":      {"switch": {"value": "on"}},
				"audioVolume": {"volume": {"value": json.Number("98"), "unit": "%"}},
				"tvChannel":   {"tvChannel": {"value": "5"}},
			},
		},
		"fridge-1": {
			"main": {
				"contactSensor":             {"contact": {"value": "closed"}},
				"thermostatCoolingSetpoint": {"coolingSetpoint": {"value": json.Number("37")}},
			},
			"cooler": {
				"thermostatCoolingSetpoint": {"coolingSetpoint": {"value": json.Number("37"), "unit": "F"}},
				"temperatureMeasurement":    {"temperature": {"value": json.Number("37"), "unit": "F"}},
			},
		},
		"dishwasher-1": {
			"main": {
				"samsungce.dishwasherWashingCourse": {"washingCourse": {"value": "auto"}},
				"dishwasherOperatingState":          {"machineState": {"value": "stop"}},
				"execute":                           {},
			},
		},
	}
}

func newInterpreter(t *testing.T, opts smartthings.Options) (*smartthings.Interpreter, devicestate.Store) {
	t.Helper()
	store := devicestate.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Set(context.Background(), session, homeTree()))
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	return smartthings.NewInterpreter(store, opts), store
}

func snapshot(t *testing.T, store devicestate.Store) []byte {
	t.Helper()
	tree, err := store.Get(context.Background(), session)
	require.NoError(t, err)
	data, err := devicestate.Encode(tree)
	require.NoError(t, err)
	return data
}

func value(t *testing.T, store devicestate.Store, device, component, capability, attribute string) any {
	t.Helper()
	tree, err := store.Get(context.Background(), session)
	require.NoError(t, err)
	v, ok := tree.Value(device, component, capability, attribute)
	require.True(t, ok, "missing %s/%s/%s/%s", device, component, capability, attribute)
	return v
}

// =============================================================================
// Apply Tests
// =============================================================================

func TestApply_SwitchOnThenInvalidCommand(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	ctx := context.Background()

	res, err := in.ApplyOne(ctx, session, "light-1", "main", "switch", "on")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, []string{smartthings.MessageSuccess}, res.Messages)
	assert.Equal(t, "on", value(t, store, "light-1", "main", "switch", "switch"))

	attr, ok := res.Tree.Attribute("light-1", "main", "switch", "switch")
	require.True(t, ok)
	assert.Equal(t, fixedNow.Format(time.RFC3339Nano), attr["timestamp"])

	before := snapshot(t, store)
	res, err = in.ApplyOne(ctx, session, "light-1", "main", "switch", "spin")
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, []string{"An error occurred: Invalid command: spin for the capability switch"}, res.Messages)
	assert.Equal(t, smartthings.CodeInvalidCommand, res.Err.Code)
	assert.ErrorIs(t, res.Err, smartthings.ErrValidation)
	assert.Equal(t, before, snapshot(t, store))
}

func TestApply_SetLevel(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	ctx := context.Background()

	res, err := in.ApplyOne(ctx, session, "light-1", "", "switchLevel", "setLevel", json.Number("75"))
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, json.Number("75"), value(t, store, "light-1", "main", "switchLevel", "level"))

	before := snapshot(t, store)
	for _, arg := range []any{"red", json.Number("50.5"), json.Number("101"), json.Number("-1"), nil} {
		res, err = in.ApplyOne(ctx, session, "light-1", "main", "switchLevel", "setLevel", arg)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, res.Status, "arg %v", arg)
		assert.Equal(t, smartthings.CodeInvalidArgument, res.Err.Code)
	}
	assert.Equal(t, before, snapshot(t, store))
}

func TestApply_HueOutOfRange(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	before := snapshot(t, store)

	res, err := in.ApplyOne(context.Background(), session, "light-1", "main", "colorControl", "setHue", json.Number("150"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, []string{"An error occurred: The hue value should be in percentage between 0-100"}, res.Messages)
	assert.Equal(t, before, snapshot(t, store))
}

func TestApply_SetColorIsAtomic(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	ctx := context.Background()
	before := snapshot(t, store)

	bad := map[string]any{"hue": json.Number("50"), "saturation": json.Number("120")}
	res, err := in.ApplyOne(ctx, session, "light-1", "main", "colorControl", "setColor", bad)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, before, snapshot(t, store))

	good := map[string]any{"hue": json.Number("50"), "saturation": json.Number("60")}
	res, err = in.ApplyOne(ctx, session, "light-1", "main", "colorControl", "setColor", good)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, json.Number("50"), value(t, store, "light-1", "main", "colorControl", "hue"))
	assert.Equal(t, json.Number("60"), value(t, store, "light-1", "main", "colorControl", "saturation"))
}

func TestApply_MultiCommandRequestIsAtomic(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	before := snapshot(t, store)

	res, err := in.Apply(context.Background(), session, "light-1", []smartthings.Command{
		{Capability: "switch", Command: "on"},
		{Capability: "switchLevel", Command: "setLevel", Arguments: []any{"bright"}},
	})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, before, snapshot(t, store))
}

func TestApply_CoolingSetpoint(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	ctx := context.Background()
	before := snapshot(t, store)

	res, err := in.ApplyOne(ctx, session, "fridge-1", "main", "thermostatCoolingSetpoint", "setCoolingSetpoint", json.Number("33"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.Equal(t, []string{"An error occurred: The main component does not allow temperature reading or control"}, res.Messages)
	assert.ErrorIs(t, res.Err, smartthings.ErrDomain)
	assert.Equal(t, before, snapshot(t, store))

	res, err = in.ApplyOne(ctx, session, "fridge-1", "cooler", "thermostatCoolingSetpoint", "setCoolingSetpoint", json.Number("33"))
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, json.Number("33"), value(t, store, "fridge-1", "cooler", "thermostatCoolingSetpoint", "coolingSetpoint"))
	assert.Equal(t, json.Number("33"), value(t, store, "fridge-1", "cooler", "temperatureMeasurement", "temperature"))
}

func TestApply_UnsupportedCapability(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	before := snapshot(t, store)

	res, err := in.ApplyOne(context.Background(), session, "light-1", "main", "ovenMode", "setOvenMode", "bake")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, []string{smartthings.MessageNotSupported}, res.Messages)
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, smartthings.ErrNotSupported)
	assert.Equal(t, before, snapshot(t, store))
}

func TestApply_NotFound(t *testing.T) {
	in, _ := newInterpreter(t, smartthings.Options{})
	ctx := context.Background()

	tests := []struct {
		name     string
		session  string
		device   string
		comp     string
		code     string
		contains string
	}{
		{"unknown device", session, "toaster", "main", smartthings.CodeUnknownDevice, "no such device"},
		{"unknown component", session, "light-1", "freezer", smartthings.CodeUnsupportedComponent, "The component freezer is not supported."},
		{"unknown session", "nobody", "light-1", "main", smartthings.CodeUnknownDevice, "no device state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := in.ApplyOne(ctx, tt.session, tt.device, tt.comp, "switch", "on")
			require.NoError(t, err)
			assert.Equal(t, http.StatusNotFound, res.Status)
			assert.Equal(t, tt.code, res.Err.Code)
			require.Len(t, res.Messages, 1)
			assert.Contains(t, res.Messages[0], tt.contains)
		})
	}
}

func TestApply_MissingAttribute(t *testing.T) {
	in, _ := newInterpreter(t, smartthings.Options{})

	res, err := in.ApplyOne(context.Background(), session, "fridge-1", "main", "switch", "on")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, smartthings.CodeUnknownCapability, res.Err.Code)
}

func TestApply_Volume(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	ctx := context.Background()

	res, err := in.ApplyOne(ctx, session, "tv-1", "main", "audioVolume", "volumeUp")
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, json.Number("103"), value(t, store, "tv-1", "main", "audioVolume", "volume"), "steps are not clamped")

	for _, want := range []string{"98", "93"} {
		res, err = in.ApplyOne(ctx, session, "tv-1", "main", "audioVolume", "volumeDown")
		require.NoError(t, err)
		require.True(t, res.OK())
		assert.Equal(t, json.Number(want), value(t, store, "tv-1", "main", "audioVolume", "volume"))
	}

	res, err = in.ApplyOne(ctx, session, "tv-1", "main", "audioVolume", "setVolume", json.Number("7"))
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, json.Number("7"), value(t, store, "tv-1", "main", "audioVolume", "volume"))

	res, err = in.ApplyOne(ctx, session, "tv-1", "main", "audioVolume", "setVolume", json.Number("170"))
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, json.Number("170"), value(t, store, "tv-1", "main", "audioVolume", "volume"))

	res, err = in.ApplyOne(ctx, session, "tv-1", "main", "audioVolume", "volumeUp")
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, json.Number("175"), value(t, store, "tv-1", "main", "audioVolume", "volume"))
}

func TestApply_Dishwasher(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	ctx := context.Background()

	res, err := in.Apply(ctx, session, "dishwasher-1", []smartthings.Command{
		{Capability: "samsungce.dishwasherWashingCourse", Command: "setWashingCourse", Arguments: []any{"eco"}},
		{Capability: "execute", Command: "start"},
	})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, "eco", value(t, store, "dishwasher-1", "main", "samsungce.dishwasherWashingCourse", "washingCourse"))
	assert.Equal(t, "run", value(t, store, "dishwasher-1", "main", "dishwasherOperatingState", "machineState"))
}

func TestApply_RefreshLeavesTreeUntouched(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{})
	before := snapshot(t, store)

	res, err := in.ApplyOne(context.Background(), session, "light-1", "main", "refresh", "refresh")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, before, snapshot(t, store))
	assert.NotNil(t, res.Tree)
}

func TestApply_MalformedRequest(t *testing.T) {
	in, _ := newInterpreter(t, smartthings.Options{})
	ctx := context.Background()

	res, err := in.Apply(ctx, session, "light-1", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.Status)

	res, err = in.Apply(ctx, session, "light-1", []smartthings.Command{{Command: "on"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, smartthings.CodeInvalidCommand, res.Err.Code)
}

func TestApply_RateLimited(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{RateLimit: 0.001, Burst: 1})
	ctx := context.Background()

	res, err := in.ApplyOne(ctx, session, "light-1", "main", "switch", "on")
	require.NoError(t, err)
	require.True(t, res.OK())

	before := snapshot(t, store)
	res, err = in.ApplyOne(ctx, session, "light-1", "main", "switch", "off")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.Status)
	assert.ErrorIs(t, res.Err, smartthings.ErrRateLimited)
	assert.Equal(t, before, snapshot(t, store))

	require.NoError(t, store.Set(ctx, "other", homeTree()))
	res, err = in.ApplyOne(ctx, "other", "light-1", "main", "switch", "on")
	require.NoError(t, err)
	assert.True(t, res.OK(), "limits are per session")
}

func TestApply_AuditLog(t *testing.T) {
	in, store := newInterpreter(t, smartthings.Options{AuditLog: true})
	ctx := context.Background()

	_, err := in.ApplyOne(ctx, session, "light-1", "main", "switch", "on")
	require.NoError(t, err)
	_, err = in.ApplyOne(ctx, session, "light-1", "main", "switch", "spin")
	require.NoError(t, err)

	logs, err := store.Logs(ctx, session)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, devicestate.LogKindCommand, logs[0].Kind)
	assert.Equal(t, http.StatusOK, logs[0].Data["status"])
	assert.Equal(t, http.StatusBadRequest, logs[1].Data["status"])
}

func TestApply_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	in, _ := newInterpreter(t, smartthings.Options{Metrics: metrics})
	ctx := context.Background()

	_, err := in.ApplyOne(ctx, session, "light-1", "main", "switch", "on")
	require.NoError(t, err)
	_, err = in.ApplyOne(ctx, session, "light-1", "main", "switch", "spin")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeviceCommandsTotal.WithLabelValues("switch", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeviceCommandsTotal.WithLabelValues("switch", "validation")))
}

func TestApply_CancelledContext(t *testing.T) {
	in, _ := newInterpreter(t, smartthings.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := in.ApplyOne(ctx, session, "light-1", "main", "switch", "on")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

// =============================================================================
// Read Tests
// =============================================================================

func TestListDevices(t *testing.T) {
	in, _ := newInterpreter(t, smartthings.Options{})

	devices, err := in.ListDevices(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, devices, 4)
	assert.Equal(t, "dishwasher-1", devices[0].DeviceID)
	assert.Equal(t, "light-1", devices[2].DeviceID)
	assert.Equal(t, "Kitchen light", devices[2].Label)
	require.Len(t, devices[1].Components, 2)
	assert.Equal(t, "cooler", devices[1].Components[0].ID)
}

func TestCapabilityStatus(t *testing.T) {
	in, _ := newInterpreter(t, smartthings.Options{})
	ctx := context.Background()

	capability, err := in.CapabilityStatus(ctx, session, "light-1", "main", "switch")
	require.NoError(t, err)
	assert.Equal(t, "off", capability["switch"]["value"])

	_, err = in.CapabilityStatus(ctx, session, "light-1", "main", "ovenMode")
	assert.ErrorIs(t, err, smartthings.ErrNotFound)

	_, err = in.DeviceStatus(ctx, "nobody", "light-1")
	assert.ErrorIs(t, err, devicestate.ErrNotFound)
}

func TestSupportedCapabilities(t *testing.T) {
	caps := smartthings.SupportedCapabilities()
	assert.Contains(t, caps, "switch")
	assert.Contains(t, caps, "thermostatCoolingSetpoint")
	assert.Equal(t, []string{"setColor", "setHue", "setSaturation"}, smartthings.SupportedCommands("colorControl"))
	assert.Nil(t, smartthings.SupportedCommands("ovenMode"))
}
