// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package smartthings

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

// =============================================================================
// Capability Table
// =============================================================================

// volumeStep is the change applied by volumeUp and volumeDown.
const volumeStep = 5

// commandHandler validates a command's arguments and applies it to the
// call's component. Handlers look up every attribute they write before
// writing any of them.
type commandHandler func(c *call) *CommandError

type capabilitySpec struct {
	// guard runs before command dispatch.
	guard    func(c *call) *CommandError
	commands map[string]commandHandler
}

var capabilityTable = map[string]capabilitySpec{
	"switch": {commands: map[string]commandHandler{
		"on":  setSwitch,
		"off": setSwitch,
	}},
	"switchLevel": {commands: map[string]commandHandler{
		"setLevel": setLevel,
	}},
	"colorTemperature": {commands: map[string]commandHandler{
		"setColorTemperature": setColorTemperature,
	}},
	"colorControl": {commands: map[string]commandHandler{
		"setHue":        setHue,
		"setSaturation": setSaturation,
		"setColor":      setColor,
	}},
	"tvChannel": {commands: map[string]commandHandler{
		"setTvChannel": setTvChannel,
	}},
	"audioVolume": {commands: map[string]commandHandler{
		"setVolume":  setVolume,
		"volumeUp":   stepVolume(volumeStep),
		"volumeDown": stepVolume(-volumeStep),
	}},
	"refresh": {commands: map[string]commandHandler{
		"refresh": func(*call) *CommandError { return nil },
	}},
	"samsungce.dishwasherWashingCourse": {commands: map[string]commandHandler{
		"setWashingCourse": setWashingCourse,
	}},
	"execute": {commands: map[string]commandHandler{
		"start": startMachine,
	}},
	"dishwasherOperatingState": {commands: map[string]commandHandler{
		"setMachineState": setMachineState,
	}},
	"custom.thermostatSetpointControl": {commands: map[string]commandHandler{
		"setSetpoint": setSetpoint,
	}},
	"thermostatCoolingSetpoint": {
		guard: func(c *call) *CommandError {
			if c.componentID == "main" {
				return disallowed("The main component does not allow temperature reading or control")
			}
			return nil
		},
		commands: map[string]commandHandler{
			"setCoolingSetpoint": setCoolingSetpoint,
		},
	},
}

// SupportedCapabilities lists the capabilities the interpreter models.
func SupportedCapabilities() []string {
	out := make([]string, 0, len(capabilityTable))
	for name := range capabilityTable {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SupportedCommands lists the commands of a capability, or nil.
func SupportedCommands(capability string) []string {
	spec, ok := capabilityTable[capability]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(spec.commands))
	for name := range spec.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Handlers
// =============================================================================

func setSwitch(c *call) *CommandError {
	return c.set("switch", "switch", c.command)
}

func setLevel(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	level, ok := toInt(arg)
	if !ok {
		return invalidArgument("The switchLevel command expects an integer for the level argument.")
	}
	if level < 0 || level > 100 {
		return invalidArgument("The level value should be between 0-100")
	}
	return c.set("switchLevel", "level", intValue(level))
}

func setColorTemperature(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	if _, ok := toFloat(arg); !ok {
		return invalidArgument("The colorTemperature command expects a number.")
	}
	return c.set("colorTemperature", "colorTemperature", arg)
}

func setHue(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	if err := checkPercent("hue", arg); err != nil {
		return err
	}
	return c.set("colorControl", "hue", arg)
}

func setSaturation(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	if err := checkPercent("saturation", arg); err != nil {
		return err
	}
	return c.set("colorControl", "saturation", arg)
}

// setColor writes hue and saturation together or not at all.
func setColor(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	color, ok := arg.(map[string]any)
	if !ok {
		return invalidArgument("The setColor command expects an object with hue and saturation.")
	}
	hue, hasHue := color["hue"]
	sat, hasSat := color["saturation"]
	if !hasHue || !hasSat {
		return invalidArgument("The setColor command expects an object with hue and saturation.")
	}
	if err := checkPercent("hue", hue); err != nil {
		return err
	}
	if err := checkPercent("saturation", sat); err != nil {
		return err
	}
	hueAttr, err := c.attr("colorControl", "hue")
	if err != nil {
		return err
	}
	satAttr, err := c.attr("colorControl", "saturation")
	if err != nil {
		return err
	}
	c.write(hueAttr, hue)
	c.write(satAttr, sat)
	return nil
}

func setTvChannel(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	return c.set("tvChannel", "tvChannel", arg)
}

func setVolume(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	return c.set("audioVolume", "volume", arg)
}

func stepVolume(delta int64) commandHandler {
	return func(c *call) *CommandError {
		attr, err := c.attr("audioVolume", "volume")
		if err != nil {
			return err
		}
		current, ok := toFloat(attr["value"])
		if !ok {
			return invalidArgument("The current volume is not a number.")
		}
		c.write(attr, floatValue(current+float64(delta)))
		return nil
	}
}

func setWashingCourse(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	return c.set("samsungce.dishwasherWashingCourse", "washingCourse", arg)
}

func startMachine(c *call) *CommandError {
	return c.set("dishwasherOperatingState", "machineState", "run")
}

func setMachineState(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	return c.set("dishwasherOperatingState", "machineState", arg)
}

func setSetpoint(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	if _, ok := toFloat(arg); !ok {
		return invalidArgument("The setSetpoint command expects a number.")
	}
	return c.set("temperatureMeasurement", "temperature", arg)
}

func setCoolingSetpoint(c *call) *CommandError {
	arg, err := c.arg(0)
	if err != nil {
		return err
	}
	if _, ok := toFloat(arg); !ok {
		return invalidArgument("The setCoolingSetpoint command expects a number.")
	}
	setpoint, err := c.attr("thermostatCoolingSetpoint", "coolingSetpoint")
	if err != nil {
		return err
	}
	temperature, err := c.attr("temperatureMeasurement", "temperature")
	if err != nil {
		return err
	}
	c.write(setpoint, arg)
	c.write(temperature, arg)
	return nil
}

// =============================================================================
// Call Context
// =============================================================================

// call is one command being applied to a private copy of a component.
type call struct {
	componentID string
	component   devicestate.Component
	command     string
	args        []any
	now         time.Time
	mutated     bool
}

func (c *call) arg(i int) (any, *CommandError) {
	if i >= len(c.args) || c.args[i] == nil {
		return nil, invalidArgument("The %s command expects %d argument(s).", c.command, i+1)
	}
	return c.args[i], nil
}

func (c *call) attr(capability, attribute string) (devicestate.Attribute, *CommandError) {
	cp, ok := c.component[capability]
	if !ok {
		return nil, notFound(CodeUnknownCapability, "The capability %s is not present on component %s.", capability, c.componentID)
	}
	attr, ok := cp[attribute]
	if !ok || attr == nil {
		return nil, notFound(CodeUnknownAttribute, "The attribute %s.%s is not present on component %s.", capability, attribute, c.componentID)
	}
	return attr, nil
}

func (c *call) set(capability, attribute string, value any) *CommandError {
	attr, err := c.attr(capability, attribute)
	if err != nil {
		return err
	}
	c.write(attr, value)
	return nil
}

// write sets the attribute value and refreshes its timestamp when the
// attribute carries one.
func (c *call) write(attr devicestate.Attribute, value any) {
	attr["value"] = value
	if _, ok := attr["timestamp"]; ok {
		attr["timestamp"] = c.now.UTC().Format(time.RFC3339Nano)
	}
	c.mutated = true
}

// =============================================================================
// Argument Coercion
// =============================================================================

// toInt accepts integral JSON numbers and Go integers. Floats are
// rejected even when integral: 50.0 is not an integer level.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func checkPercent(name string, v any) *CommandError {
	f, ok := toFloat(v)
	if !ok || f < 0 || f > 100 {
		return invalidArgument("The %s value should be in percentage between 0-100", name)
	}
	return nil
}

func intValue(i int64) json.Number {
	return json.Number(strconv.FormatInt(i, 10))
}

func floatValue(f float64) json.Number {
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}
