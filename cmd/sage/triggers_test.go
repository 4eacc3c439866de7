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
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeFiles(files map[string]string) func(string) ([]byte, error) {
	return func(name string) ([]byte, error) {
		data, ok := files[name]
		if !ok {
			return nil, fs.ErrNotExist
		}
		return []byte(data), nil
	}
}

func TestBuildAddRequest_FromFlags(t *testing.T) {
	opts := addFlags{
		function:   "door_open",
		defineFile: "door.star",
		notifyWhen: "true",
		lastResult: "false",
		action:     "tell amal to close the fridge",
		user:       "amal",
		session:    "demo",
	}
	req, err := buildAddRequest(opts, fakeFiles(map[string]string{"door.star": "def door_open(): return True"}), nil)
	require.NoError(t, err)

	entry := req.Code["door_open"]
	assert.Equal(t, "def door_open(): return True", entry.CodeDefine)
	assert.Equal(t, "door_open()", entry.CodeRun)
	assert.Equal(t, false, entry.LastResult)
	assert.Equal(t, "demo", entry.SessionID)
	assert.Equal(t, true, req.Condition.NotifyWhen)
	assert.Equal(t, "amal", req.Condition.UserName)
}

func TestBuildAddRequest_FromFileAndStdin(t *testing.T) {
	body := `{"code": {"door_open": {"code_define": "", "code_run": "door_open()", "last_result": null}},
	          "condition": {"function_name": "door_open", "notify_when": "open",
	                        "action_description": "x", "user_name": "amal"}}`

	req, err := buildAddRequest(addFlags{file: "req.json"}, fakeFiles(map[string]string{"req.json": body}), nil)
	require.NoError(t, err)
	assert.Equal(t, "open", req.Condition.NotifyWhen)
	assert.Contains(t, req.Code, "door_open")

	req, err = buildAddRequest(addFlags{file: "-"}, nil, strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "door_open", req.Condition.FunctionName)
}

func TestBuildAddRequest_Errors(t *testing.T) {
	files := fakeFiles(map[string]string{"bad.json": `{"code": `})

	_, err := buildAddRequest(addFlags{}, files, nil)
	assert.ErrorContains(t, err, "--file or --function")

	_, err = buildAddRequest(addFlags{file: "missing.json"}, files, nil)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = buildAddRequest(addFlags{file: "bad.json"}, files, nil)
	assert.ErrorContains(t, err, "parse bad.json")

	_, err = buildAddRequest(addFlags{function: "f", notifyWhen: " "}, files, nil)
	assert.ErrorContains(t, err, "--notify-when")
}

func TestParseJSONFlag(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"true", true},
		{"null", nil},
		{"72", json.Number("72")},
		{`"open"`, "open"},
		{"open", "open"},
	}
	for _, tt := range tests {
		got, err := parseJSONFlag("x", tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestParseCommandArgs(t *testing.T) {
	assert.Nil(t, parseCommandArgs(nil))
	assert.Equal(t,
		[]any{json.Number("50"), "warm", "cool", map[string]any{"hue": json.Number("10")}},
		parseCommandArgs([]string{"50", "warm", `"cool"`, `{"hue": 10}`}))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "null", formatValue(nil))
	assert.Equal(t, `"open"`, formatValue("open"))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, `{a: 1, b: "x"}`, formatValue(map[string]any{"b": "x", "a": json.Number("1")}))
}
