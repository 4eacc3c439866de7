// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/SAIC-MONTREAL/SAGE/services/smartthings"
)

// Transport performs device API calls for a routine.
// *smartthings.Transport satisfies it.
type Transport interface {
	Do(ctx context.Context, sessionID, method, url string, body []byte) (smartthings.Response, error)
}

const (
	localContext = "sage.context"
	localSession = "sage.session"
)

// requestsModule builds the `requests` module: get(url, headers=None,
// params=None) and post(url, json=None, headers=None). The device API takes
// no query values, so a non-empty params is an error. Both return a
// response struct with status_code, ok, text and a json() method.
func requestsModule(transport Transport) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "requests",
		Members: starlark.StringDict{
			"get":  starlark.NewBuiltin("get", requestBuiltin(transport, http.MethodGet)),
			"post": starlark.NewBuiltin("post", requestBuiltin(transport, http.MethodPost)),
		},
	}
}

type builtinFunc func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func requestBuiltin(transport Transport, method string) builtinFunc {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			url     string
			headers starlark.Value = starlark.None
			params  starlark.Value = starlark.None
			payload starlark.Value = starlark.None
		)
		var err error
		if method == http.MethodGet {
			err = starlark.UnpackArgs(fn.Name(), args, kwargs, "url", &url, "headers?", &headers, "params?", &params)
		} else {
			err = starlark.UnpackArgs(fn.Name(), args, kwargs, "url", &url, "json?", &payload, "headers?", &headers)
		}
		if err != nil {
			return nil, err
		}
		if hasParams(params) {
			return nil, fmt.Errorf("%s: params are not supported by the device API", fn.Name())
		}

		var body []byte
		if payload != starlark.None {
			data, err := fromStarlark(payload)
			if err != nil {
				return nil, fmt.Errorf("%s: json: %w", fn.Name(), err)
			}
			if body, err = json.Marshal(data); err != nil {
				return nil, fmt.Errorf("%s: json: %w", fn.Name(), err)
			}
		}

		ctx, _ := thread.Local(localContext).(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}
		sessionID, _ := thread.Local(localSession).(string)

		resp, err := transport.Do(ctx, sessionID, method, url, body)
		if errors.Is(err, smartthings.ErrUnroutable) {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", fn.Name(), url, err)
		}
		return newResponse(resp)
	}
}

// hasParams reports whether a params argument carries query values. None
// and empty containers carry nothing.
func hasParams(v starlark.Value) bool {
	if v == starlark.None {
		return false
	}
	if s, ok := v.(starlark.Sequence); ok {
		return s.Len() > 0
	}
	if m, ok := v.(starlark.IterableMapping); ok {
		return len(m.Items()) > 0
	}
	return true
}

func newResponse(resp smartthings.Response) (starlark.Value, error) {
	payload, err := toStarlark(resp.Body)
	if err != nil {
		return nil, err
	}
	text, err := json.Marshal(resp.Body)
	if err != nil {
		return nil, err
	}
	jsonFn := starlark.NewBuiltin("json", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 0); err != nil {
			return nil, err
		}
		return payload, nil
	})
	return starlarkstruct.FromStringDict(starlark.String("response"), starlark.StringDict{
		"status_code": starlark.MakeInt(resp.Status),
		"ok":          starlark.Bool(resp.Status < http.StatusBadRequest),
		"text":        starlark.String(text),
		"json":        jsonFn,
	}), nil
}
