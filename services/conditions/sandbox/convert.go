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
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

// toStarlark converts a Go value into a Starlark value. The value is first
// normalized to decoded-JSON form, so any JSON-encodable Go value works.
func toStarlark(v any) (starlark.Value, error) {
	normalized, err := devicestate.Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("convert %T to starlark: %w", v, err)
	}
	return jsonToStarlark(normalized)
}

func jsonToStarlark(v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case string:
		return starlark.String(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("convert number %s: %w", v, err)
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := jsonToStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(v))
		for _, k := range keys {
			sv, err := jsonToStarlark(v[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported value for starlark: %T", v)
}

// Bounds on values leaving the sandbox. Conversion runs outside the
// thread's step budget, so it carries its own limits.
const (
	maxConvertDepth    = 64
	maxConvertElements = 100_000
)

// fromStarlark converts a Starlark value into plain Go data: nil, bool,
// int64, float64, string, []any and map[string]any. Cyclic values, nesting
// deeper than maxConvertDepth and more than maxConvertElements values in
// total are errors.
func fromStarlark(v starlark.Value) (any, error) {
	c := &converter{path: make(map[any]struct{})}
	return c.convert(v, 0)
}

// converter holds the state of one fromStarlark call. path holds the
// containers between the root and the value being converted.
type converter struct {
	path  map[any]struct{}
	count int
}

func (c *converter) enter(v starlark.Value, depth int) error {
	if depth >= maxConvertDepth {
		return fmt.Errorf("value nested deeper than %d levels", maxConvertDepth)
	}
	key, mutable := identity(v)
	if !mutable {
		return nil
	}
	if _, seen := c.path[key]; seen {
		return fmt.Errorf("cyclic %s value", v.Type())
	}
	c.path[key] = struct{}{}
	return nil
}

func (c *converter) leave(v starlark.Value) {
	if key, mutable := identity(v); mutable {
		delete(c.path, key)
	}
}

// identity returns the pointer of the container types that can hold a
// reference to themselves. Tuples and ranges are not comparable map keys
// and cannot close a cycle on their own.
func identity(v starlark.Value) (any, bool) {
	switch v := v.(type) {
	case *starlark.List, *starlark.Dict, *starlark.Set, *starlarkstruct.Struct:
		return v, true
	}
	return nil, false
}

func (c *converter) convert(v starlark.Value, depth int) (any, error) {
	c.count++
	if c.count > maxConvertElements {
		return nil, fmt.Errorf("value has more than %d elements", maxConvertElements)
	}

	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("integer %s overflows int64", v.String())
	case starlark.Float:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("float %s has no JSON form", v.String())
		}
		return f, nil
	case starlark.String:
		return string(v), nil
	case starlark.Bytes:
		return string(v), nil
	case *starlark.Dict:
		if err := c.enter(v, depth); err != nil {
			return nil, err
		}
		defer c.leave(v)
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0].String())
			}
			val, err := c.convert(item[1], depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	case *starlarkstruct.Struct:
		if err := c.enter(v, depth); err != nil {
			return nil, err
		}
		defer c.leave(v)
		out := make(map[string]any)
		for _, name := range v.AttrNames() {
			attr, err := v.Attr(name)
			if err != nil {
				return nil, err
			}
			val, err := c.convert(attr, depth+1)
			if err != nil {
				return nil, err
			}
			out[name] = val
		}
		return out, nil
	case starlark.Iterable:
		if err := c.enter(v, depth); err != nil {
			return nil, err
		}
		defer c.leave(v)
		out := []any{}
		iter := v.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for iter.Next(&elem) {
			val, err := c.convert(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark value of type %s", v.Type())
}
