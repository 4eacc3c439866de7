// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devicestate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// =============================================================================
// Device Tree
// =============================================================================

// Attribute holds one attribute's fields. "value" is always present for
// readable attributes; "unit" and "timestamp" are optional.
type Attribute map[string]any

// Capability maps attribute name to attribute.
type Capability map[string]Attribute

// Component maps capability id to capability.
type Component map[string]Capability

// Device maps component id ("main", "cooler", ...) to component.
type Device map[string]Component

// Tree is the full simulated home: device id to device.
//
// Numbers decoded by this package are json.Number, never float64, so an
// integer argument written by an agent stays distinguishable from a float.
type Tree map[string]Device

// Value returns the "value" field of the addressed attribute.
func (t Tree) Value(device, component, capability, attribute string) (any, bool) {
	attr, ok := t.Attribute(device, component, capability, attribute)
	if !ok {
		return nil, false
	}
	v, ok := attr["value"]
	return v, ok
}

// Attribute returns the addressed attribute map (not a copy).
func (t Tree) Attribute(device, component, capability, attribute string) (Attribute, bool) {
	d, ok := t[device]
	if !ok {
		return nil, false
	}
	c, ok := d[component]
	if !ok {
		return nil, false
	}
	cp, ok := c[capability]
	if !ok {
		return nil, false
	}
	attr, ok := cp[attribute]
	return attr, ok
}

// Clone returns a deep copy of the tree.
func (t Tree) Clone() (Tree, error) {
	if t == nil {
		return nil, nil
	}
	data, err := Encode(t)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Encode serializes a tree to JSON. Map keys are sorted, so two equal
// trees always encode to identical bytes.
func Encode(t Tree) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode device tree: %w", err)
	}
	return data, nil
}

// Decode parses a JSON device tree, keeping numbers as json.Number.
func Decode(data []byte) (Tree, error) {
	var t Tree
	if err := DecodeJSON(bytes.NewReader(data), &t); err != nil {
		return nil, fmt.Errorf("decode device tree: %w", err)
	}
	if t == nil {
		t = Tree{}
	}
	return t, nil
}

// DecodeJSON decodes one JSON document from r into v with UseNumber set.
// Trailing data after the document is an error.
func DecodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON document")
	}
	return nil
}

// Normalize converts an arbitrary JSON-compatible Go value into the
// canonical decoded form (maps of any, []any, json.Number, string, bool,
// nil). Values from different sources (bson, starlark, literals in tests)
// compare equal after normalization when they encode the same JSON.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := DecodeJSON(bytes.NewReader(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}
