// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mongo

import (
	"bytes"
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

func treeToRaw(tree devicestate.Tree) (bson.Raw, error) {
	if tree == nil {
		tree = devicestate.Tree{}
	}
	return toRaw(tree)
}

func treeFromRaw(raw bson.Raw) (devicestate.Tree, error) {
	if len(raw) == 0 {
		return devicestate.Tree{}, nil
	}
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, err
	}
	return devicestate.Decode(data)
}

// toRaw converts a JSON-compatible value to a BSON document via relaxed
// Extended JSON: integral numbers become int32/int64 and others double.
func toRaw(v any) (bson.Raw, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var raw bson.Raw
	if err := bson.UnmarshalExtJSON(data, false, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func fromRaw(raw bson.Raw, v any) error {
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return err
	}
	return devicestate.DecodeJSON(bytes.NewReader(data), v)
}
