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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
	"github.com/SAIC-MONTREAL/SAGE/services/devicestate/storetest"
)

// The conformance suite needs a live server:
//
//	SAGE_TEST_MONGODB_URI=mongodb://localhost:27017 go test ./services/devicestate/mongo/
func TestStore_Conformance(t *testing.T) {
	uri := os.Getenv("SAGE_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("SAGE_TEST_MONGODB_URI not set")
	}

	storetest.Run(t, func(t *testing.T) devicestate.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db := fmt.Sprintf("sage_test_%d", time.Now().UnixNano())
		s, err := Open(ctx, Config{URI: uri, Database: db})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.client.Database(db).Drop(context.Background())
		})
		return s
	})
}

func TestOpen_KeepsHarnessIndex(t *testing.T) {
	uri := os.Getenv("SAGE_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("SAGE_TEST_MONGODB_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := fmt.Sprintf("sage_test_%d", time.Now().UnixNano())
	first, err := Open(ctx, Config{URI: uri, Database: db})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = first.client.Database(db).Drop(context.Background())
		_ = first.Close()
	})

	// Recreate the layout the evaluation harness leaves behind.
	states := first.client.Database(db).Collection(stateCollection)
	require.NoError(t, states.Drop(ctx))
	_, err = states.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "test_id", Value: 1}}})
	require.NoError(t, err)

	s, err := Open(ctx, Config{URI: uri, Database: db})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Set(ctx, "harness", storetest.SampleTree()))
	_, err = s.Get(ctx, "harness")
	assert.NoError(t, err)
}

func TestIsIndexConflict(t *testing.T) {
	assert.True(t, isIndexConflict(mongo.CommandError{Code: codeIndexOptionsConflict, Name: "IndexOptionsConflict"}))
	assert.True(t, isIndexConflict(fmt.Errorf("create: %w", mongo.CommandError{Code: codeIndexKeySpecsConflict})))
	assert.False(t, isIndexConflict(mongo.CommandError{Code: 11000}))
	assert.False(t, isIndexConflict(errors.New("connection refused")))
	assert.False(t, isIndexConflict(nil))
}

func TestOpen_RequiresURI(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestTreeRawRoundTrip_PreservesNumberKinds(t *testing.T) {
	tree := storetest.SampleTree()
	tree["bulb"] = devicestate.Device{"main": {
		"colorTemperature": {"colorTemperature": {"value": json.Number("2700.5")}},
		"colorControl":     {"hue": {"value": json.Number("40.0")}},
	}}

	raw, err := treeToRaw(tree)
	require.NoError(t, err)

	levelType := raw.Lookup("light-1", "main", "switchLevel", "level", "value").Type
	assert.Equal(t, bson.TypeInt32, levelType)

	back, err := treeFromRaw(raw)
	require.NoError(t, err)

	level, _ := back.Value("light-1", "main", "switchLevel", "level")
	assert.Equal(t, json.Number("40"), level)
	temp, _ := back.Value("bulb", "main", "colorTemperature", "colorTemperature")
	assert.Equal(t, json.Number("2700.5"), temp)

	hue, _ := back.Value("bulb", "main", "colorControl", "hue")
	f, err := hue.(json.Number).Float64()
	require.NoError(t, err)
	assert.Equal(t, 40.0, f)
}

func TestTreeFromRaw_Empty(t *testing.T) {
	tree, err := treeFromRaw(nil)
	require.NoError(t, err)
	assert.Empty(t, tree)
}

func TestVersionFilter_MatchesLegacyDocuments(t *testing.T) {
	legacy := versionFilter("s", 0)
	assert.Equal(t, "$or", legacy[1].Key)

	versioned := versionFilter("s", 3)
	assert.Equal(t, bson.D{{Key: "test_id", Value: "s"}, {Key: "version", Value: int64(3)}}, versioned)
}
