// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mongo stores device trees and session logs in MongoDB.
//
// The collection layout is shared with the evaluation harness:
//
//	device_state  {test_id, version, device_state}
//	test_logs     {test_id, id, timestamp, kind, data}
//
// Trees are written as nested BSON documents (not opaque blobs) so they
// stay inspectable from the mongo shell. Numbers go through relaxed
// Extended JSON in both directions, which keeps integers and floats
// distinct.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

const (
	// DefaultDatabase is the database the evaluation harness writes to.
	DefaultDatabase = "test_logs"

	stateCollection = "device_state"
	logCollection   = "test_logs"
)

// Config configures the MongoDB connection.
type Config struct {
	// URI is the connection string, e.g. mongodb://localhost:27017.
	URI string

	// Database defaults to DefaultDatabase.
	Database string

	// ConnectTimeout bounds Open's connect-and-ping. Default: 10s.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// Store is a devicestate.Store backed by MongoDB.
//
// # Thread Safety
//
// Safe for concurrent use. Update uses optimistic concurrency on the
// document's version field and retries when another writer won.
type Store struct {
	client *mongo.Client
	states *mongo.Collection
	logs   *mongo.Collection
	logger *slog.Logger
}

var _ devicestate.Store = (*Store)(nil)

type stateDoc struct {
	TestID      string   `bson:"test_id"`
	Version     int64    `bson:"version"`
	DeviceState bson.Raw `bson:"device_state"`
}

type logDoc struct {
	TestID    string    `bson:"test_id"`
	ID        string    `bson:"id"`
	Timestamp time.Time `bson:"timestamp"`
	Kind      string    `bson:"kind"`
	Data      bson.Raw  `bson:"data,omitempty"`
}

// Open connects to MongoDB, verifies the connection and creates the
// indexes the store relies on.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo: URI is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client: client,
		states: db.Collection(stateCollection),
		logs:   db.Collection(logCollection),
		logger: logger.With("component", "devicestate.mongo"),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Server codes for an index whose key pattern already exists with other
// options or another name.
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

// ensureIndexes creates the unique test_id index on device_state. Databases
// written by the evaluation harness already carry a non-unique test_id_1
// index; that one is kept and Update's version check guards writes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.states.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "test_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	switch {
	case isIndexConflict(err):
		s.logger.Warn("keeping existing device_state test_id index", slog.String("error", err.Error()))
	case err != nil:
		return fmt.Errorf("create device_state index: %w", err)
	}
	_, err = s.logs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "test_id", Value: 1}, {Key: "id", Value: 1}},
	})
	if err != nil && !isIndexConflict(err) {
		return fmt.Errorf("create test_logs index: %w", err)
	}
	return nil
}

func isIndexConflict(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.HasErrorCode(codeIndexOptionsConflict) || se.HasErrorCode(codeIndexKeySpecsConflict)
}

func (s *Store) Get(ctx context.Context, sessionID string) (devicestate.Tree, error) {
	if err := devicestate.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	doc, err := s.fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return treeFromRaw(doc.DeviceState)
}

func (s *Store) Set(ctx context.Context, sessionID string, tree devicestate.Tree) error {
	if err := devicestate.ValidateSessionID(sessionID); err != nil {
		return err
	}
	raw, err := treeToRaw(tree)
	if err != nil {
		return err
	}
	_, err = s.states.UpdateOne(ctx,
		bson.D{{Key: "test_id", Value: sessionID}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "device_state", Value: raw}}},
			{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("write device state: %w", err)
	}
	return nil
}

// Update performs a compare-and-swap on the document version. Documents
// written by older tooling carry no version field and are matched as
// version 0.
func (s *Store) Update(ctx context.Context, sessionID string, fn devicestate.UpdateFunc) (devicestate.Tree, error) {
	if err := devicestate.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < devicestate.MaxUpdateRetries; attempt++ {
		doc, err := s.fetch(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		current, err := treeFromRaw(doc.DeviceState)
		if err != nil {
			return nil, err
		}
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		raw, err := treeToRaw(next)
		if err != nil {
			return nil, err
		}

		res, err := s.states.UpdateOne(ctx,
			versionFilter(sessionID, doc.Version),
			bson.D{
				{Key: "$set", Value: bson.D{{Key: "device_state", Value: raw}}},
				{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
			},
		)
		if err != nil {
			return nil, fmt.Errorf("write device state: %w", err)
		}
		if res.MatchedCount == 1 {
			return treeFromRaw(raw)
		}
		s.logger.Debug("device state version moved, retrying",
			slog.String("session_id", sessionID), slog.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%w: session %s", devicestate.ErrConflict, sessionID)
}

func versionFilter(sessionID string, version int64) bson.D {
	if version == 0 {
		return bson.D{
			{Key: "test_id", Value: sessionID},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "version", Value: int64(0)}},
				bson.D{{Key: "version", Value: bson.D{{Key: "$exists", Value: false}}}},
			}},
		}
	}
	return bson.D{{Key: "test_id", Value: sessionID}, {Key: "version", Value: version}}
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := devicestate.ValidateSessionID(sessionID); err != nil {
		return err
	}
	filter := bson.D{{Key: "test_id", Value: sessionID}}
	if _, err := s.states.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("delete device state: %w", err)
	}
	if _, err := s.logs.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete test logs: %w", err)
	}
	return nil
}

func (s *Store) AddLog(ctx context.Context, sessionID string, entry devicestate.LogEntry) error {
	if err := devicestate.ValidateSessionID(sessionID); err != nil {
		return err
	}
	entry = devicestate.PrepareLogEntry(entry)
	doc := logDoc{TestID: sessionID, ID: entry.ID, Timestamp: entry.Timestamp, Kind: entry.Kind}
	if len(entry.Data) > 0 {
		raw, err := toRaw(entry.Data)
		if err != nil {
			return fmt.Errorf("encode log data: %w", err)
		}
		doc.Data = raw
	}
	if _, err := s.logs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert test log: %w", err)
	}
	return nil
}

func (s *Store) Logs(ctx context.Context, sessionID string) ([]devicestate.LogEntry, error) {
	if err := devicestate.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	cur, err := s.logs.Find(ctx,
		bson.D{{Key: "test_id", Value: sessionID}},
		options.Find().SetSort(bson.D{{Key: "id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("query test logs: %w", err)
	}
	var docs []logDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("read test logs: %w", err)
	}

	entries := make([]devicestate.LogEntry, 0, len(docs))
	for _, doc := range docs {
		entry := devicestate.LogEntry{ID: doc.ID, Timestamp: doc.Timestamp, Kind: doc.Kind}
		if len(doc.Data) > 0 {
			var data map[string]any
			if err := fromRaw(doc.Data, &data); err != nil {
				return nil, fmt.Errorf("decode log data: %w", err)
			}
			entry.Data = data
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) fetch(ctx context.Context, sessionID string) (stateDoc, error) {
	var doc stateDoc
	err := s.states.FindOne(ctx, bson.D{{Key: "test_id", Value: sessionID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, devicestate.ErrNotFound
	}
	if err != nil {
		return doc, fmt.Errorf("read device state: %w", err)
	}
	return doc, nil
}
