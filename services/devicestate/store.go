// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devicestate persists simulated device trees and per-session logs.
//
// Every operation takes an explicit session id. Sessions are fully
// isolated: two test runs executing concurrently against the same store
// never observe each other's devices.
//
// Three backends implement Store:
//
//   - MemoryStore: process-local, used by tests and `store.backend: memory`
//   - badger.Store: embedded BadgerDB, the default for `sage serve`
//   - mongo.Store: MongoDB collections device_state and test_logs
package devicestate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get and Update when no tree has been set
	// for the session.
	ErrNotFound = errors.New("device state not found")

	// ErrInvalidSession is returned for empty or malformed session ids.
	ErrInvalidSession = errors.New("invalid session id")

	// ErrConflict is returned by Update when concurrent writers kept
	// invalidating the read-modify-write after all retries.
	ErrConflict = errors.New("device state update conflict")
)

// UpdateFunc receives a private deep copy of the session's tree and
// returns the tree to store. Returning an error aborts the update and
// leaves the stored tree untouched.
//
// The function may be invoked more than once when a backend retries after
// a write conflict, so it must not have side effects outside its result.
type UpdateFunc func(Tree) (Tree, error)

// Store is the session-keyed device state and log store.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Get never observes a
// partially written tree; Set and Update replace the whole tree at once.
type Store interface {
	// Get returns a snapshot of the session's tree, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (Tree, error)

	// Set replaces (or creates) the session's tree.
	Set(ctx context.Context, sessionID string, tree Tree) error

	// Update atomically reads, transforms and replaces the session's tree.
	// It returns the stored result.
	Update(ctx context.Context, sessionID string, fn UpdateFunc) (Tree, error)

	// Delete removes the session's tree and logs. Deleting an unknown
	// session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// AddLog appends an entry to the session's log.
	AddLog(ctx context.Context, sessionID string, entry LogEntry) error

	// Logs returns the session's log in insertion order.
	Logs(ctx context.Context, sessionID string) ([]LogEntry, error)

	// Close releases backend resources.
	Close() error
}

// LogEntry is one record of a session's activity log.
type LogEntry struct {
	ID        string         `json:"id" bson:"id"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
	Kind      string         `json:"kind" bson:"kind"`
	Data      map[string]any `json:"data,omitempty" bson:"data,omitempty"`
}

// Log entry kinds written by the services.
const (
	LogKindCommand = "command"
	LogKindRequest = "request"
	LogKindNote    = "note"
)

// ValidateSessionID rejects ids that cannot be used as storage keys.
func ValidateSessionID(sessionID string) error {
	switch {
	case strings.TrimSpace(sessionID) == "":
		return fmt.Errorf("%w: empty", ErrInvalidSession)
	case strings.ContainsAny(sessionID, "/\x00"):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidSession, sessionID)
	case len(sessionID) > 256:
		return fmt.Errorf("%w: longer than 256 bytes", ErrInvalidSession)
	}
	return nil
}

// MaxUpdateRetries bounds optimistic retries in backends that detect
// write conflicts.
const MaxUpdateRetries = 8
