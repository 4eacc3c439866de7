// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
)

const (
	statePrefix = "state/"
	logPrefix   = "log/"
)

// Store is a devicestate.Store backed by BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Update runs in a read-write transaction and is
// retried on badger.ErrConflict, so two writers racing on one session
// never lose an update.
type Store struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger
}

var _ devicestate.Store = (*Store)(nil)

// Open opens (or creates) a Store.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *Store: Call Close when done.
//   - error: Non-nil if the directory or database cannot be opened.
func Open(cfg Config) (*Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cfg: cfg, logger: logger.With("component", "devicestate.badger")}, nil
}

// OpenInMemory opens an in-memory Store for tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

func stateKey(sessionID string) []byte { return []byte(statePrefix + sessionID) }

func logSessionPrefix(sessionID string) []byte { return []byte(logPrefix + sessionID + "/") }

func (s *Store) Get(ctx context.Context, sessionID string) (devicestate.Tree, error) {
	if err := check(ctx, sessionID); err != nil {
		return nil, err
	}
	var tree devicestate.Tree
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		tree, err = readTree(txn, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func (s *Store) Set(ctx context.Context, sessionID string, tree devicestate.Tree) error {
	if err := check(ctx, sessionID); err != nil {
		return err
	}
	data, err := devicestate.Encode(tree)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(sessionID), data)
	})
}

// Update reads, transforms and writes the session's tree in one
// transaction. Conflicting commits are retried up to
// devicestate.MaxUpdateRetries times before ErrConflict is returned.
func (s *Store) Update(ctx context.Context, sessionID string, fn devicestate.UpdateFunc) (devicestate.Tree, error) {
	if err := check(ctx, sessionID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < devicestate.MaxUpdateRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var stored []byte
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := readTree(txn, sessionID)
			if err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil {
				return err
			}
			stored, err = devicestate.Encode(next)
			if err != nil {
				return err
			}
			return txn.Set(stateKey(sessionID), stored)
		})
		switch {
		case err == nil:
			return devicestate.Decode(stored)
		case errors.Is(err, badger.ErrConflict):
			s.logger.Debug("device state update conflict, retrying",
				slog.String("session_id", sessionID), slog.Int("attempt", attempt+1))
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: session %s", devicestate.ErrConflict, sessionID)
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := check(ctx, sessionID); err != nil {
		return err
	}
	keys := [][]byte{stateKey(sessionID)}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = logSessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			if !errors.Is(err, badger.ErrTxnTooBig) {
				return err
			}
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
	}
	return txn.Commit()
}

func (s *Store) AddLog(ctx context.Context, sessionID string, entry devicestate.LogEntry) error {
	if err := check(ctx, sessionID); err != nil {
		return err
	}
	entry = devicestate.PrepareLogEntry(entry)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	key := append(logSessionPrefix(sessionID), entry.ID...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *Store) Logs(ctx context.Context, sessionID string) ([]devicestate.LogEntry, error) {
	if err := check(ctx, sessionID); err != nil {
		return nil, err
	}
	entries := []devicestate.LogEntry{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = logSessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry devicestate.LogEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					return fmt.Errorf("decode log entry: %w", err)
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sync flushes pending writes to disk. No-op for in-memory stores.
func (s *Store) Sync() error {
	if s.cfg.InMemory {
		return nil
	}
	return s.db.Sync()
}

func readTree(txn *badger.Txn, sessionID string) (devicestate.Tree, error) {
	item, err := txn.Get(stateKey(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, devicestate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read device state: %w", err)
	}
	var tree devicestate.Tree
	err = item.Value(func(val []byte) error {
		var err error
		tree, err = devicestate.Decode(val)
		return err
	})
	return tree, err
}

func check(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return devicestate.ValidateSessionID(sessionID)
}
