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
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps encoded trees in process memory.
//
// Trees are stored in their encoded form, so callers can never alias
// stored state through a map they still hold.
type MemoryStore struct {
	mu     sync.RWMutex
	trees  map[string][]byte
	logs   map[string][]LogEntry
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trees: make(map[string][]byte),
		logs:  make(map[string][]LogEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (Tree, error) {
	if err := checkCall(ctx, sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.trees[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return Decode(data)
}

func (s *MemoryStore) Set(ctx context.Context, sessionID string, tree Tree) error {
	if err := checkCall(ctx, sessionID); err != nil {
		return err
	}
	data, err := Encode(tree)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.trees[sessionID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, sessionID string, fn UpdateFunc) (Tree, error) {
	if err := checkCall(ctx, sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.trees[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	current, err := Decode(data)
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	encoded, err := Encode(next)
	if err != nil {
		return nil, err
	}
	s.trees[sessionID] = encoded
	return Decode(encoded)
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := checkCall(ctx, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.trees, sessionID)
	delete(s.logs, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddLog(ctx context.Context, sessionID string, entry LogEntry) error {
	if err := checkCall(ctx, sessionID); err != nil {
		return err
	}
	entry = PrepareLogEntry(entry)
	s.mu.Lock()
	s.logs[sessionID] = append(s.logs[sessionID], entry)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Logs(ctx context.Context, sessionID string) ([]LogEntry, error) {
	if err := checkCall(ctx, sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogEntry, len(s.logs[sessionID]))
	copy(out, s.logs[sessionID])
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// PrepareLogEntry fills a missing id (time-ordered UUIDv7) and timestamp.
func PrepareLogEntry(entry LogEntry) LogEntry {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			entry.ID = id.String()
		} else {
			entry.ID = uuid.NewString()
		}
	}
	if entry.Kind == "" {
		entry.Kind = LogKindNote
	}
	return entry
}

func checkCall(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ValidateSessionID(sessionID)
}
