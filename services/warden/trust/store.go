// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/warden/services/warden/storage/badger"
)

// Store persists ledger entries, one per actor.
//
// Implementations need not lock per actor; the Ledger serializes writers.
type Store interface {
	// Load returns the entry and whether it exists.
	Load(ctx context.Context, actorID string) (Entry, bool, error)

	// Save writes the entry, replacing any previous version.
	Save(ctx context.Context, e Entry) error

	// List returns every entry in unspecified order.
	List(ctx context.Context) ([]Entry, error)
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore keeps entries in a map. Used by tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	saves   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Load(_ context.Context, actorID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[actorID]
	return e, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ActorID] = e
	s.saves++
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

// Saves returns how many times Save has been called.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// =============================================================================
// BadgerStore
// =============================================================================

// keyPrefix namespaces ledger entries in the shared database.
const keyPrefix = "trust/"

// BadgerStore persists entries in BadgerDB under trust/<sha256(actor)>.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// EntryKey returns the storage key for an actor.
func EntryKey(actorID string) string {
	return keyPrefix + badger.HashKey(actorID)
}

func (s *BadgerStore) Load(ctx context.Context, actorID string) (Entry, bool, error) {
	var e Entry
	err := s.db.GetJSON(ctx, EntryKey(actorID), &e)
	if errors.Is(err, badger.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *BadgerStore) Save(ctx context.Context, e Entry) error {
	return s.db.PutJSON(ctx, EntryKey(e.ActorID), e)
}

func (s *BadgerStore) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := s.db.Scan(ctx, keyPrefix, false, func(key string, val []byte) (bool, error) {
		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, e)
		return true, nil
	})
	return out, err
}
