// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package actionlog is the append-only record of every action the daemon
// was asked to perform, with bounded per-actor retention.
package actionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/warden/services/warden/storage/badger"
)

const keyPrefix = "action/"

// ErrInvalidRecord is returned for records missing identity fields.
var ErrInvalidRecord = errors.New("invalid action record")

// Retention bounds how many records each actor keeps.
type Retention struct {
	// MaxCount is the newest-N bound. Default: 100
	MaxCount int `yaml:"max_count"`

	// MaxAge is the age bound. Default: 7 days
	MaxAge time.Duration `yaml:"max_age"`
}

// DefaultRetention returns the default bounds.
func DefaultRetention() Retention {
	return Retention{MaxCount: 100, MaxAge: 7 * 24 * time.Hour}
}

// Log stores records in BadgerDB under
// action/<sha256(actor)>/<unix nanos, hex>/<action id>.
//
// # Thread Safety
//
// Safe for concurrent appends from any number of actors. Keys never
// collide, so appends need no lock beyond the sequence counter.
type Log struct {
	db        *badger.DB
	retention Retention
	archiver  Archiver
	logger    *slog.Logger

	seqMu    sync.Mutex
	lastNano map[string]int64
}

// Option configures a Log.
type Option func(*Log)

// WithArchiver archives pruned records before deletion.
func WithArchiver(a Archiver) Option {
	return func(l *Log) { l.archiver = a }
}

// New creates a log over an open database.
func New(db *badger.DB, retention Retention, opts ...Option) *Log {
	def := DefaultRetention()
	if retention.MaxCount <= 0 {
		retention.MaxCount = def.MaxCount
	}
	if retention.MaxAge <= 0 {
		retention.MaxAge = def.MaxAge
	}
	l := &Log{
		db:        db,
		retention: retention,
		lastNano:  make(map[string]int64),
		logger:    slog.Default().With("component", "actionlog"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Retention returns the configured bounds.
func (l *Log) Retention() Retention {
	return l.retention
}

// Append stores a record. Existing records are never overwritten.
func (l *Log) Append(ctx context.Context, r Record) error {
	if r.ActionID == "" || r.ActorID == "" {
		return fmt.Errorf("%w: action_id and actor_id are required", ErrInvalidRecord)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	key := l.key(r.ActorID, l.sequence(r.ActorID, r.Timestamp), r.ActionID)
	if err := l.db.InsertJSON(ctx, key, r); err != nil {
		return fmt.Errorf("append action record: %w", err)
	}
	recordAppend(ctx, r.Outcome)
	return nil
}

// Recent returns up to n records for one actor, newest first.
func (l *Log) Recent(ctx context.Context, actorID string, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []Record
	err := l.db.Scan(ctx, actorPrefix(actorID), true, func(key string, val []byte) (bool, error) {
		var r Record
		if err := json.Unmarshal(val, &r); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, r)
		return len(out) < n, nil
	})
	return out, err
}

// RecentAll returns up to n records across all actors, newest first.
func (l *Log) RecentAll(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	all, err := l.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].rec.Timestamp.Equal(all[j].rec.Timestamp) {
			return all[i].rec.Timestamp.After(all[j].rec.Timestamp)
		}
		return keySeq(all[i].key) > keySeq(all[j].key)
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]Record, len(all))
	for i, e := range all {
		out[i] = e.rec
	}
	return out, nil
}

// Prune deletes records outside the retention bounds and returns them.
//
// # Description
//
// For each actor, a record is kept only if it is among the newest MaxCount
// records and is younger than MaxAge at now. Pruned records are archived
// first when an archiver is configured; an archive failure aborts the prune
// so nothing is lost.
func (l *Log) Prune(ctx context.Context, now time.Time) ([]Record, error) {
	all, err := l.scanAll(ctx)
	if err != nil {
		return nil, err
	}

	// Keys sort by actor hash then time, so walk each actor's run backwards.
	cutoff := now.Add(-l.retention.MaxAge)
	var pruneKeys []string
	var pruned []Record
	for end := len(all); end > 0; {
		actor := actorOfKey(all[end-1].key)
		start := end - 1
		for start > 0 && actorOfKey(all[start-1].key) == actor {
			start--
		}
		kept := 0
		for i := end - 1; i >= start; i-- {
			e := all[i]
			if kept < l.retention.MaxCount && e.rec.Timestamp.After(cutoff) {
				kept++
				continue
			}
			pruneKeys = append(pruneKeys, e.key)
			pruned = append(pruned, e.rec)
		}
		end = start
	}
	if len(pruned) == 0 {
		return nil, nil
	}

	if l.archiver != nil {
		if err := l.archiver.Archive(ctx, pruned); err != nil {
			return nil, fmt.Errorf("archive pruned records: %w", err)
		}
	}
	if err := l.db.Delete(ctx, pruneKeys...); err != nil {
		return nil, fmt.Errorf("delete pruned records: %w", err)
	}
	recordPrune(ctx, len(pruned))
	l.logger.Info("action log pruned", "records", len(pruned))
	return pruned, nil
}

type keyed struct {
	key string
	rec Record
}

func (l *Log) scanAll(ctx context.Context) ([]keyed, error) {
	var all []keyed
	err := l.db.Scan(ctx, keyPrefix, false, func(key string, val []byte) (bool, error) {
		var r Record
		if err := json.Unmarshal(val, &r); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		all = append(all, keyed{key: key, rec: r})
		return true, nil
	})
	return all, err
}

// sequence returns a per-actor strictly increasing key time so two records
// appended in the same nanosecond keep their order.
func (l *Log) sequence(actorID string, ts time.Time) int64 {
	n := ts.UnixNano()
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	if last := l.lastNano[actorID]; n <= last {
		n = last + 1
	}
	l.lastNano[actorID] = n
	return n
}

func (l *Log) key(actorID string, nanos int64, actionID string) string {
	return fmt.Sprintf("%s%016x/%s", actorPrefix(actorID), uint64(nanos), actionID)
}

func actorPrefix(actorID string) string {
	return keyPrefix + badger.HashKey(actorID) + "/"
}

// keySeq returns the hex sequence segment of a record key.
func keySeq(key string) string {
	parts := strings.SplitN(strings.TrimPrefix(key, keyPrefix), "/", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func actorOfKey(key string) string {
	rest := strings.TrimPrefix(key, keyPrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
