// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trust implements the per-actor trust ledger: a four-level state
// machine driven by accumulated evidence, with idle decay toward a floor
// the actor has already earned.
//
// # Levels
//
//	READ_ONLY -> BOUNDED -> SUGGESTION -> AUTONOMOUS
//
// Every transition moves exactly one step. Escalation needs evidence for the
// current rung; decay needs idle time; neither can cross the floor, which is
// BOUNDED once an actor has escalated for the first time.
//
// # Concurrency
//
// Writes to one actor are serialized by a per-actor mutex. Different actors
// never contend. There is no global lock.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Observation is one unit of observational evidence for an actor.
type Observation struct {
	// At is when the observation happened. Zero means now.
	At time.Time

	// Contradicted marks an observation that conflicts with another signal,
	// which restarts the observation streak.
	Contradicted bool
}

// Ledger is the trust state machine over a Store.
//
// # Thread Safety
//
// Safe for concurrent use.
type Ledger struct {
	store  Store
	cfg    Config
	locks  sync.Map // actor id -> *sync.Mutex
	logger *slog.Logger
}

// NewLedger creates a ledger.
//
// # Inputs
//
//   - store: Persistence for entries. Must not be nil.
//   - cfg: Thresholds. Validated.
//
// # Outputs
//
//   - *Ledger: Ready for use.
//   - error: ErrInvalidConfig if thresholds are unusable.
func NewLedger(store Store, cfg Config) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "trust.Ledger"),
	}, nil
}

// Config returns the ledger thresholds.
func (l *Ledger) Config() Config {
	return l.cfg
}

// Observe records observational evidence, creating the entry on first
// sight, and escalates if the evidence now suffices.
func (l *Ledger) Observe(ctx context.Context, actorID string, obs Observation) (Transition, error) {
	return l.update(ctx, actorID, true, "observe", func(e *Entry, now time.Time) (Transition, bool) {
		at := obs.At
		if at.IsZero() || at.After(now) {
			at = now
		}
		e.touch(at)
		e.Evidence.TotalObservations++
		if obs.Contradicted {
			e.Evidence.Contradictions++
			e.Evidence.StreakStartedAt = at
			e.Evidence.Observations = 0
			return Transition{ActorID: e.ActorID, From: e.Level, To: e.Level, Epoch: e.Epoch, At: now,
				Reason: "contradicted observation restarts the streak"}, true
		}
		e.Evidence.Observations++
		return l.cfg.escalate(e, now), true
	})
}

// RecordOutcome records the result of a mutating operation. Failures reset
// the success streak without demoting.
func (l *Ledger) RecordOutcome(ctx context.Context, actorID string, success bool) (Transition, error) {
	return l.update(ctx, actorID, false, "outcome", func(e *Entry, now time.Time) (Transition, bool) {
		e.touch(now)
		if !success {
			e.Evidence.Failures++
			e.Evidence.ConsecutiveSuccesses = 0
			return Transition{ActorID: e.ActorID, From: e.Level, To: e.Level, Epoch: e.Epoch, At: now,
				Reason: "failure resets the success streak"}, true
		}
		e.Evidence.Successes++
		e.Evidence.ConsecutiveSuccesses++
		return l.cfg.escalate(e, now), true
	})
}

// RecordSuggestion records operator feedback on a suggestion.
func (l *Ledger) RecordSuggestion(ctx context.Context, actorID string, accepted bool) (Transition, error) {
	return l.update(ctx, actorID, false, "suggestion", func(e *Entry, now time.Time) (Transition, bool) {
		e.touch(now)
		if accepted {
			e.Evidence.SuggestionsAccepted++
		} else {
			e.Evidence.SuggestionsRejected++
		}
		return l.cfg.escalate(e, now), true
	})
}

// Escalate re-evaluates the actor's evidence on request. Insufficient
// evidence is not an error: the returned transition is unchanged and its
// Reason says what is still missing.
func (l *Ledger) Escalate(ctx context.Context, actorID string) (Transition, error) {
	return l.update(ctx, actorID, false, "escalate", func(e *Entry, now time.Time) (Transition, bool) {
		t := l.cfg.escalate(e, now)
		return t, t.Changed
	})
}

// Decay applies at most one idle-decay step to the actor.
func (l *Ledger) Decay(ctx context.Context, actorID string) (Transition, error) {
	return l.update(ctx, actorID, false, "decay", func(e *Entry, now time.Time) (Transition, bool) {
		t := l.cfg.decay(e, now)
		return t, t.Changed
	})
}

// DecayAll runs Decay for every actor and returns the transitions that
// changed a level. Errors for single actors are logged and skipped.
func (l *Ledger) DecayAll(ctx context.Context) ([]Transition, error) {
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	var changed []Transition
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		t, err := l.Decay(ctx, e.ActorID)
		if err != nil {
			l.logger.Warn("decay failed", "actor_id", e.ActorID, "error", err)
			continue
		}
		if t.Changed {
			changed = append(changed, t)
		}
	}
	return changed, nil
}

// Freeze halts escalation, decay and execution for an actor until Review.
// Freezing an unknown actor creates its entry so the freeze persists.
func (l *Ledger) Freeze(ctx context.Context, actorID, reason string) error {
	_, err := l.update(ctx, actorID, true, "freeze", func(e *Entry, now time.Time) (Transition, bool) {
		e.Frozen = true
		e.FrozenReason = reason
		at := now
		e.FrozenAt = &at
		return Transition{ActorID: e.ActorID, From: e.Level, To: e.Level, Epoch: e.Epoch, At: now,
			Reason: "frozen: " + reason}, true
	})
	if err == nil {
		l.logger.Error("CRITICAL: actor trust frozen pending manual review",
			"actor_id", actorID, "reason", reason)
	}
	return err
}

// Review records a manual review and unfreezes the actor. The success
// streak restarts because the evidence before the freeze is suspect.
func (l *Ledger) Review(ctx context.Context, actorID, note string) (Transition, error) {
	var notFrozen bool
	t, err := l.update(ctx, actorID, false, "review", func(e *Entry, now time.Time) (Transition, bool) {
		if !e.Frozen {
			notFrozen = true
			return Transition{}, false
		}
		e.Frozen = false
		e.FrozenReason = ""
		e.FrozenAt = nil
		e.Evidence.ConsecutiveSuccesses = 0
		e.touch(now)
		reason := "reviewed"
		if strings.TrimSpace(note) != "" {
			reason = "reviewed: " + note
		}
		return Transition{ActorID: e.ActorID, From: e.Level, To: e.Level, Epoch: e.Epoch, At: now, Reason: reason}, true
	})
	if err != nil {
		return Transition{}, err
	}
	if notFrozen {
		return Transition{}, fmt.Errorf("%w: %s", ErrNotFrozen, actorID)
	}
	l.logger.Info("actor reviewed and unfrozen", "actor_id", actorID, "note", note)
	return t, nil
}

// Snapshot returns a copy of the actor's entry. It never creates or
// modifies an entry.
func (l *Ledger) Snapshot(ctx context.Context, actorID string) (Entry, bool, error) {
	if strings.TrimSpace(actorID) == "" {
		return Entry{}, false, ErrEmptyActor
	}
	return l.store.Load(ctx, actorID)
}

// Level returns the actor's level; unknown actors are READ_ONLY.
func (l *Ledger) Level(ctx context.Context, actorID string) (Level, error) {
	e, ok, err := l.Snapshot(ctx, actorID)
	if err != nil || !ok {
		return ReadOnly, err
	}
	return e.Level, nil
}

// List returns every entry sorted by actor id. Read-only.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ActorID < entries[j].ActorID })
	return entries, nil
}

// update is the single write path: lock the actor, load, mutate, persist.
// fn reports whether the entry must be saved.
func (l *Ledger) update(
	ctx context.Context,
	actorID string,
	create bool,
	op string,
	fn func(e *Entry, now time.Time) (Transition, bool),
) (Transition, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Transition{}, ErrEmptyActor
	}

	mu := l.lockFor(actorID)
	mu.Lock()
	defer mu.Unlock()

	now := l.cfg.now()
	e, ok, err := l.store.Load(ctx, actorID)
	if err != nil {
		return Transition{}, fmt.Errorf("load %s: %w", actorID, err)
	}
	if !ok {
		if !create {
			return Transition{}, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
		}
		e = newEntry(actorID, now)
		l.logger.Info("new actor observed", "actor_id", actorID)
	}

	t, dirty := fn(&e, now)
	if dirty || !ok {
		if err := l.store.Save(ctx, e); err != nil {
			return Transition{}, fmt.Errorf("save %s: %w", actorID, err)
		}
	}

	recordEvidence(ctx, op)
	if t.Changed {
		recordTransition(ctx, t)
		l.logger.Info("trust level changed",
			"actor_id", actorID,
			"from", t.From.String(),
			"to", t.To.String(),
			"epoch", t.Epoch,
			"reason", t.Reason,
		)
	}
	return t, nil
}

func (l *Ledger) lockFor(actorID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(actorID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
