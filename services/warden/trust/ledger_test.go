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
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/storage/badger"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *fakeClock, *MemoryStore) {
	t.Helper()
	clock := newFakeClock()
	cfg.Clock = clock.Now
	store := NewMemoryStore()
	l, err := NewLedger(store, cfg)
	require.NoError(t, err)
	return l, clock, store
}

// promote drives an actor up to target using the cheapest evidence path.
func promote(t *testing.T, l *Ledger, clock *fakeClock, actor string, target Level) {
	t.Helper()
	ctx := context.Background()
	cfg := l.Config()

	_, err := l.Observe(ctx, actor, Observation{})
	require.NoError(t, err)
	if target == ReadOnly {
		return
	}
	clock.Advance(cfg.MinObservationPeriod)
	for i := 0; i < cfg.MinObservations; i++ {
		_, err = l.Observe(ctx, actor, Observation{})
		require.NoError(t, err)
	}
	requireLevel(t, l, actor, Bounded)
	if target == Bounded {
		return
	}
	for i := 0; i < cfg.SuccessStreak; i++ {
		_, err = l.RecordOutcome(ctx, actor, true)
		require.NoError(t, err)
	}
	requireLevel(t, l, actor, Suggestion)
	if target == Suggestion {
		return
	}
	for i := 0; i < cfg.MinAcceptedSuggestions; i++ {
		_, err = l.RecordSuggestion(ctx, actor, true)
		require.NoError(t, err)
	}
	requireLevel(t, l, actor, Autonomous)
}

func requireLevel(t *testing.T, l *Ledger, actor string, want Level) {
	t.Helper()
	got, err := l.Level(context.Background(), actor)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// =============================================================================
// Level
// =============================================================================

// TestLevel_JSON verifies levels travel by name.
func TestLevel_JSON(t *testing.T) {
	data, err := json.Marshal(Suggestion)
	require.NoError(t, err)
	assert.Equal(t, `"SUGGESTION"`, string(data))

	var l Level
	require.NoError(t, json.Unmarshal([]byte(`"autonomous"`), &l))
	assert.Equal(t, Autonomous, l)

	assert.Error(t, json.Unmarshal([]byte(`"ROOT"`), &l))
	_, err = json.Marshal(Level(7))
	assert.True(t, errors.Is(err, ErrInvalidLevel))
	assert.True(t, ReadOnly < Bounded && Bounded < Suggestion && Suggestion < Autonomous)
}

// TestConfig_Validate rejects unusable thresholds.
func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.SuccessStreak = 0 },
		func(c *Config) { c.MinAcceptedSuggestions = 0 },
		func(c *Config) { c.AcceptanceThreshold = 1 },
		func(c *Config) { c.DecayStep = 0 },
		func(c *Config) { c.MinObservations = 0 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig), "case %d", i)
	}
}

// =============================================================================
// Escalation
// =============================================================================

// TestObserve_EscalatesAfterObservationPeriod covers READ_ONLY -> BOUNDED
// across several observation periods, including the 24h case.
func TestObserve_EscalatesAfterObservationPeriod(t *testing.T) {
	for _, period := range []time.Duration{time.Hour, 24 * time.Hour, 72 * time.Hour} {
		t.Run(period.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MinObservationPeriod = period
			l, clock, _ := newTestLedger(t, cfg)
			ctx := context.Background()

			tr, err := l.Observe(ctx, "dev@example.com", Observation{})
			require.NoError(t, err)
			assert.False(t, tr.Changed)

			clock.Advance(period - time.Second)
			tr, err = l.Observe(ctx, "dev@example.com", Observation{})
			require.NoError(t, err)
			assert.False(t, tr.Changed, "one second short of the period")

			clock.Advance(time.Second)
			tr, err = l.Observe(ctx, "dev@example.com", Observation{})
			require.NoError(t, err)
			assert.True(t, tr.Changed)
			assert.Equal(t, ReadOnly, tr.From)
			assert.Equal(t, Bounded, tr.To)

			e, ok, err := l.Snapshot(ctx, "dev@example.com")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, Bounded, e.Floor)
			assert.Equal(t, 1, e.Epoch)
		})
	}
}

// TestEscalate_ManualAfterTwentyFourHours checks the manual re-evaluation
// path escalates once the observation window has passed.
func TestEscalate_ManualAfterTwentyFourHours(t *testing.T) {
	l, clock, _ := newTestLedger(t, DefaultConfig())
	ctx := context.Background()

	_, err := l.Observe(ctx, "ci-bot", Observation{})
	require.NoError(t, err)

	tr, err := l.Escalate(ctx, "ci-bot")
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.Contains(t, tr.Reason, "observed")

	clock.Advance(24 * time.Hour)
	tr, err = l.Escalate(ctx, "ci-bot")
	require.NoError(t, err)
	assert.True(t, tr.Changed)
	assert.Equal(t, Bounded, tr.To)
}

// TestObserve_ContradictionRestartsStreak verifies a contradiction delays
// escalation by a full period.
func TestObserve_ContradictionRestartsStreak(t *testing.T) {
	l, clock, _ := newTestLedger(t, DefaultConfig())
	ctx := context.Background()

	_, err := l.Observe(ctx, "a", Observation{})
	require.NoError(t, err)
	clock.Advance(20 * time.Hour)
	_, err = l.Observe(ctx, "a", Observation{Contradicted: true})
	require.NoError(t, err)

	clock.Advance(4 * time.Hour)
	tr, err := l.Observe(ctx, "a", Observation{})
	require.NoError(t, err)
	assert.False(t, tr.Changed, "streak restarted 4h ago")

	clock.Advance(20 * time.Hour)
	tr, err = l.Observe(ctx, "a", Observation{})
	require.NoError(t, err)
	assert.True(t, tr.Changed)

	e, _, _ := l.Snapshot(ctx, "a")
	assert.Equal(t, 1, e.Evidence.Contradictions)
}

// TestRecordOutcome_SuccessStreak covers BOUNDED -> SUGGESTION over several
// streak lengths and verifies a failure resets progress.
func TestRecordOutcome_SuccessStreak(t *testing.T) {
	for _, n := range []int{1, 3, 5, 8} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.SuccessStreak = n
			l, clock, _ := newTestLedger(t, cfg)
			ctx := context.Background()
			promote(t, l, clock, "a", Bounded)

			for i := 0; i < n-1; i++ {
				_, err := l.RecordOutcome(ctx, "a", true)
				require.NoError(t, err)
			}
			tr, err := l.RecordOutcome(ctx, "a", false)
			require.NoError(t, err)
			assert.False(t, tr.Changed)
			requireLevel(t, l, "a", Bounded)

			for i := 0; i < n-1; i++ {
				tr, err = l.RecordOutcome(ctx, "a", true)
				require.NoError(t, err)
				assert.False(t, tr.Changed)
			}
			tr, err = l.RecordOutcome(ctx, "a", true)
			require.NoError(t, err)
			assert.True(t, tr.Changed)
			assert.Equal(t, Suggestion, tr.To)
		})
	}
}

// TestRecordSuggestion_AcceptanceThreshold covers SUGGESTION -> AUTONOMOUS
// for several counts and ratios. A ratio equal to the threshold is not
// enough.
func TestRecordSuggestion_AcceptanceThreshold(t *testing.T) {
	tests := []struct {
		m         int
		threshold float64
		accepted  int
		rejected  int
		want      Level
	}{
		{m: 2, threshold: 0.5, accepted: 2, rejected: 0, want: Autonomous},
		{m: 2, threshold: 0.5, accepted: 2, rejected: 2, want: Suggestion},
		{m: 5, threshold: 0.8, accepted: 4, rejected: 0, want: Suggestion},
		{m: 5, threshold: 0.8, accepted: 8, rejected: 2, want: Suggestion},
		{m: 5, threshold: 0.8, accepted: 9, rejected: 2, want: Autonomous},
		{m: 10, threshold: 0.9, accepted: 10, rejected: 0, want: Autonomous},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("M=%d/t=%.1f/%d-%d", tt.m, tt.threshold, tt.accepted, tt.rejected)
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MinAcceptedSuggestions = tt.m
			cfg.AcceptanceThreshold = tt.threshold
			l, clock, _ := newTestLedger(t, cfg)
			ctx := context.Background()
			promote(t, l, clock, "a", Suggestion)

			// Rejections first so the ratio is evaluated on the final tally.
			for i := 0; i < tt.rejected; i++ {
				_, err := l.RecordSuggestion(ctx, "a", false)
				require.NoError(t, err)
			}
			for i := 0; i < tt.accepted; i++ {
				_, err := l.RecordSuggestion(ctx, "a", true)
				require.NoError(t, err)
			}
			requireLevel(t, l, "a", tt.want)
		})
	}
}

// TestEscalation_OneStepPerTransition verifies a single call never skips a
// level even when evidence for several rungs is present.
func TestEscalation_OneStepPerTransition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuccessStreak = 1
	l, clock, _ := newTestLedger(t, cfg)
	ctx := context.Background()

	_, err := l.Observe(ctx, "a", Observation{})
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)

	tr, err := l.Escalate(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Bounded, tr.To)

	tr, err = l.Escalate(ctx, "a")
	require.NoError(t, err)
	assert.False(t, tr.Changed, "success streak restarted at the transition")
}

// TestEscalate_UnknownActor verifies manual escalation needs an entry.
func TestEscalate_UnknownActor(t *testing.T) {
	l, _, store := newTestLedger(t, DefaultConfig())
	_, err := l.Escalate(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrUnknownActor))
	assert.Equal(t, 0, store.Saves())

	_, err = l.Observe(context.Background(), "  ", Observation{})
	assert.True(t, errors.Is(err, ErrEmptyActor))
}

// =============================================================================
// Decay
// =============================================================================

// TestDecay_NeverBelowFloor runs the 30-day idle case over several decay
// schedules: trust decays from SUGGESTION but never below BOUNDED.
func TestDecay_NeverBelowFloor(t *testing.T) {
	schedules := []struct {
		grace, step time.Duration
	}{
		{7 * 24 * time.Hour, 7 * 24 * time.Hour},
		{24 * time.Hour, 24 * time.Hour},
		{14 * 24 * time.Hour, 3 * 24 * time.Hour},
		{0, time.Hour},
	}
	for _, s := range schedules {
		t.Run(fmt.Sprintf("grace=%s/step=%s", s.grace, s.step), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DecayGrace = s.grace
			cfg.DecayStep = s.step
			l, clock, _ := newTestLedger(t, cfg)
			ctx := context.Background()
			promote(t, l, clock, "a", Suggestion)

			clock.Advance(30 * 24 * time.Hour)
			tr, err := l.Decay(ctx, "a")
			require.NoError(t, err)
			assert.True(t, tr.Changed)
			assert.Equal(t, Bounded, tr.To)

			for i := 0; i < 10; i++ {
				tr, err = l.Decay(ctx, "a")
				require.NoError(t, err)
				assert.False(t, tr.Changed)
			}
			requireLevel(t, l, "a", Bounded)
		})
	}
}

// TestDecay_OneStepPerIdleStep verifies AUTONOMOUS decays one level per
// elapsed step and that activity restarts the clock.
func TestDecay_OneStepPerIdleStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayGrace = 24 * time.Hour
	cfg.DecayStep = 24 * time.Hour
	l, clock, _ := newTestLedger(t, cfg)
	ctx := context.Background()
	promote(t, l, clock, "a", Autonomous)

	clock.Advance(47 * time.Hour)
	tr, err := l.Decay(ctx, "a")
	require.NoError(t, err)
	assert.False(t, tr.Changed, "inside grace plus one step")

	clock.Advance(time.Hour)
	tr, err = l.Decay(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Suggestion, tr.To)

	tr, err = l.Decay(ctx, "a")
	require.NoError(t, err)
	assert.False(t, tr.Changed, "only one step owed so far")

	clock.Advance(24 * time.Hour)
	tr, err = l.Decay(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Bounded, tr.To)
}

// TestDecay_MonotoneInIdleTime verifies the decayed level never rises as
// idle time grows.
func TestDecay_MonotoneInIdleTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayGrace = 12 * time.Hour
	cfg.DecayStep = 6 * time.Hour

	base := newEntry("a", time.Unix(0, 0).UTC())
	base.Level = Autonomous
	base.Floor = Bounded

	prev := Autonomous
	for idle := time.Duration(0); idle <= 10*24*time.Hour; idle += time.Hour {
		e := base
		now := base.LastActiveAt.Add(idle)
		for i := 0; i < 5; i++ {
			cfg.decay(&e, now)
		}
		assert.LessOrEqual(t, e.Level, prev, "idle %s", idle)
		assert.GreaterOrEqual(t, e.Level, e.Floor)
		prev = e.Level
	}
	assert.Equal(t, Bounded, prev)
}

// TestDecayAll returns only changed transitions.
func TestDecayAll(t *testing.T) {
	l, clock, _ := newTestLedger(t, DefaultConfig())
	ctx := context.Background()
	promote(t, l, clock, "idle", Suggestion)
	promote(t, l, clock, "fresh", ReadOnly)

	clock.Advance(15 * 24 * time.Hour)
	_, err := l.Observe(ctx, "fresh", Observation{})
	require.NoError(t, err)

	changed, err := l.DecayAll(ctx)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "idle", changed[0].ActorID)
}

// =============================================================================
// Freeze and review
// =============================================================================

// TestFreeze_BlocksEscalationAndDecay verifies a frozen actor is pinned.
func TestFreeze_BlocksEscalationAndDecay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuccessStreak = 2
	l, clock, _ := newTestLedger(t, cfg)
	ctx := context.Background()
	promote(t, l, clock, "a", Suggestion)

	require.NoError(t, l.Freeze(ctx, "a", "rollback failed for action 1"))

	clock.Advance(90 * 24 * time.Hour)
	tr, err := l.Decay(ctx, "a")
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.Contains(t, tr.Reason, "frozen")

	for i := 0; i < 20; i++ {
		_, err = l.RecordSuggestion(ctx, "a", true)
		require.NoError(t, err)
	}
	requireLevel(t, l, "a", Suggestion)

	tr, err = l.Review(ctx, "a", "checked the repo by hand")
	require.NoError(t, err)
	assert.Contains(t, tr.Reason, "checked the repo")

	e, _, _ := l.Snapshot(ctx, "a")
	assert.False(t, e.Frozen)
	assert.Nil(t, e.FrozenAt)

	_, err = l.Review(ctx, "a", "")
	assert.True(t, errors.Is(err, ErrNotFrozen))
}

// =============================================================================
// Read-only access and concurrency
// =============================================================================

// TestSnapshot_NeverMutates verifies reads create nothing.
func TestSnapshot_NeverMutates(t *testing.T) {
	l, _, store := newTestLedger(t, DefaultConfig())
	ctx := context.Background()

	_, ok, err := l.Snapshot(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	lvl, err := l.Level(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, ReadOnly, lvl)

	entries, err := l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, store.Saves())
}

// TestLedger_ConcurrentSameActor verifies per-actor serialization loses no
// updates.
func TestLedger_ConcurrentSameActor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuccessStreak = 1000
	l, clock, _ := newTestLedger(t, cfg)
	ctx := context.Background()
	promote(t, l, clock, "a", Bounded)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordOutcome(ctx, "a", true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	e, _, err := l.Snapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 50, e.Evidence.Successes)
	assert.Equal(t, 50, e.Evidence.ConsecutiveSuccesses)
}

// TestLedger_ConcurrentDistinctActors verifies actors proceed independently.
func TestLedger_ConcurrentDistinctActors(t *testing.T) {
	l, _, _ := newTestLedger(t, DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := fmt.Sprintf("actor-%d", i)
			for j := 0; j < 10; j++ {
				_, err := l.Observe(ctx, actor, Observation{})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for _, e := range entries {
		assert.Equal(t, 10, e.Evidence.Observations)
	}
}

// TestLedger_RandomWalkInvariants drives random operations and checks that
// levels stay valid, never go below the floor and move one step at a time.
func TestLedger_RandomWalkInvariants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinObservationPeriod = 2 * time.Hour
	cfg.SuccessStreak = 3
	cfg.MinAcceptedSuggestions = 3
	cfg.AcceptanceThreshold = 0.6
	cfg.DecayGrace = 24 * time.Hour
	cfg.DecayStep = 12 * time.Hour
	l, clock, _ := newTestLedger(t, cfg)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	actors := []string{"a", "b", "c"}
	for _, a := range actors {
		_, err := l.Observe(ctx, a, Observation{})
		require.NoError(t, err)
	}

	for i := 0; i < 2000; i++ {
		actor := actors[rng.Intn(len(actors))]
		before, _, _ := l.Snapshot(ctx, actor)

		var tr Transition
		var err error
		switch rng.Intn(6) {
		case 0:
			tr, err = l.Observe(ctx, actor, Observation{Contradicted: rng.Intn(10) == 0})
		case 1:
			tr, err = l.RecordOutcome(ctx, actor, rng.Intn(5) != 0)
		case 2:
			tr, err = l.RecordSuggestion(ctx, actor, rng.Intn(4) != 0)
		case 3:
			tr, err = l.Escalate(ctx, actor)
		case 4:
			tr, err = l.Decay(ctx, actor)
		case 5:
			clock.Advance(time.Duration(rng.Intn(36)) * time.Hour)
			continue
		}
		require.NoError(t, err)

		after, _, _ := l.Snapshot(ctx, actor)
		assert.True(t, after.Level.Valid())
		assert.GreaterOrEqual(t, after.Level, after.Floor)
		assert.GreaterOrEqual(t, after.Floor, before.Floor, "floor never drops")
		diff := int(after.Level) - int(before.Level)
		assert.True(t, diff >= -1 && diff <= 1, "step %d moved %d levels", i, diff)
		if tr.Changed {
			assert.Equal(t, before.Epoch+1, after.Epoch)
		}
	}
}

// =============================================================================
// Persistence
// =============================================================================

// TestBadgerStore_SurvivesRestart verifies ledger state outlives the process.
func TestBadgerStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Clock = clock.Now

	dbCfg := badger.DefaultConfig()
	dbCfg.Path = dir
	dbCfg.GCInterval = 0

	db, err := badger.Open(dbCfg)
	require.NoError(t, err)
	l, err := NewLedger(NewBadgerStore(db), cfg)
	require.NoError(t, err)
	promote(t, l, clock, "dev@example.com", Bounded)
	_, err = l.RecordOutcome(ctx, "dev@example.com", true)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = badger.Open(dbCfg)
	require.NoError(t, err)
	defer db.Close()
	l, err = NewLedger(NewBadgerStore(db), cfg)
	require.NoError(t, err)

	e, ok, err := l.Snapshot(ctx, "dev@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Bounded, e.Level)
	assert.Equal(t, Bounded, e.Floor)
	assert.Equal(t, 1, e.Evidence.ConsecutiveSuccesses)

	entries, err := l.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	var raw Entry
	require.NoError(t, db.GetJSON(ctx, EntryKey("dev@example.com"), &raw))
	assert.Equal(t, "dev@example.com", raw.ActorID)
}
