// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/aggregator"
	"github.com/AleutianAI/warden/services/warden/checkpoint"
	"github.com/AleutianAI/warden/services/warden/events"
	"github.com/AleutianAI/warden/services/warden/executor"
	"github.com/AleutianAI/warden/services/warden/sources"
	"github.com/AleutianAI/warden/services/warden/storage/badger"
	"github.com/AleutianAI/warden/services/warden/trust"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// testClock is a settable clock safe for concurrent use.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fastTrust() trust.Config {
	return trust.Config{
		MinObservationPeriod:   0,
		MinObservations:        1,
		SuccessStreak:          1,
		MinAcceptedSuggestions: 1,
		AcceptanceThreshold:    0.5,
		DecayGrace:             7 * 24 * time.Hour,
		DecayStep:              7 * 24 * time.Hour,
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.WorkspaceRoot = t.TempDir()
	cfg.Trust = fastTrust()
	cfg.Trust.SuccessStreak = 3
	cfg.Aggregator.Window = 20 * time.Millisecond
	cfg.Aggregator.Horizon = 20 * time.Millisecond
	cfg.Aggregator.Lateness = 0
	cfg.Aggregator.FlushInterval = 5 * time.Millisecond
	cfg.Adapter.InitialBackoff = time.Millisecond
	cfg.Adapter.MaxBackoff = 10 * time.Millisecond
	return cfg
}

func newTestDaemon(t *testing.T, cfg Config, opts ...Option) *Daemon {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	d, err := New(context.Background(), cfg, append([]Option{WithDB(db)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func writeAction(path, content string) action.Action {
	return action.Action{
		Kind:       "fs.write",
		Capability: "fs.write",
		Params:     map[string]any{"path": path, "content": content},
		Mutating:   true,
	}
}

// =============================================================================
// Classification
// =============================================================================

func obsOf(evs ...events.SystemEvent) events.AggregatedObservation {
	return events.NewObservation(evs, 5)
}

func TestClassify(t *testing.T) {
	actor := map[string]any{events.PayloadActor: "dev@example.com"}
	tests := []struct {
		name         string
		obs          events.AggregatedObservation
		defaultActor string
		wantActors   []string
		contradicted bool
	}{
		{
			name:       "commit observed",
			obs:        obsOf(events.New("vcs", "vcs.commit", t0, "sha1", actor)),
			wantActors: []string{"dev@example.com"},
		},
		{
			name: "pass and fail on one key contradict",
			obs: obsOf(
				events.New("vcs", "vcs.commit", t0, "sha1", actor),
				events.New("test", "test.pass", t0, "sha1", nil),
				events.New("ci", "ci.failure", t0, "sha1", nil),
			),
			wantActors:   []string{"dev@example.com"},
			contradicted: true,
		},
		{
			name: "pass and fail on different keys do not contradict",
			obs: obsOf(
				events.New("test", "test.pass", t0, "sha1", actor),
				events.New("ci", "ci.failure", t0, "sha2", nil),
			),
			wantActors: []string{"dev@example.com"},
		},
		{
			name:         "explicit contradiction",
			obs:          obsOf(events.New("bus", KindContradicted, t0, "", actor)),
			wantActors:   []string{"dev@example.com"},
			contradicted: true,
		},
		{
			name:         "no actor uses default",
			obs:          obsOf(events.New("fs", "fs.write", t0, "", nil)),
			defaultActor: "local",
			wantActors:   []string{"local"},
		},
		{
			name:       "no actor and no default is dropped",
			obs:        obsOf(events.New("fs", "fs.write", t0, "", nil)),
			wantActors: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, errs := Classify(tt.obs, tt.defaultActor)
			assert.Empty(t, errs)
			got := make([]string, 0, len(items))
			for _, it := range items {
				got = append(got, it.ActorID)
				assert.Equal(t, tt.contradicted, it.Contradicted)
				assert.Equal(t, tt.obs.End, it.At)
			}
			assert.Equal(t, tt.wantActors, got)
		})
	}
}

func TestClassify_FeedbackAndRequests(t *testing.T) {
	obs := obsOf(
		events.New("vcs", "vcs.commit", t0, "sha1", map[string]any{events.PayloadActor: "a@x"}),
		events.New("bus", KindSuggestionAccepted, t0, "", map[string]any{events.PayloadActor: "b@x"}),
		events.New("bus", KindSuggestionRejected, t0.Add(time.Millisecond), "", map[string]any{events.PayloadActor: "b@x"}),
		events.New("bus", KindSuggestionAccepted, t0.Add(2*time.Millisecond), "", map[string]any{events.PayloadActor: "b@x"}),
		events.New("bus", KindActionRequested, t0, "", map[string]any{
			events.PayloadActor: "a@x",
			"action": map[string]any{
				"kind":           "fs.write",
				"capability":     "fs.write",
				"params":         map[string]any{"path": "a.txt", "content": "x"},
				"mutating":       true,
				"required_level": "BOUNDED",
			},
		}),
		events.New("bus", KindActionRequested, t0.Add(time.Millisecond), "", map[string]any{events.PayloadActor: "a@x"}),
	)

	items, errs := Classify(obs, "")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], action.ErrInvalidAction)
	require.Len(t, items, 2)

	a, b := items[0], items[1]
	assert.Equal(t, "a@x", a.ActorID)
	require.Len(t, a.Actions, 1)
	assert.Equal(t, "fs.write", a.Actions[0].Capability)
	assert.Equal(t, trust.Bounded, a.Actions[0].RequiredLevel)
	assert.True(t, a.Actions[0].Mutating)

	assert.Equal(t, "b@x", b.ActorID)
	assert.Equal(t, 2, b.Accepted)
	assert.Equal(t, 1, b.Rejected)
}

func TestShardOf(t *testing.T) {
	for _, n := range []int{1, 4, 7} {
		seen := make(map[int]bool)
		for i := 0; i < 200; i++ {
			actor := fmt.Sprintf("actor-%d", i)
			s := shardOf(actor, n)
			require.GreaterOrEqual(t, s, 0)
			require.Less(t, s, n)
			assert.Equal(t, s, shardOf(actor, n))
			seen[s] = true
		}
		assert.Len(t, seen, n)
	}
}

// =============================================================================
// Evidence over time
// =============================================================================

// TestApply_ObservationPeriod verifies READ_ONLY escalates to BOUNDED only
// after an uncontradicted streak of MinObservationPeriod, over several
// periods. The 24h case is the canonical one.
func TestApply_ObservationPeriod(t *testing.T) {
	for _, period := range []time.Duration{time.Hour, 24 * time.Hour, 72 * time.Hour} {
		t.Run(period.String(), func(t *testing.T) {
			clock := &testClock{now: t0}
			cfg := testConfig(t)
			cfg.Trust.MinObservationPeriod = period
			d := newTestDaemon(t, cfg, WithClock(clock.Now))
			ctx := context.Background()

			step := period / 24
			for i := 0; i < 24; i++ {
				d.apply(ctx, WorkItem{ActorID: "dev", At: clock.Now()})
				lvl, err := d.ledger.Level(ctx, "dev")
				require.NoError(t, err)
				require.Equal(t, trust.ReadOnly, lvl, "escalated early at step %d", i)
				clock.Advance(step)
			}
			d.apply(ctx, WorkItem{ActorID: "dev", At: clock.Now()})
			lvl, err := d.ledger.Level(ctx, "dev")
			require.NoError(t, err)
			assert.Equal(t, trust.Bounded, lvl)
		})
	}
}

func TestApply_ContradictionRestartsStreak(t *testing.T) {
	clock := &testClock{now: t0}
	cfg := testConfig(t)
	cfg.Trust.MinObservationPeriod = 24 * time.Hour
	d := newTestDaemon(t, cfg, WithClock(clock.Now))
	ctx := context.Background()

	d.apply(ctx, WorkItem{ActorID: "dev", At: clock.Now()})
	clock.Advance(20 * time.Hour)
	d.apply(ctx, WorkItem{ActorID: "dev", At: clock.Now(), Contradicted: true})
	clock.Advance(5 * time.Hour)
	d.apply(ctx, WorkItem{ActorID: "dev", At: clock.Now()})

	lvl, err := d.ledger.Level(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, trust.ReadOnly, lvl)

	clock.Advance(20 * time.Hour)
	d.apply(ctx, WorkItem{ActorID: "dev", At: clock.Now()})
	lvl, err = d.ledger.Level(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, trust.Bounded, lvl)
}

// TestMaintain_DecayStopsAtFloor verifies 30 idle days after reaching
// SUGGESTION decay the actor no lower than BOUNDED.
func TestMaintain_DecayStopsAtFloor(t *testing.T) {
	for _, step := range []time.Duration{24 * time.Hour, 7 * 24 * time.Hour} {
		t.Run(step.String(), func(t *testing.T) {
			clock := &testClock{now: t0}
			cfg := testConfig(t)
			cfg.Trust.DecayGrace = 7 * 24 * time.Hour
			cfg.Trust.DecayStep = step
			d := newTestDaemon(t, cfg, WithClock(clock.Now))
			ctx := context.Background()

			d.apply(ctx, WorkItem{ActorID: "dev", At: clock.Now()})
			for i := 0; i < cfg.Trust.SuccessStreak; i++ {
				_, err := d.ledger.RecordOutcome(ctx, "dev", true)
				require.NoError(t, err)
			}
			lvl, err := d.ledger.Level(ctx, "dev")
			require.NoError(t, err)
			require.Equal(t, trust.Suggestion, lvl)

			clock.Advance(30 * 24 * time.Hour)
			for i := 0; i < 10; i++ {
				_, err := d.Maintain(ctx)
				require.NoError(t, err)
			}
			entry, _, err := d.ledger.Snapshot(ctx, "dev")
			require.NoError(t, err)
			assert.Equal(t, trust.Bounded, entry.Level)
			assert.Equal(t, trust.Bounded, entry.Floor)
		})
	}
}

// =============================================================================
// Operational surface
// =============================================================================

func TestStatus_IsReadOnly(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()

	d.apply(ctx, WorkItem{ActorID: "dev", At: time.Now()})
	_, err := d.Act(ctx, "dev", writeAction("notes.txt", "hello"))
	require.NoError(t, err)

	before, err := d.Status(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := d.Status(ctx)
		require.NoError(t, err)
	}
	_, err = d.ActorStatus(ctx, "nobody")
	assert.ErrorIs(t, err, trust.ErrUnknownActor)

	after, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Actors, after.Actors)
	assert.Equal(t, before.RecentActions, after.RecentActions)
	require.Len(t, after.Actors, 1)
	assert.Equal(t, trust.Bounded, after.Actors[0].Level)
	require.Len(t, after.RecentActions, 1)

	entries, err := d.ledger.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestActorStatus(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()
	d.apply(ctx, WorkItem{ActorID: "dev", At: time.Now()})
	_, err := d.Act(ctx, "dev", writeAction("a.txt", "1"))
	require.NoError(t, err)

	st, err := d.ActorStatus(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", st.Entry.ActorID)
	require.Len(t, st.RecentActions, 1)
	assert.Equal(t, "success", string(st.RecentActions[0].Outcome))
}

func TestAct_ReadOnlyActorCannotMutate(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	_, err := d.Act(context.Background(), "stranger", writeAction("a.txt", "1"))
	assert.ErrorIs(t, err, executor.ErrInsufficientTrust)
	_, statErr := os.Stat(filepath.Join(d.cfg.WorkspaceRoot, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestEscalate_Concurrent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trust.MinObservations = 3
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	_, err := d.Escalate(ctx, "ghost")
	assert.ErrorIs(t, err, trust.ErrUnknownActor)

	d.apply(ctx, WorkItem{ActorID: "dev", At: time.Now()})
	var wg sync.WaitGroup
	results := make([]trust.Transition, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = d.Escalate(ctx, "dev")
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.False(t, r.Changed)
		assert.Equal(t, trust.ReadOnly, r.To)
		assert.NotEmpty(t, r.Reason)
	}
}

func TestReview_Unfreezes(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()
	d.apply(ctx, WorkItem{ActorID: "dev", At: time.Now()})
	require.NoError(t, d.ledger.Freeze(ctx, "dev", "rollback failed"))

	_, err := d.Act(ctx, "dev", writeAction("a.txt", "1"))
	assert.ErrorIs(t, err, trust.ErrActorFrozen)

	_, err = d.Review(ctx, "dev", "inspected")
	require.NoError(t, err)
	_, err = d.Act(ctx, "dev", writeAction("a.txt", "1"))
	assert.NoError(t, err)
}

func TestMaintain_PrunesAndDiscardsCheckpoints(t *testing.T) {
	clock := &testClock{now: t0}
	cfg := testConfig(t)
	cfg.Retention.MaxCount = 1
	d := newTestDaemon(t, cfg, WithClock(clock.Now))
	ctx := context.Background()

	d.apply(ctx, WorkItem{ActorID: "dev", At: clock.Now()})
	first, err := d.Act(ctx, "dev", writeAction("a.txt", "1"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := d.Act(ctx, "dev", writeAction("a.txt", "2"))
	require.NoError(t, err)
	require.NotEmpty(t, first.CheckpointID)

	report, err := d.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)
	assert.Equal(t, 1, report.CheckpointsDiscarded)

	_, err = d.checkpoints.Get(ctx, first.CheckpointID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, err = d.checkpoints.Get(ctx, second.CheckpointID)
	assert.NoError(t, err)

	st, err := d.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastMaintenance)
	assert.Equal(t, 1, st.LastMaintenance.Pruned)
}

func TestHandleWebhook_Disabled(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	err := d.HandleWebhook(context.Background(), "workflow_run", "d1", []byte(`{}`), "")
	assert.ErrorIs(t, err, ErrCINotEnabled)
}

func TestNew_DataDirLock(t *testing.T) {
	cfg := testConfig(t)
	first, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = New(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrDataDirLocked)

	require.NoError(t, first.Close())
	again, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trust.SuccessStreak = 0
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, trust.ErrInvalidConfig)

	cfg = testConfig(t)
	cfg.Sources.Git = true
	_, err = New(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// =============================================================================
// Pipeline
// =============================================================================

type chanSource struct {
	id string
	in chan events.SystemEvent
}

func (s *chanSource) ID() string { return s.id }

func (s *chanSource) Run(ctx context.Context, emit sources.Emit) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.in:
			emit(ev)
		}
	}
}

// TestRun_EndToEnd drives events through the adapters, the aggregator
// and the shard workers into the ledger, then feeds suggestion verdicts
// back through the bus.
func TestRun_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	vcs := &chanSource{id: "vcs", in: make(chan events.SystemEvent, 8)}
	d := newTestDaemon(t, cfg, WithSources(vcs))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	actor := map[string]any{events.PayloadActor: "dev@example.com"}
	vcs.in <- events.New("vcs", "vcs.commit", time.Now(), "sha0", actor)
	require.Eventually(t, func() bool {
		st, err := d.ActorStatus(context.Background(), "dev@example.com")
		return err == nil && st.Entry.Level == trust.Bounded
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_ = d.Feedback(context.Background(), "dev@example.com", true, "")
		st, err := d.ActorStatus(context.Background(), "dev@example.com")
		return err == nil && st.Entry.Evidence.SuggestionsAccepted+st.Entry.Evidence.SuggestionsRejected > 0
	}, 5*time.Second, 50*time.Millisecond)

	assert.ErrorIs(t, d.Run(ctx), ErrAlreadyRunning)

	st, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.GreaterOrEqual(t, st.Dispatch.Processed, int64(1))
	ids := make([]string, 0, len(st.Adapters))
	for _, h := range st.Adapters {
		ids = append(ids, h.SourceID)
	}
	assert.ElementsMatch(t, []string{"bus", "vcs"}, ids)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.ErrorIs(t, d.Feedback(context.Background(), "", true, ""), trust.ErrEmptyActor)

	st, err = d.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyRunning)
}

// TestRun_AttachFailureStopsAdapters verifies adapters started before a
// failed attach are stopped before Run returns.
func TestRun_AttachFailureStopsAdapters(t *testing.T) {
	cfg := testConfig(t)
	first := &chanSource{id: "first", in: make(chan events.SystemEvent)}
	second := &chanSource{id: "second", in: make(chan events.SystemEvent)}
	d := newTestDaemon(t, cfg, WithSources(first, second))
	require.GreaterOrEqual(t, len(d.adapters), 2)

	last := d.adapters[len(d.adapters)-1]
	require.NoError(t, d.aggregator.Attach(last.ID(), make(chan events.SystemEvent)))

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, aggregator.ErrDuplicateSource), "got %v", err)

	for _, ad := range d.adapters {
		select {
		case <-ad.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("adapter %s still running after failed Run", ad.ID())
		}
	}
}
