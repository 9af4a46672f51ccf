// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs actions on behalf of actors, gated by the forbidden
// registry and the trust ledger, with a checkpoint before every mutation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/actionlog"
	"github.com/AleutianAI/warden/services/warden/bridge"
	"github.com/AleutianAI/warden/services/warden/checkpoint"
	"github.com/AleutianAI/warden/services/warden/forbidden"
	"github.com/AleutianAI/warden/services/warden/trust"
)

// =============================================================================
// Dependencies
// =============================================================================

// Ledger is the part of the trust ledger the executor reads and feeds.
type Ledger interface {
	Snapshot(ctx context.Context, actorID string) (trust.Entry, bool, error)
	RecordOutcome(ctx context.Context, actorID string, success bool) (trust.Transition, error)
	Freeze(ctx context.Context, actorID, reason string) error
}

// Invoker describes and runs capability calls.
type Invoker interface {
	Inspect(capabilityID string, params map[string]any) (bridge.Profile, error)
	InvokeTimeout(ctx context.Context, capabilityID string, params map[string]any, timeout time.Duration) (bridge.Result, error)
}

// Checkpointer captures and restores pre-action state.
type Checkpointer interface {
	Create(ctx context.Context, actionID, actorID string, a action.Action) (*checkpoint.Checkpoint, error)
	Restore(ctx context.Context, cp *checkpoint.Checkpoint) error
}

// Recorder appends action records.
type Recorder interface {
	Append(ctx context.Context, r actionlog.Record) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config bounds every blocking step of an execution.
type Config struct {
	// LockTimeout bounds the wait for the actor's execution slot. Default: 5s
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// CheckpointTimeout bounds checkpoint creation. Default: 30s
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout"`

	// BridgeTimeout is the hard limit on the capability call. Default: 30s
	BridgeTimeout time.Duration `yaml:"bridge_timeout"`

	// RollbackTimeout bounds checkpoint restore. Default: 60s
	RollbackTimeout time.Duration `yaml:"rollback_timeout"`

	// AbandonGrace is how long a failed mutating action waits for a call
	// abandoned at BridgeTimeout to return before restoring. A call still
	// running after it freezes the actor and keeps its slot held until the
	// call returns and the restore runs. Default: 10s
	AbandonGrace time.Duration `yaml:"abandon_grace"`

	// TracingEnabled turns on execution spans.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the default timeouts.
func DefaultConfig() Config {
	return Config{
		LockTimeout:       5 * time.Second,
		CheckpointTimeout: 30 * time.Second,
		BridgeTimeout:     30 * time.Second,
		RollbackTimeout:   60 * time.Second,
		AbandonGrace:      10 * time.Second,
		TracingEnabled:    true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.CheckpointTimeout <= 0 {
		c.CheckpointTimeout = def.CheckpointTimeout
	}
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = def.BridgeTimeout
	}
	if c.RollbackTimeout <= 0 {
		c.RollbackTimeout = def.RollbackTimeout
	}
	if c.AbandonGrace <= 0 {
		c.AbandonGrace = def.AbandonGrace
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// =============================================================================
// Executor
// =============================================================================

// Result describes one execution.
type Result struct {
	ActionID     string            `json:"action_id"`
	Outcome      actionlog.Outcome `json:"outcome"`
	CheckpointID string            `json:"checkpoint_id,omitempty"`
	Output       map[string]any    `json:"output,omitempty"`
	Duration     time.Duration     `json:"duration"`

	// Forbidden is set when the action was rejected by the registry.
	Forbidden *forbidden.Verdict `json:"forbidden,omitempty"`
}

// Executor runs actions.
//
// # Description
//
// Every action passes, in order: validation, the forbidden registry, the
// actor's execution slot, the trust gate, a checkpoint when it mutates,
// and the capability call. Every action yields at least one record in the
// action log. A failed mutating action is rolled back; a rollback that
// fails freezes the actor.
//
// # Thread Safety
//
// Safe for concurrent use. Actions of one actor run one at a time; actions
// of different actors run concurrently.
type Executor struct {
	cfg         Config
	ledger      Ledger
	invoker     Invoker
	checkpoints Checkpointer
	log         Recorder
	tracer      *Tracer
	logger      *slog.Logger

	slotsMu sync.Mutex
	slots   map[string]*slot

	// background tracks restores deferred behind abandoned calls.
	background sync.WaitGroup
}

// New creates an executor.
func New(cfg Config, ledger Ledger, invoker Invoker, checkpoints Checkpointer, log Recorder) *Executor {
	cfg.applyDefaults()
	logger := slog.Default().With("component", "executor")
	return &Executor{
		cfg:         cfg,
		ledger:      ledger,
		invoker:     invoker,
		checkpoints: checkpoints,
		log:         log,
		tracer:      NewTracer(logger, cfg.TracingEnabled),
		logger:      logger,
		slots:       make(map[string]*slot),
	}
}

// Execute runs one action for an actor.
//
// # Inputs
//
//   - ctx: Bounds the wait for the execution slot and the capability call.
//     Rollback runs on its own deadline even when ctx is cancelled.
//   - actorID: The acting identity.
//   - a: The action. A blank ID is assigned.
//
// # Outputs
//
//   - Result: Always carries the action id and outcome.
//   - error: ErrForbidden, action.ErrInvalidAction, ErrActorBusy,
//     trust.ErrActorFrozen, ErrInsufficientTrust, checkpoint.ErrNoCheckpoint,
//     ErrActionFailed (wrapping the capability error) or ErrRollbackFailed.
func (e *Executor) Execute(ctx context.Context, actorID string, a action.Action) (res Result, err error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Result{}, trust.ErrEmptyActor
	}
	a = a.Clone()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	start := e.cfg.Clock()
	ctx, span := e.tracer.StartExecute(ctx, actorID, a)
	logger := LoggerWithTrace(ctx, e.logger).With("actor_id", actorID, "action_id", a.ID, "kind", a.Kind)
	stage := "execute"
	defer func() {
		res.Duration = e.cfg.Clock().Sub(start)
		e.tracer.EndExecute(span, res.Outcome, err)
		recordAction(ctx, res.Outcome, stage, res.Duration)
	}()

	res = Result{ActionID: a.ID, Outcome: actionlog.OutcomeRejected}
	rec := actionlog.Record{
		ActionID:   a.ID,
		ActorID:    actorID,
		Timestamp:  start.UTC(),
		ActionKind: a.Kind,
		Capability: a.Capability,
		Outcome:    actionlog.OutcomeRejected,
	}
	reject := func(stageName string, cause error) (Result, error) {
		stage = stageName
		rec.Reason = stageName
		rec.Error = cause.Error()
		e.append(ctx, logger, rec)
		return res, cause
	}

	if verr := a.Validate(); verr != nil {
		if v := forbidden.Check(a); v.Forbidden {
			return e.rejectForbidden(ctx, logger, &res, rec, v, &stage)
		}
		return reject("validate", verr)
	}

	// Capability profile first so declared and derived paths are both
	// checked by the registry and captured by the checkpoint.
	profile, inspectErr := e.invoker.Inspect(a.Capability, a.Params)
	if inspectErr == nil {
		a.Paths = mergePaths(a.Paths, profile.Paths)
	}

	if v := forbidden.Check(a); v.Forbidden {
		return e.rejectForbidden(ctx, logger, &res, rec, v, &stage)
	}
	if inspectErr != nil {
		return reject("capability", fmt.Errorf("inspect %s: %w", a.Capability, inspectErr))
	}

	required := a.EffectiveLevel(profile.MinLevel)
	mutating := a.Mutating || profile.Mutates
	rec.RequiredLevel = required

	release, lockErr := e.acquire(ctx, actorID)
	if lockErr != nil {
		return reject("lock", lockErr)
	}
	// A deferred restore takes over the slot and releases it itself.
	var pending *bridge.AbandonedError
	defer func() {
		if pending == nil {
			release()
		}
	}()

	entry, known, snapErr := e.ledger.Snapshot(ctx, actorID)
	if snapErr != nil {
		return reject("trust", fmt.Errorf("trust snapshot: %w", snapErr))
	}
	level := trust.ReadOnly
	if known {
		level = entry.Level
	}
	rec.TrustLevelAtTime = level
	if entry.Frozen && required > trust.ReadOnly {
		return reject("trust", fmt.Errorf("%w: %s", trust.ErrActorFrozen, entry.FrozenReason))
	}
	if level < required {
		return reject("trust", fmt.Errorf("%w: %s has %s, action requires %s",
			ErrInsufficientTrust, actorID, level, required))
	}

	var cp *checkpoint.Checkpoint
	if mutating {
		var cpErr error
		cp, cpErr = e.checkpoint(ctx, actorID, a)
		if cpErr != nil {
			return reject("checkpoint", cpErr)
		}
		res.CheckpointID = cp.ID
		rec.CheckpointRef = actionlog.Ref(cp.ID)
	}

	invokeCtx, invokeSpan := e.tracer.StartStep(ctx, "invoke")
	out, invokeErr := e.invoker.InvokeTimeout(invokeCtx, a.Capability, a.Params, e.cfg.BridgeTimeout)
	e.tracer.EndStep(invokeSpan, invokeErr)
	rec.DurationMS = out.Duration.Milliseconds()

	if invokeErr == nil {
		stage = "invoke"
		res.Outcome = actionlog.OutcomeSuccess
		res.Output = out.Output
		rec.Outcome = actionlog.OutcomeSuccess
		e.append(ctx, logger, rec)
		if mutating {
			if _, terr := e.ledger.RecordOutcome(ctx, actorID, true); terr != nil {
				logger.Error("failed to record positive evidence", "error", terr)
			}
		}
		logger.Info("action succeeded", "capability", a.Capability, "mutating", mutating)
		return res, nil
	}

	stage = "invoke"
	res.Outcome = actionlog.OutcomeFailure
	rec.Outcome = actionlog.OutcomeFailure
	rec.Error = invokeErr.Error()
	e.append(ctx, logger, rec)
	failure := fmt.Errorf("%w: %w", ErrActionFailed, invokeErr)
	if !mutating {
		logger.Warn("action failed", "capability", a.Capability, "error", invokeErr)
		return res, failure
	}

	logger.Warn("action failed, rolling back", "capability", a.Capability, "checkpoint_id", cp.ID, "error", invokeErr)
	stage = "rollback"
	var rollbackErr error
	var abandoned *bridge.AbandonedError
	if errors.As(invokeErr, &abandoned) && !abandoned.Wait(e.cfg.AbandonGrace) {
		// Restoring now would race the still-running call.
		pending = abandoned
		rollbackErr = fmt.Errorf("%w: %s did not return within %s",
			ErrCapabilityRunning, a.Capability, e.cfg.AbandonGrace)
	} else {
		rollbackErr = e.rollback(ctx, cp)
	}

	second := rec
	second.Timestamp = e.cfg.Clock().UTC()
	second.DurationMS = 0
	if rollbackErr == nil {
		second.Outcome = actionlog.OutcomeRolledBack
		second.Reason = "restored checkpoint " + cp.ID
		res.Outcome = actionlog.OutcomeRolledBack
	} else {
		second.Outcome = actionlog.OutcomeFailure
		second.Reason = "rollback failed"
		second.Error = rollbackErr.Error()
	}
	e.append(ctx, logger, second)

	if _, terr := e.ledger.RecordOutcome(ctx, actorID, false); terr != nil {
		logger.Error("failed to record negative evidence", "error", terr)
	}
	if rollbackErr == nil {
		return res, failure
	}

	logger.Error("CRITICAL: rollback failed, freezing actor",
		"checkpoint_id", cp.ID, "error", rollbackErr)
	if ferr := e.ledger.Freeze(context.WithoutCancel(ctx), actorID,
		fmt.Sprintf("rollback of action %s failed: %v", a.ID, rollbackErr)); ferr != nil {
		logger.Error("CRITICAL: failed to freeze actor after rollback failure", "error", ferr)
	}
	if pending != nil {
		logger.Error("CRITICAL: capability still running, actor slot held until it returns",
			"capability", a.Capability, "checkpoint_id", cp.ID)
		e.background.Add(1)
		go e.restoreWhenReturned(context.WithoutCancel(ctx), logger, rec, cp, pending, release)
	}
	return res, fmt.Errorf("%w: %w (action error: %v)", ErrRollbackFailed, rollbackErr, invokeErr)
}

func (e *Executor) rejectForbidden(
	ctx context.Context,
	logger *slog.Logger,
	res *Result,
	rec actionlog.Record,
	v forbidden.Verdict,
	stage *string,
) (Result, error) {
	*stage = "forbidden"
	verdict := v
	res.Forbidden = &verdict
	rec.ForbiddenCheck = true
	rec.ForbiddenPattern = v.Pattern
	rec.Reason = v.Reason
	e.append(ctx, logger, rec)
	logger.Warn("forbidden action rejected",
		"pattern", v.Pattern, "field", string(v.Field), "matched", v.Matched)
	return *res, fmt.Errorf("%w: %s (%s)", ErrForbidden, v.Pattern, v.Reason)
}

// checkpoint creates the pre-action checkpoint within CheckpointTimeout.
func (e *Executor) checkpoint(ctx context.Context, actorID string, a action.Action) (*checkpoint.Checkpoint, error) {
	ctx, span := e.tracer.StartStep(ctx, "checkpoint")
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CheckpointTimeout)
	defer cancel()

	cp, err := e.checkpoints.Create(ctx, a.ID, actorID, a)
	if err == nil && cp == nil {
		err = checkpoint.ErrNoCheckpoint
	}
	if err != nil && !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		err = fmt.Errorf("%w: %w", checkpoint.ErrNoCheckpoint, err)
	}
	e.tracer.EndStep(span, err)
	return cp, err
}

// rollback restores cp on a background deadline so a cancelled request
// cannot leave the world half-mutated.
func (e *Executor) rollback(ctx context.Context, cp *checkpoint.Checkpoint) (err error) {
	ctx, span := e.tracer.StartStep(context.WithoutCancel(ctx), "rollback")
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RollbackTimeout)
	defer cancel()
	defer func() {
		recordRollback(ctx, err == nil)
		e.tracer.EndStep(span, err)
	}()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("rollback panicked: %v", r)
			}
		}()
		done <- e.checkpoints.Restore(ctx, cp)
	}()
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("rollback timed out after %s: %w", e.cfg.RollbackTimeout, ctx.Err())
	}
}

// restoreWhenReturned waits for an abandoned call to return, restores its
// checkpoint and frees the actor's slot. The actor stays frozen until
// reviewed either way.
func (e *Executor) restoreWhenReturned(
	ctx context.Context,
	logger *slog.Logger,
	rec actionlog.Record,
	cp *checkpoint.Checkpoint,
	abandoned *bridge.AbandonedError,
	release func(),
) {
	defer e.background.Done()
	defer release()
	<-abandoned.Done()

	err := e.rollback(ctx, cp)
	late := rec
	late.Timestamp = e.cfg.Clock().UTC()
	late.DurationMS = 0
	if err == nil {
		late.Outcome = actionlog.OutcomeRolledBack
		late.Reason = "restored checkpoint " + cp.ID + " after abandoned call returned"
		logger.Warn("abandoned call returned, checkpoint restored", "checkpoint_id", cp.ID)
	} else {
		late.Outcome = actionlog.OutcomeFailure
		late.Reason = "rollback failed"
		late.Error = err.Error()
		logger.Error("CRITICAL: restore after abandoned call failed", "checkpoint_id", cp.ID, "error", err)
	}
	e.append(ctx, logger, late)
}

// Drain waits for restores deferred behind abandoned calls, or until ctx
// is done.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// append writes a record. A lost record is logged but does not change the
// action's outcome.
func (e *Executor) append(ctx context.Context, logger *slog.Logger, rec actionlog.Record) {
	if err := e.log.Append(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("CRITICAL: failed to append action record",
			"outcome", string(rec.Outcome), "error", err)
	}
}

// =============================================================================
// Per-actor execution slots
// =============================================================================

// slot serializes one actor's actions. refs counts the holder and every
// waiter; the map entry is removed when it drops to zero.
type slot struct {
	ch   chan struct{}
	refs int
}

// acquire takes the actor's slot, waiting at most LockTimeout.
func (e *Executor) acquire(ctx context.Context, actorID string) (func(), error) {
	e.slotsMu.Lock()
	s, ok := e.slots[actorID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		e.slots[actorID] = s
	}
	s.refs++
	e.slotsMu.Unlock()

	timer := time.NewTimer(e.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				e.unref(actorID, s)
			})
		}, nil
	case <-timer.C:
		e.unref(actorID, s)
		return nil, fmt.Errorf("%w: waited %s", ErrActorBusy, e.cfg.LockTimeout)
	case <-ctx.Done():
		e.unref(actorID, s)
		return nil, fmt.Errorf("%w: %w", ErrActorBusy, ctx.Err())
	}
}

func (e *Executor) unref(actorID string, s *slot) {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(e.slots, actorID)
	}
}

func mergePaths(declared, derived []string) []string {
	if len(derived) == 0 {
		return declared
	}
	seen := make(map[string]struct{}, len(declared)+len(derived))
	out := make([]string, 0, len(declared)+len(derived))
	for _, p := range append(append([]string(nil), declared...), derived...) {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
