// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package daemon assembles the warden pipeline: sources feed the
// aggregator, observations become trust evidence on per-actor shards, and
// actions run through the executor. It also exposes the operational
// surface (status, escalate, act) the API serves.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/actionlog"
	"github.com/AleutianAI/warden/services/warden/aggregator"
	"github.com/AleutianAI/warden/services/warden/bridge"
	"github.com/AleutianAI/warden/services/warden/checkpoint"
	"github.com/AleutianAI/warden/services/warden/events"
	"github.com/AleutianAI/warden/services/warden/executor"
	"github.com/AleutianAI/warden/services/warden/git"
	"github.com/AleutianAI/warden/services/warden/sources"
	"github.com/AleutianAI/warden/services/warden/storage/badger"
	"github.com/AleutianAI/warden/services/warden/trust"
)

// Bus is a transport the daemon both listens on and publishes feedback to.
type Bus interface {
	sources.Subscriber
	sources.Publisher
}

// Option customizes a Daemon.
type Option func(*options)

type options struct {
	db     *badger.DB
	bus    Bus
	extra  []sources.Source
	caps   []bridge.Capability
	clock  func() time.Time
	noLock bool
}

// WithDB uses an already open database. The daemon does not close it and
// does not lock the data directory.
func WithDB(db *badger.DB) Option {
	return func(o *options) {
		o.db = db
		o.noLock = true
	}
}

// WithBus replaces the configured bus transport.
func WithBus(b Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithSources adds sources beyond the configured ones.
func WithSources(srcs ...sources.Source) Option {
	return func(o *options) { o.extra = append(o.extra, srcs...) }
}

// WithCapabilities registers extra bridge capabilities.
func WithCapabilities(caps ...bridge.Capability) Option {
	return func(o *options) { o.caps = append(o.caps, caps...) }
}

// WithClock sets the clock used by the ledger, the action log checkpoints
// and maintenance.
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.clock = fn }
}

// Daemon is the assembled trust daemon.
//
// # Description
//
// New wires storage, the ledger, the action log, the bridge, checkpoints,
// the executor, the aggregator and every configured source. Run starts the
// pipeline and blocks until ctx is cancelled. The operational methods
// (Status, Escalate, Act, ...) are usable with or without Run.
//
// # Thread Safety
//
// Safe for concurrent use.
type Daemon struct {
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger

	lock   *dirLock
	db     *badger.DB
	ownsDB bool

	ledger      *trust.Ledger
	actions     *actionlog.Log
	bridge      *bridge.Bridge
	checkpoints *checkpoint.Manager
	executor    *executor.Executor
	aggregator  *aggregator.Aggregator
	adapters    []*sources.Adapter
	ci          *sources.CISource
	bus         Bus
	closers     []func() error

	escalations singleflight.Group
	started     atomic.Bool
	running     atomic.Bool

	processed atomic.Int64
	dropped   atomic.Int64
	lastMaint atomic.Pointer[MaintenanceReport]

	closeOnce sync.Once
}

// New assembles a daemon.
//
// # Inputs
//
//   - ctx: Used while connecting external transports (redis, GCS).
//   - cfg: Configuration. Zero fields take defaults.
//   - opts: Overrides, mostly for tests.
//
// # Outputs
//
//   - *Daemon: Ready to Run. Close releases storage and the data dir lock.
//   - error: ErrInvalidConfig, ErrDataDirLocked or a wiring failure.
func New(ctx context.Context, cfg Config, opts ...Option) (_ *Daemon, err error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Daemon{
		cfg:    cfg,
		clock:  o.clock,
		logger: slog.Default().With("component", "daemon"),
	}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if err := d.openStorage(o); err != nil {
		return nil, err
	}

	trustCfg := cfg.Trust
	trustCfg.Clock = o.clock
	d.ledger, err = trust.NewLedger(trust.NewBadgerStore(d.db), trustCfg)
	if err != nil {
		return nil, err
	}

	var logOpts []actionlog.Option
	switch {
	case cfg.Archive.GCS.Bucket != "":
		gcs, err := actionlog.NewGCSArchiver(ctx, cfg.Archive.GCS)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, gcs.Close)
		logOpts = append(logOpts, actionlog.WithArchiver(gcs))
	case cfg.Archive.Dir != "":
		logOpts = append(logOpts, actionlog.WithArchiver(&actionlog.DirArchiver{Dir: cfg.Archive.Dir, Clock: o.clock}))
	}
	d.actions = actionlog.New(d.db, cfg.Retention, logOpts...)

	gitClient, err := d.openRepo()
	if err != nil {
		return nil, err
	}
	if err := d.buildBridge(gitClient, o.caps); err != nil {
		return nil, err
	}

	strategies := []checkpoint.Strategy{checkpoint.NewInverseStrategy(d.bridge)}
	if gitClient != nil {
		strategies = append(strategies, checkpoint.NewGitRefStrategy(gitClient))
	}
	strategies = append(strategies, checkpoint.NewSnapshotStrategy(filepath.Join(cfg.DataDir, "checkpoints")))
	d.checkpoints = checkpoint.NewManager(d.db, checkpoint.Config{Root: cfg.WorkspaceRoot, Clock: o.clock}, strategies...)

	execCfg := cfg.Executor
	execCfg.Clock = o.clock
	d.executor = executor.New(execCfg, d.ledger, d.bridge, d.checkpoints, d.actions)

	d.aggregator = aggregator.New(cfg.Aggregator)

	if err := d.buildSources(ctx, gitClient, o); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) openStorage(o options) error {
	if o.db != nil {
		d.db = o.db
		return nil
	}
	if d.cfg.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if !o.noLock {
		lock, err := lockDataDir(d.cfg.DataDir)
		if err != nil {
			return err
		}
		d.lock = lock
	}
	dbCfg := badger.DefaultConfig()
	dbCfg.Path = filepath.Join(d.cfg.DataDir, "db")
	dbCfg.Logger = d.logger
	db, err := badger.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	d.db = db
	d.ownsDB = true
	return nil
}

func (d *Daemon) openRepo() (*git.Client, error) {
	if d.cfg.RepoPath == "" {
		return nil, nil
	}
	abs, err := filepath.Abs(d.cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}
	client, err := git.NewClient(abs, d.cfg.GitCommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return client, nil
}

func (d *Daemon) buildBridge(gitClient *git.Client, extra []bridge.Capability) error {
	d.bridge = bridge.New(d.cfg.Bridge)
	var caps []bridge.Capability
	if d.cfg.WorkspaceRoot != "" {
		caps = append(caps, bridge.NewFSWrite(d.cfg.WorkspaceRoot), bridge.NewFSPatch(d.cfg.WorkspaceRoot))
	}
	if gitClient != nil {
		caps = append(caps, bridge.NewGitExec(gitClient))
	}
	caps = append(caps, bridge.NewHTTPRequest(&http.Client{Timeout: d.cfg.Bridge.Timeout}))
	caps = append(caps, extra...)
	for _, c := range caps {
		if err := d.bridge.Register(c); err != nil {
			return fmt.Errorf("register capability: %w", err)
		}
	}
	return nil
}

func (d *Daemon) buildSources(ctx context.Context, gitClient *git.Client, o options) error {
	var srcs []sources.Source
	for _, fc := range d.cfg.Sources.Files {
		srcs = append(srcs, sources.NewFileSource(fc))
	}
	if d.cfg.Sources.Git && gitClient != nil {
		srcs = append(srcs, sources.NewGitSource("", gitClient, 0))
	}
	if d.cfg.Sources.TestReports != "" {
		srcs = append(srcs, sources.NewTestReportSource("", d.cfg.Sources.TestReports, 0))
	}

	d.bus = o.bus
	if d.bus == nil {
		if addr := d.cfg.Sources.Bus.RedisAddr; addr != "" {
			rb, err := sources.NewRedisBus(ctx, addr, d.cfg.Sources.Bus.RedisPassword, d.cfg.Sources.Bus.RedisDB)
			if err != nil {
				return err
			}
			d.closers = append(d.closers, rb.Close)
			d.bus = rb
		} else {
			lb := sources.NewLocalBus(256)
			d.closers = append(d.closers, func() error { lb.Close(); return nil })
			d.bus = lb
		}
	}
	srcs = append(srcs, sources.NewBusSource("", d.cfg.Sources.Bus.Channel, d.bus))

	if d.cfg.Sources.CIEnabled {
		d.ci = sources.NewCISource(d.cfg.Sources.CI)
		srcs = append(srcs, d.ci)
	}
	srcs = append(srcs, o.extra...)

	seen := make(map[string]bool)
	for _, s := range srcs {
		if seen[s.ID()] {
			return fmt.Errorf("%w: duplicate source id %q", ErrInvalidConfig, s.ID())
		}
		seen[s.ID()] = true
		d.adapters = append(d.adapters, sources.NewAdapter(s, d.cfg.Adapter))
	}
	return nil
}

// executorDrainTimeout bounds how long Close waits for restores deferred
// behind abandoned capability calls.
const executorDrainTimeout = 30 * time.Second

// Close waits briefly for deferred restores, then releases storage,
// transports and the data directory lock.
func (d *Daemon) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		if d.executor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), executorDrainTimeout)
			if err := d.executor.Drain(ctx); err != nil {
				d.logger.Error("CRITICAL: deferred restores still pending at close", "error", err)
			}
			cancel()
		}
		for i := len(d.closers) - 1; i >= 0; i-- {
			if err := d.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		if d.ownsDB && d.db != nil {
			if err := d.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := d.lock.release(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// =============================================================================
// Pipeline
// =============================================================================

// Run starts every adapter, the aggregator, the dispatcher, the shard
// workers and the maintenance ticker, and blocks until ctx is cancelled.
// Evidence already aggregated is drained into the ledger before Run
// returns.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	d.running.Store(true)
	defer d.running.Store(false)
	d.logger.Info("daemon starting",
		"adapters", len(d.adapters), "workers", d.cfg.Workers,
		"capabilities", d.bridge.Capabilities())

	g, gctx := errgroup.WithContext(ctx)

	for i, ad := range d.adapters {
		if err := d.aggregator.Attach(ad.ID(), ad.Start(gctx)); err != nil {
			for _, started := range d.adapters[:i+1] {
				started.Stop()
			}
			return err
		}
	}
	g.Go(func() error { return d.aggregator.Run(gctx) })

	shards := make([]chan WorkItem, d.cfg.Workers)
	var workers sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan WorkItem, d.cfg.WorkerQueue)
		workers.Add(1)
		go func(in <-chan WorkItem) {
			defer workers.Done()
			d.work(gctx, in)
		}(shards[i])
	}

	g.Go(func() error {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
			workers.Wait()
		}()
		for obs := range d.aggregator.Out() {
			d.dispatch(obs, shards)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(d.cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := d.Maintain(gctx); err != nil && gctx.Err() == nil {
					d.logger.Warn("maintenance failed", "error", err)
				}
			}
		}
	})

	err := g.Wait()
	for _, ad := range d.adapters {
		ad.Stop()
	}
	d.logger.Info("daemon stopped", "processed", d.processed.Load(), "dropped", d.dropped.Load())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatch classifies one observation and hands each actor's evidence to
// its shard. A shard that stays full for HandoffTimeout loses the item.
func (d *Daemon) dispatch(obs events.AggregatedObservation, shards []chan WorkItem) {
	items, errs := Classify(obs, d.cfg.DefaultActor)
	for _, err := range errs {
		d.logger.Warn("action request dropped", "observation_id", obs.ID, "error", err)
	}
	for _, it := range items {
		idx := shardOf(it.ActorID, len(shards))
		select {
		case shards[idx] <- it:
			continue
		default:
		}
		timer := time.NewTimer(d.cfg.HandoffTimeout)
		select {
		case shards[idx] <- it:
			timer.Stop()
		case <-timer.C:
			d.dropped.Add(1)
			recordHandoffDrop(context.Background(), idx)
			d.logger.Warn("evidence dropped, shard queue full",
				"actor_id", it.ActorID, "shard", idx, "observation_id", obs.ID)
		}
	}
}

// shardOf maps an actor to a worker, so one actor's evidence is always
// applied in order by the same goroutine.
func shardOf(actorID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(actorID))
	return int(h.Sum32() % uint32(n))
}

// work applies evidence until in is closed. Ledger writes use a context
// that survives shutdown so queued evidence is not lost; requested actions
// do not start once ctx is cancelled.
func (d *Daemon) work(ctx context.Context, in <-chan WorkItem) {
	writeCtx := context.WithoutCancel(ctx)
	for it := range in {
		d.apply(writeCtx, it)
		for _, a := range it.Actions {
			if ctx.Err() != nil {
				d.logger.Warn("action request skipped during shutdown", "actor_id", it.ActorID, "kind", a.Kind)
				continue
			}
			res, err := d.executor.Execute(ctx, it.ActorID, a)
			if err != nil {
				d.logger.Info("requested action not completed",
					"actor_id", it.ActorID, "action_id", res.ActionID, "outcome", res.Outcome, "error", err)
			}
		}
	}
}

func (d *Daemon) apply(ctx context.Context, it WorkItem) {
	logger := d.logger.With("actor_id", it.ActorID, "observation_id", it.ObservationID)
	t, err := d.ledger.Observe(ctx, it.ActorID, trust.Observation{At: it.At, Contradicted: it.Contradicted})
	if err != nil {
		logger.Error("observe failed", "error", err)
		return
	}
	logTransition(logger, t)
	for i := 0; i < it.Accepted+it.Rejected; i++ {
		t, err := d.ledger.RecordSuggestion(ctx, it.ActorID, i < it.Accepted)
		if err != nil {
			logger.Error("record suggestion failed", "error", err)
			return
		}
		logTransition(logger, t)
	}
	d.processed.Add(1)
	recordWorkItem(ctx, it.Contradicted)
}

func logTransition(logger *slog.Logger, t trust.Transition) {
	if t.Changed {
		logger.Info("trust level changed", "from", t.From, "to", t.To, "reason", t.Reason)
	}
}

// =============================================================================
// Operational surface
// =============================================================================

// Act submits a candidate action for an actor.
func (d *Daemon) Act(ctx context.Context, actorID string, a action.Action) (executor.Result, error) {
	return d.executor.Execute(ctx, actorID, a)
}

// Escalate re-evaluates an actor's escalation evidence. Concurrent calls
// for the same actor share one evaluation.
func (d *Daemon) Escalate(ctx context.Context, actorID string) (trust.Transition, error) {
	v, err, _ := d.escalations.Do(actorID, func() (any, error) {
		return d.ledger.Escalate(ctx, actorID)
	})
	if err != nil {
		return trust.Transition{}, err
	}
	t, ok := v.(trust.Transition)
	if !ok {
		return trust.Transition{}, fmt.Errorf("unexpected type from escalation group: %T", v)
	}
	return t, nil
}

// Review unfreezes an actor after an operator looked at it.
func (d *Daemon) Review(ctx context.Context, actorID, note string) (trust.Transition, error) {
	return d.ledger.Review(ctx, actorID, note)
}

// Feedback publishes a suggestion verdict on the bus. It reaches the
// ledger through the normal event path, so it is applied asynchronously.
func (d *Daemon) Feedback(ctx context.Context, actorID string, accepted bool, correlationKey string) error {
	if actorID == "" {
		return trust.ErrEmptyActor
	}
	kind := KindSuggestionRejected
	if accepted {
		kind = KindSuggestionAccepted
	}
	ev := events.New("api", kind, d.clock(), correlationKey, map[string]any{events.PayloadActor: actorID})
	return sources.PublishEvent(ctx, d.bus, d.cfg.Sources.Bus.Channel, ev)
}

// HandleWebhook passes a CI delivery to the CI source.
func (d *Daemon) HandleWebhook(ctx context.Context, eventType, deliveryID string, body []byte, signature string) error {
	if d.ci == nil {
		return ErrCINotEnabled
	}
	return d.ci.Handle(ctx, eventType, deliveryID, body, signature)
}

// MaintenanceReport summarizes one decay and retention sweep.
type MaintenanceReport struct {
	At                   time.Time          `json:"at"`
	Decayed              []trust.Transition `json:"decayed,omitempty"`
	Pruned               int                `json:"pruned"`
	CheckpointsDiscarded int                `json:"checkpoints_discarded"`
}

// Maintain applies idle decay to every actor, prunes the action log and
// discards the checkpoints of pruned records.
func (d *Daemon) Maintain(ctx context.Context) (MaintenanceReport, error) {
	report := MaintenanceReport{At: d.clock().UTC()}
	decayed, err := d.ledger.DecayAll(ctx)
	report.Decayed = decayed
	if err != nil {
		recordMaintenance(ctx, false)
		return report, fmt.Errorf("decay: %w", err)
	}
	for _, t := range decayed {
		d.logger.Info("trust decayed", "actor_id", t.ActorID, "from", t.From, "to", t.To)
	}

	pruned, err := d.actions.Prune(ctx, report.At)
	report.Pruned = len(pruned)
	if err != nil {
		recordMaintenance(ctx, false)
		return report, fmt.Errorf("prune: %w", err)
	}

	discarded := make(map[string]bool)
	for _, r := range pruned {
		if r.CheckpointRef == nil || discarded[*r.CheckpointRef] {
			continue
		}
		id := *r.CheckpointRef
		discarded[id] = true
		if err := d.checkpoints.Discard(ctx, id); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
			d.logger.Warn("discard checkpoint failed", "checkpoint_id", id, "error", err)
			continue
		}
		report.CheckpointsDiscarded++
	}
	recordMaintenance(ctx, true)
	d.lastMaint.Store(&report)
	return report, nil
}
