// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregator merges adapter streams into one deterministic stream
// of observations.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/warden/services/warden/events"
)

var (
	// ErrAlreadyRunning is returned by a second Run or by Attach after Run.
	ErrAlreadyRunning = errors.New("aggregator already running")

	// ErrDuplicateSource is returned when a source id is attached twice.
	ErrDuplicateSource = errors.New("source already attached")
)

// Config configures the aggregator.
type Config struct {
	// Window is the coherence tolerance. Default: 300ms
	Window time.Duration `yaml:"window"`

	// Horizon is the tolerance for events sharing a correlation key.
	// Default: 5s, never below Window.
	Horizon time.Duration `yaml:"horizon"`

	// Lateness is how long to wait past Horizon for slow adapters.
	// Default: 500ms
	Lateness time.Duration `yaml:"lateness"`

	// QueueSize is the per-adapter queue capacity. Default: 1024
	QueueSize int `yaml:"queue_size"`

	// FlushInterval is the idle wake-up period. Default: 100ms
	FlushInterval time.Duration `yaml:"flush_interval"`

	// OutputBuffer is the output channel capacity. Default: 256
	OutputBuffer int `yaml:"output_buffer"`

	// OutputTimeout bounds a send to a slow consumer. Default: 1s
	OutputTimeout time.Duration `yaml:"output_timeout"`

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Window:        300 * time.Millisecond,
		Horizon:       5 * time.Second,
		Lateness:      500 * time.Millisecond,
		QueueSize:     1024,
		FlushInterval: 100 * time.Millisecond,
		OutputBuffer:  256,
		OutputTimeout: time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Horizon < c.Window {
		c.Horizon = c.Window
	}
	if c.Lateness < 0 {
		c.Lateness = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.OutputBuffer < 0 {
		c.OutputBuffer = 0
	}
	if c.OutputTimeout <= 0 {
		c.OutputTimeout = def.OutputTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Stats is a point-in-time copy of the aggregator counters.
type Stats struct {
	Received      int64            `json:"received"`
	Observations  int64            `json:"observations"`
	Malformed     int64            `json:"malformed"`
	Duplicates    int64            `json:"duplicates"`
	Late          int64            `json:"late"`
	OutputDropped int64            `json:"output_dropped"`
	Pending       int              `json:"pending"`
	QueueDropped  map[string]int64 `json:"queue_dropped"`
	QueueDepth    map[string]int   `json:"queue_depth"`
}

// Aggregator groups events from attached streams.
//
// # Description
//
// Each attached stream gets a bounded drop-oldest queue fed by a pump
// goroutine, so adapters are never blocked. A single consumer loop drains
// the queues, drops malformed, duplicate and late events, and emits groups
// in start order once they can no longer grow.
//
// # Thread Safety
//
// Attach, Submit and Stats are safe for concurrent use. Ordering decisions
// happen only in the Run goroutine.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
	out    chan events.AggregatedObservation
	notify chan struct{}

	mu      sync.Mutex
	queues  map[string]*events.Queue[events.SystemEvent]
	streams map[string]<-chan events.SystemEvent
	running bool

	// Run goroutine state.
	pending   []events.SystemEvent
	seen      map[string]time.Time
	emitted   bool
	lastStart time.Time

	received      atomic.Int64
	observations  atomic.Int64
	malformed     atomic.Int64
	duplicates    atomic.Int64
	late          atomic.Int64
	outputDropped atomic.Int64
	pendingLen    atomic.Int64
}

// New creates an aggregator.
func New(cfg Config) *Aggregator {
	cfg.applyDefaults()
	return &Aggregator{
		cfg:     cfg,
		logger:  slog.Default().With("component", "aggregator"),
		out:     make(chan events.AggregatedObservation, cfg.OutputBuffer),
		notify:  make(chan struct{}, 1),
		queues:  make(map[string]*events.Queue[events.SystemEvent]),
		streams: make(map[string]<-chan events.SystemEvent),
		seen:    make(map[string]time.Time),
	}
}

// Config returns the effective configuration.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// Out is the observation stream. It is closed when Run returns.
func (a *Aggregator) Out() <-chan events.AggregatedObservation {
	return a.out
}

// Attach registers a stream under a source id. Must be called before Run.
func (a *Aggregator) Attach(sourceID string, stream <-chan events.SystemEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrAlreadyRunning
	}
	if _, ok := a.streams[sourceID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, sourceID)
	}
	a.streams[sourceID] = stream
	a.queueLocked(sourceID)
	return nil
}

// Submit queues one event directly, under its own source id. It never
// blocks.
func (a *Aggregator) Submit(ev events.SystemEvent) {
	a.push(ev.SourceID(), ev)
}

func (a *Aggregator) push(sourceID string, ev events.SystemEvent) {
	a.mu.Lock()
	q := a.queueLocked(sourceID)
	a.mu.Unlock()

	if q.Push(ev) {
		recordQueueDrop(context.Background(), sourceID)
	}
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Aggregator) queueLocked(sourceID string) *events.Queue[events.SystemEvent] {
	q, ok := a.queues[sourceID]
	if !ok {
		q = events.NewQueue[events.SystemEvent](a.cfg.QueueSize)
		a.queues[sourceID] = q
	}
	return q
}

// Stats returns the current counters.
func (a *Aggregator) Stats() Stats {
	s := Stats{
		Received:      a.received.Load(),
		Observations:  a.observations.Load(),
		Malformed:     a.malformed.Load(),
		Duplicates:    a.duplicates.Load(),
		Late:          a.late.Load(),
		OutputDropped: a.outputDropped.Load(),
		Pending:       int(a.pendingLen.Load()),
		QueueDropped:  map[string]int64{},
		QueueDepth:    map[string]int{},
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, q := range a.queues {
		s.QueueDropped[id] = q.Dropped()
		s.QueueDepth[id] = q.Len()
	}
	return s
}

// Run consumes attached streams until ctx is cancelled.
//
// # Description
//
// On cancellation every pump stops, queued events are drained and every
// pending group is emitted without waiting for it to settle, then Out is
// closed.
//
// # Outputs
//
//   - error: ErrAlreadyRunning, otherwise nil after shutdown.
func (a *Aggregator) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	streams := make(map[string]<-chan events.SystemEvent, len(a.streams))
	for id, s := range a.streams {
		streams[id] = s
	}
	a.mu.Unlock()
	defer close(a.out)

	stop := make(chan struct{})
	var pumps sync.WaitGroup
	for id, stream := range streams {
		pumps.Add(1)
		go func(id string, stream <-chan events.SystemEvent) {
			defer pumps.Done()
			a.pump(id, stream, stop)
		}(id, stream)
	}

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	a.logger.Info("aggregator started",
		"sources", len(streams), "window", a.cfg.Window, "horizon", a.cfg.Horizon)

	for {
		select {
		case <-ctx.Done():
			close(stop)
			pumps.Wait()
			a.ingest()
			a.flush(context.Background(), a.cfg.Clock(), true)
			a.logger.Info("aggregator stopped", "observations", a.observations.Load())
			return nil
		case <-a.notify:
		case <-ticker.C:
		}
		a.ingest()
		a.flush(ctx, a.cfg.Clock(), false)
	}
}

// pump moves one stream into its queue without ever blocking the producer
// for longer than a queue push.
func (a *Aggregator) pump(sourceID string, stream <-chan events.SystemEvent, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			a.push(sourceID, ev)
		}
	}
}

// Flush drains queues and emits settled groups as of now. With force, every
// pending group is emitted. Intended for callers driving the aggregator
// without Run.
func (a *Aggregator) Flush(ctx context.Context, now time.Time, force bool) {
	a.ingest()
	a.flush(ctx, now, force)
}

// ingest drains every queue into pending, validating at the boundary.
func (a *Aggregator) ingest() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.queues))
	for id := range a.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	queues := make([]*events.Queue[events.SystemEvent], len(ids))
	for i, id := range ids {
		queues[i] = a.queues[id]
	}
	a.mu.Unlock()

	ctx := context.Background()
	for _, q := range queues {
		for _, ev := range q.Drain() {
			a.received.Add(1)
			if err := ev.Validate(); err != nil {
				a.malformed.Add(1)
				recordEvent(ctx, "malformed")
				a.logger.Debug("malformed event dropped", "source_id", ev.SourceID(), "error", err)
				continue
			}
			if a.emitted && ev.Timestamp().Before(a.lastStart) {
				a.late.Add(1)
				recordEvent(ctx, "late")
				a.logger.Debug("late event dropped",
					"source_id", ev.SourceID(), "kind", ev.Kind(), "timestamp", ev.Timestamp())
				continue
			}
			fp := ev.Fingerprint()
			if _, dup := a.seen[fp]; dup {
				a.duplicates.Add(1)
				recordEvent(ctx, "duplicate")
				continue
			}
			a.seen[fp] = ev.Timestamp()
			a.pending = append(a.pending, ev)
			recordEvent(ctx, "accepted")
		}
	}
	a.pendingLen.Store(int64(len(a.pending)))
}

// flush emits groups in start order. A group settles once its start plus
// Horizon is at or before now minus Lateness; the first unsettled group
// holds back every later one.
func (a *Aggregator) flush(ctx context.Context, now time.Time, force bool) {
	if len(a.pending) == 0 {
		return
	}
	groups := Group(a.pending, a.cfg.Window, a.cfg.Horizon)
	watermark := now.Add(-a.cfg.Lateness)

	adapters := a.adapterCount()
	emitted := 0
	var kept []events.SystemEvent
	for i, g := range groups {
		start := g[0].Timestamp()
		if !force && start.Add(a.cfg.Horizon).After(watermark) {
			for _, rest := range groups[i:] {
				kept = append(kept, rest...)
			}
			break
		}
		a.emit(ctx, events.NewObservation(g, adapters))
		a.emitted = true
		a.lastStart = start
		emitted++
	}
	if emitted == 0 {
		return
	}
	a.pending = kept
	a.pendingLen.Store(int64(len(a.pending)))

	// Anything older than the last emitted start is now late, so its
	// fingerprint no longer needs remembering.
	for fp, ts := range a.seen {
		if ts.Before(a.lastStart) {
			delete(a.seen, fp)
		}
	}
}

func (a *Aggregator) emit(ctx context.Context, obs events.AggregatedObservation) {
	timer := time.NewTimer(a.cfg.OutputTimeout)
	defer timer.Stop()
	select {
	case a.out <- obs:
		a.observations.Add(1)
		recordObservation(ctx, len(obs.Events))
	case <-timer.C:
		a.outputDropped.Add(1)
		recordEvent(ctx, "output_dropped")
		a.logger.Warn("observation dropped, consumer too slow",
			"observation_id", obs.ID, "events", len(obs.Events))
	}
}

func (a *Aggregator) adapterCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.streams); n > 0 {
		return n
	}
	return len(a.queues)
}
