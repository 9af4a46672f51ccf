// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sources turns external signals into SystemEvents. Every source
// runs inside an Adapter, which owns its goroutine, restarts it with
// backoff and never lets it block the pipeline.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/warden/services/warden/events"
)

// ErrSourceExited is recorded when a source returns without error while
// its context is still live.
var ErrSourceExited = errors.New("source exited unexpectedly")

// Emit hands one event to the adapter. It returns false when the event was
// dropped or the adapter is stopping.
type Emit func(events.SystemEvent) bool

// Source produces events until ctx is cancelled.
//
// Run returns nil on cancellation and an error on failure. It must not
// modify anything it observes.
type Source interface {
	ID() string
	Run(ctx context.Context, emit Emit) error
}

// State is the adapter lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// Health is a point-in-time view of one adapter.
type Health struct {
	SourceID            string     `json:"source_id"`
	State               State      `json:"state"`
	Emitted             int64      `json:"emitted"`
	Dropped             int64      `json:"dropped"`
	Failures            int64      `json:"failures"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
}

// AdapterConfig configures restart and emission behavior.
type AdapterConfig struct {
	// Buffer is the output channel capacity. Default: 64
	Buffer int `yaml:"buffer"`

	// EmitTimeout bounds one send to the aggregator. Default: 250ms
	EmitTimeout time.Duration `yaml:"emit_timeout"`

	// InitialBackoff is the first restart delay. Default: 500ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps restart delays. Default: 30s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// DegradedAfter is the consecutive failure count that marks the
	// adapter degraded. Default: 5
	DegradedAfter int `yaml:"degraded_after"`

	// StableAfter is how long a run must last to reset the failure count.
	// Default: 1m
	StableAfter time.Duration `yaml:"stable_after"`

	// StopTimeout bounds Stop. Default: 5s
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// DefaultAdapterConfig returns the defaults.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Buffer:         64,
		EmitTimeout:    250 * time.Millisecond,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		DegradedAfter:  5,
		StableAfter:    time.Minute,
		StopTimeout:    5 * time.Second,
	}
}

func (c *AdapterConfig) applyDefaults() {
	def := DefaultAdapterConfig()
	if c.Buffer < 0 {
		c.Buffer = 0
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = def.EmitTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = def.DegradedAfter
	}
	if c.StableAfter <= 0 {
		c.StableAfter = def.StableAfter
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
}

// Adapter runs one source.
//
// # Description
//
// Start launches a single goroutine that runs the source, recovers its
// panics and restarts it with exponential backoff. After DegradedAfter
// consecutive failures the adapter reports degraded and retries at
// MaxBackoff. Events go out through a buffered channel; a send that cannot
// complete within EmitTimeout is dropped and counted.
//
// # Thread Safety
//
// Safe for concurrent use. Start may be called once.
type Adapter struct {
	src    Source
	cfg    AdapterConfig
	logger *slog.Logger

	out     chan events.SystemEvent
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	emitted  atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64

	mu          sync.Mutex
	state       State
	consecutive int
	lastErr     error
	lastErrAt   time.Time
}

// NewAdapter wraps a source.
func NewAdapter(src Source, cfg AdapterConfig) *Adapter {
	cfg.applyDefaults()
	return &Adapter{
		src:    src,
		cfg:    cfg,
		logger: slog.Default().With("component", "adapter", "source_id", src.ID()),
		out:    make(chan events.SystemEvent, cfg.Buffer),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// ID returns the source id.
func (a *Adapter) ID() string { return a.src.ID() }

// Start launches the adapter and returns its stream. The stream closes
// when the adapter stops. A second call returns the same stream.
func (a *Adapter) Start(ctx context.Context) <-chan events.SystemEvent {
	if !a.started.CompareAndSwap(false, true) {
		return a.out
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.loop(ctx)
	return a.out
}

// Stop cancels the source and waits up to StopTimeout for it to exit.
func (a *Adapter) Stop() {
	if !a.started.Load() {
		a.started.Store(true)
		a.setState(StateStopped)
		close(a.done)
		close(a.out)
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	timer := time.NewTimer(a.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-a.done:
	case <-timer.C:
		a.logger.Warn("adapter did not stop in time", "timeout", a.cfg.StopTimeout)
	}
}

// Done is closed once the adapter goroutine has exited.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Health returns the adapter's current health.
func (a *Adapter) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := Health{
		SourceID:            a.src.ID(),
		State:               a.state,
		Emitted:             a.emitted.Load(),
		Dropped:             a.dropped.Load(),
		Failures:            a.failures.Load(),
		ConsecutiveFailures: a.consecutive,
	}
	if a.lastErr != nil {
		h.LastError = a.lastErr.Error()
		at := a.lastErrAt
		h.LastErrorAt = &at
	}
	return h
}

func (a *Adapter) loop(ctx context.Context) {
	defer close(a.done)
	defer close(a.out)
	defer a.setState(StateStopped)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialBackoff
	bo.MaxInterval = a.cfg.MaxBackoff
	bo.Reset()

	emit := func(ev events.SystemEvent) bool { return a.emit(ctx, ev) }

	for {
		a.setState(a.runningState())
		started := time.Now()
		err := a.runOnce(ctx, emit)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = ErrSourceExited
		}

		a.mu.Lock()
		if time.Since(started) >= a.cfg.StableAfter {
			a.consecutive = 0
		}
		if a.consecutive == 0 {
			bo.Reset()
		}
		a.mu.Unlock()

		wait, degraded := a.recordFailure(err, bo)
		a.logger.Warn("source failed, restarting",
			"error", err, "retry_in", wait, "degraded", degraded)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runningState keeps a degraded adapter reporting degraded until a run
// proves stable.
func (a *Adapter) runningState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consecutive >= a.cfg.DegradedAfter {
		return StateDegraded
	}
	return StateRunning
}

func (a *Adapter) runOnce(ctx context.Context, emit Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panicked: %v", r)
		}
	}()
	return a.src.Run(ctx, emit)
}

func (a *Adapter) recordFailure(err error, bo *backoff.ExponentialBackOff) (time.Duration, bool) {
	a.failures.Add(1)
	recordAdapterFailure(context.Background(), a.src.ID())

	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutive++
	a.lastErr = err
	a.lastErrAt = time.Now().UTC()

	if a.consecutive >= a.cfg.DegradedAfter {
		if a.state != StateDegraded {
			a.logger.Error("adapter degraded", "consecutive_failures", a.consecutive)
		}
		a.state = StateDegraded
		return a.cfg.MaxBackoff, true
	}
	a.state = StateBackoff
	return bo.NextBackOff(), false
}

func (a *Adapter) emit(ctx context.Context, ev events.SystemEvent) bool {
	select {
	case a.out <- ev:
		a.emitted.Add(1)
		a.markHealthy()
		return true
	default:
	}

	timer := time.NewTimer(a.cfg.EmitTimeout)
	defer timer.Stop()
	select {
	case a.out <- ev:
		a.emitted.Add(1)
		a.markHealthy()
		return true
	case <-timer.C:
		a.dropped.Add(1)
		recordAdapterDrop(ctx, a.src.ID())
		return false
	case <-ctx.Done():
		return false
	}
}

// markHealthy clears degraded state once a restarted source delivers.
func (a *Adapter) markHealthy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDegraded || a.consecutive > 0 {
		if a.state == StateDegraded {
			a.logger.Info("adapter recovered")
		}
		a.consecutive = 0
		a.state = StateRunning
	}
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
