// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge is the single entry point for invoking external
// capabilities. Every call goes through Invoke, which enforces a hard
// timeout and a per-capability circuit breaker.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/warden/services/warden/trust"
)

// Result is the output of one capability call.
type Result struct {
	Output   map[string]any `json:"output,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Call names a capability and its parameters.
type Call struct {
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params,omitempty"`
}

// Capability is an external operation the daemon can perform.
//
// Implementations should honor ctx, but the bridge does not rely on it:
// a call that outlives its timeout is abandoned and reported as ErrTimeout.
type Capability interface {
	ID() string
	Invoke(ctx context.Context, params map[string]any) (Result, error)
}

// Invertible is implemented by capabilities that can describe the call
// undoing a given invocation.
type Invertible interface {
	Inverse(params map[string]any) (Call, error)
}

// Inspector is implemented by capabilities that can describe a call before
// it runs.
type Inspector interface {
	// MinLevel is the lowest trust level allowed to use the capability.
	MinLevel() trust.Level

	// Mutates reports whether the call changes state.
	Mutates(params map[string]any) bool

	// Paths lists the local files the call may write.
	Paths(params map[string]any) ([]string, error)
}

// Profile is what the bridge knows about a call before running it.
type Profile struct {
	Capability string      `json:"capability"`
	MinLevel   trust.Level `json:"min_level"`
	Mutates    bool        `json:"mutates"`
	Paths      []string    `json:"paths,omitempty"`
	Invertible bool        `json:"invertible"`
}

// Config configures the bridge.
type Config struct {
	// Timeout is the hard limit on a single call. Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	Breaker BreakerConfig `yaml:"breaker"`

	// Clock is used by circuit breakers. Nil means time.Now.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Breaker: DefaultBreakerConfig(),
	}
}

// Bridge dispatches capability calls.
//
// # Thread Safety
//
// Safe for concurrent use.
type Bridge struct {
	cfg      Config
	mu       sync.RWMutex
	caps     map[string]Capability
	breakers map[string]*breaker
	logger   *slog.Logger
}

// New creates an empty bridge.
func New(cfg Config) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	b := &Bridge{
		cfg:      cfg,
		caps:     make(map[string]Capability),
		breakers: make(map[string]*breaker),
		logger:   slog.Default().With("component", "bridge"),
	}
	if b.cfg.Breaker.OnStateChange == nil {
		b.cfg.Breaker.OnStateChange = func(capability string, from, to CircuitState) {
			b.logger.Warn("circuit breaker state changed",
				"capability", capability, "from", from.String(), "to", to.String())
		}
	}
	return b
}

// Register adds a capability.
//
// # Outputs
//
//   - error: ErrDuplicateCapability if the id is taken, ErrInvalidParams for
//     an empty id.
func (b *Bridge) Register(c Capability) error {
	id := strings.TrimSpace(c.ID())
	if id == "" {
		return fmt.Errorf("%w: empty capability id", ErrInvalidParams)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.caps[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, id)
	}
	b.caps[id] = c
	b.breakers[id] = newBreaker(id, b.cfg.Breaker, b.cfg.Clock)
	b.logger.Debug("capability registered", "capability", id)
	return nil
}

// Lookup returns the capability with the given id.
func (b *Bridge) Lookup(id string) (Capability, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.caps[id]
	return c, ok
}

// Capabilities returns the registered ids, sorted.
func (b *Bridge) Capabilities() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.caps))
	for id := range b.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BreakerState returns the circuit state for a capability.
func (b *Bridge) BreakerState(id string) (CircuitState, bool) {
	b.mu.RLock()
	br, ok := b.breakers[id]
	b.mu.RUnlock()
	if !ok {
		return CircuitClosed, false
	}
	return br.State(), true
}

// ResetBreaker closes a capability's circuit.
func (b *Bridge) ResetBreaker(id string) {
	b.mu.RLock()
	br, ok := b.breakers[id]
	b.mu.RUnlock()
	if ok {
		br.reset()
	}
}

// Inspect describes a call without running it. Capabilities that do not
// implement Inspector are treated as read-only with no paths.
func (b *Bridge) Inspect(id string, params map[string]any) (Profile, error) {
	c, ok := b.Lookup(id)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownCapability, id)
	}
	p := Profile{Capability: id, MinLevel: trust.ReadOnly}
	if in, ok := c.(Inspector); ok {
		p.MinLevel = in.MinLevel()
		p.Mutates = in.Mutates(params)
		paths, err := in.Paths(params)
		if err != nil {
			return Profile{}, err
		}
		p.Paths = paths
	}
	if inv, ok := c.(Invertible); ok {
		_, err := inv.Inverse(params)
		p.Invertible = err == nil
	}
	return p, nil
}

// Inverse returns the call that undoes the given call.
func (b *Bridge) Inverse(id string, params map[string]any) (Call, error) {
	c, ok := b.Lookup(id)
	if !ok {
		return Call{}, fmt.Errorf("%w: %s", ErrUnknownCapability, id)
	}
	inv, ok := c.(Invertible)
	if !ok {
		return Call{}, fmt.Errorf("%w: %s", ErrNotInvertible, id)
	}
	return inv.Inverse(params)
}

// Invoke runs a capability with the configured hard timeout.
func (b *Bridge) Invoke(ctx context.Context, id string, params map[string]any) (Result, error) {
	return b.InvokeTimeout(ctx, id, params, b.cfg.Timeout)
}

// InvokeTimeout runs a capability with an explicit hard timeout.
//
// # Description
//
// The capability runs on its own goroutine with a context that expires at
// the timeout. The caller gets control back at the timeout whether or not
// the capability honors its context. Parameters are copied before the call.
//
// When the caller stops waiting while the goroutine is still running, the
// error is an *AbandonedError whose Done channel closes when the call
// finally returns. Callers that restore state must wait for it first.
//
// # Outputs
//
//   - Result: Output and wall-clock duration.
//   - error: ErrUnknownCapability, ErrCircuitOpen, ErrTimeout,
//     ErrCapabilityPanic, the parent context's error, or the capability's
//     own error. Timeouts and cancellations that leave the call running
//     are wrapped in *AbandonedError.
func (b *Bridge) InvokeTimeout(ctx context.Context, id string, params map[string]any, timeout time.Duration) (Result, error) {
	b.mu.RLock()
	c, ok := b.caps[id]
	br := b.breakers[id]
	b.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCapability, id)
	}
	if !br.allow() {
		recordInvoke(ctx, id, "circuit_open", 0)
		return Result{}, fmt.Errorf("%w: %s", ErrCircuitOpen, id)
	}
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}

	type outcome struct {
		res Result
		err error
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %s: %v", ErrCapabilityPanic, id, r)}
			}
		}()
		res, err := c.Invoke(callCtx, cloneParams(params))
		done <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res Result
	var err error
	select {
	case o := <-done:
		res, err = o.res, o.err
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s after %s: %v", ErrTimeout, id, timeout, err)
		}
	case <-timer.C:
		err = &AbandonedError{
			Capability: id,
			err:        fmt.Errorf("%w: %s after %s", ErrTimeout, id, timeout),
			done:       finished,
		}
		b.logger.Warn("capability abandoned after timeout", "capability", id, "timeout", timeout)
	case <-ctx.Done():
		err = &AbandonedError{Capability: id, err: ctx.Err(), done: finished}
	}
	res.Duration = time.Since(start)

	if ctx.Err() == nil {
		br.record(err)
	}
	recordInvoke(ctx, id, invokeOutcome(err), res.Duration)
	return res, err
}

func invokeOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCapabilityPanic):
		return "panic"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
