// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"errors"
	"time"
)

var (
	// ErrUnknownCapability is returned when no capability has the requested id.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrDuplicateCapability is returned when registering an id twice.
	ErrDuplicateCapability = errors.New("capability already registered")

	// ErrTimeout is returned when a capability exceeds its hard timeout.
	ErrTimeout = errors.New("capability timed out")

	// ErrCircuitOpen is returned while a capability's circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidParams is returned when parameters are missing or malformed.
	ErrInvalidParams = errors.New("invalid capability params")

	// ErrNotInvertible is returned when no inverse call exists for params.
	ErrNotInvertible = errors.New("capability call is not invertible")

	// ErrPatchConflict is returned when a diff does not apply cleanly.
	ErrPatchConflict = errors.New("patch does not apply")

	// ErrCapabilityPanic is returned when a capability panics.
	ErrCapabilityPanic = errors.New("capability panicked")

	// ErrOutsideRoot is returned when a path escapes the capability root.
	ErrOutsideRoot = errors.New("path escapes root")
)

// AbandonedError is returned when the caller stopped waiting for a call
// that is still running, after the hard timeout or a cancelled context. The
// call may keep mutating state until Done is closed.
type AbandonedError struct {
	Capability string
	err        error
	done       <-chan struct{}
}

func (e *AbandonedError) Error() string { return e.err.Error() }

func (e *AbandonedError) Unwrap() error { return e.err }

// Done is closed once the abandoned call has returned.
func (e *AbandonedError) Done() <-chan struct{} { return e.done }

// Wait blocks until the call returns or grace elapses and reports whether
// it returned.
func (e *AbandonedError) Wait(grace time.Duration) bool {
	select {
	case <-e.done:
		return true
	default:
	}
	if grace <= 0 {
		return false
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.C:
		return false
	}
}
