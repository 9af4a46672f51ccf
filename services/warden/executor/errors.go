// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import "errors"

var (
	// ErrForbidden is returned when an action matches the forbidden registry.
	ErrForbidden = errors.New("action is forbidden")

	// ErrInsufficientTrust is returned when the actor's level is below the
	// level the action requires.
	ErrInsufficientTrust = errors.New("insufficient trust level")

	// ErrActorBusy is returned when the actor's execution slot could not be
	// acquired in time.
	ErrActorBusy = errors.New("actor has an action in progress")

	// ErrActionFailed wraps a capability failure.
	ErrActionFailed = errors.New("action failed")

	// ErrRollbackFailed is returned when a failed action could not be
	// undone. The actor is frozen.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrCapabilityRunning is the rollback failure for a call that was
	// abandoned at its timeout and did not return within the grace period.
	ErrCapabilityRunning = errors.New("capability still running after timeout")
)
