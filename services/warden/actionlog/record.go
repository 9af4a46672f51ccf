// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package actionlog

import (
	"time"

	"github.com/AleutianAI/warden/services/warden/trust"
)

// Outcome is the result recorded for an action.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeRolledBack Outcome = "rolled_back"

	// OutcomeRejected marks actions refused before execution: forbidden,
	// insufficient trust, frozen actor or no checkpoint.
	OutcomeRejected Outcome = "rejected"
)

// Record is one append-only action log entry.
//
// An executed action that fails and is rolled back produces two records
// with the same ActionID: the failure, then the rollback result.
type Record struct {
	ActionID         string      `json:"action_id"`
	ActorID          string      `json:"actor_id"`
	Timestamp        time.Time   `json:"timestamp"`
	ActionKind       string      `json:"action_kind"`
	Capability       string      `json:"capability,omitempty"`
	ForbiddenCheck   bool        `json:"forbidden_check"`
	ForbiddenPattern string      `json:"forbidden_pattern,omitempty"`
	TrustLevelAtTime trust.Level `json:"trust_level_at_time"`
	RequiredLevel    trust.Level `json:"required_level"`
	CheckpointRef    *string     `json:"checkpoint_ref"`
	Outcome          Outcome     `json:"outcome"`
	Reason           string      `json:"reason,omitempty"`
	Error            string      `json:"error,omitempty"`
	DurationMS       int64       `json:"duration_ms,omitempty"`
}

// Ref returns a pointer to s, or nil for "".
func Ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
