// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"net/http"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/bridge"
	"github.com/AleutianAI/warden/services/warden/checkpoint"
	"github.com/AleutianAI/warden/services/warden/daemon"
	"github.com/AleutianAI/warden/services/warden/events"
	"github.com/AleutianAI/warden/services/warden/executor"
	"github.com/AleutianAI/warden/services/warden/sources"
	"github.com/AleutianAI/warden/services/warden/trust"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Result is set when an action was attempted.
	Result *executor.Result `json:"result,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorTable is ordered: the first match wins. Rollback failures come
// before action failures because they wrap them.
var errorTable = []errorMapping{
	{trust.ErrEmptyActor, http.StatusBadRequest, "EMPTY_ACTOR"},
	{trust.ErrUnknownActor, http.StatusNotFound, "UNKNOWN_ACTOR"},
	{trust.ErrNotFrozen, http.StatusConflict, "NOT_FROZEN"},
	{trust.ErrActorFrozen, http.StatusLocked, "ACTOR_FROZEN"},
	{executor.ErrRollbackFailed, http.StatusInternalServerError, "ROLLBACK_FAILED"},
	{executor.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{executor.ErrInsufficientTrust, http.StatusForbidden, "INSUFFICIENT_TRUST"},
	{executor.ErrActorBusy, http.StatusConflict, "ACTOR_BUSY"},
	{action.ErrInvalidAction, http.StatusBadRequest, "INVALID_ACTION"},
	{bridge.ErrUnknownCapability, http.StatusNotFound, "UNKNOWN_CAPABILITY"},
	{bridge.ErrInvalidParams, http.StatusBadRequest, "INVALID_PARAMS"},
	{bridge.ErrOutsideRoot, http.StatusBadRequest, "OUTSIDE_ROOT"},
	{checkpoint.ErrNoCheckpoint, http.StatusUnprocessableEntity, "NO_CHECKPOINT"},
	{executor.ErrActionFailed, http.StatusUnprocessableEntity, "ACTION_FAILED"},
	{daemon.ErrCINotEnabled, http.StatusNotFound, "CI_NOT_ENABLED"},
	{sources.ErrInvalidSignature, http.StatusUnauthorized, "INVALID_SIGNATURE"},
	{sources.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{sources.ErrBacklogFull, http.StatusServiceUnavailable, "BACKLOG_FULL"},
	{events.ErrMalformedEvent, http.StatusBadRequest, "MALFORMED_EVENT"},
}

// statusFor maps an error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}
