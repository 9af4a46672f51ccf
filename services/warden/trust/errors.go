// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trust

import "errors"

var (
	// ErrInvalidLevel is returned for an unknown level name or value.
	ErrInvalidLevel = errors.New("invalid trust level")

	// ErrUnknownActor is returned when an operation needs an existing entry.
	ErrUnknownActor = errors.New("unknown actor")

	// ErrEmptyActor is returned for a blank actor id.
	ErrEmptyActor = errors.New("actor id is empty")

	// ErrActorFrozen is returned when an operation is refused because the
	// actor is frozen pending review.
	ErrActorFrozen = errors.New("actor is frozen pending review")

	// ErrNotFrozen is returned by Review for an actor that is not frozen.
	ErrNotFrozen = errors.New("actor is not frozen")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid trust config")
)
