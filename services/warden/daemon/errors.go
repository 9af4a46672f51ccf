// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package daemon

import "errors"

var (
	// ErrDataDirLocked is returned when another daemon holds the data dir.
	ErrDataDirLocked = errors.New("data directory locked by another daemon")

	// ErrInvalidConfig is returned for unusable configuration.
	ErrInvalidConfig = errors.New("invalid daemon configuration")

	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("daemon already running")

	// ErrCINotEnabled is returned when a webhook arrives without a CI source.
	ErrCINotEnabled = errors.New("ci webhook source not enabled")
)
