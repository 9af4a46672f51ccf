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

import (
	"fmt"
	"time"
)

// Config holds the escalation and decay thresholds.
//
// None of these numbers has a canonical value; all are operator tunable.
type Config struct {
	// MinObservationPeriod is how long an uncontradicted observation streak
	// must last before READ_ONLY escalates to BOUNDED.
	MinObservationPeriod time.Duration `yaml:"min_observation_period"`

	// MinObservations is the number of observations the streak must contain.
	MinObservations int `yaml:"min_observations"`

	// SuccessStreak is the number of consecutive successful bounded
	// operations needed for BOUNDED to escalate to SUGGESTION.
	SuccessStreak int `yaml:"success_streak"`

	// MinAcceptedSuggestions is the number of accepted suggestions needed
	// for SUGGESTION to escalate to AUTONOMOUS.
	MinAcceptedSuggestions int `yaml:"min_accepted_suggestions"`

	// AcceptanceThreshold is the acceptance ratio that must be exceeded.
	AcceptanceThreshold float64 `yaml:"acceptance_threshold"`

	// DecayGrace is the idle time before decay starts.
	DecayGrace time.Duration `yaml:"decay_grace"`

	// DecayStep is the idle time that costs one level once decay starts.
	DecayStep time.Duration `yaml:"decay_step"`

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the daemon's default thresholds.
func DefaultConfig() Config {
	return Config{
		MinObservationPeriod:   24 * time.Hour,
		MinObservations:        1,
		SuccessStreak:          5,
		MinAcceptedSuggestions: 10,
		AcceptanceThreshold:    0.8,
		DecayGrace:             7 * 24 * time.Hour,
		DecayStep:              7 * 24 * time.Hour,
	}
}

// Validate checks thresholds are usable.
func (c Config) Validate() error {
	switch {
	case c.MinObservationPeriod < 0:
		return fmt.Errorf("%w: min_observation_period must not be negative", ErrInvalidConfig)
	case c.MinObservations < 1:
		return fmt.Errorf("%w: min_observations must be at least 1", ErrInvalidConfig)
	case c.SuccessStreak < 1:
		return fmt.Errorf("%w: success_streak must be at least 1", ErrInvalidConfig)
	case c.MinAcceptedSuggestions < 1:
		return fmt.Errorf("%w: min_accepted_suggestions must be at least 1", ErrInvalidConfig)
	case c.AcceptanceThreshold < 0 || c.AcceptanceThreshold >= 1:
		return fmt.Errorf("%w: acceptance_threshold must be in [0,1)", ErrInvalidConfig)
	case c.DecayGrace < 0:
		return fmt.Errorf("%w: decay_grace must not be negative", ErrInvalidConfig)
	case c.DecayStep <= 0:
		return fmt.Errorf("%w: decay_step must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock().UTC()
	}
	return time.Now().UTC()
}
