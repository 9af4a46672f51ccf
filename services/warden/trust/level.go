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
	"encoding/json"
	"fmt"
	"strings"
)

// Level is an ordinal capability tier.
type Level int

const (
	// ReadOnly actors may only trigger non-mutating actions.
	ReadOnly Level = iota

	// Bounded actors may trigger checkpointed mutations.
	Bounded

	// Suggestion actors have a track record of successful bounded work.
	Suggestion

	// Autonomous actors have had enough suggestions accepted to act alone.
	Autonomous
)

var levelNames = [...]string{"READ_ONLY", "BOUNDED", "SUGGESTION", "AUTONOMOUS"}

// String returns the canonical upper-case name.
func (l Level) String() string {
	if l.Valid() {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Valid reports whether l is one of the four levels.
func (l Level) Valid() bool {
	return l >= ReadOnly && l <= Autonomous
}

// ParseLevel accepts canonical names, case-insensitively.
func ParseLevel(s string) (Level, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return ReadOnly, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// MarshalJSON encodes the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidLevel, data)
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
