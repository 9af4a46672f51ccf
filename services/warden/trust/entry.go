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

// Evidence holds the counters escalation is decided on.
//
// Streak counters (Observations, ConsecutiveSuccesses, SuggestionsAccepted,
// SuggestionsRejected) restart at every level transition; totals do not.
type Evidence struct {
	StreakStartedAt      time.Time `json:"streak_started_at"`
	Observations         int       `json:"observations"`
	TotalObservations    int       `json:"total_observations"`
	Contradictions       int       `json:"contradictions"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	Successes            int       `json:"successes"`
	Failures             int       `json:"failures"`
	SuggestionsAccepted  int       `json:"suggestions_accepted"`
	SuggestionsRejected  int       `json:"suggestions_rejected"`
}

// Entry is the persisted ledger record for one actor.
type Entry struct {
	ActorID      string    `json:"actor_id"`
	Level        Level     `json:"level"`
	Floor        Level     `json:"floor"`
	Evidence     Evidence  `json:"evidence"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	LevelSince   time.Time `json:"level_since"`

	// Epoch increments on every level change.
	Epoch int `json:"epoch"`

	// DecayedSteps counts decay steps applied since the last activity.
	DecayedSteps int `json:"decayed_steps"`

	Frozen       bool       `json:"frozen"`
	FrozenReason string     `json:"frozen_reason,omitempty"`
	FrozenAt     *time.Time `json:"frozen_at,omitempty"`
}

// Transition describes the result of one ledger operation.
type Transition struct {
	ActorID string    `json:"actor_id"`
	From    Level     `json:"from"`
	To      Level     `json:"to"`
	Changed bool      `json:"changed"`
	Reason  string    `json:"reason"`
	Epoch   int       `json:"epoch"`
	At      time.Time `json:"at"`
}

func newEntry(actorID string, now time.Time) Entry {
	return Entry{
		ActorID:      actorID,
		Level:        ReadOnly,
		Floor:        ReadOnly,
		CreatedAt:    now,
		LastActiveAt: now,
		LevelSince:   now,
		Evidence:     Evidence{StreakStartedAt: now},
	}
}

// touch marks activity, which restarts the decay clock.
func (e *Entry) touch(now time.Time) {
	if now.After(e.LastActiveAt) {
		e.LastActiveAt = now
	}
	e.DecayedSteps = 0
}

// moveTo changes level by one step and restarts the rung counters.
func (e *Entry) moveTo(to Level, now time.Time) {
	e.Level = to
	e.LevelSince = now
	e.Epoch++
	e.Evidence.StreakStartedAt = now
	e.Evidence.Observations = 0
	e.Evidence.ConsecutiveSuccesses = 0
	e.Evidence.SuggestionsAccepted = 0
	e.Evidence.SuggestionsRejected = 0
}

// escalationCheck reports whether the evidence supports the next level.
// A false result carries the reason it is "not yet".
func (c Config) escalationCheck(e Entry, now time.Time) (bool, string) {
	ev := e.Evidence
	switch e.Level {
	case ReadOnly:
		elapsed := now.Sub(ev.StreakStartedAt)
		if ev.Observations >= c.MinObservations && elapsed >= c.MinObservationPeriod {
			return true, fmt.Sprintf("%d uncontradicted observations over %s", ev.Observations, elapsed.Round(time.Second))
		}
		return false, fmt.Sprintf("observed %d/%d over %s of %s without contradiction",
			ev.Observations, c.MinObservations, elapsed.Round(time.Second), c.MinObservationPeriod)

	case Bounded:
		if ev.ConsecutiveSuccesses >= c.SuccessStreak {
			return true, fmt.Sprintf("%d consecutive successful operations", ev.ConsecutiveSuccesses)
		}
		return false, fmt.Sprintf("%d/%d consecutive successful operations", ev.ConsecutiveSuccesses, c.SuccessStreak)

	case Suggestion:
		total := ev.SuggestionsAccepted + ev.SuggestionsRejected
		ratio := 0.0
		if total > 0 {
			ratio = float64(ev.SuggestionsAccepted) / float64(total)
		}
		if ev.SuggestionsAccepted >= c.MinAcceptedSuggestions && ratio > c.AcceptanceThreshold {
			return true, fmt.Sprintf("%d accepted suggestions at ratio %.2f", ev.SuggestionsAccepted, ratio)
		}
		return false, fmt.Sprintf("%d/%d accepted suggestions at ratio %.2f (need > %.2f)",
			ev.SuggestionsAccepted, c.MinAcceptedSuggestions, ratio, c.AcceptanceThreshold)

	default:
		return false, "already at " + Autonomous.String()
	}
}

// escalate applies at most one escalation step.
func (c Config) escalate(e *Entry, now time.Time) Transition {
	t := Transition{ActorID: e.ActorID, From: e.Level, To: e.Level, At: now}
	if e.Frozen {
		t.Reason = "frozen: " + e.FrozenReason
		t.Epoch = e.Epoch
		return t
	}

	ok, reason := c.escalationCheck(*e, now)
	t.Reason = reason
	if ok {
		e.moveTo(e.Level+1, now)
		if e.Floor < Bounded {
			e.Floor = Bounded
		}
		t.To = e.Level
		t.Changed = true
	}
	t.Epoch = e.Epoch
	return t
}

// owedDecaySteps is a non-decreasing step function of idle time.
func (c Config) owedDecaySteps(e Entry, now time.Time) int {
	idle := now.Sub(e.LastActiveAt)
	if idle <= c.DecayGrace {
		return 0
	}
	return int((idle - c.DecayGrace) / c.DecayStep)
}

// decay applies at most one decay step, never below the floor.
func (c Config) decay(e *Entry, now time.Time) Transition {
	t := Transition{ActorID: e.ActorID, From: e.Level, To: e.Level, At: now, Epoch: e.Epoch}
	if e.Frozen {
		t.Reason = "frozen: " + e.FrozenReason
		return t
	}

	owed := c.owedDecaySteps(*e, now)
	switch {
	case owed <= e.DecayedSteps:
		t.Reason = "not idle long enough"
	case e.Level <= e.Floor:
		t.Reason = "at floor " + e.Floor.String()
	default:
		e.moveTo(e.Level-1, now)
		e.DecayedSteps++
		t.To = e.Level
		t.Changed = true
		t.Epoch = e.Epoch
		t.Reason = fmt.Sprintf("idle for %s", now.Sub(e.LastActiveAt).Round(time.Hour))
	}
	return t
}
