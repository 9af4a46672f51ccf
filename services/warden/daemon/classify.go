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

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/events"
)

// Event kinds with meaning to evidence classification.
const (
	KindContradicted       = "observation.contradicted"
	KindSuggestionAccepted = "suggestion.accepted"
	KindSuggestionRejected = "suggestion.rejected"
	KindActionRequested    = "action.requested"
)

// passKinds and failKinds report the outcome of the same work. Both on one
// correlation key inside one observation is a contradiction.
var (
	passKinds = map[string]bool{"test.pass": true, "ci.success": true}
	failKinds = map[string]bool{"test.fail": true, "ci.failure": true}
)

// WorkItem is the evidence one observation carries for one actor.
type WorkItem struct {
	ActorID       string
	ObservationID string
	At            time.Time
	Contradicted  bool
	Accepted      int
	Rejected      int
	Actions       []action.Action
}

// Classify splits an observation into per-actor work items.
//
// # Description
//
// Every actor named in the observation gets one observation, marked
// contradicted when the observation contains an explicit
// observation.contradicted event or conflicting pass and fail signals for
// the same correlation key. Suggestion feedback and action requests go to
// the actor named on their own event. When no actor is named, defaultActor
// is used; if that is empty the evidence is dropped.
//
// # Outputs
//
//   - []WorkItem: Sorted by actor id.
//   - []error: One per action request that could not be decoded.
func Classify(obs events.AggregatedObservation, defaultActor string) ([]WorkItem, []error) {
	contradicted := isContradicted(obs)
	items := make(map[string]*WorkItem)
	get := func(actor string) *WorkItem {
		if actor == "" {
			actor = defaultActor
		}
		if actor == "" {
			return nil
		}
		it, ok := items[actor]
		if !ok {
			it = &WorkItem{
				ActorID:       actor,
				ObservationID: obs.ID,
				At:            obs.End,
				Contradicted:  contradicted,
			}
			items[actor] = it
		}
		return it
	}

	for _, a := range obs.Actors {
		get(a)
	}
	if len(obs.Actors) == 0 {
		get("")
	}

	var errs []error
	for _, ev := range obs.Events {
		switch ev.Kind() {
		case KindSuggestionAccepted:
			if it := get(ev.Actor()); it != nil {
				it.Accepted++
			}
		case KindSuggestionRejected:
			if it := get(ev.Actor()); it != nil {
				it.Rejected++
			}
		case KindActionRequested:
			it := get(ev.Actor())
			if it == nil {
				continue
			}
			a, err := decodeAction(ev)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			it.Actions = append(it.Actions, a)
		}
	}

	out := make([]WorkItem, 0, len(items))
	for _, it := range items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, errs
}

func isContradicted(obs events.AggregatedObservation) bool {
	if obs.HasKind(KindContradicted) {
		return true
	}
	pass := make(map[string]bool)
	fail := make(map[string]bool)
	for _, ev := range obs.Events {
		key := ev.CorrelationKey()
		if key == "" {
			continue
		}
		switch {
		case passKinds[ev.Kind()]:
			pass[key] = true
		case failKinds[ev.Kind()]:
			fail[key] = true
		}
	}
	for key := range pass {
		if fail[key] {
			return true
		}
	}
	return false
}

// decodeAction reads payload.action in the API's action JSON shape.
func decodeAction(ev events.SystemEvent) (action.Action, error) {
	raw, ok := ev.Get("action")
	if !ok {
		return action.Action{}, fmt.Errorf("%w: %s event without payload.action", action.ErrInvalidAction, ev.Kind())
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return action.Action{}, fmt.Errorf("%w: %v", action.ErrInvalidAction, err)
	}
	var a action.Action
	if err := json.Unmarshal(data, &a); err != nil {
		return action.Action{}, fmt.Errorf("%w: %v", action.ErrInvalidAction, err)
	}
	return a, nil
}
