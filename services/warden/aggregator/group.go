// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/warden/services/warden/events"
)

// sourcePriority is the fixed tie-break order for simultaneous events.
// Lower wins. It is not configurable so every run orders identically.
var sourcePriority = map[string]int{
	events.SourceCI:   0,
	events.SourceVCS:  1,
	events.SourceTest: 2,
	events.SourceFS:   3,
	events.SourceBus:  4,
}

const unknownPriority = 100

// Priority returns the tie-break rank of a source id. "fs:api" ranks as
// "fs"; unknown sources rank after every known one.
func Priority(sourceID string) int {
	if i := strings.IndexByte(sourceID, ':'); i >= 0 {
		sourceID = sourceID[:i]
	}
	if p, ok := sourcePriority[sourceID]; ok {
		return p
	}
	return unknownPriority
}

// Less is the total aggregation order: timestamp, source priority, source
// type, source id, kind, correlation key, then payload fingerprint.
func Less(a, b events.SystemEvent) bool {
	if !a.Timestamp().Equal(b.Timestamp()) {
		return a.Timestamp().Before(b.Timestamp())
	}
	if pa, pb := Priority(a.SourceID()), Priority(b.SourceID()); pa != pb {
		return pa < pb
	}
	if a.SourceType() != b.SourceType() {
		return a.SourceType() < b.SourceType()
	}
	if a.SourceID() != b.SourceID() {
		return a.SourceID() < b.SourceID()
	}
	if a.Kind() != b.Kind() {
		return a.Kind() < b.Kind()
	}
	if a.CorrelationKey() != b.CorrelationKey() {
		return a.CorrelationKey() < b.CorrelationKey()
	}
	return a.Fingerprint() < b.Fingerprint()
}

// Sort returns a sorted copy of evs.
func Sort(evs []events.SystemEvent) []events.SystemEvent {
	out := append([]events.SystemEvent(nil), evs...)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Group partitions events into coherence groups.
//
// # Description
//
// Events are walked in aggregation order. Each joins the earliest open
// group whose first event is at most window before it, or whose members
// share its correlation key and whose first event is at most horizon before
// it. Otherwise it opens a new group. Groups come back ordered by start.
//
// Group is pure: the same multiset of events always yields the same
// groups in the same order, regardless of input order.
//
// # Inputs
//
//   - evs: Events in any order. Not modified.
//   - window: Coherence tolerance for unrelated events.
//   - horizon: Tolerance for events sharing a correlation key. Values below
//     window are raised to window.
func Group(evs []events.SystemEvent, window, horizon time.Duration) [][]events.SystemEvent {
	if horizon < window {
		horizon = window
	}
	type group struct {
		start  time.Time
		keys   map[string]struct{}
		events []events.SystemEvent
	}

	var groups []*group
	first := 0 // groups before this index are closed to every later event
	for _, e := range Sort(evs) {
		ts := e.Timestamp()
		for first < len(groups) && ts.Sub(groups[first].start) > horizon {
			first++
		}

		var home *group
		for _, g := range groups[first:] {
			age := ts.Sub(g.start)
			if age <= window {
				home = g
				break
			}
			if k := e.CorrelationKey(); k != "" && age <= horizon {
				if _, ok := g.keys[k]; ok {
					home = g
					break
				}
			}
		}
		if home == nil {
			home = &group{start: ts, keys: map[string]struct{}{}}
			groups = append(groups, home)
		}
		home.events = append(home.events, e)
		if k := e.CorrelationKey(); k != "" {
			home.keys[k] = struct{}{}
		}
	}

	out := make([][]events.SystemEvent, len(groups))
	for i, g := range groups {
		out[i] = g.events
	}
	return out
}
