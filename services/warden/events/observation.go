// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// observationNamespace seeds the name-based observation ids.
var observationNamespace = uuid.MustParse("6f1c3b0e-9a52-4d4e-8a53-2f0f6c1d7a10")

// AggregatedObservation is a group of events judged to describe one moment.
type AggregatedObservation struct {
	// ID is derived from the first event, so identical input yields the
	// same id on every run.
	ID string `json:"id"`

	// Start and End are the first and last event timestamps.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Events are in aggregation order.
	Events []SystemEvent `json:"events"`

	// Sources, Actors and CorrelationKeys are distinct and sorted.
	Sources         []string `json:"sources"`
	Actors          []string `json:"actors"`
	CorrelationKeys []string `json:"correlation_keys"`

	// Confidence is distinct sources over registered adapters, in [0,1].
	Confidence float64 `json:"confidence"`
}

// NewObservation builds an observation from ordered events.
//
// # Inputs
//
//   - ordered: Events already in aggregation order. Must not be empty.
//   - adapters: Number of registered adapters, used for confidence.
//
// # Outputs
//
//   - AggregatedObservation: The populated observation.
func NewObservation(ordered []SystemEvent, adapters int) AggregatedObservation {
	obs := AggregatedObservation{
		Events: append([]SystemEvent(nil), ordered...),
	}
	if len(ordered) == 0 {
		return obs
	}

	first := ordered[0]
	obs.ID = uuid.NewSHA1(observationNamespace, []byte(first.Fingerprint())).String()
	obs.Start = first.Timestamp()
	obs.End = first.Timestamp()

	sources := map[string]struct{}{}
	actors := map[string]struct{}{}
	keys := map[string]struct{}{}
	for _, e := range ordered {
		if e.Timestamp().Before(obs.Start) {
			obs.Start = e.Timestamp()
		}
		if e.Timestamp().After(obs.End) {
			obs.End = e.Timestamp()
		}
		sources[e.SourceID()] = struct{}{}
		if a := e.Actor(); a != "" {
			actors[a] = struct{}{}
		}
		if k := e.CorrelationKey(); k != "" {
			keys[k] = struct{}{}
		}
	}

	obs.Sources = sortedKeys(sources)
	obs.Actors = sortedKeys(actors)
	obs.CorrelationKeys = sortedKeys(keys)

	if adapters < 1 {
		adapters = 1
	}
	obs.Confidence = float64(len(obs.Sources)) / float64(adapters)
	if obs.Confidence > 1 {
		obs.Confidence = 1
	}
	return obs
}

// HasKind reports whether any event has the given kind.
func (o AggregatedObservation) HasKind(kind string) bool {
	for _, e := range o.Events {
		if e.Kind() == kind {
			return true
		}
	}
	return false
}

// EventsWithPrefix returns events whose kind starts with prefix.
func (o AggregatedObservation) EventsWithPrefix(prefix string) []SystemEvent {
	var out []SystemEvent
	for _, e := range o.Events {
		if strings.HasPrefix(e.Kind(), prefix) {
			out = append(out, e)
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
