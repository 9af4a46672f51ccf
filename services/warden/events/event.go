// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events defines the normalized event shape every source adapter
// emits, the aggregated observation the aggregator produces, and the bounded
// queue that sits between them.
//
// # Wire Format
//
//	{
//	  "source_id":       "vcs",
//	  "event_kind":      "vcs.commit",
//	  "timestamp":       "2025-03-01T12:00:00.250Z",
//	  "correlation_key": "9fceb02d0ae598e95dc970b74767f19372d61af8",
//	  "payload":         {"actor": "dev@example.com", "branch": "main"}
//	}
//
// correlation_key is null when absent. The acting identity, when a source
// knows it, travels in payload.actor.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
)

// PayloadActor is the payload key holding the acting identity.
const PayloadActor = "actor"

// Well-known source ids. Instances of the same source type use
// "<type>:<instance>", for example "fs:api".
const (
	SourceCI   = "ci"
	SourceVCS  = "vcs"
	SourceTest = "test"
	SourceFS   = "fs"
	SourceBus  = "bus"
)

// SystemEvent is one normalized signal from a single adapter.
//
// # Description
//
// Fields are unexported and exposed through accessors, and the payload is
// deep-copied on construction and on read, so an event cannot change after
// it is emitted.
//
// # Thread Safety
//
// Immutable; safe to share between goroutines.
type SystemEvent struct {
	sourceID       string
	kind           string
	timestamp      time.Time
	correlationKey string
	payload        map[string]any
}

// New builds an event. The payload is copied.
//
// # Inputs
//
//   - sourceID: Adapter id, e.g. "vcs".
//   - kind: Event kind, e.g. "vcs.commit".
//   - ts: When the underlying signal happened. Stored in UTC.
//   - correlationKey: Cross-source join key (commit sha etc.), "" for none.
//   - payload: Source-specific fields. May be nil.
//
// # Outputs
//
//   - SystemEvent: The event. Validate reports whether it is well formed.
func New(sourceID, kind string, ts time.Time, correlationKey string, payload map[string]any) SystemEvent {
	return SystemEvent{
		sourceID:       sourceID,
		kind:           kind,
		timestamp:      ts.UTC(),
		correlationKey: correlationKey,
		payload:        cloneMap(payload),
	}
}

// SourceID returns the emitting adapter's id.
func (e SystemEvent) SourceID() string { return e.sourceID }

// SourceType returns the source id without its instance suffix.
func (e SystemEvent) SourceType() string {
	if i := strings.IndexByte(e.sourceID, ':'); i >= 0 {
		return e.sourceID[:i]
	}
	return e.sourceID
}

// Kind returns the event kind.
func (e SystemEvent) Kind() string { return e.kind }

// Timestamp returns the event time in UTC.
func (e SystemEvent) Timestamp() time.Time { return e.timestamp }

// CorrelationKey returns the join key, or "".
func (e SystemEvent) CorrelationKey() string { return e.correlationKey }

// Payload returns a copy of the payload.
func (e SystemEvent) Payload() map[string]any { return cloneMap(e.payload) }

// Get returns a copy of one payload value.
func (e SystemEvent) Get(key string) (any, bool) {
	v, ok := e.payload[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// String returns a payload value as a string, or "" when absent or not a
// string.
func (e SystemEvent) String(key string) string {
	s, _ := e.payload[key].(string)
	return s
}

// Actor returns payload.actor, or "".
func (e SystemEvent) Actor() string {
	return strings.TrimSpace(e.String(PayloadActor))
}

// Validate reports whether the event carries the fields the aggregator
// requires.
//
// # Outputs
//
//   - error: ErrMalformedEvent wrapped with the missing field, or nil.
func (e SystemEvent) Validate() error {
	switch {
	case e.sourceID == "":
		return fmt.Errorf("%w: missing source_id", ErrMalformedEvent)
	case e.kind == "":
		return fmt.Errorf("%w: missing event_kind", ErrMalformedEvent)
	case e.timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	return nil
}

// Fingerprint returns a hex sha256 over the canonical wire encoding. Two
// events with the same fingerprint are duplicates.
func (e SystemEvent) Fingerprint() string {
	data, err := json.Marshal(e)
	if err != nil {
		data = []byte(e.sourceID + "\x00" + e.kind + "\x00" + e.timestamp.String() + "\x00" + e.correlationKey)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Wire codec
// =============================================================================

type wireEvent struct {
	SourceID       string         `json:"source_id"`
	EventKind      string         `json:"event_kind"`
	Timestamp      string         `json:"timestamp"`
	CorrelationKey *string        `json:"correlation_key"`
	Payload        map[string]any `json:"payload"`
}

// MarshalJSON encodes the wire format. Map keys are emitted sorted, which
// makes the encoding canonical.
func (e SystemEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		SourceID:  e.sourceID,
		EventKind: e.kind,
		Payload:   e.payload,
	}
	if !e.timestamp.IsZero() {
		w.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	if e.correlationKey != "" {
		key := e.correlationKey
		w.CorrelationKey = &key
	}
	if w.Payload == nil {
		w.Payload = map[string]any{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire format. A timestamp that is not RFC3339
// fails with ErrMalformedEvent; missing fields decode to their zero values
// and are caught by Validate.
func (e *SystemEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var ts time.Time
	if w.Timestamp != "" {
		dt, err := strfmt.ParseDateTime(w.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: timestamp %q: %v", ErrMalformedEvent, w.Timestamp, err)
		}
		ts = time.Time(dt)
	}

	key := ""
	if w.CorrelationKey != nil {
		key = *w.CorrelationKey
	}
	*e = New(w.SourceID, w.EventKind, ts, key, w.Payload)
	return nil
}

// Decode parses one wire-format event and validates it.
func Decode(data []byte) (SystemEvent, error) {
	var e SystemEvent
	if err := json.Unmarshal(data, &e); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			return SystemEvent{}, err
		}
		return SystemEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return SystemEvent{}, err
	}
	return e, nil
}

// =============================================================================
// Payload copying
// =============================================================================

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
