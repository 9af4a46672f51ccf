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
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// TestNew_PayloadIsCopied verifies events cannot be mutated through the
// caller's map or through accessors.
func TestNew_PayloadIsCopied(t *testing.T) {
	payload := map[string]any{
		"actor": "dev@example.com",
		"files": []any{"a.go"},
		"meta":  map[string]any{"branch": "main"},
	}
	e := New(SourceVCS, "vcs.commit", t0, "abc", payload)

	payload["actor"] = "mallory"
	payload["files"].([]any)[0] = "evil.go"

	assert.Equal(t, "dev@example.com", e.Actor())
	files, _ := e.Get("files")
	assert.Equal(t, []any{"a.go"}, files)

	copied := e.Payload()
	copied["meta"].(map[string]any)["branch"] = "other"
	meta, _ := e.Get("meta")
	assert.Equal(t, "main", meta.(map[string]any)["branch"])
}

// TestValidate covers required fields.
func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		event SystemEvent
		ok    bool
	}{
		{"complete", New("fs", "fs.write", t0, "", nil), true},
		{"no source", New("", "fs.write", t0, "", nil), false},
		{"no kind", New("fs", "", t0, "", nil), false},
		{"no timestamp", New("fs", "fs.write", time.Time{}, "", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrMalformedEvent))
			}
		})
	}
}

// TestWireRoundTrip verifies the JSON wire format, including a null key.
func TestWireRoundTrip(t *testing.T) {
	e := New(SourceCI, "ci.success", t0.Add(250*time.Millisecond), "", map[string]any{"run_id": "42"})
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"source_id": "ci",
		"event_kind": "ci.success",
		"timestamp": "2025-03-01T12:00:00.25Z",
		"correlation_key": null,
		"payload": {"run_id": "42"}
	}`, string(data))

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e.Fingerprint(), back.Fingerprint())
	assert.True(t, e.Timestamp().Equal(back.Timestamp()))
}

// TestDecode_Malformed verifies bad input fails with the sentinel.
func TestDecode_Malformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"source_id":"bus","event_kind":"x","timestamp":"yesterday"}`,
		`{"source_id":"bus","timestamp":"2025-03-01T12:00:00Z"}`,
	}
	for _, in := range inputs {
		_, err := Decode([]byte(in))
		assert.True(t, errors.Is(err, ErrMalformedEvent), in)
	}
}

// TestSourceType strips the instance suffix.
func TestSourceType(t *testing.T) {
	assert.Equal(t, "fs", New("fs:api", "fs.write", t0, "", nil).SourceType())
	assert.Equal(t, "vcs", New("vcs", "vcs.commit", t0, "", nil).SourceType())
}

// TestNewObservation verifies derived fields and deterministic ids.
func TestNewObservation(t *testing.T) {
	evs := []SystemEvent{
		New(SourceCI, "ci.success", t0, "sha1", map[string]any{"actor": "b@x"}),
		New(SourceVCS, "vcs.commit", t0.Add(10*time.Millisecond), "sha1", map[string]any{"actor": "a@x"}),
		New(SourceFS, "fs.write", t0.Add(20*time.Millisecond), "", nil),
	}
	obs := NewObservation(evs, 5)

	assert.Equal(t, t0, obs.Start)
	assert.Equal(t, t0.Add(20*time.Millisecond), obs.End)
	assert.Equal(t, []string{"ci", "fs", "vcs"}, obs.Sources)
	assert.Equal(t, []string{"a@x", "b@x"}, obs.Actors)
	assert.Equal(t, []string{"sha1"}, obs.CorrelationKeys)
	assert.InDelta(t, 0.6, obs.Confidence, 1e-9)
	assert.True(t, obs.HasKind("vcs.commit"))
	assert.Len(t, obs.EventsWithPrefix("ci."), 1)

	again := NewObservation(evs, 5)
	assert.Equal(t, obs.ID, again.ID)
}

// TestQueue_DropOldest verifies the drop policy and counter.
func TestQueue_DropOldest(t *testing.T) {
	q := NewQueue[int](3)
	for i := 1; i <= 3; i++ {
		assert.False(t, q.Push(i))
	}
	assert.True(t, q.Push(4))
	assert.True(t, q.Push(5))

	assert.Equal(t, int64(2), q.Dropped())
	assert.Equal(t, []int{3, 4, 5}, q.Drain())
	assert.Equal(t, 0, q.Len())

	_, ok := q.Pop()
	assert.False(t, ok)

	q.Push(6)
	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 6, v)
}

// TestQueue_Concurrent verifies no item is lost or duplicated without overflow.
func TestQueue_Concurrent(t *testing.T) {
	q := NewQueue[int](1000)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Push(p*1000 + i)
			}
		}(p)
	}
	wg.Wait()

	items := q.Drain()
	assert.Len(t, items, 1000)
	assert.Equal(t, int64(0), q.Dropped())
}

// TestNewQueue_PanicsOnZero verifies capacity validation.
func TestNewQueue_PanicsOnZero(t *testing.T) {
	assert.Panics(t, func() { NewQueue[int](0) })
}
