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
	"sync"
	"sync/atomic"
)

// Queue is a fixed-capacity circular buffer that drops its oldest item when
// a push finds it full.
//
// # Description
//
// Push never blocks, so a producer can always hand off its newest item.
// Every item lost to the drop-oldest policy is counted and exposed through
// Dropped.
//
// # Thread Safety
//
// Safe for concurrent use. All operations take an internal mutex.
//
// # Example
//
//	q := events.NewQueue[events.SystemEvent](1024)
//	if q.Push(ev) {
//	    // the oldest queued event was dropped to make room
//	}
//	batch := q.Drain()
type Queue[T any] struct {
	buffer   []T
	head     int
	tail     int
	size     int
	capacity int
	dropped  atomic.Int64
	mu       sync.Mutex
}

// NewQueue creates an empty queue.
//
// # Panics
//
// Panics if capacity <= 0.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("queue capacity must be positive")
	}
	return &Queue[T]{
		buffer:   make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item. Returns true if the oldest item was dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.size == q.capacity {
		var zero T
		q.buffer[q.head] = zero
		q.head = (q.head + 1) % q.capacity
		q.size--
		q.dropped.Add(1)
		dropped = true
	}

	q.buffer[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.size++
	return dropped
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.buffer[q.head]
	q.buffer[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.size--
	return item, true
}

// Drain removes and returns every item, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	var zero T
	out := make([]T, q.size)
	for i := range out {
		out[i] = q.buffer[q.head]
		q.buffer[q.head] = zero
		q.head = (q.head + 1) % q.capacity
	}
	q.size = 0
	q.head = 0
	q.tail = 0
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the fixed capacity.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Dropped returns how many items the drop-oldest policy has discarded.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}
