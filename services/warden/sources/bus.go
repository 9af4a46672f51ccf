// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/warden/services/warden/events"
)

// ErrBusClosed is returned when a subscription ends while its context is
// still live.
var ErrBusClosed = errors.New("bus subscription closed")

// DefaultBusChannel is the channel warden listens on.
const DefaultBusChannel = "warden.events"

// Subscriber delivers raw messages from one channel. The returned channel
// closes when ctx is cancelled or the subscription ends.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Publisher sends raw messages to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg []byte) error
}

// PublishEvent encodes ev in the wire format and publishes it.
func PublishEvent(ctx context.Context, p Publisher, channel string, ev events.SystemEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.Publish(ctx, channel, data)
}

// =============================================================================
// In-process bus
// =============================================================================

// LocalBus is an in-process pub/sub bus.
//
// # Thread Safety
//
// Safe for concurrent use. Publish never blocks: a subscriber whose buffer
// is full misses the message and the drop is counted.
type LocalBus struct {
	buffer  int
	dropped atomic.Int64

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan []byte
}

// NewLocalBus creates a bus with the given per-subscriber buffer.
func NewLocalBus(buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &LocalBus{buffer: buffer, subs: make(map[string]map[int]chan []byte)}
}

// Subscribe implements Subscriber.
func (b *LocalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan []byte)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[channel]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
		}
	})
	return ch, nil
}

// Publish implements Publisher.
func (b *LocalBus) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), msg...):
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns the number of messages subscribers missed.
func (b *LocalBus) Dropped() int64 { return b.dropped.Load() }

// Close ends every subscription.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, channel)
	}
}

// =============================================================================
// Redis bus
// =============================================================================

// RedisBus carries bus messages over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to addr. The connection is verified with PING.
func NewRedisBus(ctx context.Context, addr, password string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisBus{client: client}, nil
}

// Subscribe implements Subscriber.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, channel string, msg []byte) error {
	return b.client.Publish(ctx, channel, msg).Err()
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// =============================================================================
// Source
// =============================================================================

// BusSource turns bus messages into events.
//
// Messages use the event wire format. The event is re-sourced to this
// adapter's id and the sender's source_id is kept in payload.origin.
// Undecodable messages become events without a kind, which the aggregator
// drops and counts as malformed.
type BusSource struct {
	id      string
	channel string
	sub     Subscriber
	now     func() time.Time
}

// NewBusSource creates a bus source. id defaults to "bus" and channel to
// DefaultBusChannel.
func NewBusSource(id, channel string, sub Subscriber) *BusSource {
	if id == "" {
		id = events.SourceBus
	}
	if channel == "" {
		channel = DefaultBusChannel
	}
	return &BusSource{id: id, channel: channel, sub: sub, now: time.Now}
}

// ID implements Source.
func (s *BusSource) ID() string { return s.id }

// Run implements Source.
func (s *BusSource) Run(ctx context.Context, emit Emit) error {
	msgs, err := s.sub.Subscribe(ctx, s.channel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrBusClosed
			}
			emit(s.translate(msg))
		}
	}
}

func (s *BusSource) translate(msg []byte) events.SystemEvent {
	ev, err := events.Decode(msg)
	if err != nil {
		return events.New(s.id, "", s.now(), "", map[string]any{"error": err.Error()})
	}
	payload := ev.Payload()
	if payload == nil {
		payload = map[string]any{}
	}
	payload["origin"] = ev.SourceID()
	return events.New(s.id, ev.Kind(), ev.Timestamp(), ev.CorrelationKey(), payload)
}
