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
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/warden/services/warden/actionlog"
	"github.com/AleutianAI/warden/services/warden/aggregator"
	"github.com/AleutianAI/warden/services/warden/sources"
	"github.com/AleutianAI/warden/services/warden/trust"
)

// ActorSummary is one actor's line in Status.
type ActorSummary struct {
	ActorID      string      `json:"actor_id"`
	Level        trust.Level `json:"level"`
	Floor        trust.Level `json:"floor"`
	Frozen       bool        `json:"frozen"`
	FrozenReason string      `json:"frozen_reason,omitempty"`
	LastActiveAt time.Time   `json:"last_active_at"`
}

// CapabilityStatus reports a registered capability and its breaker.
type CapabilityStatus struct {
	ID      string `json:"id"`
	Breaker string `json:"breaker"`
}

// DispatchStats counts evidence handed to the shard workers.
type DispatchStats struct {
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
}

// Status is a read-only snapshot of the daemon.
type Status struct {
	GeneratedAt     time.Time          `json:"generated_at"`
	Running         bool               `json:"running"`
	Actors          []ActorSummary     `json:"actors"`
	Adapters        []sources.Health   `json:"adapters"`
	Aggregator      aggregator.Stats   `json:"aggregator"`
	Dispatch        DispatchStats      `json:"dispatch"`
	Capabilities    []CapabilityStatus `json:"capabilities"`
	RecentActions   []actionlog.Record `json:"recent_actions"`
	LastMaintenance *MaintenanceReport `json:"last_maintenance,omitempty"`
}

// ActorStatus is the detailed view of one actor.
type ActorStatus struct {
	Entry         trust.Entry        `json:"entry"`
	RecentActions []actionlog.Record `json:"recent_actions"`
}

// Status reports trust levels, adapter health, pipeline counters and the
// most recent actions. It never creates or modifies ledger entries or
// action records.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	entries, err := d.ledger.List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list actors: %w", err)
	}
	recent, err := d.actions.RecentAll(ctx, d.cfg.RecentActions)
	if err != nil {
		return Status{}, fmt.Errorf("recent actions: %w", err)
	}

	s := Status{
		GeneratedAt:   d.clock().UTC(),
		Running:       d.running.Load(),
		Actors:        make([]ActorSummary, 0, len(entries)),
		Adapters:      make([]sources.Health, 0, len(d.adapters)),
		Aggregator:    d.aggregator.Stats(),
		Dispatch:      DispatchStats{Processed: d.processed.Load(), Dropped: d.dropped.Load()},
		RecentActions: recent,
	}
	if s.RecentActions == nil {
		s.RecentActions = []actionlog.Record{}
	}
	for _, e := range entries {
		s.Actors = append(s.Actors, ActorSummary{
			ActorID:      e.ActorID,
			Level:        e.Level,
			Floor:        e.Floor,
			Frozen:       e.Frozen,
			FrozenReason: e.FrozenReason,
			LastActiveAt: e.LastActiveAt,
		})
	}
	for _, ad := range d.adapters {
		s.Adapters = append(s.Adapters, ad.Health())
	}
	for _, id := range d.bridge.Capabilities() {
		state, _ := d.bridge.BreakerState(id)
		s.Capabilities = append(s.Capabilities, CapabilityStatus{ID: id, Breaker: state.String()})
	}
	s.LastMaintenance = d.lastMaint.Load()
	return s, nil
}

// ActorStatus returns one actor's ledger entry and recent actions.
//
// # Outputs
//
//   - error: trust.ErrUnknownActor when the actor has no entry.
func (d *Daemon) ActorStatus(ctx context.Context, actorID string) (ActorStatus, error) {
	entry, ok, err := d.ledger.Snapshot(ctx, actorID)
	if err != nil {
		return ActorStatus{}, err
	}
	if !ok {
		return ActorStatus{}, fmt.Errorf("%w: %s", trust.ErrUnknownActor, actorID)
	}
	recent, err := d.actions.Recent(ctx, actorID, d.cfg.RecentActions)
	if err != nil {
		return ActorStatus{}, fmt.Errorf("recent actions: %w", err)
	}
	if recent == nil {
		recent = []actionlog.Record{}
	}
	return ActorStatus{Entry: entry, RecentActions: recent}, nil
}

// Config returns the effective configuration.
func (d *Daemon) Config() Config {
	return d.cfg
}
