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
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("warden.daemon")

var (
	workItemsTotal   metric.Int64Counter
	handoffDropTotal metric.Int64Counter
	maintenanceRuns  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled turns metric recording on or off.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		workItemsTotal, err = meter.Int64Counter(
			"warden_daemon_work_items_total",
			metric.WithDescription("Per-actor evidence items processed by the shard workers"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		handoffDropTotal, err = meter.Int64Counter(
			"warden_daemon_handoff_dropped_total",
			metric.WithDescription("Evidence items dropped because a shard queue stayed full"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		maintenanceRuns, err = meter.Int64Counter(
			"warden_daemon_maintenance_runs_total",
			metric.WithDescription("Decay and retention sweeps by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordWorkItem(ctx context.Context, contradicted bool) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	workItemsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("contradicted", contradicted)))
}

func recordHandoffDrop(ctx context.Context, shard int) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	handoffDropTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("shard", shard)))
}

func recordMaintenance(ctx context.Context, ok bool) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	maintenanceRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
