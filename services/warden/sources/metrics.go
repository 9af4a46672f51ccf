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
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("warden.sources")

var (
	failuresTotal metric.Int64Counter
	droppedTotal  metric.Int64Counter
	webhookTotal  metric.Int64Counter

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

		failuresTotal, err = meter.Int64Counter(
			"warden_source_failures_total",
			metric.WithDescription("Source run failures, including panics"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		droppedTotal, err = meter.Int64Counter(
			"warden_source_emit_dropped_total",
			metric.WithDescription("Events dropped because the emit timed out"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		webhookTotal, err = meter.Int64Counter(
			"warden_ci_webhook_deliveries_total",
			metric.WithDescription("CI webhook deliveries by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordAdapterFailure(ctx context.Context, sourceID string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	failuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", sourceID)))
}

func recordAdapterDrop(ctx context.Context, sourceID string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	droppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", sourceID)))
}

func recordWebhook(ctx context.Context, result string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	webhookTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
