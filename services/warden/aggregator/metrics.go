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
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("warden.aggregator")

var (
	eventsTotal       metric.Int64Counter
	queueDroppedTotal metric.Int64Counter
	observationsTotal metric.Int64Counter
	observationSize   metric.Int64Histogram

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

		eventsTotal, err = meter.Int64Counter(
			"warden_aggregator_events_total",
			metric.WithDescription("Events at the aggregation boundary by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queueDroppedTotal, err = meter.Int64Counter(
			"warden_aggregator_queue_dropped_total",
			metric.WithDescription("Events dropped by the per-source drop-oldest queue"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		observationsTotal, err = meter.Int64Counter(
			"warden_aggregator_observations_total",
			metric.WithDescription("Observations emitted"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		observationSize, err = meter.Int64Histogram(
			"warden_aggregator_observation_events",
			metric.WithDescription("Events per emitted observation"),
			metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 8, 13, 21, 50),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordEvent(ctx context.Context, result string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	eventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func recordQueueDrop(ctx context.Context, sourceID string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	queueDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", sourceID)))
}

func recordObservation(ctx context.Context, size int) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	observationsTotal.Add(ctx, 1)
	observationSize.Record(ctx, int64(size))
}
