// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("warden.bridge")

var (
	invokeTotal       metric.Int64Counter
	invokeDuration    metric.Float64Histogram
	breakerTransition metric.Int64Counter

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

		invokeTotal, err = meter.Int64Counter(
			"warden_bridge_invocations_total",
			metric.WithDescription("Capability invocations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		invokeDuration, err = meter.Float64Histogram(
			"warden_bridge_invocation_duration_seconds",
			metric.WithDescription("Capability invocation latency"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
		)
		if err != nil {
			metricsErr = err
			return
		}

		breakerTransition, err = meter.Int64Counter(
			"warden_bridge_breaker_transitions_total",
			metric.WithDescription("Circuit breaker state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordInvoke(ctx context.Context, capability, outcome string, d time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("outcome", outcome),
	)
	invokeTotal.Add(ctx, 1, attrs)
	invokeDuration.Record(ctx, d.Seconds(), attrs)
}

func recordBreakerTransition(capability string, to CircuitState) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	breakerTransition.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("state", to.String()),
	))
}
