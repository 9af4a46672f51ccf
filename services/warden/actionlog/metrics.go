// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package actionlog

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("warden.actionlog")

var (
	appendTotal metric.Int64Counter
	prunedTotal metric.Int64Counter

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
		appendTotal, err = meter.Int64Counter(
			"warden_actionlog_records_total",
			metric.WithDescription("Action records appended by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		prunedTotal, err = meter.Int64Counter(
			"warden_actionlog_pruned_total",
			metric.WithDescription("Action records removed by retention"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordAppend(ctx context.Context, outcome Outcome) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	appendTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func recordPrune(ctx context.Context, n int) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	prunedTotal.Add(ctx, int64(n))
}
