// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trust

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("warden.trust")

var (
	evidenceTotal   metric.Int64Counter
	transitionTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
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

		evidenceTotal, err = meter.Int64Counter(
			"warden_trust_evidence_total",
			metric.WithDescription("Ledger operations by kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transitionTotal, err = meter.Int64Counter(
			"warden_trust_transitions_total",
			metric.WithDescription("Trust level transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordEvidence(ctx context.Context, op string) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	evidenceTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func recordTransition(ctx context.Context, t Transition) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	direction := "escalate"
	if t.To < t.From {
		direction = "decay"
	}
	transitionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", t.From.String()),
		attribute.String("to", t.To.String()),
		attribute.String("direction", direction),
	))
}
