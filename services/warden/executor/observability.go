// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/actionlog"
)

const executorTracerName = "warden.executor"

// Tracer provides spans for action execution.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates an execution tracer. A disabled tracer returns noop
// spans.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(executorTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartExecute starts the root span for one action.
func (t *Tracer) StartExecute(ctx context.Context, actorID string, a action.Action) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("action.id", a.ID),
			attribute.String("action.kind", truncateForTrace(a.Kind, 64)),
			attribute.String("action.capability", a.Capability),
			attribute.String("actor.id", truncateForTrace(actorID, 64)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndExecute completes the root span.
func (t *Tracer) EndExecute(span trace.Span, outcome actionlog.Outcome, err error) {
	if span == nil {
		return
	}
	defer span.End()
	span.SetAttributes(attribute.String("action.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartStep starts a child span for one execution step, e.g. "checkpoint".
func (t *Tracer) StartStep(ctx context.Context, step string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "executor."+step,
		trace.WithAttributes(attribute.String("executor.step", step)),
	)
}

// EndStep completes a step span.
func (t *Tracer) EndStep(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// truncateForTrace bounds span attribute sizes.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns a logger carrying trace_id and span_id when ctx
// has a valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// =============================================================================
// Metrics
// =============================================================================

var meter = otel.Meter("warden.executor")

var (
	actionsTotal     metric.Int64Counter
	actionDuration   metric.Float64Histogram
	rollbacksTotal   metric.Int64Counter
	metricsInitError error
)

func init() {
	var err error

	actionsTotal, err = meter.Int64Counter(
		"warden_executor_actions_total",
		metric.WithDescription("Actions by outcome and rejection stage"),
	)
	if err != nil {
		metricsInitError = err
		return
	}
	actionDuration, err = meter.Float64Histogram(
		"warden_executor_action_duration_seconds",
		metric.WithDescription("Action execution time including checkpoint and rollback"),
		metric.WithUnit("s"),
	)
	if err != nil {
		metricsInitError = err
		return
	}
	rollbacksTotal, err = meter.Int64Counter(
		"warden_executor_rollbacks_total",
		metric.WithDescription("Rollbacks by result"),
	)
	if err != nil {
		metricsInitError = err
	}
}

func recordAction(ctx context.Context, outcome actionlog.Outcome, stage string, d time.Duration) {
	if metricsInitError != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("stage", stage),
	)
	actionsTotal.Add(ctx, 1, attrs)
	actionDuration.Record(ctx, d.Seconds(), attrs)
}

func recordRollback(ctx context.Context, ok bool) {
	if metricsInitError != nil {
		return
	}
	result := "restored"
	if !ok {
		result = "failed"
	}
	rollbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
