// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// Package-level tracer and meter for resolution operations.
var (
	tracer = otel.Tracer("aleutian.ctxresolve")
	meter  = otel.Meter("aleutian.ctxresolve")
)

// Metrics for resolution operations.
var (
	resolveLatency metric.Float64Histogram
	resolveTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		resolveLatency, err = meter.Float64Histogram(
			"ctxresolve_duration_seconds",
			metric.WithDescription("Duration of context resolution operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		resolveTotal, err = meter.Int64Counter(
			"ctxresolve_total",
			metric.WithDescription("Total number of context resolution operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordResolveLatency records one resolution's latency and outcome.
func recordResolveLatency(ctx context.Context, duration time.Duration, inherited, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("inherited", inherited),
		attribute.Bool("ok", ok),
	)
	resolveLatency.Record(ctx, duration.Seconds(), attrs)
	resolveTotal.Add(ctx, 1, attrs)
}

// startResolveSpan creates a span for a resolution.
func startResolveSpan(ctx context.Context, tier hierarchy.Tier, id string, inherited bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Resolver.Resolve",
		trace.WithAttributes(
			attribute.String("context.tier", tier.String()),
			attribute.String("context.id", id),
			attribute.Bool("context.inherited", inherited),
		),
	)
}
