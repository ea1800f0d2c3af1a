// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("aleutian.ctxcache")
	meter  = otel.Meter("aleutian.ctxcache")
)

// Metrics for cache operations.
var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	cacheInvalidations metric.Int64Counter
	warmingPrefetches  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"ctxcache_hits_total",
			metric.WithDescription("Total number of context cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"ctxcache_misses_total",
			metric.WithDescription("Total number of context cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"ctxcache_evictions_total",
			metric.WithDescription("Total number of context cache evictions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheInvalidations, err = meter.Int64Counter(
			"ctxcache_invalidations_total",
			metric.WithDescription("Total number of context cache entries removed by invalidation"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		warmingPrefetches, err = meter.Int64Counter(
			"ctxcache_warming_prefetches_total",
			metric.WithDescription("Total number of warming prefetch attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordHit records a cache hit metric.
func recordHit(ctx context.Context, key Key) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", key.Tier.String()),
		attribute.Bool("resolved", key.Resolved),
	))
}

// recordMiss records a cache miss metric.
func recordMiss(ctx context.Context, key Key) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", key.Tier.String()),
		attribute.Bool("resolved", key.Resolved),
	))
}

// recordEviction records a capacity eviction metric.
func recordEviction(ctx context.Context, classification Classification) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bucket", classification.String()),
	))
}

// recordInvalidation records invalidation-driven removals.
func recordInvalidation(ctx context.Context, count int) {
	if err := initMetrics(); err != nil || count == 0 {
		return
	}
	cacheInvalidations.Add(ctx, int64(count))
}

// recordWarmingPrefetch records one warming prefetch attempt.
func recordWarmingPrefetch(ctx context.Context, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	warmingPrefetches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// startWarmSpan creates a span for a warming sweep.
func startWarmSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Warmer."+operation,
		trace.WithAttributes(attribute.String("cache.operation", operation)),
	)
}
