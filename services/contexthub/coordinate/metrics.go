// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the optimistic lock coordinator.
var (
	updateDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ctxhub_update_duration_seconds",
		Help:    "Time to complete a context update including retries",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"tier", "status"})

	updateRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxhub_update_retries_total",
		Help: "Total CAS retries by tier",
	}, []string{"tier"})

	versionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxhub_version_conflicts_total",
		Help: "Total updates that exhausted their retry budget",
	}, []string{"tier"})

	mergeConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxhub_merge_conflicts_total",
		Help: "Total field merge conflicts resolved by fallback",
	}, []string{"tier"})

	invalidationsFanout = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ctxhub_invalidation_fanout",
		Help:    "Cache entries evicted per write",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	}, []string{"tier"})
)
