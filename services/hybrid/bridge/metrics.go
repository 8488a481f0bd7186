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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "bridge",
		Name:      "sync_total",
		Help:      "Sync attempts by outcome (committed, manual_suspend, lock_timeout, contention).",
	}, []string{"outcome"})

	syncLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hybrid",
		Subsystem: "bridge",
		Name:      "sync_duration_seconds",
		Help:      "End-to-end latency of committed syncs, lock wait included.",
		Buckets:   prometheus.DefBuckets,
	})

	conflictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "bridge",
		Name:      "conflict_total",
		Help:      "True conflicts detected during sync, by strategy and resolution outcome.",
	}, []string{"strategy", "outcome"})

	rollbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "bridge",
		Name:      "rollback_total",
		Help:      "Successful context rollbacks.",
	})
)

func conflictOutcome(resolved bool) string {
	if resolved {
		return "resolved"
	}
	return "unresolved"
}
