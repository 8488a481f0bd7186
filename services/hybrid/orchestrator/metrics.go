// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "orchestrator",
		Name:      "requests_total",
		Help:      "Handled inputs by routed mode and outcome.",
	}, []string{"mode", "outcome"})

	requestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hybrid",
		Subsystem: "orchestrator",
		Name:      "request_duration_seconds",
		Help:      "End-to-end latency of handled inputs.",
		Buckets:   prometheus.DefBuckets,
	})

	admissionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hybrid",
		Subsystem: "orchestrator",
		Name:      "active_sessions",
		Help:      "Sessions currently holding an admission slot.",
	})

	admissionRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "orchestrator",
		Name:      "admission_rejected_total",
		Help:      "Inputs refused because the active session limit was reached.",
	})

	contextsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "orchestrator",
		Name:      "contexts_reaped_total",
		Help:      "Idle contexts expired by the reaper.",
	})
)
