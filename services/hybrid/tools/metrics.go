// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	toolExecTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "tools",
		Name:      "executions_total",
		Help:      "Tool invocations by tool, origin paradigm, and terminal status.",
	}, []string{"tool", "origin", "status"})

	toolExecLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hybrid",
		Subsystem: "tools",
		Name:      "execution_duration_seconds",
		Help:      "Pipeline latency per tool, approval wait included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	approvalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "tools",
		Name:      "approvals_total",
		Help:      "Approval gate outcomes (approved, denied, expired, cancelled).",
	}, []string{"outcome"})
)
