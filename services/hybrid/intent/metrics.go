// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	routeDecisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "intent",
		Name:      "decision_total",
		Help:      "Routing decisions by deciding tier and mode",
	}, []string{"tier", "mode"})

	routeTierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hybrid",
		Subsystem: "intent",
		Name:      "tier_latency_seconds",
		Help:      "Per-tier classification latency",
		Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1.0, 2.0, 5.0},
	}, []string{"tier"})

	routeCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "intent",
		Name:      "cache_total",
		Help:      "Decision cache lookups by outcome: hit, miss",
	}, []string{"outcome"})

	routeFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "intent",
		Name:      "fallback_total",
		Help:      "Times every tier failed and the terminal safe decision was emitted",
	})

	llmRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "intent",
		Name:      "llm_retry_total",
		Help:      "LLM tier retry attempts",
	})
)
