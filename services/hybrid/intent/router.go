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
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// OTel Tracer
// =============================================================================

var routerTracer = otel.Tracer("hybrid.intent.router")

// Router escalates an utterance through the classification tiers.
//
// # Description
//
// Tiers run cheapest-first and the pipeline short-circuits as soon as a
// tier's confidence clears its threshold. A tier failing operationally
// (embedding service down, LLM timeout) behaves exactly like a
// low-confidence answer: the router escalates. If the LLM tier also
// fails or stays below threshold, Route returns the terminal safe
// decision (conversational, confidence 0) rather than an error.
//
// The semantic and LLM tiers are optional; a nil tier is skipped. This is
// how degraded deployments run pattern-only routing.
//
// # Thread Safety
//
// Safe for concurrent use.
type Router struct {
	pattern  *PatternMatcher
	semantic *SemanticMatcher
	llm      *LLMClassifier
	cache    *DecisionCache
	config   RouterConfig
	logger   *slog.Logger
}

// NewRouter composes the classification pipeline.
//
// Inputs:
//
//	pattern - Pattern tier. Must not be nil.
//	semantic - Semantic tier. May be nil (tier is skipped).
//	llmTier - LLM tier. May be nil (tier is skipped).
//	config - Router configuration. Will be validated.
//	logger - Structured logger. Nil uses slog.Default().
//
// Outputs:
//
//	*Router - Ready-to-use router.
//	error - If pattern is nil or config invalid.
func NewRouter(pattern *PatternMatcher, semantic *SemanticMatcher, llmTier *LLMClassifier, config RouterConfig, logger *slog.Logger) (*Router, error) {
	if pattern == nil {
		return nil, errors.New("pattern matcher must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var cache *DecisionCache
	if config.CacheTTL > 0 {
		cache = NewDecisionCache(config.CacheTTL, config.CacheMaxSize)
	}

	return &Router{
		pattern:  pattern,
		semantic: semantic,
		llm:      llmTier,
		cache:    cache,
		config:   config,
		logger:   logger,
	}, nil
}

// Route classifies one utterance.
//
// Description:
//
//	Validates input, consults the decision cache, then escalates through
//	the tiers. The whole call is bounded by RouteTimeout.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	utterance - The user's raw input.
//
// Outputs:
//
//	Decision - Always populated on nil error; never a zero Mode.
//	error - ErrEmptyInput for blank input, or ctx errors. Tier failures
//	never surface as errors.
//
// Thread Safety: This method is safe for concurrent use.
func (r *Router) Route(ctx context.Context, utterance string) (Decision, error) {
	start := time.Now()

	ctx, span := routerTracer.Start(ctx, "Router.Route")
	defer span.End()
	span.SetAttributes(attribute.Int("utterance_length", len(utterance)))

	if strings.TrimSpace(utterance) == "" {
		span.SetStatus(codes.Error, "empty input")
		return Decision{}, ErrEmptyInput
	}

	if r.cache != nil {
		if cached, ok := r.cache.Get(utterance); ok {
			routeCacheTotal.WithLabelValues("hit").Inc()
			span.SetAttributes(attribute.Bool("cached", true))
			cached.Duration = time.Since(start)
			return cached, nil
		}
		routeCacheTotal.WithLabelValues("miss").Inc()
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.RouteTimeout)
	defer cancel()

	decision := r.escalate(ctx, utterance)
	decision.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("mode", string(decision.Mode)),
		attribute.String("tier", string(decision.Tier)),
		attribute.Float64("confidence", decision.Confidence),
	)
	routeDecisionTotal.WithLabelValues(string(decision.Tier), string(decision.Mode)).Inc()

	// Only organic decisions are cached; the terminal fallback reflects a
	// transient outage, not the utterance.
	if r.cache != nil && decision.Tier != TierFallback {
		r.cache.Set(utterance, decision)
	}
	return decision, nil
}

// escalate walks the tiers cheapest-first.
func (r *Router) escalate(ctx context.Context, utterance string) Decision {
	// Tier 1: pattern rules.
	tierStart := time.Now()
	decision, ok := r.pattern.Match(utterance)
	routeTierLatency.WithLabelValues(string(TierPattern)).Observe(time.Since(tierStart).Seconds())
	if ok && decision.Confidence >= r.config.PatternThreshold {
		return decision
	}

	// Tier 2: semantic similarity.
	if r.semantic != nil && ctx.Err() == nil {
		tierStart = time.Now()
		decision, ok = r.semantic.Match(ctx, utterance)
		routeTierLatency.WithLabelValues(string(TierSemantic)).Observe(time.Since(tierStart).Seconds())
		if ok && decision.Confidence >= r.config.SemanticThreshold {
			return decision
		}
		if ok {
			r.logger.Debug("semantic match below threshold, escalating",
				slog.Float64("confidence", decision.Confidence),
				slog.Float64("threshold", r.config.SemanticThreshold),
			)
		}
	}

	// Tier 3: LLM classification.
	if r.llm != nil && ctx.Err() == nil {
		tierStart = time.Now()
		llmDecision, err := r.llm.Classify(ctx, utterance)
		routeTierLatency.WithLabelValues(string(TierLLM)).Observe(time.Since(tierStart).Seconds())
		if err == nil && llmDecision.Confidence >= r.config.LLMThreshold {
			return llmDecision
		}
		if err != nil {
			r.logger.Warn("llm tier failed, using terminal fallback",
				slog.String("error", err.Error()),
			)
		} else {
			r.logger.Debug("llm confidence below threshold, using terminal fallback",
				slog.Float64("confidence", llmDecision.Confidence),
				slog.Float64("threshold", r.config.LLMThreshold),
			)
		}
	}

	// Terminal fallback: never fail the request over classification.
	routeFallbackTotal.Inc()
	return Decision{
		Mode:       ModeConversational,
		Confidence: 0,
		Tier:       TierFallback,
		Reasoning:  "all classification tiers unavailable or below threshold",
	}
}
