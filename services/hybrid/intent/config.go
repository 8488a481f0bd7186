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
	"errors"
	"fmt"
	"time"
)

// RouterConfig configures the three-tier intent router.
type RouterConfig struct {
	// PatternThreshold accepts a pattern-tier match at or above this score.
	// Default: 0.8
	PatternThreshold float64

	// SemanticThreshold accepts a semantic-tier match at or above this score.
	// Default: 0.75
	SemanticThreshold float64

	// LLMThreshold accepts an LLM-tier answer at or above this score.
	// Below it the router emits the safe fallback decision.
	// Default: 0.5
	LLMThreshold float64

	// RouteTimeout bounds one Route call across all tiers.
	// Default: 10s
	RouteTimeout time.Duration

	// LLMTimeout bounds a single LLM classification call.
	// Default: 5s
	LLMTimeout time.Duration

	// LLMMaxRetries is the number of LLM retries after the first attempt.
	// Default: 2
	LLMMaxRetries int

	// LLMRetryBackoff is the initial backoff between LLM retries,
	// doubling per attempt.
	// Default: 200ms
	LLMRetryBackoff time.Duration

	// LLMMaxConcurrent caps in-flight LLM calls. 0 disables the limit.
	// Default: 4
	LLMMaxConcurrent int

	// LLMRatePerSecond caps LLM call rate across the process.
	// 0 disables rate limiting.
	// Default: 5
	LLMRatePerSecond float64

	// CacheTTL is how long routed decisions stay cached. 0 disables caching.
	// Default: 5m
	CacheTTL time.Duration

	// CacheMaxSize bounds the decision cache entry count.
	// Default: 1000
	CacheMaxSize int
}

// DefaultRouterConfig returns sensible defaults for production use.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PatternThreshold:  0.8,
		SemanticThreshold: 0.75,
		LLMThreshold:      0.5,
		RouteTimeout:      10 * time.Second,
		LLMTimeout:        5 * time.Second,
		LLMMaxRetries:     2,
		LLMRetryBackoff:   200 * time.Millisecond,
		LLMMaxConcurrent:  4,
		LLMRatePerSecond:  5,
		CacheTTL:          5 * time.Minute,
		CacheMaxSize:      1000,
	}
}

// Validate checks configuration invariants.
func (c RouterConfig) Validate() error {
	for name, v := range map[string]float64{
		"pattern_threshold":  c.PatternThreshold,
		"semantic_threshold": c.SemanticThreshold,
		"llm_threshold":      c.LLMThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0.0, 1.0], got %v", name, v)
		}
	}
	if c.RouteTimeout <= 0 {
		return errors.New("route_timeout must be positive")
	}
	if c.LLMTimeout <= 0 {
		return errors.New("llm_timeout must be positive")
	}
	if c.LLMMaxRetries < 0 {
		return errors.New("llm_max_retries must not be negative")
	}
	if c.CacheTTL > 0 && c.CacheMaxSize <= 0 {
		return errors.New("cache_max_size must be positive when caching is enabled")
	}
	return nil
}
