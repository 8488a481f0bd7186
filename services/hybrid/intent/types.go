// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent routes incoming user utterances to an execution paradigm.
//
// Classification escalates through three tiers, cheapest first:
//
//	pattern  → compiled keyword/phrase rules (~µs)
//	semantic → embedding similarity against a labeled utterance catalog (~ms)
//	llm      → full language-model classification (~s)
//
// Each tier short-circuits the pipeline when its confidence clears the
// tier's threshold. When every tier fails or stays below threshold, the
// router emits a safe conversational decision rather than an error, so a
// misbehaving classifier can never take the session down.
package intent

import (
	"errors"
	"time"
)

// ErrEmptyInput indicates the utterance was empty or whitespace-only.
var ErrEmptyInput = errors.New("intent: empty input")

// Mode is the execution paradigm a decision routes to.
type Mode string

const (
	// ModeWorkflow routes to the structured, plan-driven paradigm.
	ModeWorkflow Mode = "workflow"
	// ModeConversational routes to the free-form dialogue paradigm.
	ModeConversational Mode = "conversational"
	// ModeHybrid interleaves structured steps with dialogue.
	ModeHybrid Mode = "hybrid"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeWorkflow, ModeConversational, ModeHybrid:
		return true
	}
	return false
}

// Tier identifies which classification tier produced a decision.
type Tier string

const (
	// TierPattern is the compiled rule tier.
	TierPattern Tier = "pattern"
	// TierSemantic is the embedding-similarity tier.
	TierSemantic Tier = "semantic"
	// TierLLM is the language-model tier.
	TierLLM Tier = "llm"
	// TierFallback marks the terminal safe default, not a real tier.
	TierFallback Tier = "fallback"
)

// Decision is the outcome of routing one utterance.
type Decision struct {
	// Mode is the selected execution paradigm.
	Mode Mode `json:"mode"`

	// Confidence is the deciding tier's score in [0.0, 1.0].
	Confidence float64 `json:"confidence"`

	// Tier names the tier whose answer was accepted.
	Tier Tier `json:"tier"`

	// Reasoning is a short human-readable justification.
	Reasoning string `json:"reasoning"`

	// Cached reports whether the decision came from the decision cache.
	Cached bool `json:"cached,omitempty"`

	// Duration is wall time spent routing, including escalations.
	Duration time.Duration `json:"duration"`
}

// clampConfidence forces a score into [0.0, 1.0]. Classifier backends
// occasionally report values slightly outside the range.
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
