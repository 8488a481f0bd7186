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
	"fmt"
	"log/slog"
)

// SemanticMatcher is the second classification tier.
//
// # Description
//
// Embeds the utterance and asks the catalog for its nearest labeled
// example. Failures are soft: an embedding or catalog error is logged and
// reported as a miss so the router escalates to the LLM tier instead of
// failing the request.
//
// # Thread Safety
//
// Safe for concurrent use.
type SemanticMatcher struct {
	embedder Embedder
	catalog  Catalog
	logger   *slog.Logger
}

// NewSemanticMatcher creates the semantic tier.
func NewSemanticMatcher(embedder Embedder, catalog Catalog, logger *slog.Logger) *SemanticMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticMatcher{embedder: embedder, catalog: catalog, logger: logger}
}

// Match embeds the utterance and scores it against the catalog.
//
// Outputs:
//
//	Decision - Populated from the nearest labeled example.
//	bool - False on a miss or any soft failure; the caller escalates.
func (m *SemanticMatcher) Match(ctx context.Context, utterance string) (Decision, bool) {
	embedCtx, cancel := context.WithTimeout(ctx, embedQueryTimeout)
	defer cancel()

	vec, err := m.embedder.Embed(embedCtx, utterance)
	if err != nil {
		m.logger.Warn("semantic tier: query embedding failed, escalating",
			slog.String("error", err.Error()),
		)
		return Decision{}, false
	}

	match, ok, err := m.catalog.Nearest(ctx, vec)
	if err != nil {
		m.logger.Warn("semantic tier: catalog lookup failed, escalating",
			slog.String("error", err.Error()),
		)
		return Decision{}, false
	}
	if !ok {
		return Decision{}, false
	}

	return Decision{
		Mode:       match.Mode,
		Confidence: clampConfidence(match.Similarity),
		Tier:       TierSemantic,
		Reasoning:  fmt.Sprintf("nearest example: %q", match.Utterance),
	}, true
}
