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
	"sync"

	"golang.org/x/sync/errgroup"
)

// catalogWarmConcurrency is the number of parallel embedding calls during
// warm-up. 10 concurrent requests saturates Ollama without overwhelming it.
const catalogWarmConcurrency = 10

// LabeledUtterance is one catalog example with its known mode.
type LabeledUtterance struct {
	// Text is the example utterance.
	Text string `yaml:"text" json:"text"`

	// Mode is the paradigm this example belongs to.
	Mode Mode `yaml:"mode" json:"mode"`
}

// CatalogMatch is a nearest-neighbor hit against the catalog.
type CatalogMatch struct {
	// Utterance is the matched example text.
	Utterance string

	// Mode is the example's labeled paradigm.
	Mode Mode

	// Similarity is the cosine similarity in [0.0, 1.0].
	Similarity float64
}

// Catalog scores a query vector against labeled example utterances.
type Catalog interface {
	// Nearest returns the best match for the query vector, or ok=false
	// when the catalog is empty or unavailable.
	Nearest(ctx context.Context, queryVec []float32) (CatalogMatch, bool, error)
}

// DefaultCatalogUtterances returns the built-in labeled examples.
// Deployments replace them with domain-specific catalogs via configuration.
func DefaultCatalogUtterances() []LabeledUtterance {
	return []LabeledUtterance{
		{Text: "run the monthly billing workflow", Mode: ModeWorkflow},
		{Text: "restart the failed data migration", Mode: ModeWorkflow},
		{Text: "generate the quarterly compliance report", Mode: ModeWorkflow},
		{Text: "sync customer records to the CRM", Mode: ModeWorkflow},
		{Text: "what does this error message mean", Mode: ModeConversational},
		{Text: "explain how invoice approval works", Mode: ModeConversational},
		{Text: "thanks, that answered my question", Mode: ModeConversational},
		{Text: "help me fix the broken import step by step", Mode: ModeHybrid},
		{Text: "walk me through setting up the integration", Mode: ModeHybrid},
		{Text: "investigate why the export is slow and fix it", Mode: ModeHybrid},
	}
}

// MemoryCatalog holds labeled utterance vectors in process memory.
//
// # Description
//
// Embeds every labeled example once during Warm() with bounded
// concurrency, then answers Nearest() with a linear cosine scan. Linear
// scan is the right shape here: catalogs hold tens to low hundreds of
// examples, far below the break-even point for an index.
//
// If warm-up fails entirely the catalog stays empty and Nearest reports
// ok=false, which the semantic tier treats as a miss rather than an error.
//
// # Thread Safety
//
// Safe for concurrent use after Warm() completes.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries []catalogEntry
	warmed  bool

	embedder Embedder
	logger   *slog.Logger
}

type catalogEntry struct {
	utterance LabeledUtterance
	vector    []float32
}

// NewMemoryCatalog creates an unwarmed catalog.
func NewMemoryCatalog(embedder Embedder, logger *slog.Logger) *MemoryCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryCatalog{embedder: embedder, logger: logger}
}

// Warm embeds every labeled example.
//
// Description:
//
//	Calls the embedder in parallel (up to catalogWarmConcurrency). An
//	individual example failing to embed is logged and skipped; it simply
//	never matches. Warm is not safe to call concurrently; call once at
//	service startup.
//
// Outputs:
//
//	error - Non-nil only when the embedding endpoint is completely
//	unreachable for the whole batch.
func (c *MemoryCatalog) Warm(ctx context.Context, utterances []LabeledUtterance) error {
	if len(utterances) == 0 {
		return nil
	}

	c.logger.Info("utterance catalog: starting warm-up",
		slog.Int("utterance_count", len(utterances)),
	)

	resultCh := make(chan catalogEntry, len(utterances))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, catalogWarmConcurrency)

	for _, u := range utterances {
		utt := u
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			vec, err := c.embedder.Embed(gctx, utt.Text)
			if err != nil {
				c.logger.Warn("utterance catalog: failed to embed example",
					slog.String("text", utt.Text),
					slog.String("error", err.Error()),
				)
				// Individual failure is not fatal.
				return nil
			}
			resultCh <- catalogEntry{utterance: utt, vector: vec}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("utterance catalog warm-up: %w", err)
	}
	close(resultCh)

	c.mu.Lock()
	for e := range resultCh {
		c.entries = append(c.entries, e)
	}
	c.warmed = len(c.entries) > 0
	embedded := len(c.entries)
	c.mu.Unlock()

	c.logger.Info("utterance catalog: warm-up complete",
		slog.Int("embedded", embedded),
		slog.Int("requested", len(utterances)),
	)
	return nil
}

// Nearest returns the highest-similarity example for the query vector.
//
// Ties on similarity break lexicographically on the mapped route name,
// then on utterance text, so repeated queries produce stable answers.
func (c *MemoryCatalog) Nearest(_ context.Context, queryVec []float32) (CatalogMatch, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.warmed || len(queryVec) == 0 {
		return CatalogMatch{}, false, nil
	}

	var best CatalogMatch
	found := false
	for _, e := range c.entries {
		sim := float64(dotProduct(queryVec, e.vector))
		if !found || sim > best.Similarity ||
			(sim == best.Similarity && tieRank(e.utterance) < tieRank(LabeledUtterance{
				Text: best.Utterance, Mode: best.Mode,
			})) {
			best = CatalogMatch{
				Utterance:  e.utterance.Text,
				Mode:       e.utterance.Mode,
				Similarity: sim,
			}
			found = true
		}
	}
	if best.Similarity < 0 {
		best.Similarity = 0
	}
	return best, found, nil
}

// tieRank orders equally-similar examples by route name first so a tie
// between two reference utterances resolves to the lexicographically
// first route.
func tieRank(u LabeledUtterance) string {
	return string(u.Mode) + "\x00" + u.Text
}

// Size returns the number of embedded examples.
func (c *MemoryCatalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Ensure MemoryCatalog implements Catalog.
var _ Catalog = (*MemoryCatalog)(nil)
