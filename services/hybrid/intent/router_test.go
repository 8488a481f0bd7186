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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hybridflow/services/hybrid/llm"
)

// mockEmbedder returns canned unit vectors per text; unknown texts get a
// vector orthogonal to everything else.
type mockEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

// mockLLM returns a canned completion.
type mockLLM struct {
	response string
	err      error
	calls    int
}

func (m *mockLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func testConfig() RouterConfig {
	cfg := DefaultRouterConfig()
	cfg.CacheTTL = 0 // most tests want uncached behavior
	cfg.LLMMaxRetries = 0
	cfg.LLMRetryBackoff = time.Millisecond
	cfg.LLMRatePerSecond = 0
	return cfg
}

func TestPatternMatcherFailureRecovery(t *testing.T) {
	m, err := NewPatternMatcher(DefaultPatternRules())
	require.NoError(t, err)

	d, ok := m.Match("The migration failed, can you restart it?")
	require.True(t, ok)
	assert.Equal(t, ModeWorkflow, d.Mode)
	assert.Equal(t, TierPattern, d.Tier)
	assert.GreaterOrEqual(t, d.Confidence, 0.8)
}

func TestPatternMatcherGreetingAndMiss(t *testing.T) {
	m, err := NewPatternMatcher(DefaultPatternRules())
	require.NoError(t, err)

	d, ok := m.Match("Hello there")
	require.True(t, ok)
	assert.Equal(t, ModeConversational, d.Mode)

	// "hi" must match only at the start of the utterance.
	_, ok = m.Match("the shipment arrived")
	assert.False(t, ok)
}

func TestPatternMatcherRejectsBadRules(t *testing.T) {
	_, err := NewPatternMatcher([]PatternRule{{Name: "bad", Mode: "unknown", Keywords: []string{"x"}, Confidence: 0.5}})
	assert.Error(t, err)

	_, err = NewPatternMatcher([]PatternRule{{Name: "bad", Mode: ModeWorkflow, Keywords: []string{"x"}, Confidence: 1.5}})
	assert.Error(t, err)

	_, err = NewPatternMatcher([]PatternRule{{Name: "bad", Mode: ModeWorkflow, Confidence: 0.5}})
	assert.Error(t, err)
}

func TestRouterEmptyInput(t *testing.T) {
	pattern, err := NewPatternMatcher(DefaultPatternRules())
	require.NoError(t, err)
	r, err := NewRouter(pattern, nil, nil, testConfig(), nil)
	require.NoError(t, err)

	_, err = r.Route(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestRouterShortCircuitsOnPattern(t *testing.T) {
	pattern, err := NewPatternMatcher(DefaultPatternRules())
	require.NoError(t, err)

	model := &mockLLM{response: `{"mode":"hybrid","confidence":0.9,"reasoning":"x"}`}
	llmTier, err := NewLLMClassifier(model, testConfig())
	require.NoError(t, err)

	r, err := NewRouter(pattern, nil, llmTier, testConfig(), nil)
	require.NoError(t, err)

	d, err := r.Route(context.Background(), "the nightly migration failed again")
	require.NoError(t, err)
	assert.Equal(t, TierPattern, d.Tier)
	assert.Equal(t, ModeWorkflow, d.Mode)
	assert.Zero(t, model.calls, "pattern hit must not reach the LLM")
}

func TestRouterEscalatesToSemantic(t *testing.T) {
	embedder := &mockEmbedder{vectors: map[string][]float32{
		"run the monthly billing workflow": {1, 0, 0, 0},
		"what does this error message mean": {0, 1, 0, 0},
		"please run monthly billing":        {1, 0, 0, 0},
	}}
	catalog := NewMemoryCatalog(embedder, nil)
	require.NoError(t, catalog.Warm(context.Background(), []LabeledUtterance{
		{Text: "run the monthly billing workflow", Mode: ModeWorkflow},
		{Text: "what does this error message mean", Mode: ModeConversational},
	}))
	require.Equal(t, 2, catalog.Size())

	pattern, err := NewPatternMatcher(nil)
	require.NoError(t, err)
	semantic := NewSemanticMatcher(embedder, catalog, nil)

	r, err := NewRouter(pattern, semantic, nil, testConfig(), nil)
	require.NoError(t, err)

	d, err := r.Route(context.Background(), "please run monthly billing")
	require.NoError(t, err)
	assert.Equal(t, TierSemantic, d.Tier)
	assert.Equal(t, ModeWorkflow, d.Mode)
	assert.InDelta(t, 1.0, d.Confidence, 0.001)
}

func TestRouterEscalatesToLLM(t *testing.T) {
	pattern, err := NewPatternMatcher(nil)
	require.NoError(t, err)

	model := &mockLLM{response: "```json\n{\"mode\":\"hybrid\",\"confidence\":0.82,\"reasoning\":\"guided task\"}\n```"}
	llmTier, err := NewLLMClassifier(model, testConfig())
	require.NoError(t, err)

	r, err := NewRouter(pattern, nil, llmTier, testConfig(), nil)
	require.NoError(t, err)

	d, err := r.Route(context.Background(), "something unusual with fences")
	require.NoError(t, err)
	assert.Equal(t, TierLLM, d.Tier)
	assert.Equal(t, ModeHybrid, d.Mode)
	assert.InDelta(t, 0.82, d.Confidence, 0.001)
}

func TestRouterTerminalFallback(t *testing.T) {
	pattern, err := NewPatternMatcher(nil)
	require.NoError(t, err)

	// Dead embedding service and dead LLM: the request still succeeds.
	embedder := &mockEmbedder{err: errors.New("connection refused")}
	catalog := NewMemoryCatalog(embedder, nil)
	semantic := NewSemanticMatcher(embedder, catalog, nil)

	model := &mockLLM{err: errors.New("model unavailable")}
	llmTier, err := NewLLMClassifier(model, testConfig())
	require.NoError(t, err)

	r, err := NewRouter(pattern, semantic, llmTier, testConfig(), nil)
	require.NoError(t, err)

	d, err := r.Route(context.Background(), "completely novel request")
	require.NoError(t, err)
	assert.Equal(t, TierFallback, d.Tier)
	assert.Equal(t, ModeConversational, d.Mode)
	assert.Zero(t, d.Confidence)
}

func TestRouterLLMBelowThresholdFallsBack(t *testing.T) {
	pattern, err := NewPatternMatcher(nil)
	require.NoError(t, err)

	model := &mockLLM{response: `{"mode":"workflow","confidence":0.3,"reasoning":"unsure"}`}
	llmTier, err := NewLLMClassifier(model, testConfig())
	require.NoError(t, err)

	r, err := NewRouter(pattern, nil, llmTier, testConfig(), nil)
	require.NoError(t, err)

	d, err := r.Route(context.Background(), "ambiguous request")
	require.NoError(t, err)
	assert.Equal(t, TierFallback, d.Tier)
	assert.Equal(t, ModeConversational, d.Mode)
}

func TestRouterCachesDecisions(t *testing.T) {
	pattern, err := NewPatternMatcher(DefaultPatternRules())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.CacheTTL = time.Minute
	cfg.CacheMaxSize = 10
	r, err := NewRouter(pattern, nil, nil, cfg, nil)
	require.NoError(t, err)

	first, err := r.Route(context.Background(), "the migration failed")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Case and spacing differences still hit the cache.
	second, err := r.Route(context.Background(), "  The   MIGRATION failed ")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Mode, second.Mode)
}

func TestDecisionCacheBounds(t *testing.T) {
	cache := NewDecisionCache(time.Minute, 2)
	cache.Set("a", Decision{Mode: ModeWorkflow})
	cache.Set("b", Decision{Mode: ModeHybrid})
	cache.Set("c", Decision{Mode: ModeConversational})
	assert.Equal(t, 2, cache.Len())
}

func TestDecisionCacheExpiry(t *testing.T) {
	cache := NewDecisionCache(20*time.Millisecond, 10)
	cache.Set("a", Decision{Mode: ModeWorkflow})
	_, ok := cache.Get("a")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = cache.Get("a")
	assert.False(t, ok)
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"plain", `{"mode":"workflow","confidence":0.9,"reasoning":"r"}`, "workflow", false},
		{"fenced", "```json\n{\"mode\":\"hybrid\",\"confidence\":0.7,\"reasoning\":\"r\"}\n```", "hybrid", false},
		{"with preamble", `Sure! {"mode":"conversational","confidence":0.6,"reasoning":"r"} hope that helps`, "conversational", false},
		{"no json", "I cannot classify this", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClassification(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Mode)
		})
	}
}

func TestLLMClassifierRejectsUnknownMode(t *testing.T) {
	model := &mockLLM{response: `{"mode":"banana","confidence":0.9,"reasoning":"r"}`}
	c, err := NewLLMClassifier(model, testConfig())
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), "anything")
	assert.Error(t, err)
}

func TestCatalogNearestTieBreaksOnRouteName(t *testing.T) {
	// Both examples embed to the same vector, so similarity ties exactly
	// and the match must resolve to the lexicographically first route.
	embedder := &mockEmbedder{vectors: map[string][]float32{
		"a run the deploy pipeline": {1, 0, 0, 0},
		"zz what does this mean":    {1, 0, 0, 0},
		"tie query":                 {1, 0, 0, 0},
	}}
	catalog := NewMemoryCatalog(embedder, nil)
	require.NoError(t, catalog.Warm(context.Background(), []LabeledUtterance{
		{Text: "a run the deploy pipeline", Mode: ModeWorkflow},
		{Text: "zz what does this mean", Mode: ModeConversational},
	}))

	vec, err := embedder.Embed(context.Background(), "tie query")
	require.NoError(t, err)

	match, found, err := catalog.Nearest(context.Background(), vec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ModeConversational, match.Mode)
	assert.Equal(t, "zz what does this mean", match.Utterance)
}
