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
	"fmt"
	"regexp"
	"strings"
)

// PatternRule maps keyword and phrase signals to a mode.
//
// Keywords all have to appear (case-insensitive substring match) for the
// rule to fire. Phrases fire on any single exact-phrase hit. Patterns
// containing regex metacharacters are pre-compiled; plain patterns use
// substring matching, which is an order of magnitude cheaper.
type PatternRule struct {
	// Name identifies the rule in logs and metrics.
	Name string `yaml:"name"`

	// Keywords must ALL be present in the utterance.
	Keywords []string `yaml:"keywords,omitempty"`

	// Phrases fire the rule when ANY one matches.
	Phrases []string `yaml:"phrases,omitempty"`

	// Mode is the paradigm this rule routes to.
	Mode Mode `yaml:"mode"`

	// Confidence is the score reported when the rule fires.
	Confidence float64 `yaml:"confidence"`
}

// compiledRule is a PatternRule with phrases pre-compiled.
type compiledRule struct {
	rule     PatternRule
	keywords []string
	phrases  []compiledPhrase
}

// compiledPhrase holds a phrase alongside its pre-compiled regex
// (nil for substring-only phrases).
type compiledPhrase struct {
	raw   string
	regex *regexp.Regexp
}

// hasRegexMeta reports whether the phrase needs full regex matching.
func hasRegexMeta(s string) bool {
	return strings.ContainsAny(s, `.*+?[](){}|^$\`)
}

// PatternMatcher is the first, cheapest classification tier.
//
// # Description
//
// Evaluates compiled rules in declaration order and returns the first
// match at or above the caller's threshold. All state is read-only after
// construction, so matching allocates nothing on the hot path.
//
// # Thread Safety
//
// Safe for concurrent use.
type PatternMatcher struct {
	rules []compiledRule
}

// NewPatternMatcher compiles the rule set.
//
// Description:
//
//	Validates each rule (known mode, confidence in range, at least one
//	signal) and pre-compiles any phrase containing regex metacharacters.
//
// Inputs:
//
//	rules - Rule set in priority order. May be empty (matcher never fires).
//
// Outputs:
//
//	*PatternMatcher - Ready-to-use matcher.
//	error - Non-nil on an invalid rule or an uncompilable phrase.
func NewPatternMatcher(rules []PatternRule) (*PatternMatcher, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Mode.Valid() {
			return nil, fmt.Errorf("rule %q: unknown mode %q", r.Name, r.Mode)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("rule %q: confidence %v out of range", r.Name, r.Confidence)
		}
		if len(r.Keywords) == 0 && len(r.Phrases) == 0 {
			return nil, fmt.Errorf("rule %q: needs at least one keyword or phrase", r.Name)
		}
		cr := compiledRule{rule: r}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, strings.ToLower(kw))
		}
		for _, p := range r.Phrases {
			cp := compiledPhrase{raw: strings.ToLower(p)}
			if hasRegexMeta(p) {
				re, err := regexp.Compile("(?i)" + p)
				if err != nil {
					return nil, fmt.Errorf("rule %q: compile phrase %q: %w", r.Name, p, err)
				}
				cp.regex = re
			}
			cr.phrases = append(cr.phrases, cp)
		}
		compiled = append(compiled, cr)
	}
	return &PatternMatcher{rules: compiled}, nil
}

// DefaultPatternRules returns the built-in rule set for business
// automation utterances. Operators extend or replace it via configuration.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		{
			Name:       "failure_recovery",
			Keywords:   []string{"failed", "migration"},
			Mode:       ModeWorkflow,
			Confidence: 0.9,
		},
		{
			Name:       "explicit_workflow",
			Phrases:    []string{"run the", "execute the", "start the", "kick off"},
			Mode:       ModeWorkflow,
			Confidence: 0.85,
		},
		{
			Name:       "report_generation",
			Keywords:   []string{"generate", "report"},
			Mode:       ModeWorkflow,
			Confidence: 0.85,
		},
		{
			Name:       "guided_troubleshooting",
			Phrases:    []string{"help me fix", "walk me through", "step by step"},
			Mode:       ModeHybrid,
			Confidence: 0.8,
		},
		{
			Name:       "greeting",
			Phrases:    []string{"^(hi|hello|hey)\\b", "good morning", "good afternoon"},
			Mode:       ModeConversational,
			Confidence: 0.95,
		},
	}
}

// Match evaluates the rules against the utterance.
//
// Description:
//
//	Returns the first rule hit in declaration order, or ok=false when no
//	rule fires. Matching is case-insensitive.
//
// Outputs:
//
//	Decision - Populated with the rule's mode, confidence, and name.
//	bool - Whether any rule fired.
func (m *PatternMatcher) Match(utterance string) (Decision, bool) {
	lower := strings.ToLower(utterance)
	for _, cr := range m.rules {
		if cr.matches(lower, utterance) {
			return Decision{
				Mode:       cr.rule.Mode,
				Confidence: cr.rule.Confidence,
				Tier:       TierPattern,
				Reasoning:  "pattern rule: " + cr.rule.Name,
			}, true
		}
	}
	return Decision{}, false
}

func (cr *compiledRule) matches(lower, original string) bool {
	if len(cr.keywords) > 0 {
		all := true
		for _, kw := range cr.keywords {
			if !strings.Contains(lower, kw) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	for _, p := range cr.phrases {
		if p.regex != nil {
			if p.regex.MatchString(original) {
				return true
			}
		} else if strings.Contains(lower, p.raw) {
			return true
		}
	}
	return false
}
