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
	"strings"
	"sync"
	"time"
)

// decisionCacheEntry wraps a cached decision with its expiry.
type decisionCacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// DecisionCache caches routed decisions by normalized utterance.
//
// # Description
//
// Entries expire after the TTL and the cache is size-bounded: at capacity
// an insert evicts the entry closest to expiry. Normalization is
// lowercase plus whitespace collapse, so trivially reworded repeats of
// the same utterance hit the cache.
//
// # Thread Safety
//
// Safe for concurrent use.
type DecisionCache struct {
	mu      sync.Mutex
	entries map[string]decisionCacheEntry
	ttl     time.Duration
	maxSize int
}

// NewDecisionCache creates a decision cache.
func NewDecisionCache(ttl time.Duration, maxSize int) *DecisionCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DecisionCache{
		entries: make(map[string]decisionCacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// normalizeUtterance produces the cache key form of an utterance.
func normalizeUtterance(utterance string) string {
	return strings.Join(strings.Fields(strings.ToLower(utterance)), " ")
}

// Get returns a cached decision if present and unexpired.
func (c *DecisionCache) Get(utterance string) (Decision, bool) {
	key := normalizeUtterance(utterance)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return Decision{}, false
	}
	d := entry.decision
	d.Cached = true
	return d, true
}

// Set stores a decision, evicting the soonest-to-expire entry at capacity.
func (c *DecisionCache) Set(utterance string, decision Decision) {
	key := normalizeUtterance(utterance)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		var victim string
		var soonest time.Time
		for k, e := range c.entries {
			if victim == "" || e.expiresAt.Before(soonest) {
				victim = k
				soonest = e.expiresAt
			}
		}
		delete(c.entries, victim)
	}

	c.entries[key] = decisionCacheEntry{
		decision:  decision,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Len returns the current entry count.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
