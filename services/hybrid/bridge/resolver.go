// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"fmt"
	"time"
)

// Strategy selects how a true conflict is arbitrated.
type Strategy string

const (
	// SourceWins takes the syncing paradigm's value.
	SourceWins Strategy = "source_wins"
	// TargetWins keeps the target paradigm's value.
	TargetWins Strategy = "target_wins"
	// LastWriteWins takes whichever side committed more recently.
	LastWriteWins Strategy = "last_write_wins"
	// Merge combines both values where the shapes allow it; scalar
	// conflicts fall back to LastWriteWins.
	Merge Strategy = "merge"
	// Manual refuses to arbitrate: the sync suspends and surfaces the
	// conflicts to the caller without committing.
	Manual Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case SourceWins, TargetWins, LastWriteWins, Merge, Manual:
		return true
	}
	return false
}

// Resolver arbitrates conflicting field values.
//
// # Description
//
// Resolve is a pure decision function: given one conflict and the two
// sides' write times it picks a value, or declines for Manual. It holds
// no state and performs no I/O.
//
// # Thread Safety
//
// Safe for concurrent use.
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve arbitrates one conflict.
//
// Inputs:
//
//	c - The conflict. SourceValue/TargetValue must be populated.
//	strategy - Arbitration strategy. Manual returns resolved=false.
//	sourceTime, targetTime - Each side's last write time, used by
//	LastWriteWins and by Merge's scalar fallback.
//
// Outputs:
//
//	Conflict - The input with ResolvedValue and Resolved populated.
func (r *Resolver) Resolve(c Conflict, strategy Strategy, sourceTime, targetTime time.Time) Conflict {
	c.Strategy = strategy

	switch strategy {
	case SourceWins:
		c.ResolvedValue = c.SourceValue
		c.Resolved = true
	case TargetWins:
		c.ResolvedValue = c.TargetValue
		c.Resolved = true
	case LastWriteWins:
		c.ResolvedValue = r.lastWrite(c, sourceTime, targetTime)
		c.Resolved = true
	case Merge:
		c.ResolvedValue = r.merge(c, sourceTime, targetTime)
		c.Resolved = true
	case Manual:
		c.Resolved = false
	default:
		// Unknown strategies behave like Manual rather than guessing.
		c.Resolved = false
	}
	return c
}

// lastWrite picks the more recently written side. Ties favor the source:
// the sync was initiated on its behalf.
func (r *Resolver) lastWrite(c Conflict, sourceTime, targetTime time.Time) any {
	if targetTime.After(sourceTime) {
		return c.TargetValue
	}
	return c.SourceValue
}

// merge combines both values where the shapes allow it.
//
// Maps merge key-wise with source keys winning on overlap. Slices
// concatenate target-then-source with exact duplicates dropped. Any
// other shape pairing has no meaningful merge and falls back to
// LastWriteWins.
func (r *Resolver) merge(c Conflict, sourceTime, targetTime time.Time) any {
	if sm, ok := c.SourceValue.(map[string]any); ok {
		if tm, ok := c.TargetValue.(map[string]any); ok {
			merged := make(map[string]any, len(sm)+len(tm))
			for k, v := range tm {
				merged[k] = v
			}
			for k, v := range sm {
				merged[k] = v
			}
			return merged
		}
	}
	if ss, ok := c.SourceValue.([]any); ok {
		if ts, ok := c.TargetValue.([]any); ok {
			seen := make(map[string]bool, len(ts)+len(ss))
			merged := make([]any, 0, len(ts)+len(ss))
			for _, v := range append(append([]any{}, ts...), ss...) {
				key := fmt.Sprintf("%v", v)
				if !seen[key] {
					seen[key] = true
					merged = append(merged, v)
				}
			}
			return merged
		}
	}
	return r.lastWrite(c, sourceTime, targetTime)
}
