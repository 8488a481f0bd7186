// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ApprovalGate decides whether a gated invocation may proceed.
//
// Await blocks until a decision arrives or the window elapses. The
// executor maps the outcomes: false means denied, a timeout surfaces
// as ErrApprovalTimeout. Both are terminal.
type ApprovalGate interface {
	// Await requests a decision for the invocation and blocks for it.
	Await(ctx context.Context, inv Invocation, window time.Duration) (bool, error)
}

// InProcessGate is a channel-based gate for single-process deployments
// and tests. Decisions arrive via Approve and Deny, keyed by execution
// ID.
//
// # Thread Safety
//
// Safe for concurrent use.
type InProcessGate struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewInProcessGate creates an empty gate.
func NewInProcessGate() *InProcessGate {
	return &InProcessGate{pending: make(map[string]chan bool)}
}

// Await registers the invocation and blocks for a decision.
func (g *InProcessGate) Await(ctx context.Context, inv Invocation, window time.Duration) (bool, error) {
	decision := make(chan bool, 1)

	g.mu.Lock()
	if _, exists := g.pending[inv.ExecutionID]; exists {
		g.mu.Unlock()
		return false, fmt.Errorf("approval already pending for execution %s", inv.ExecutionID)
	}
	g.pending[inv.ExecutionID] = decision
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, inv.ExecutionID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case approved := <-decision:
		return approved, nil
	case <-timer.C:
		return false, fmt.Errorf("execution %s after %s: %w", inv.ExecutionID, window, ErrApprovalTimeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Approve resolves a pending request positively. Returns false when no
// request with that execution ID is waiting.
func (g *InProcessGate) Approve(executionID string) bool {
	return g.resolve(executionID, true)
}

// Deny resolves a pending request negatively.
func (g *InProcessGate) Deny(executionID string) bool {
	return g.resolve(executionID, false)
}

// Pending returns the execution IDs currently awaiting a decision.
func (g *InProcessGate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	return ids
}

func (g *InProcessGate) resolve(executionID string, approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.pending[executionID]
	if !ok {
		return false
	}
	// Buffered send; Await may already have timed out and gone away.
	select {
	case ch <- approved:
		return true
	default:
		return false
	}
}
