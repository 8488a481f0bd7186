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
	"log/slog"
)

// PreHook runs before a tool executes.
//
// A hook may mutate the invocation (for example forcing
// RequiresApproval on) or veto it by returning an error wrapping
// ErrHookBlocked. Any other error also blocks the call.
type PreHook interface {
	Name() string
	Before(ctx context.Context, inv *Invocation) error
}

// PostHook runs after a tool finishes, whatever the disposition.
// Post hooks observe the result; they cannot change it.
type PostHook interface {
	Name() string
	After(ctx context.Context, inv Invocation, res Result)
}

// =============================================================================
// Built-in hooks
// =============================================================================

// AuditHook logs every invocation and its outcome.
type AuditHook struct {
	Logger *slog.Logger
}

func (h *AuditHook) Name() string { return "audit" }

func (h *AuditHook) Before(ctx context.Context, inv *Invocation) error {
	h.logger().InfoContext(ctx, "tool invocation",
		slog.String("execution_id", inv.ExecutionID),
		slog.String("tool", inv.ToolName),
		slog.String("origin", string(inv.Origin)),
		slog.String("context_id", inv.ContextID),
		slog.Bool("requires_approval", inv.RequiresApproval),
	)
	return nil
}

func (h *AuditHook) After(ctx context.Context, inv Invocation, res Result) {
	h.logger().InfoContext(ctx, "tool result",
		slog.String("execution_id", res.ExecutionID),
		slog.String("tool", res.ToolName),
		slog.String("status", string(res.Status)),
		slog.Float64("duration_seconds", res.Duration.Seconds()),
	)
}

func (h *AuditHook) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// AllowlistHook vetoes any tool not explicitly permitted. An empty
// allowlist permits everything.
type AllowlistHook struct {
	allowed map[string]bool
}

// NewAllowlistHook creates the hook from a list of permitted tool names.
func NewAllowlistHook(names []string) *AllowlistHook {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return &AllowlistHook{allowed: allowed}
}

func (h *AllowlistHook) Name() string { return "allowlist" }

func (h *AllowlistHook) Before(ctx context.Context, inv *Invocation) error {
	if len(h.allowed) == 0 || h.allowed[inv.ToolName] {
		return nil
	}
	return fmt.Errorf("tool %q not in allowlist: %w", inv.ToolName, ErrHookBlocked)
}

// ApprovalPolicyHook forces the approval gate for sensitive tools.
type ApprovalPolicyHook struct {
	sensitive map[string]bool
}

// NewApprovalPolicyHook creates the hook from a list of tool names that
// always require human approval.
func NewApprovalPolicyHook(names []string) *ApprovalPolicyHook {
	sensitive := make(map[string]bool, len(names))
	for _, n := range names {
		sensitive[n] = true
	}
	return &ApprovalPolicyHook{sensitive: sensitive}
}

func (h *ApprovalPolicyHook) Name() string { return "approval_policy" }

func (h *ApprovalPolicyHook) Before(ctx context.Context, inv *Invocation) error {
	if h.sensitive[inv.ToolName] {
		inv.RequiresApproval = true
	}
	return nil
}
