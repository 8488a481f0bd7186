// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools provides the unified tool execution pipeline shared by
// both execution paradigms.
//
// Every tool call, whether requested by a workflow step or a
// conversational turn, flows through the same Executor: pre-execution
// hooks, an optional human approval gate, the tool itself, and
// post-execution hooks that always run. Results are recorded on the
// shared context so the other paradigm observes them after the next
// sync.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrToolNotFound means the invocation named an unregistered tool.
	ErrToolNotFound = errors.New("tools: tool not found")

	// ErrHookBlocked means a pre-execution hook vetoed the invocation.
	ErrHookBlocked = errors.New("tools: blocked by pre-execution hook")

	// ErrApprovalDenied means a human explicitly rejected the invocation.
	// Terminal: the executor never retries a denial.
	ErrApprovalDenied = errors.New("tools: approval denied")

	// ErrApprovalTimeout means no decision arrived within the approval
	// window. Terminal, same as a denial.
	ErrApprovalTimeout = errors.New("tools: approval timed out")

	// ErrToolExecution wraps a failure raised by the tool itself.
	ErrToolExecution = errors.New("tools: tool execution failed")
)

// Status is the terminal disposition of one invocation.
type Status string

const (
	// StatusSucceeded means the tool ran and returned a result.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the tool ran and returned an error.
	StatusFailed Status = "failed"
	// StatusBlocked means a pre-execution hook vetoed the call.
	StatusBlocked Status = "blocked"
	// StatusDenied means a human rejected the call at the approval gate.
	StatusDenied Status = "denied"
	// StatusExpired means the approval window elapsed with no decision.
	StatusExpired Status = "expired"
	// StatusCancelled means the caller's context was cancelled mid-flight.
	StatusCancelled Status = "cancelled"
)

// Invocation is one request to run a tool.
type Invocation struct {
	// ExecutionID uniquely identifies this invocation for auditing and
	// approval correlation. Filled by the executor when empty.
	ExecutionID string `json:"executionId"`

	// ToolName is the registered name of the tool to run.
	ToolName string `json:"toolName"`

	// Arguments are the tool's input parameters.
	Arguments map[string]any `json:"arguments"`

	// Origin is the paradigm that requested the call.
	Origin bridge.Paradigm `json:"origin"`

	// ContextID names the hybrid context this call belongs to. Results
	// are recorded on it and propagated to the other paradigm.
	ContextID string `json:"contextId"`

	// RequiresApproval routes the call through the approval gate before
	// execution. Hooks may force this on.
	RequiresApproval bool `json:"requiresApproval"`
}

// Result is the outcome of one invocation. Exactly one is produced per
// Execute call, whatever the disposition.
type Result struct {
	ExecutionID string          `json:"executionId"`
	ToolName    string          `json:"toolName"`
	Status      Status          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	Duration    time.Duration   `json:"duration"`
}

// Tool is a callable capability.
//
// Execute must honor ctx cancellation. The returned value is JSON
// encoded into the result's Output.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (t ToolFunc) Name() string        { return t.ToolName }
func (t ToolFunc) Description() string { return t.Desc }
func (t ToolFunc) Execute(ctx context.Context, args map[string]any) (any, error) {
	return t.Fn(ctx, args)
}
