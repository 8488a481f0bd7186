// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge keeps the two execution paradigms' state models
// consistent through a shared, versioned HybridContext.
//
// The workflow paradigm owns structured multi-step state; the
// conversational paradigm owns turn-based session state. Mappers
// translate between the two shapes, the resolver arbitrates fields both
// sides changed, and the synchronizer commits merged state through the
// state store's compare-and-swap so concurrent workers never overwrite
// each other.
package bridge

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for synchronization outcomes.
var (
	// ErrLockTimeout indicates the per-context lock could not be acquired
	// within the bounded wait. Retryable.
	ErrLockTimeout = errors.New("bridge: lock acquisition timed out")

	// ErrContention indicates the CAS retry budget was exhausted.
	// Retryable with backoff.
	ErrContention = errors.New("bridge: sync retries exhausted under contention")

	// ErrContextNotFound indicates no HybridContext exists for the ID.
	ErrContextNotFound = errors.New("bridge: context not found")

	// ErrSnapshotNotFound indicates no snapshot exists at the requested version.
	ErrSnapshotNotFound = errors.New("bridge: snapshot version not found")
)

// Paradigm identifies one of the two execution models.
type Paradigm string

const (
	// ParadigmWorkflow is the structured multi-step execution model.
	ParadigmWorkflow Paradigm = "workflow"
	// ParadigmConversational is the turn-based dialogue execution model.
	ParadigmConversational Paradigm = "conversational"
)

// Valid reports whether p is a known paradigm.
func (p Paradigm) Valid() bool {
	return p == ParadigmWorkflow || p == ParadigmConversational
}

// SyncStatus is the HybridContext's synchronization state.
type SyncStatus string

const (
	// StatusSynced means the last sync committed cleanly.
	StatusSynced SyncStatus = "synced"
	// StatusPending means changes exist that have not been synced yet.
	StatusPending SyncStatus = "pending"
	// StatusConflict means unresolved conflicts are awaiting manual
	// resolution. Only the Manual strategy produces this status.
	StatusConflict SyncStatus = "conflict"
)

// AgentState is the opaque per-agent payload inside a workflow.
type AgentState struct {
	AgentID string          `json:"agent_id"`
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ApprovalRequest is a pending human approval inside a workflow.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	RequestedAt time.Time `json:"requested_at"`
}

// ExecutionRecord is one entry in a workflow's bounded execution history.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	StepName   string    `json:"step_name"`
	ToolName   string    `json:"tool_name,omitempty"`
	Outcome    string    `json:"outcome"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Turn is one entry in a conversation's bounded turn history.
type Turn struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	OccurredAt time.Time `json:"occurred_at"`

	// Compaction marks a synthetic turn summarizing evicted history.
	Compaction bool `json:"compaction,omitempty"`
}

// ToolCallRecord is one entry in a conversation's bounded tool-call history.
type ToolCallRecord struct {
	ID         string    `json:"id"`
	ToolName   string    `json:"tool_name"`
	Outcome    string    `json:"outcome"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WorkflowState is the structured paradigm's private state shape.
type WorkflowState struct {
	WorkflowID        string                `json:"workflow_id"`
	StepIndex         int                   `json:"step_index"`
	TotalSteps        int                   `json:"total_steps"`
	PerAgentState     map[string]AgentState `json:"per_agent_state,omitempty"`
	CheckpointPayload json.RawMessage       `json:"checkpoint_payload,omitempty"`
	PendingApprovals  []ApprovalRequest     `json:"pending_approvals,omitempty"`
	ExecutionHistory  []ExecutionRecord     `json:"execution_history,omitempty"`
	Metadata          map[string]string     `json:"metadata,omitempty"`
}

// ConversationalState is the conversational paradigm's private state shape.
type ConversationalState struct {
	SessionID           string           `json:"session_id"`
	TurnHistory         []Turn           `json:"turn_history,omitempty"`
	ToolCallHistory     []ToolCallRecord `json:"tool_call_history,omitempty"`
	SystemPromptOverlay string           `json:"system_prompt_overlay,omitempty"`
	Variables           map[string]any   `json:"variables,omitempty"`
	ActiveHookNames     []string         `json:"active_hook_names,omitempty"`
}

// HybridContext is the merged, versioned state bridging both paradigms
// for one (session, workflow) pairing.
//
// Version strictly increases with every committed write. SyncBase holds
// the merged variable view as of the last committed sync; the
// synchronizer diffs both sides against it to tell a clean one-sided
// update from a true conflict.
type HybridContext struct {
	ID                  string               `json:"id"`
	WorkflowState       *WorkflowState       `json:"workflow_state,omitempty"`
	ConversationalState *ConversationalState `json:"conversational_state,omitempty"`
	PrimaryParadigm     Paradigm             `json:"primary_paradigm"`
	SyncStatus          SyncStatus           `json:"sync_status"`
	Version             uint64               `json:"version"`
	SyncBase            map[string]any       `json:"sync_base,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	LastActiveAt        time.Time            `json:"last_active_at"`
}

// Conflict records one field both paradigms changed since the last sync.
// Transient: it exists only for the duration of one sync attempt.
type Conflict struct {
	Path          string   `json:"path"`
	SourceValue   any      `json:"source_value"`
	TargetValue   any      `json:"target_value"`
	Strategy      Strategy `json:"strategy"`
	ResolvedValue any      `json:"resolved_value,omitempty"`
	Resolved      bool     `json:"resolved"`
}

// SyncResult reports the outcome of one Sync or Rollback call.
type SyncResult struct {
	ContextID string     `json:"context_id"`
	Status    SyncStatus `json:"status"`
	Version   uint64     `json:"version"`
	Applied   int        `json:"applied"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Retries   int        `json:"retries"`
}

// appendBounded appends item and enforces the FIFO bound at insertion:
// when the result would exceed max, the oldest entries are evicted.
func appendBounded[T any](list []T, item T, max int) []T {
	if max <= 0 {
		max = 1
	}
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
