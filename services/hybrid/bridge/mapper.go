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
	"encoding/json"
	"fmt"
	"time"
)

// MapperConfig bounds the histories the mappers produce.
type MapperConfig struct {
	// MaxTurns bounds the compressed turn history produced when mapping
	// workflow state into the conversational shape.
	// Default: 20
	MaxTurns int

	// MaxHistoryEntries bounds the execution-history delta produced when
	// mapping conversational state into the structured shape.
	// Default: 100
	MaxHistoryEntries int
}

// DefaultMapperConfig returns sensible defaults.
func DefaultMapperConfig() MapperConfig {
	return MapperConfig{
		MaxTurns:          20,
		MaxHistoryEntries: 100,
	}
}

// Mapper translates between the two paradigms' state shapes.
//
// # Description
//
// Both directions are pure functions of their input: no I/O, no stored
// state, deterministic output. The canonical exchange currency between
// the shapes is the variable map, carried in ConversationalState.Variables
// on one side and JSON-encoded in WorkflowState.CheckpointPayload on the
// other. Everything outside the variable map maps structurally.
//
// History compression is lossy by design: when workflow execution history
// exceeds MaxTurns, older entries are folded into a single compaction
// marker turn rather than silently dropped.
//
// # Thread Safety
//
// Safe for concurrent use (stateless after construction).
type Mapper struct {
	cfg MapperConfig
}

// NewMapper creates a mapper with the given bounds.
func NewMapper(cfg MapperConfig) *Mapper {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.MaxHistoryEntries <= 0 {
		cfg.MaxHistoryEntries = 100
	}
	return &Mapper{cfg: cfg}
}

// StructuredToConversational maps workflow state into the conversational
// shape.
//
// Outputs:
//
//	overlay - System prompt overlay describing workflow progress.
//	variables - The checkpoint's variable map (the canonical exchange view).
//	turns - Execution history as turns, compacted to MaxTurns with a
//	leading compaction marker when older entries were folded away.
func (m *Mapper) StructuredToConversational(ws *WorkflowState) (overlay string, variables map[string]any, turns []Turn) {
	if ws == nil {
		return "", map[string]any{}, nil
	}

	overlay = fmt.Sprintf("Workflow %s is at step %d of %d.", ws.WorkflowID, ws.StepIndex, ws.TotalSteps)
	if n := len(ws.PendingApprovals); n > 0 {
		overlay += fmt.Sprintf(" %d approval(s) pending.", n)
	}

	variables = DecodeCheckpointVariables(ws.CheckpointPayload)

	turns = m.compressHistory(ws.ExecutionHistory)
	return overlay, variables, turns
}

// ConversationalToStructured maps conversational state into the
// structured shape.
//
// Outputs:
//
//	checkpoint - JSON encoding of the conversation's variable map.
//	delta - Recent tool calls as execution records, bounded to
//	MaxHistoryEntries.
func (m *Mapper) ConversationalToStructured(cs *ConversationalState) (checkpoint json.RawMessage, delta []ExecutionRecord) {
	if cs == nil {
		return EncodeCheckpointVariables(nil), nil
	}

	checkpoint = EncodeCheckpointVariables(cs.Variables)

	start := 0
	if len(cs.ToolCallHistory) > m.cfg.MaxHistoryEntries {
		start = len(cs.ToolCallHistory) - m.cfg.MaxHistoryEntries
	}
	for _, tc := range cs.ToolCallHistory[start:] {
		delta = append(delta, ExecutionRecord{
			ID:         tc.ID,
			StepName:   "conversational tool call",
			ToolName:   tc.ToolName,
			Outcome:    tc.Outcome,
			OccurredAt: tc.OccurredAt,
		})
	}
	return checkpoint, delta
}

// compressHistory converts execution records to turns and folds entries
// beyond the bound into a single compaction marker.
func (m *Mapper) compressHistory(history []ExecutionRecord) []Turn {
	if len(history) == 0 {
		return nil
	}

	if len(history) <= m.cfg.MaxTurns {
		turns := make([]Turn, 0, len(history))
		for _, rec := range history {
			turns = append(turns, recordToTurn(rec))
		}
		return turns
	}

	// Keep the most recent MaxTurns-1 entries and lead with a marker
	// recording how much was folded away, so the truncation leaves a trace.
	kept := history[len(history)-(m.cfg.MaxTurns-1):]
	compacted := len(history) - len(kept)
	turns := make([]Turn, 0, m.cfg.MaxTurns)
	turns = append(turns, Turn{
		Role: "system",
		Content: fmt.Sprintf("[%d earlier execution entries compacted, %s through %s]",
			compacted,
			history[0].OccurredAt.Format(time.RFC3339),
			history[compacted-1].OccurredAt.Format(time.RFC3339)),
		OccurredAt: history[compacted-1].OccurredAt,
		Compaction: true,
	})
	for _, rec := range kept {
		turns = append(turns, recordToTurn(rec))
	}
	return turns
}

func recordToTurn(rec ExecutionRecord) Turn {
	content := fmt.Sprintf("step %q: %s", rec.StepName, rec.Outcome)
	if rec.ToolName != "" {
		content = fmt.Sprintf("step %q (tool %s): %s", rec.StepName, rec.ToolName, rec.Outcome)
	}
	return Turn{
		Role:       "system",
		Content:    content,
		OccurredAt: rec.OccurredAt,
	}
}

// DecodeCheckpointVariables decodes a checkpoint payload's variable map.
// Malformed or empty payloads decode to an empty map, never an error:
// a corrupt checkpoint must not wedge synchronization.
func DecodeCheckpointVariables(payload json.RawMessage) map[string]any {
	vars := map[string]any{}
	if len(payload) == 0 {
		return vars
	}
	if err := json.Unmarshal(payload, &vars); err != nil {
		return map[string]any{}
	}
	return vars
}

// EncodeCheckpointVariables encodes a variable map as a checkpoint payload.
func EncodeCheckpointVariables(vars map[string]any) json.RawMessage {
	if vars == nil {
		vars = map[string]any{}
	}
	data, err := json.Marshal(vars)
	if err != nil {
		// Only unmarshalable values (channels, funcs) can land here, and
		// variables come from JSON in the first place.
		return json.RawMessage(`{}`)
	}
	return data
}
