// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator coordinates one user input through intent
// classification, paradigm execution, tool calls, and context
// synchronization.
//
// The orchestrator owns no execution semantics itself. Workflow engines
// and agent loops plug in behind the runtime adapter interfaces; the
// orchestrator routes between them and keeps the shared hybrid context
// consistent.
package orchestrator

import (
	"context"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
	"github.com/AleutianAI/hybridflow/services/hybrid/tools"
)

// ToolCallback lets a runtime execute a tool mid-run through the
// unified pipeline. The result is already recorded on the hybrid
// context when the callback returns.
type ToolCallback func(ctx context.Context, inv tools.Invocation) (*tools.Result, error)

// StructuredRuntime adapts a workflow engine.
//
// ExecuteStructuredStep advances the workflow by one step. The runtime
// returns the updated state plus any tool requests it wants executed;
// the orchestrator runs those through the unified pipeline after
// committing the state.
type StructuredRuntime interface {
	ExecuteStructuredStep(ctx context.Context, ws *bridge.WorkflowState) (*bridge.WorkflowState, []tools.Invocation, error)

	// RegisterToolCallback gives the runtime a way to call tools
	// synchronously during a step. Called once at wiring time.
	RegisterToolCallback(cb ToolCallback)
}

// ConversationalRuntime adapts an agent loop.
type ConversationalRuntime interface {
	// ExecuteConversationalTurn runs one turn against the user input and
	// returns the updated state, the assistant reply, and any tool
	// requests to execute.
	ExecuteConversationalTurn(ctx context.Context, cs *bridge.ConversationalState, input string) (*bridge.ConversationalState, string, []tools.Invocation, error)

	RegisterToolCallback(cb ToolCallback)
}
