// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtimes ships the default paradigm runtimes the daemon runs
// when no embedding platform supplies its own. The conversational
// runtime is a thin agent loop over an LLM backend; the structured
// runtime is a step sequencer over the workflow state.
package runtimes

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
	"github.com/AleutianAI/hybridflow/services/hybrid/llm"
	"github.com/AleutianAI/hybridflow/services/hybrid/orchestrator"
	"github.com/AleutianAI/hybridflow/services/hybrid/tools"
)

// promptTurns bounds how much turn history goes into the prompt.
const promptTurns = 8

// LLMConversational runs one dialogue turn per call against an LLM
// backend. The system prompt overlay written by the context bridge is
// prepended, so workflow progress is visible to the model without any
// extra plumbing.
type LLMConversational struct {
	client llm.Client
	cb     orchestrator.ToolCallback
}

// NewLLMConversational creates the runtime. The client is required.
func NewLLMConversational(client llm.Client) (*LLMConversational, error) {
	if client == nil {
		return nil, fmt.Errorf("runtimes: llm client is required")
	}
	return &LLMConversational{client: client}, nil
}

// RegisterToolCallback satisfies orchestrator.ConversationalRuntime.
func (r *LLMConversational) RegisterToolCallback(cb orchestrator.ToolCallback) {
	r.cb = cb
}

// ExecuteConversationalTurn generates the assistant reply for one user
// input. The runtime does not mutate turn history; the orchestrator
// records both sides of the exchange after the call.
func (r *LLMConversational) ExecuteConversationalTurn(ctx context.Context, cs *bridge.ConversationalState,
	input string) (*bridge.ConversationalState, string, []tools.Invocation, error) {

	prompt := r.buildPrompt(cs, input)
	reply, err := r.client.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		return nil, "", nil, fmt.Errorf("conversational turn failed: %w", err)
	}
	return cs, strings.TrimSpace(reply), nil, nil
}

func (r *LLMConversational) buildPrompt(cs *bridge.ConversationalState, input string) string {
	var b strings.Builder
	if cs.SystemPromptOverlay != "" {
		b.WriteString(cs.SystemPromptOverlay)
		b.WriteString("\n\n")
	}
	history := cs.TurnHistory
	if len(history) > promptTurns {
		history = history[len(history)-promptTurns:]
	}
	for _, turn := range history {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString("user: ")
	b.WriteString(input)
	b.WriteString("\nassistant:")
	return b.String()
}

