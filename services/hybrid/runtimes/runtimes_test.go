// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtimes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
	"github.com/AleutianAI/hybridflow/services/hybrid/llm"
)

type fakeLLM struct {
	lastPrompt string
	reply      string
	err        error
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	f.lastPrompt = prompt
	return f.reply, f.err
}

func TestConversationalRequiresClient(t *testing.T) {
	_, err := NewLLMConversational(nil)
	require.Error(t, err)
}

func TestConversationalBuildsPromptWithOverlay(t *testing.T) {
	fake := &fakeLLM{reply: "  On it.  "}
	rt, err := NewLLMConversational(fake)
	require.NoError(t, err)

	cs := &bridge.ConversationalState{
		SessionID:           "sess-1",
		SystemPromptOverlay: "Workflow onboard-42 is at step 3 of 7.",
		TurnHistory: []bridge.Turn{
			{Role: "user", Content: "where are we?", OccurredAt: time.Now()},
			{Role: "assistant", Content: "step three", OccurredAt: time.Now()},
		},
	}
	_, reply, requests, err := rt.ExecuteConversationalTurn(context.Background(), cs, "continue please")
	require.NoError(t, err)
	assert.Equal(t, "On it.", reply)
	assert.Empty(t, requests)
	assert.Contains(t, fake.lastPrompt, "Workflow onboard-42 is at step 3 of 7.")
	assert.Contains(t, fake.lastPrompt, "user: where are we?")
	assert.Contains(t, fake.lastPrompt, "user: continue please\nassistant:")
}

func TestConversationalBoundsPromptHistory(t *testing.T) {
	fake := &fakeLLM{reply: "ok"}
	rt, err := NewLLMConversational(fake)
	require.NoError(t, err)

	cs := &bridge.ConversationalState{SessionID: "sess-2"}
	for i := 0; i < 20; i++ {
		cs.TurnHistory = append(cs.TurnHistory, bridge.Turn{
			Role: "user", Content: "old message", OccurredAt: time.Now(),
		})
	}
	cs.TurnHistory[len(cs.TurnHistory)-1].Content = "newest message"

	_, _, _, err = rt.ExecuteConversationalTurn(context.Background(), cs, "hi")
	require.NoError(t, err)
	assert.Contains(t, fake.lastPrompt, "newest message")
	assert.LessOrEqual(t, len(fake.lastPrompt), promptTurns*len("user: old message\n")+64)
}

func TestStepSequenceAdvancesAndCompletes(t *testing.T) {
	rt := NewStepSequence()
	ws := &bridge.WorkflowState{WorkflowID: "wf-1", TotalSteps: 2}

	ws, requests, err := rt.ExecuteStructuredStep(context.Background(), ws)
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, 1, ws.StepIndex)
	assert.Equal(t, "running", ws.Metadata["status"])

	ws, _, err = rt.ExecuteStructuredStep(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, 2, ws.StepIndex)
	assert.Equal(t, "completed", ws.Metadata["status"])
	assert.Len(t, ws.ExecutionHistory, 2)
}

func TestStepSequenceEmitsRequestedTool(t *testing.T) {
	rt := NewStepSequence()
	ws := &bridge.WorkflowState{
		WorkflowID: "wf-2",
		TotalSteps: 3,
		Metadata:   map[string]string{"next_tool": "send_invoice"},
	}
	ws, requests, err := rt.ExecuteStructuredStep(context.Background(), ws)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "send_invoice", requests[0].ToolName)
	assert.Equal(t, bridge.ParadigmWorkflow, requests[0].Origin)
	assert.NotContains(t, ws.Metadata, "next_tool")
}
