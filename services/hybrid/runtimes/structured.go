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
	"fmt"
	"time"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
	"github.com/AleutianAI/hybridflow/services/hybrid/orchestrator"
	"github.com/AleutianAI/hybridflow/services/hybrid/tools"
)

// StepSequence advances a workflow one step per call.
//
// A step may request a tool run by leaving its name in the workflow
// metadata under "next_tool"; the sequencer hands that to the
// orchestrator as a tool request and clears the marker.
type StepSequence struct {
	cb orchestrator.ToolCallback
}

// NewStepSequence creates the runtime.
func NewStepSequence() *StepSequence {
	return &StepSequence{}
}

// RegisterToolCallback satisfies orchestrator.StructuredRuntime.
func (r *StepSequence) RegisterToolCallback(cb orchestrator.ToolCallback) {
	r.cb = cb
}

// ExecuteStructuredStep advances StepIndex and marks completion in the
// workflow metadata once the final step has run.
func (r *StepSequence) ExecuteStructuredStep(_ context.Context,
	ws *bridge.WorkflowState) (*bridge.WorkflowState, []tools.Invocation, error) {

	if ws.TotalSteps <= 0 {
		ws.TotalSteps = 1
	}
	if ws.Metadata == nil {
		ws.Metadata = make(map[string]string)
	}

	var requests []tools.Invocation
	if toolName := ws.Metadata["next_tool"]; toolName != "" {
		requests = append(requests, tools.Invocation{
			ToolName: toolName,
			Origin:   bridge.ParadigmWorkflow,
		})
		delete(ws.Metadata, "next_tool")
	}

	if ws.StepIndex < ws.TotalSteps {
		ws.StepIndex++
	}
	if ws.StepIndex >= ws.TotalSteps {
		ws.Metadata["status"] = "completed"
	} else {
		ws.Metadata["status"] = "running"
	}
	ws.ExecutionHistory = append(ws.ExecutionHistory, bridge.ExecutionRecord{
		ID:         fmt.Sprintf("%s-step-%d", ws.WorkflowID, ws.StepIndex),
		StepName:   fmt.Sprintf("step %d", ws.StepIndex),
		Outcome:    "advanced",
		OccurredAt: time.Now().UTC(),
	})
	return ws, requests, nil
}
