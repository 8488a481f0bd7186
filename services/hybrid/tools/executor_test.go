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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
	"github.com/AleutianAI/hybridflow/services/hybrid/statestore"
)

// recordingHook captures post-hook firings.
type recordingHook struct {
	mu      sync.Mutex
	results []Result
}

func (h *recordingHook) Name() string { return "recording" }
func (h *recordingHook) After(ctx context.Context, inv Invocation, res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, res)
}

func (h *recordingHook) last(t *testing.T) Result {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.results)
	return h.results[len(h.results)-1]
}

func echoTool() Tool {
	return ToolFunc{
		ToolName: "echo",
		Desc:     "returns its arguments",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

func newTestExecutor(t *testing.T, gate ApprovalGate, syncer *bridge.Synchronizer, mutate func(*ExecutorConfig)) (*Executor, *recordingHook) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool()))
	require.NoError(t, reg.Register(ToolFunc{
		ToolName: "boom",
		Desc:     "always fails",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend exploded")
		},
	}))
	require.NoError(t, reg.Register(ToolFunc{
		ToolName: "panics",
		Desc:     "panics",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			panic("unexpected nil")
		},
	}))

	cfg := DefaultExecutorConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	exec, err := NewExecutor(reg, gate, syncer, cfg, nil)
	require.NoError(t, err)
	rec := &recordingHook{}
	exec.After(rec)
	return exec, rec
}

func newTestBridge(t *testing.T) *bridge.Synchronizer {
	t.Helper()
	store := statestore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	s, err := bridge.NewSynchronizer(store, bridge.NewMapper(bridge.DefaultMapperConfig()),
		bridge.NewResolver(), bridge.DefaultSyncConfig(), nil)
	require.NoError(t, err)
	return s
}

func TestExecuteSuccess(t *testing.T) {
	exec, rec := newTestExecutor(t, nil, nil, nil)

	res, err := exec.Execute(context.Background(), Invocation{
		ToolName:  "echo",
		Arguments: map[string]any{"msg": "hello"},
		Origin:    bridge.ParadigmConversational,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.NotEmpty(t, res.ExecutionID)
	assert.JSONEq(t, `{"msg":"hello"}`, string(res.Output))
	assert.Equal(t, StatusSucceeded, rec.last(t).Status)
}

func TestExecuteUnknownTool(t *testing.T) {
	exec, rec := newTestExecutor(t, nil, nil, nil)

	res, err := exec.Execute(context.Background(), Invocation{
		ToolName: "ghost",
		Origin:   bridge.ParadigmWorkflow,
	})
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.Equal(t, StatusFailed, res.Status)
	// Post hooks fire even for failures.
	assert.Equal(t, StatusFailed, rec.last(t).Status)
}

func TestExecuteToolError(t *testing.T) {
	exec, _ := newTestExecutor(t, nil, nil, nil)

	res, err := exec.Execute(context.Background(), Invocation{
		ToolName: "boom",
		Origin:   bridge.ParadigmConversational,
	})
	assert.ErrorIs(t, err, ErrToolExecution)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "backend exploded")
}

func TestExecuteCapturesPanic(t *testing.T) {
	exec, rec := newTestExecutor(t, nil, nil, nil)

	res, err := exec.Execute(context.Background(), Invocation{
		ToolName: "panics",
		Origin:   bridge.ParadigmConversational,
	})
	assert.ErrorIs(t, err, ErrToolExecution)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "panicked")
	assert.Equal(t, StatusFailed, rec.last(t).Status)
}

func TestExecuteBlockedByHook(t *testing.T) {
	exec, rec := newTestExecutor(t, nil, nil, nil)
	exec.Use(NewAllowlistHook([]string{"boom"}))

	res, err := exec.Execute(context.Background(), Invocation{
		ToolName: "echo",
		Origin:   bridge.ParadigmConversational,
	})
	assert.ErrorIs(t, err, ErrHookBlocked)
	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, StatusBlocked, rec.last(t).Status)
}

func TestExecuteApprovalApproved(t *testing.T) {
	gate := NewInProcessGate()
	exec, _ := newTestExecutor(t, gate, nil, nil)

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = exec.Execute(context.Background(), Invocation{
			ExecutionID:      "exec-ok",
			ToolName:         "echo",
			Arguments:        map[string]any{"k": "v"},
			Origin:           bridge.ParadigmWorkflow,
			RequiresApproval: true,
		})
	}()

	require.Eventually(t, func() bool {
		return gate.Approve("exec-ok")
	}, 2*time.Second, 10*time.Millisecond)
	<-done

	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
}

func TestExecuteApprovalDenied(t *testing.T) {
	gate := NewInProcessGate()
	exec, _ := newTestExecutor(t, gate, nil, nil)

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = exec.Execute(context.Background(), Invocation{
			ExecutionID:      "exec-no",
			ToolName:         "echo",
			Origin:           bridge.ParadigmWorkflow,
			RequiresApproval: true,
		})
	}()

	require.Eventually(t, func() bool {
		return gate.Deny("exec-no")
	}, 2*time.Second, 10*time.Millisecond)
	<-done

	assert.ErrorIs(t, err, ErrApprovalDenied)
	assert.Equal(t, StatusDenied, res.Status)
}

func TestExecuteApprovalTimeout(t *testing.T) {
	gate := NewInProcessGate()
	exec, rec := newTestExecutor(t, gate, nil, func(c *ExecutorConfig) {
		c.ApprovalWindow = 50 * time.Millisecond
	})

	res, err := exec.Execute(context.Background(), Invocation{
		ToolName:         "echo",
		Origin:           bridge.ParadigmWorkflow,
		RequiresApproval: true,
	})
	assert.ErrorIs(t, err, ErrApprovalTimeout)
	assert.Equal(t, StatusExpired, res.Status)
	// The tool never ran, but post hooks still observed the expiry.
	assert.Equal(t, StatusExpired, rec.last(t).Status)
	assert.Empty(t, gate.Pending())
}

func TestExecuteApprovalRequiredWithoutGate(t *testing.T) {
	exec, _ := newTestExecutor(t, nil, nil, nil)

	res, err := exec.Execute(context.Background(), Invocation{
		ToolName:         "echo",
		Origin:           bridge.ParadigmWorkflow,
		RequiresApproval: true,
	})
	assert.ErrorIs(t, err, ErrApprovalDenied)
	assert.Equal(t, StatusDenied, res.Status)
}

func TestExecuteCancellation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(ToolFunc{
		ToolName: "slow",
		Desc:     "waits for ctx",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	exec, err := NewExecutor(reg, nil, nil, DefaultExecutorConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := exec.Execute(ctx, Invocation{
		ToolName: "slow",
		Origin:   bridge.ParadigmConversational,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestExecutePropagatesResultAcrossParadigms(t *testing.T) {
	syncer := newTestBridge(t)
	exec, _ := newTestExecutor(t, nil, syncer, nil)
	ctx := context.Background()

	res, err := exec.Execute(ctx, Invocation{
		ToolName:  "echo",
		Arguments: map[string]any{"k": "v"},
		Origin:    bridge.ParadigmConversational,
		ContextID: "ctx-prop",
	})
	require.NoError(t, err)

	hc, err := syncer.Peek(ctx, "ctx-prop")
	require.NoError(t, err)
	require.NotNil(t, hc.ConversationalState)
	require.Len(t, hc.ConversationalState.ToolCallHistory, 1)
	assert.Equal(t, res.ExecutionID, hc.ConversationalState.ToolCallHistory[0].ID)

	// The sync carried the call into the workflow execution history.
	require.NotNil(t, hc.WorkflowState)
	found := false
	for _, rec := range hc.WorkflowState.ExecutionHistory {
		if rec.ID == res.ExecutionID {
			found = true
			assert.Equal(t, "echo", rec.ToolName)
		}
	}
	assert.True(t, found)
}

func TestExecuteRecordsWorkflowOrigin(t *testing.T) {
	syncer := newTestBridge(t)
	exec, _ := newTestExecutor(t, nil, syncer, nil)
	ctx := context.Background()

	res, err := exec.Execute(ctx, Invocation{
		ToolName:  "echo",
		Arguments: map[string]any{},
		Origin:    bridge.ParadigmWorkflow,
		ContextID: "ctx-wf",
	})
	require.NoError(t, err)

	hc, err := syncer.Peek(ctx, "ctx-wf")
	require.NoError(t, err)
	require.NotNil(t, hc.WorkflowState)
	require.Len(t, hc.WorkflowState.ExecutionHistory, 1)
	assert.Equal(t, res.ExecutionID, hc.WorkflowState.ExecutionHistory[0].ID)
	assert.Equal(t, string(StatusSucceeded), hc.WorkflowState.ExecutionHistory[0].Outcome)
}

func TestApprovalPolicyHookForcesGate(t *testing.T) {
	gate := NewInProcessGate()
	exec, _ := newTestExecutor(t, gate, nil, func(c *ExecutorConfig) {
		c.ApprovalWindow = 50 * time.Millisecond
	})
	exec.Use(NewApprovalPolicyHook([]string{"echo"}))

	// Not marked for approval, but the policy hook forces the gate and
	// nobody answers.
	res, err := exec.Execute(context.Background(), Invocation{
		ToolName: "echo",
		Origin:   bridge.ParadigmConversational,
	})
	assert.ErrorIs(t, err, ErrApprovalTimeout)
	assert.Equal(t, StatusExpired, res.Status)
}

func TestRegistryDuplicateAndNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool()))
	assert.Error(t, reg.Register(echoTool()))
	require.NoError(t, reg.Register(ToolFunc{ToolName: "alpha", Fn: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }}))
	assert.Equal(t, []string{"alpha", "echo"}, reg.Names())
}

func TestGateApproveUnknownExecution(t *testing.T) {
	gate := NewInProcessGate()
	assert.False(t, gate.Approve("missing"))
	assert.False(t, gate.Deny("missing"))
}
