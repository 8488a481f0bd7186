// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
	"github.com/AleutianAI/hybridflow/services/hybrid/intent"
	"github.com/AleutianAI/hybridflow/services/hybrid/statestore"
	"github.com/AleutianAI/hybridflow/services/hybrid/tools"
)

// mockStructured advances the step index and optionally requests a tool.
type mockStructured struct {
	cb       ToolCallback
	requests []tools.Invocation
	steps    int
}

func (m *mockStructured) ExecuteStructuredStep(ctx context.Context, ws *bridge.WorkflowState) (*bridge.WorkflowState, []tools.Invocation, error) {
	m.steps++
	out := *ws
	out.StepIndex++
	if out.TotalSteps == 0 {
		out.TotalSteps = 3
	}
	return &out, m.requests, nil
}

func (m *mockStructured) RegisterToolCallback(cb ToolCallback) { m.cb = cb }

// mockConversational echoes the input and stores it as a variable.
type mockConversational struct {
	cb    ToolCallback
	turns int
}

func (m *mockConversational) ExecuteConversationalTurn(ctx context.Context, cs *bridge.ConversationalState, input string) (*bridge.ConversationalState, string, []tools.Invocation, error) {
	m.turns++
	out := *cs
	if out.Variables == nil {
		out.Variables = map[string]any{}
	}
	out.Variables["last_input"] = input
	return &out, "ack: " + input, nil, nil
}

func (m *mockConversational) RegisterToolCallback(cb ToolCallback) { m.cb = cb }

// backdate rewrites a context record with a stale idle clock, bypassing
// the synchronizer so the timestamps stay stale.
func backdate(t *testing.T, f *fixture, contextID string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	key := statestore.Key("hybrid", "context", contextID)
	val, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	hc, err := f.syncer.Peek(ctx, contextID)
	require.NoError(t, err)
	hc.LastActiveAt = time.Now().Add(-age)
	hc.UpdatedAt = hc.LastActiveAt
	hc.Version = val.Version + 1
	raw, err := json.Marshal(hc)
	require.NoError(t, err)
	_, err = f.store.Put(ctx, key, raw, val.Version)
	require.NoError(t, err)
}

type fixture struct {
	orch   *Orchestrator
	store  statestore.Store
	syncer *bridge.Synchronizer
	wf     *mockStructured
	conv   *mockConversational
}

func newFixture(t *testing.T, maxActive int64) *fixture {
	t.Helper()
	store := statestore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	syncer, err := bridge.NewSynchronizer(store, bridge.NewMapper(bridge.DefaultMapperConfig()),
		bridge.NewResolver(), bridge.DefaultSyncConfig(), nil)
	require.NoError(t, err)

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.ToolFunc{
		ToolName: "notify",
		Desc:     "sends a notification",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"sent": true}, nil
		},
	}))
	exec, err := tools.NewExecutor(reg, nil, syncer, tools.DefaultExecutorConfig(), nil)
	require.NoError(t, err)

	// Pattern-only router keeps routing deterministic in tests.
	matcher, err := intent.NewPatternMatcher(intent.DefaultPatternRules())
	require.NoError(t, err)
	router, err := intent.NewRouter(matcher, nil, nil, intent.DefaultRouterConfig(), nil)
	require.NoError(t, err)

	wf := &mockStructured{}
	conv := &mockConversational{}
	cfg := DefaultConfig()
	cfg.MaxActive = maxActive
	orch, err := New(router, syncer, exec, wf, conv,
		NewAdmission(store, cfg.Namespace, cfg.MaxActive), cfg, nil)
	require.NoError(t, err)

	return &fixture{orch: orch, store: store, syncer: syncer, wf: wf, conv: conv}
}

func TestHandleInputConversational(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	resp, err := f.orch.HandleInput(ctx, "ctx-1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, intent.ModeConversational, resp.Mode)
	assert.Equal(t, "ack: hello there", resp.Reply)
	assert.Equal(t, bridge.StatusSynced, resp.SyncStatus)
	assert.Equal(t, 1, f.conv.turns)
	assert.Equal(t, 0, f.wf.steps)

	hc, err := f.syncer.Peek(ctx, "ctx-1")
	require.NoError(t, err)
	require.NotNil(t, hc.ConversationalState)
	assert.Equal(t, "hello there", hc.ConversationalState.Variables["last_input"])
	// One user and one assistant turn were recorded.
	require.Len(t, hc.ConversationalState.TurnHistory, 2)
	assert.Equal(t, "user", hc.ConversationalState.TurnHistory[0].Role)
	assert.Equal(t, "assistant", hc.ConversationalState.TurnHistory[1].Role)
	// The variable crossed into the workflow checkpoint via the sync.
	require.NotNil(t, hc.WorkflowState)
	vars := bridge.DecodeCheckpointVariables(hc.WorkflowState.CheckpointPayload)
	assert.Equal(t, "hello there", vars["last_input"])
}

func TestHandleInputWorkflow(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	resp, err := f.orch.HandleInput(ctx, "ctx-2", "The migration failed, please restart it")
	require.NoError(t, err)
	assert.Equal(t, intent.ModeWorkflow, resp.Mode)
	assert.Equal(t, intent.TierPattern, resp.Tier)
	assert.GreaterOrEqual(t, resp.Confidence, 0.8)
	assert.Equal(t, 1, f.wf.steps)
	assert.Equal(t, 0, f.conv.turns)

	hc, err := f.syncer.Peek(ctx, "ctx-2")
	require.NoError(t, err)
	require.NotNil(t, hc.WorkflowState)
	assert.Equal(t, 1, hc.WorkflowState.StepIndex)
	assert.Equal(t, bridge.ParadigmWorkflow, hc.PrimaryParadigm)
}

func TestHandleInputExecutesToolRequests(t *testing.T) {
	f := newFixture(t, 0)
	f.wf.requests = []tools.Invocation{{ToolName: "notify"}}
	ctx := context.Background()

	_, err := f.orch.HandleInput(ctx, "ctx-3", "the migration failed again")
	require.NoError(t, err)

	hc, err := f.syncer.Peek(ctx, "ctx-3")
	require.NoError(t, err)
	found := false
	for _, rec := range hc.WorkflowState.ExecutionHistory {
		if rec.ToolName == "notify" {
			found = true
			assert.Equal(t, string(tools.StatusSucceeded), rec.Outcome)
		}
	}
	assert.True(t, found, "tool request should be recorded in execution history")
}

func TestHandleInputAdmissionBackpressure(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Fill the single slot manually, as a concurrent request would.
	require.NoError(t, f.orch.admission.Admit(ctx))
	defer f.orch.admission.Release(ctx)

	_, err := f.orch.HandleInput(ctx, "ctx-4", "hello")
	assert.ErrorIs(t, err, ErrAdmissionFull)

	// Releasing the slot clears the backpressure.
	f.orch.admission.Release(ctx)
	require.NoError(t, f.orch.admission.Admit(ctx))
}

func TestAdmissionCounts(t *testing.T) {
	store := statestore.NewMemoryStore()
	defer store.Close()
	a := NewAdmission(store, "hybrid", 2)
	ctx := context.Background()

	require.NoError(t, a.Admit(ctx))
	require.NoError(t, a.Admit(ctx))
	err := a.Admit(ctx)
	assert.ErrorIs(t, err, ErrAdmissionFull)

	n, err := a.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	a.Release(ctx)
	n, err = a.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReaperExpiresIdleContexts(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.orch.HandleInput(ctx, "ctx-old", "hello")
	require.NoError(t, err)
	_, err = f.orch.HandleInput(ctx, "ctx-fresh", "hello again")
	require.NoError(t, err)

	// Backdate one context past the TTL. Commit refreshes the idle clock,
	// so rewrite the raw record instead.
	backdate(t, f, "ctx-old", 2*time.Hour)

	reaper := NewReaper(f.store, ReaperConfig{
		Namespace: "hybrid",
		IdleTTL:   time.Hour,
		Interval:  time.Minute,
	})
	reaped, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, err = f.syncer.Peek(ctx, "ctx-old")
	assert.ErrorIs(t, err, bridge.ErrContextNotFound)
	_, err = f.syncer.Peek(ctx, "ctx-fresh")
	assert.NoError(t, err)
}

func TestReaperSkipsLockedContexts(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.orch.HandleInput(ctx, "ctx-busy", "hello")
	require.NoError(t, err)

	backdate(t, f, "ctx-busy", 2*time.Hour)
	key := statestore.Key("hybrid", "context", "ctx-busy")

	// A held lock marks the context as mid-sync.
	ok, err := f.store.AcquireLock(ctx, statestore.LockKey(key), 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	reaper := NewReaper(f.store, ReaperConfig{IdleTTL: time.Hour, Interval: time.Minute})
	reaped, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	_, err = f.syncer.Peek(ctx, "ctx-busy")
	assert.NoError(t, err)
}
