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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hybridflow/services/hybrid/statestore"
)

func newTestSync(t *testing.T) (*Synchronizer, statestore.Store) {
	t.Helper()
	store := statestore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultSyncConfig()
	cfg.LockWait = 500 * time.Millisecond
	cfg.LockLease = 2 * time.Second
	s, err := NewSynchronizer(store, NewMapper(DefaultMapperConfig()), NewResolver(), cfg,
		slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	require.NoError(t, err)
	return s, store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestLoadCreatesLazily(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	hc, err := s.Load(ctx, "ctx-1", ParadigmConversational)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hc.Version)
	assert.Equal(t, StatusSynced, hc.SyncStatus)
	assert.Equal(t, ParadigmConversational, hc.PrimaryParadigm)

	// Second load returns the stored copy, not a new one.
	again, err := s.Load(ctx, "ctx-1", ParadigmWorkflow)
	require.NoError(t, err)
	assert.Equal(t, ParadigmConversational, again.PrimaryParadigm)
}

func TestPeekMissingContext(t *testing.T) {
	s, _ := newTestSync(t)
	_, err := s.Peek(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestSyncPropagatesVariablesBothWays(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	hc, err := s.Load(ctx, "ctx-vars", ParadigmConversational)
	require.NoError(t, err)
	hc.ConversationalState = &ConversationalState{
		SessionID: "ctx-vars",
		Variables: map[string]any{"customer_id": "C-42", "region": "us-east"},
	}
	_, err = s.Commit(ctx, hc)
	require.NoError(t, err)

	res, err := s.Sync(ctx, "ctx-vars", ParadigmConversational, SourceWins)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)
	assert.Equal(t, 2, res.Applied)

	after, err := s.Peek(ctx, "ctx-vars")
	require.NoError(t, err)
	require.NotNil(t, after.WorkflowState)
	vars := DecodeCheckpointVariables(after.WorkflowState.CheckpointPayload)
	assert.Equal(t, "C-42", vars["customer_id"])
	assert.Equal(t, "us-east", vars["region"])
	assert.Equal(t, vars, after.SyncBase)
}

func TestSyncConcurrentCommitsSequentialVersions(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	hc, err := s.Load(ctx, "ctx-race", ParadigmConversational)
	require.NoError(t, err)
	hc.ConversationalState = &ConversationalState{
		SessionID: "ctx-race",
		Variables: map[string]any{"step": "invoice"},
		ToolCallHistory: []ToolCallRecord{
			{ID: "tc-1", ToolName: "send_invoice", Outcome: "succeeded", OccurredAt: time.Now()},
		},
	}
	_, err = s.Commit(ctx, hc)
	require.NoError(t, err)
	base, err := s.Peek(ctx, "ctx-race")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Sync(ctx, "ctx-race", ParadigmConversational, SourceWins)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	after, err := s.Peek(ctx, "ctx-race")
	require.NoError(t, err)
	assert.Equal(t, base.Version+2, after.Version)

	// The tool call propagated exactly once despite two syncs.
	count := 0
	for _, rec := range after.WorkflowState.ExecutionHistory {
		if rec.ID == "tc-1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSyncManualSuspendsWithoutCommitting(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	hc, err := s.Load(ctx, "ctx-conflict", ParadigmConversational)
	require.NoError(t, err)
	// Both sides diverged from an empty base on the same key.
	hc.ConversationalState = &ConversationalState{
		SessionID: "ctx-conflict",
		Variables: map[string]any{"owner": "alice"},
	}
	hc.WorkflowState = &WorkflowState{
		WorkflowID:        "ctx-conflict",
		CheckpointPayload: EncodeCheckpointVariables(map[string]any{"owner": "bob"}),
	}
	_, err = s.Commit(ctx, hc)
	require.NoError(t, err)
	before, err := s.Peek(ctx, "ctx-conflict")
	require.NoError(t, err)

	res, err := s.Sync(ctx, "ctx-conflict", ParadigmConversational, Manual)
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "variables.owner", res.Conflicts[0].Path)
	assert.False(t, res.Conflicts[0].Resolved)

	// Nothing committed: version and stored values are untouched.
	after, err := s.Peek(ctx, "ctx-conflict")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, "bob", DecodeCheckpointVariables(after.WorkflowState.CheckpointPayload)["owner"])

	// Re-syncing with a decisive strategy commits.
	res, err = s.Sync(ctx, "ctx-conflict", ParadigmConversational, SourceWins)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)
	after, err = s.Peek(ctx, "ctx-conflict")
	require.NoError(t, err)
	assert.Equal(t, "alice", DecodeCheckpointVariables(after.WorkflowState.CheckpointPayload)["owner"])
	assert.Equal(t, "alice", after.ConversationalState.Variables["owner"])
}

func TestSyncTargetOnlyChangeStands(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	hc, err := s.Load(ctx, "ctx-target", ParadigmConversational)
	require.NoError(t, err)
	hc.SyncBase = map[string]any{"status": "open"}
	hc.ConversationalState = &ConversationalState{
		SessionID: "ctx-target",
		Variables: map[string]any{"status": "open"},
	}
	hc.WorkflowState = &WorkflowState{
		WorkflowID:        "ctx-target",
		CheckpointPayload: EncodeCheckpointVariables(map[string]any{"status": "closed"}),
	}
	_, err = s.Commit(ctx, hc)
	require.NoError(t, err)

	res, err := s.Sync(ctx, "ctx-target", ParadigmConversational, SourceWins)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)
	assert.Empty(t, res.Conflicts)

	after, err := s.Peek(ctx, "ctx-target")
	require.NoError(t, err)
	assert.Equal(t, "closed", after.ConversationalState.Variables["status"])
}

func TestSyncLockTimeout(t *testing.T) {
	s, store := newTestSync(t)
	ctx := context.Background()

	_, err := s.Load(ctx, "ctx-locked", ParadigmConversational)
	require.NoError(t, err)

	lockKey := statestore.LockKey(statestore.Key("hybrid", "context", "ctx-locked"))
	ok, err := store.AcquireLock(ctx, lockKey, 0, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = store.ReleaseLock(ctx, lockKey) }()

	_, err = s.Sync(ctx, "ctx-locked", ParadigmConversational, SourceWins)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestSyncBoundedExecutionHistory(t *testing.T) {
	store := statestore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	cfg := DefaultSyncConfig()
	cfg.HistoryMaxEntries = 5
	s, err := NewSynchronizer(store, NewMapper(DefaultMapperConfig()), NewResolver(), cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	hc, err := s.Load(ctx, "ctx-hist", ParadigmConversational)
	require.NoError(t, err)
	cs := &ConversationalState{SessionID: "ctx-hist", Variables: map[string]any{}}
	for i := 1; i <= 8; i++ {
		cs.ToolCallHistory = append(cs.ToolCallHistory, ToolCallRecord{
			ID:         fmt.Sprintf("tc-%d", i),
			ToolName:   "lookup",
			Outcome:    "succeeded",
			OccurredAt: time.Now(),
		})
	}
	hc.ConversationalState = cs
	_, err = s.Commit(ctx, hc)
	require.NoError(t, err)

	_, err = s.Sync(ctx, "ctx-hist", ParadigmConversational, SourceWins)
	require.NoError(t, err)

	after, err := s.Peek(ctx, "ctx-hist")
	require.NoError(t, err)
	require.Len(t, after.WorkflowState.ExecutionHistory, 5)
	// Oldest entries evicted, newest kept.
	assert.Equal(t, "tc-4", after.WorkflowState.ExecutionHistory[0].ID)
	assert.Equal(t, "tc-8", after.WorkflowState.ExecutionHistory[4].ID)
}

func TestAppendBoundedEvictsOldest(t *testing.T) {
	var list []int
	for i := 1; i <= 101; i++ {
		list = appendBounded(list, i, 100)
	}
	require.Len(t, list, 100)
	assert.Equal(t, 2, list[0])
	assert.Equal(t, 101, list[99])
}

func TestCommitDetectsStaleVersion(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	hc, err := s.Load(ctx, "ctx-stale", ParadigmConversational)
	require.NoError(t, err)
	stale := *hc

	_, err = s.Commit(ctx, hc)
	require.NoError(t, err)

	_, err = s.Commit(ctx, &stale)
	assert.ErrorIs(t, err, ErrContention)
}

func TestRollbackIsIdempotent(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	hc, err := s.Load(ctx, "ctx-rb", ParadigmConversational)
	require.NoError(t, err)
	hc.ConversationalState = &ConversationalState{
		SessionID: "ctx-rb",
		Variables: map[string]any{"phase": "draft"},
	}
	v2, err := s.Commit(ctx, hc)
	require.NoError(t, err)

	hc.ConversationalState.Variables["phase"] = "review"
	_, err = s.Commit(ctx, hc)
	require.NoError(t, err)

	res, err := s.Rollback(ctx, "ctx-rb", v2)
	require.NoError(t, err)
	restored, err := s.Peek(ctx, "ctx-rb")
	require.NoError(t, err)
	assert.Equal(t, res.Version, restored.Version)
	assert.Equal(t, "draft", restored.ConversationalState.Variables["phase"])

	// Rolling back to the same version again yields the same state,
	// just one version later.
	res2, err := s.Rollback(ctx, "ctx-rb", v2)
	require.NoError(t, err)
	assert.Equal(t, res.Version+1, res2.Version)
	again, err := s.Peek(ctx, "ctx-rb")
	require.NoError(t, err)
	assert.Equal(t, "draft", again.ConversationalState.Variables["phase"])
}

func TestRollbackUnknownVersion(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	hc, err := s.Load(ctx, "ctx-rb-miss", ParadigmConversational)
	require.NoError(t, err)
	_, err = s.Commit(ctx, hc)
	require.NoError(t, err)

	_, err = s.Rollback(ctx, "ctx-rb-miss", 999)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestMapperOverlayAndCompaction(t *testing.T) {
	m := NewMapper(MapperConfig{MaxTurns: 4, MaxHistoryEntries: 100})

	ws := &WorkflowState{
		WorkflowID: "wf-1",
		StepIndex:  3,
		TotalSteps: 7,
	}
	for i := 1; i <= 10; i++ {
		ws.ExecutionHistory = append(ws.ExecutionHistory, ExecutionRecord{
			ID:         fmt.Sprintf("ex-%d", i),
			StepName:   fmt.Sprintf("step %d", i),
			Outcome:    "succeeded",
			OccurredAt: time.Date(2025, 6, i, 0, 0, 0, 0, time.UTC),
		})
	}
	ws.CheckpointPayload = EncodeCheckpointVariables(map[string]any{"order_id": "O-9"})

	overlay, vars, turns := m.StructuredToConversational(ws)
	assert.Contains(t, overlay, "wf-1")
	assert.Contains(t, overlay, "step 3 of 7")
	assert.Equal(t, "O-9", vars["order_id"])

	// 10 entries into 4 turns: one compaction marker plus the 3 newest.
	require.Len(t, turns, 4)
	assert.True(t, turns[0].Compaction)
	assert.Contains(t, turns[0].Content, "7 earlier")
	assert.Contains(t, turns[3].Content, "step 10")
}

func TestMapperRoundTripPreservesVariables(t *testing.T) {
	m := NewMapper(DefaultMapperConfig())
	cs := &ConversationalState{
		SessionID: "s-1",
		Variables: map[string]any{"a": "1", "b": float64(2)},
	}
	checkpoint, _ := m.ConversationalToStructured(cs)
	assert.Equal(t, cs.Variables, DecodeCheckpointVariables(checkpoint))
}

func TestDecodeCheckpointToleratesGarbage(t *testing.T) {
	assert.Empty(t, DecodeCheckpointVariables(nil))
	assert.Empty(t, DecodeCheckpointVariables([]byte("{broken")))
	assert.Empty(t, DecodeCheckpointVariables([]byte(`[1,2,3]`)))
}

func TestResolverStrategies(t *testing.T) {
	r := NewResolver()
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	base := Conflict{Path: "variables.x", SourceValue: "src", TargetValue: "tgt"}

	tests := []struct {
		name     string
		strategy Strategy
		src, tgt time.Time
		resolved bool
		want     any
	}{
		{"source wins", SourceWins, older, newer, true, "src"},
		{"target wins", TargetWins, older, newer, true, "tgt"},
		{"last write source", LastWriteWins, newer, older, true, "src"},
		{"last write target", LastWriteWins, older, newer, true, "tgt"},
		{"last write tie favors source", LastWriteWins, older, older, true, "src"},
		{"manual declines", Manual, older, newer, false, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Resolve(base, tc.strategy, tc.src, tc.tgt)
			assert.Equal(t, tc.resolved, got.Resolved)
			if tc.resolved {
				assert.Equal(t, tc.want, got.ResolvedValue)
			}
		})
	}
}

func TestResolverMergeMaps(t *testing.T) {
	r := NewResolver()
	now := time.Now()
	got := r.Resolve(Conflict{
		Path:        "variables.prefs",
		SourceValue: map[string]any{"theme": "dark", "lang": "en"},
		TargetValue: map[string]any{"theme": "light", "tz": "UTC"},
	}, Merge, now, now)
	require.True(t, got.Resolved)
	merged, ok := got.ResolvedValue.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dark", merged["theme"])
	assert.Equal(t, "en", merged["lang"])
	assert.Equal(t, "UTC", merged["tz"])
}
