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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/hybridflow/services/hybrid/statestore"
)

// =============================================================================
// OTel Tracer
// =============================================================================

var syncTracer = otel.Tracer("hybrid.bridge.synchronizer")

// SyncConfig configures the synchronizer.
type SyncConfig struct {
	// Namespace prefixes every store key for this deployment.
	// Default: "hybrid"
	Namespace string

	// LockWait bounds how long Sync waits for the per-context lock.
	// Default: 2s
	LockWait time.Duration

	// LockLease is the lock lease granted while syncing. The lock
	// self-expires after this even if the holder crashes.
	// Default: 15s
	LockLease time.Duration

	// MaxRetries bounds CAS retries inside one Sync call.
	// Default: 5
	MaxRetries int

	// MaxSnapshots bounds the per-context snapshot history.
	// Default: 20
	MaxSnapshots int

	// HistoryMaxEntries bounds workflow execution history.
	// Default: 100
	HistoryMaxEntries int
}

// DefaultSyncConfig returns sensible defaults for production use.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Namespace:         "hybrid",
		LockWait:          2 * time.Second,
		LockLease:         15 * time.Second,
		MaxRetries:        5,
		MaxSnapshots:      20,
		HistoryMaxEntries: 100,
	}
}

// Synchronizer orchestrates versioned synchronization of HybridContexts.
//
// # Description
//
// Every write path follows lock → read → map → diff → resolve → CAS
// write → unlock. The per-context lock serializes syncs for one context;
// contexts never contend with each other. CAS failures retry from the
// read step up to MaxRetries, then surface ErrContention. The lock is
// always released, even on failure paths.
//
// Reads (Load) take no lock: the last committed version is always a
// consistent snapshot, and stale reads are acceptable between commits.
//
// # Thread Safety
//
// Safe for concurrent use across goroutines and across worker processes
// sharing the same state store.
type Synchronizer struct {
	store    statestore.Store
	mapper   *Mapper
	resolver *Resolver
	cfg      SyncConfig
	logger   *slog.Logger
}

// NewSynchronizer creates a synchronizer.
//
// Inputs:
//
//	store - State store backend. Must not be nil.
//	mapper - State shape mapper. Must not be nil.
//	resolver - Conflict resolver. Must not be nil.
//	cfg - Configuration. Zero-value fields take defaults.
//	logger - Structured logger. Nil uses slog.Default().
func NewSynchronizer(store statestore.Store, mapper *Mapper, resolver *Resolver, cfg SyncConfig, logger *slog.Logger) (*Synchronizer, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if mapper == nil {
		return nil, errors.New("mapper must not be nil")
	}
	if resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "hybrid"
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 20
	}
	if cfg.HistoryMaxEntries <= 0 {
		cfg.HistoryMaxEntries = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:    store,
		mapper:   mapper,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// contextKey returns the store key for a context ID.
func (s *Synchronizer) contextKey(contextID string) string {
	return statestore.Key(s.cfg.Namespace, "context", contextID)
}

// Load reads the current HybridContext, creating it lazily on first use.
//
// Description:
//
//	Lock-free read of the last committed version. When no context exists
//	for the ID, a fresh one is created at version 1 with the given
//	primary paradigm. Creation races between workers are settled by the
//	store's create-if-absent semantics: the loser re-reads the winner's
//	context.
func (s *Synchronizer) Load(ctx context.Context, contextID string, primary Paradigm) (*HybridContext, error) {
	key := s.contextKey(contextID)

	val, err := s.store.Get(ctx, key)
	if err == nil {
		return decodeContext(val.Data)
	}
	if !errors.Is(err, statestore.ErrKeyNotFound) {
		return nil, fmt.Errorf("load context %s: %w", contextID, err)
	}

	now := time.Now()
	hc := &HybridContext{
		ID:              contextID,
		PrimaryParadigm: primary,
		SyncStatus:      StatusSynced,
		Version:         1,
		SyncBase:        map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
		LastActiveAt:    now,
	}
	data, err := json.Marshal(hc)
	if err != nil {
		return nil, fmt.Errorf("encode new context %s: %w", contextID, err)
	}
	if _, err := s.store.Put(ctx, key, data, 0); err != nil {
		if errors.Is(err, statestore.ErrVersionMismatch) {
			// Another worker created it first; their copy wins.
			val, gerr := s.store.Get(ctx, key)
			if gerr != nil {
				return nil, fmt.Errorf("load context %s after create race: %w", contextID, gerr)
			}
			return decodeContext(val.Data)
		}
		return nil, fmt.Errorf("create context %s: %w", contextID, err)
	}
	return hc, nil
}

// Peek reads the current HybridContext without creating it.
func (s *Synchronizer) Peek(ctx context.Context, contextID string) (*HybridContext, error) {
	val, err := s.store.Get(ctx, s.contextKey(contextID))
	if errors.Is(err, statestore.ErrKeyNotFound) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("peek context %s: %w", contextID, err)
	}
	return decodeContext(val.Data)
}

// Sync propagates one paradigm's state into the other.
//
// Description:
//
//	Acquires the per-context lock, then runs the bounded CAS loop: read,
//	map the source shape into the target shape, three-way diff both
//	sides against the last sync base, apply clean updates, arbitrate
//	true conflicts with the strategy, commit with compare-and-swap.
//
//	The Manual strategy never commits when true conflicts exist: the
//	conflict list is returned with Status Conflict and the stored
//	context stays untouched, so the caller can re-sync with a decisive
//	strategy after a human chooses.
//
// Inputs:
//
//	ctx - Bounds the whole call, including lock wait.
//	contextID - The context to sync.
//	source - The paradigm whose state is being propagated.
//	strategy - Conflict arbitration strategy.
//
// Outputs:
//
//	*SyncResult - Populated on every nil error AND on Manual suspension.
//	error - ErrLockTimeout, ErrContention, ErrContextNotFound, or a
//	store failure.
func (s *Synchronizer) Sync(ctx context.Context, contextID string, source Paradigm, strategy Strategy) (*SyncResult, error) {
	start := time.Now()
	ctx, span := syncTracer.Start(ctx, "Synchronizer.Sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("context_id", contextID),
		attribute.String("source", string(source)),
		attribute.String("strategy", string(strategy)),
	)

	if !source.Valid() {
		return nil, fmt.Errorf("unknown source paradigm %q", source)
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	key := s.contextKey(contextID)
	lockKey := statestore.LockKey(key)

	ok, err := s.store.AcquireLock(ctx, lockKey, s.cfg.LockWait, s.cfg.LockLease)
	if err != nil {
		span.SetStatus(codes.Error, "lock acquisition failed")
		return nil, fmt.Errorf("acquire lock for %s: %w", contextID, err)
	}
	if !ok {
		span.SetStatus(codes.Error, "lock timeout")
		syncTotal.WithLabelValues("lock_timeout").Inc()
		return nil, fmt.Errorf("context %s: %w", contextID, ErrLockTimeout)
	}
	defer func() {
		// Release on a fresh context: the caller's ctx may already be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := s.store.ReleaseLock(releaseCtx, lockKey); rerr != nil {
			s.logger.Warn("failed to release context lock",
				slog.String("context_id", contextID),
				slog.String("error", rerr.Error()),
			)
		}
	}()

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		val, err := s.store.Get(ctx, key)
		if errors.Is(err, statestore.ErrKeyNotFound) {
			return nil, ErrContextNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read context %s: %w", contextID, err)
		}
		hc, err := decodeContext(val.Data)
		if err != nil {
			return nil, err
		}

		result, merged := s.computeSync(hc, source, strategy)
		result.Retries = attempt

		if result.Status == StatusConflict {
			// Manual suspension: surface conflicts without committing.
			span.SetAttributes(attribute.Int("unresolved_conflicts", len(result.Conflicts)))
			syncTotal.WithLabelValues("manual_suspend").Inc()
			return result, nil
		}

		newVersion, err := s.commit(ctx, key, merged, hc.Version)
		if errors.Is(err, statestore.ErrVersionMismatch) {
			lastErr = err
			s.logger.Debug("sync lost version race, retrying",
				slog.String("context_id", contextID),
				slog.Uint64("expected_version", hc.Version),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commit context %s: %w", contextID, err)
		}

		result.Version = newVersion
		span.SetAttributes(
			attribute.Int("applied", result.Applied),
			attribute.Int("retries", attempt),
		)
		syncTotal.WithLabelValues("committed").Inc()
		syncLatency.Observe(time.Since(start).Seconds())
		return result, nil
	}

	syncTotal.WithLabelValues("contention").Inc()
	span.SetStatus(codes.Error, "retries exhausted")
	return nil, fmt.Errorf("context %s after %d attempts: %w (last: %v)",
		contextID, s.cfg.MaxRetries, ErrContention, lastErr)
}

// computeSync maps, diffs, and resolves without touching the store.
//
// Returns the result and the merged context ready to commit. A Manual
// suspension is signaled by result.Status == StatusConflict; merged is
// nil in that case.
func (s *Synchronizer) computeSync(hc *HybridContext, source Paradigm, strategy Strategy) (*SyncResult, *HybridContext) {
	result := &SyncResult{ContextID: hc.ID, Status: StatusSynced}

	sourceVars, targetVars := s.variableViews(hc, source)
	base := hc.SyncBase
	if base == nil {
		base = map[string]any{}
	}

	merged := make(map[string]any, len(targetVars)+len(sourceVars))
	for k, v := range targetVars {
		merged[k] = v
	}

	now := time.Now()
	for k, sv := range sourceVars {
		tv, inTarget := targetVars[k]
		if inTarget && reflect.DeepEqual(sv, tv) {
			continue
		}
		bv, inBase := base[k]
		sourceChanged := !inBase || !reflect.DeepEqual(sv, bv)
		targetChanged := inTarget && (!inBase || !reflect.DeepEqual(tv, bv))

		switch {
		case sourceChanged && targetChanged:
			conflict := s.resolver.Resolve(Conflict{
				Path:        "variables." + k,
				SourceValue: sv,
				TargetValue: tv,
			}, strategy, now, hc.UpdatedAt)
			conflictTotal.WithLabelValues(string(strategy), conflictOutcome(conflict.Resolved)).Inc()
			result.Conflicts = append(result.Conflicts, conflict)
			if conflict.Resolved {
				merged[k] = conflict.ResolvedValue
				result.Applied++
			}
		case sourceChanged:
			// Clean one-sided update.
			merged[k] = sv
			result.Applied++
		default:
			// Only the target moved; its value stands.
		}
	}

	for _, c := range result.Conflicts {
		if !c.Resolved {
			result.Status = StatusConflict
			result.Version = hc.Version
			return result, nil
		}
	}

	out := *hc
	out.SyncBase = merged
	out.SyncStatus = StatusSynced
	s.applyMerged(&out, source, merged)
	return result, &out
}

// variableViews extracts the canonical variable maps for the sync
// direction: the source's view first, the target's second.
func (s *Synchronizer) variableViews(hc *HybridContext, source Paradigm) (map[string]any, map[string]any) {
	var workflowVars map[string]any
	if hc.WorkflowState != nil {
		workflowVars = DecodeCheckpointVariables(hc.WorkflowState.CheckpointPayload)
	} else {
		workflowVars = map[string]any{}
	}
	var convVars map[string]any
	if hc.ConversationalState != nil && hc.ConversationalState.Variables != nil {
		convVars = hc.ConversationalState.Variables
	} else {
		convVars = map[string]any{}
	}
	if source == ParadigmConversational {
		return convVars, workflowVars
	}
	return workflowVars, convVars
}

// applyMerged writes the merged variable view into both paradigm states
// so a committed sync is visible from either side, and carries history
// across in the sync direction.
func (s *Synchronizer) applyMerged(hc *HybridContext, source Paradigm, merged map[string]any) {
	now := time.Now()
	hc.UpdatedAt = now
	hc.LastActiveAt = now

	if hc.WorkflowState == nil {
		hc.WorkflowState = &WorkflowState{WorkflowID: hc.ID}
	}
	hc.WorkflowState.CheckpointPayload = EncodeCheckpointVariables(merged)

	if hc.ConversationalState == nil {
		// First sync into the conversational side: bootstrap its view
		// from the workflow shape, compacted history included.
		overlay, _, turns := s.mapper.StructuredToConversational(hc.WorkflowState)
		hc.ConversationalState = &ConversationalState{
			SessionID:           hc.ID,
			SystemPromptOverlay: overlay,
			TurnHistory:         turns,
		}
	}
	hc.ConversationalState.Variables = merged

	switch source {
	case ParadigmConversational:
		// Carry tool calls the workflow side has not recorded yet.
		_, delta := s.mapper.ConversationalToStructured(hc.ConversationalState)
		seen := make(map[string]bool, len(hc.WorkflowState.ExecutionHistory))
		for _, rec := range hc.WorkflowState.ExecutionHistory {
			seen[rec.ID] = true
		}
		for _, rec := range delta {
			if rec.ID != "" && seen[rec.ID] {
				continue
			}
			hc.WorkflowState.ExecutionHistory = appendBounded(
				hc.WorkflowState.ExecutionHistory, rec, s.cfg.HistoryMaxEntries)
		}
	case ParadigmWorkflow:
		overlay, _, _ := s.mapper.StructuredToConversational(hc.WorkflowState)
		hc.ConversationalState.SystemPromptOverlay = overlay
	}
}

// commit CAS-writes the context and pushes a snapshot of the new version.
func (s *Synchronizer) commit(ctx context.Context, key string, hc *HybridContext, expected uint64) (uint64, error) {
	hc.Version = expected + 1
	data, err := json.Marshal(hc)
	if err != nil {
		return 0, fmt.Errorf("encode context: %w", err)
	}
	newVersion, err := s.store.Put(ctx, key, data, expected)
	if err != nil {
		return 0, err
	}

	// Snapshot failures are logged, not fatal: the commit already
	// happened and rollback history is best-effort by design.
	if serr := s.store.PushSnapshot(ctx, statestore.SnapshotKey(key), statestore.Snapshot{
		Version: newVersion,
		Data:    data,
		TakenAt: time.Now(),
	}, s.cfg.MaxSnapshots); serr != nil {
		s.logger.Warn("failed to push context snapshot",
			slog.String("key", key),
			slog.String("error", serr.Error()),
		)
	}
	return newVersion, nil
}

// Commit writes a caller-modified context with compare-and-swap.
//
// Description:
//
//	The orchestrator mutates a loaded context during paradigm execution
//	and commits it here. The expected version is the one carried by hc;
//	a mismatch surfaces as ErrContention so the caller re-loads and
//	reapplies. Takes the per-context lock for the write.
func (s *Synchronizer) Commit(ctx context.Context, hc *HybridContext) (uint64, error) {
	if hc == nil {
		return 0, errors.New("context must not be nil")
	}
	key := s.contextKey(hc.ID)
	lockKey := statestore.LockKey(key)

	ok, err := s.store.AcquireLock(ctx, lockKey, s.cfg.LockWait, s.cfg.LockLease)
	if err != nil {
		return 0, fmt.Errorf("acquire lock for %s: %w", hc.ID, err)
	}
	if !ok {
		return 0, fmt.Errorf("context %s: %w", hc.ID, ErrLockTimeout)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := s.store.ReleaseLock(releaseCtx, lockKey); rerr != nil {
			s.logger.Warn("failed to release context lock",
				slog.String("context_id", hc.ID),
				slog.String("error", rerr.Error()),
			)
		}
	}()

	expected := hc.Version
	out := *hc
	out.UpdatedAt = time.Now()
	out.LastActiveAt = out.UpdatedAt
	newVersion, err := s.commit(ctx, key, &out, expected)
	if errors.Is(err, statestore.ErrVersionMismatch) {
		return 0, fmt.Errorf("context %s at version %d: %w", hc.ID, expected, ErrContention)
	}
	if err != nil {
		return 0, err
	}
	hc.Version = newVersion
	return newVersion, nil
}

// Rollback restores a previous version from the snapshot history.
//
// Description:
//
//	The restore is itself a new versioned write: history is never
//	mutated in place, so a rollback is auditable and re-rollback-able.
//	Calling Rollback twice with the same target version yields the same
//	state both times (the second call is a no-op modulo version bump).
func (s *Synchronizer) Rollback(ctx context.Context, contextID string, toVersion uint64) (*SyncResult, error) {
	ctx, span := syncTracer.Start(ctx, "Synchronizer.Rollback")
	defer span.End()
	span.SetAttributes(
		attribute.String("context_id", contextID),
		attribute.Int64("to_version", int64(toVersion)),
	)

	key := s.contextKey(contextID)
	lockKey := statestore.LockKey(key)

	ok, err := s.store.AcquireLock(ctx, lockKey, s.cfg.LockWait, s.cfg.LockLease)
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", contextID, err)
	}
	if !ok {
		return nil, fmt.Errorf("context %s: %w", contextID, ErrLockTimeout)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := s.store.ReleaseLock(releaseCtx, lockKey); rerr != nil {
			s.logger.Warn("failed to release context lock",
				slog.String("context_id", contextID),
				slog.String("error", rerr.Error()),
			)
		}
	}()

	snaps, err := s.store.Snapshots(ctx, statestore.SnapshotKey(key))
	if err != nil {
		return nil, fmt.Errorf("read snapshots for %s: %w", contextID, err)
	}
	var target *statestore.Snapshot
	for i := range snaps {
		if snaps[i].Version == toVersion {
			target = &snaps[i]
			break
		}
	}
	if target == nil {
		span.SetStatus(codes.Error, "snapshot not found")
		return nil, fmt.Errorf("context %s version %d: %w", contextID, toVersion, ErrSnapshotNotFound)
	}

	restored, err := decodeContext(target.Data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", toVersion, err)
	}

	val, err := s.store.Get(ctx, key)
	if errors.Is(err, statestore.ErrKeyNotFound) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read context %s: %w", contextID, err)
	}
	cur, err := decodeContext(val.Data)
	if err != nil {
		return nil, err
	}

	restored.CreatedAt = cur.CreatedAt
	restored.SyncStatus = StatusSynced
	newVersion, err := s.commit(ctx, key, restored, cur.Version)
	if errors.Is(err, statestore.ErrVersionMismatch) {
		// The lock serializes writers; a mismatch here means a writer
		// bypassed the lock. Surface it rather than masking it.
		return nil, fmt.Errorf("context %s: %w", contextID, ErrContention)
	}
	if err != nil {
		return nil, fmt.Errorf("commit rollback for %s: %w", contextID, err)
	}

	rollbackTotal.Inc()
	return &SyncResult{
		ContextID: contextID,
		Status:    StatusSynced,
		Version:   newVersion,
	}, nil
}

// Touch refreshes the context's idle clock without a full sync.
func (s *Synchronizer) Touch(ctx context.Context, contextID string) error {
	hc, err := s.Peek(ctx, contextID)
	if err != nil {
		return err
	}
	hc.LastActiveAt = time.Now()
	_, err = s.Commit(ctx, hc)
	return err
}

// decodeContext unmarshals a stored HybridContext.
func decodeContext(data []byte) (*HybridContext, error) {
	var hc HybridContext
	if err := json.Unmarshal(data, &hc); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &hc, nil
}
