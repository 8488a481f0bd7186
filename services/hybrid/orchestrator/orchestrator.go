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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
	"github.com/AleutianAI/hybridflow/services/hybrid/intent"
	"github.com/AleutianAI/hybridflow/services/hybrid/tools"
)

// =============================================================================
// OTel Tracer
// =============================================================================

var orchTracer = otel.Tracer("hybrid.orchestrator")

// Config configures the orchestrator.
type Config struct {
	// Namespace prefixes admission counters and context keys.
	// Default: "hybrid"
	Namespace string

	// MaxActive bounds concurrent sessions across workers. <= 0 means
	// unlimited.
	// Default: 256
	MaxActive int64

	// MaxTurns bounds the conversational turn history.
	// Default: 20
	MaxTurns int

	// SyncStrategy arbitrates conflicts during the post-turn sync.
	// Default: LastWriteWins
	SyncStrategy bridge.Strategy
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		Namespace:    "hybrid",
		MaxActive:    256,
		MaxTurns:     20,
		SyncStrategy: bridge.LastWriteWins,
	}
}

// Response is the outcome of one handled input.
type Response struct {
	ContextID  string            `json:"contextId"`
	Mode       intent.Mode       `json:"mode"`
	Tier       intent.Tier       `json:"tier"`
	Confidence float64           `json:"confidence"`
	Reply      string            `json:"reply,omitempty"`
	Version    uint64            `json:"version"`
	SyncStatus bridge.SyncStatus `json:"syncStatus"`
}

// Orchestrator routes user input to the right execution paradigm and
// keeps the shared context consistent across them.
//
// # Description
//
// One HandleInput call: admit, classify, load the hybrid context, run
// the chosen runtime, commit the updated state, execute any tool
// requests through the unified pipeline, then sync the result to the
// other paradigm. Every step that touches shared state goes through the
// synchronizer's versioned writes.
//
// # Thread Safety
//
// Safe for concurrent use. Per-context ordering comes from the store
// lock inside the synchronizer, not from the orchestrator.
type Orchestrator struct {
	router         *intent.Router
	syncer         *bridge.Synchronizer
	executor       *tools.Executor
	structured     StructuredRuntime
	conversational ConversationalRuntime
	admission      *Admission
	cfg            Config
	logger         *slog.Logger
}

// New creates an orchestrator and registers the tool callback on both
// runtimes. Either runtime may be nil; inputs routed to a missing
// runtime fail with a clear error.
func New(router *intent.Router, syncer *bridge.Synchronizer, executor *tools.Executor,
	structured StructuredRuntime, conversational ConversationalRuntime,
	admission *Admission, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if router == nil {
		return nil, errors.New("router must not be nil")
	}
	if syncer == nil {
		return nil, errors.New("synchronizer must not be nil")
	}
	if executor == nil {
		return nil, errors.New("executor must not be nil")
	}
	if admission == nil {
		return nil, errors.New("admission must not be nil")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "hybrid"
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.SyncStrategy == "" {
		cfg.SyncStrategy = bridge.LastWriteWins
	}
	if !cfg.SyncStrategy.Valid() {
		return nil, fmt.Errorf("unknown sync strategy %q", cfg.SyncStrategy)
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		router:         router,
		syncer:         syncer,
		executor:       executor,
		structured:     structured,
		conversational: conversational,
		admission:      admission,
		cfg:            cfg,
		logger:         logger,
	}
	cb := ToolCallback(o.callTool)
	if structured != nil {
		structured.RegisterToolCallback(cb)
	}
	if conversational != nil {
		conversational.RegisterToolCallback(cb)
	}
	return o, nil
}

// callTool is the runtime-facing tool callback.
func (o *Orchestrator) callTool(ctx context.Context, inv tools.Invocation) (*tools.Result, error) {
	return o.executor.Execute(ctx, inv)
}

// HandleInput processes one user input against a hybrid context.
func (o *Orchestrator) HandleInput(ctx context.Context, contextID, input string) (*Response, error) {
	start := time.Now()
	ctx, span := orchTracer.Start(ctx, "Orchestrator.HandleInput")
	defer span.End()
	span.SetAttributes(attribute.String("context_id", contextID))

	if err := o.admission.Admit(ctx); err != nil {
		span.SetStatus(codes.Error, "admission refused")
		return nil, err
	}
	defer o.admission.Release(ctx)

	decision, err := o.router.Route(ctx, input)
	if err != nil {
		span.SetStatus(codes.Error, "routing failed")
		return nil, fmt.Errorf("route input: %w", err)
	}
	span.SetAttributes(
		attribute.String("mode", string(decision.Mode)),
		attribute.String("tier", string(decision.Tier)),
		attribute.Float64("confidence", decision.Confidence),
	)

	hc, err := o.syncer.Load(ctx, contextID, primaryFor(decision.Mode))
	if err != nil {
		return nil, err
	}

	var reply string
	var requests []tools.Invocation
	source := bridge.ParadigmConversational

	switch decision.Mode {
	case intent.ModeWorkflow:
		requests, err = o.runStructured(ctx, hc)
		source = bridge.ParadigmWorkflow
	case intent.ModeConversational:
		reply, requests, err = o.runConversational(ctx, hc, input)
	case intent.ModeHybrid:
		reply, requests, err = o.runHybrid(ctx, hc, input)
	default:
		err = fmt.Errorf("unroutable mode %q", decision.Mode)
	}
	if err != nil {
		span.SetStatus(codes.Error, "runtime failed")
		requestTotal.WithLabelValues(string(decision.Mode), "error").Inc()
		return nil, err
	}

	if err := o.commit(ctx, hc); err != nil {
		return nil, err
	}

	// Tool requests run after the state commit so their recorded results
	// land on top of the runtime's writes, never under them.
	for _, inv := range requests {
		if inv.ContextID == "" {
			inv.ContextID = contextID
		}
		if inv.Origin == "" {
			inv.Origin = source
		}
		if _, terr := o.executor.Execute(ctx, inv); terr != nil {
			o.logger.Warn("tool request failed",
				slog.String("context_id", contextID),
				slog.String("tool", inv.ToolName),
				slog.String("error", terr.Error()),
			)
		}
	}

	syncRes, err := o.syncer.Sync(ctx, contextID, source, o.cfg.SyncStrategy)
	if err != nil {
		return nil, fmt.Errorf("sync after turn: %w", err)
	}

	requestTotal.WithLabelValues(string(decision.Mode), "ok").Inc()
	requestLatency.Observe(time.Since(start).Seconds())
	return &Response{
		ContextID:  contextID,
		Mode:       decision.Mode,
		Tier:       decision.Tier,
		Confidence: decision.Confidence,
		Reply:      reply,
		Version:    syncRes.Version,
		SyncStatus: syncRes.Status,
	}, nil
}

// runStructured advances the workflow by one step.
func (o *Orchestrator) runStructured(ctx context.Context, hc *bridge.HybridContext) ([]tools.Invocation, error) {
	if o.structured == nil {
		return nil, errors.New("no structured runtime configured")
	}
	if hc.WorkflowState == nil {
		hc.WorkflowState = &bridge.WorkflowState{WorkflowID: hc.ID}
	}
	updated, requests, err := o.structured.ExecuteStructuredStep(ctx, hc.WorkflowState)
	if err != nil {
		return nil, fmt.Errorf("structured step: %w", err)
	}
	hc.WorkflowState = updated
	return requests, nil
}

// runConversational runs one agent turn and records it on the context.
func (o *Orchestrator) runConversational(ctx context.Context, hc *bridge.HybridContext, input string) (string, []tools.Invocation, error) {
	if o.conversational == nil {
		return "", nil, errors.New("no conversational runtime configured")
	}
	if hc.ConversationalState == nil {
		hc.ConversationalState = &bridge.ConversationalState{SessionID: hc.ID}
	}
	updated, reply, requests, err := o.conversational.ExecuteConversationalTurn(ctx, hc.ConversationalState, input)
	if err != nil {
		return "", nil, fmt.Errorf("conversational turn: %w", err)
	}
	hc.ConversationalState = updated
	o.appendTurn(updated, "user", input)
	o.appendTurn(updated, "assistant", reply)
	return reply, requests, nil
}

// runHybrid runs a conversational turn and, when a workflow is in
// flight, advances it one step too.
func (o *Orchestrator) runHybrid(ctx context.Context, hc *bridge.HybridContext, input string) (string, []tools.Invocation, error) {
	reply, requests, err := o.runConversational(ctx, hc, input)
	if err != nil {
		return "", nil, err
	}
	if o.structured != nil && hc.WorkflowState != nil {
		stepReqs, serr := o.runStructured(ctx, hc)
		if serr != nil {
			return "", nil, serr
		}
		requests = append(requests, stepReqs...)
	}
	return reply, requests, nil
}

// appendTurn records a turn, trimming the history to the configured bound.
func (o *Orchestrator) appendTurn(cs *bridge.ConversationalState, role, content string) {
	if content == "" {
		return
	}
	cs.TurnHistory = append(cs.TurnHistory, bridge.Turn{
		Role:       role,
		Content:    content,
		OccurredAt: time.Now(),
	})
	if n := len(cs.TurnHistory); n > o.cfg.MaxTurns {
		cs.TurnHistory = cs.TurnHistory[n-o.cfg.MaxTurns:]
	}
}

// commit writes the runtime-updated context, refreshing the version
// once if a concurrent writer (a mid-run tool callback, typically) got
// there first. The runtime's state is the fresher copy, so it wins.
func (o *Orchestrator) commit(ctx context.Context, hc *bridge.HybridContext) error {
	for attempt := 0; ; attempt++ {
		_, err := o.syncer.Commit(ctx, hc)
		if err == nil {
			return nil
		}
		if !errors.Is(err, bridge.ErrContention) || attempt >= 1 {
			return fmt.Errorf("commit context %s: %w", hc.ID, err)
		}
		fresh, perr := o.syncer.Peek(ctx, hc.ID)
		if perr != nil {
			return perr
		}
		hc.Version = fresh.Version
	}
}

// primaryFor maps an intent mode to the context's primary paradigm.
func primaryFor(mode intent.Mode) bridge.Paradigm {
	if mode == intent.ModeWorkflow {
		return bridge.ParadigmWorkflow
	}
	return bridge.ParadigmConversational
}
