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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
)

// =============================================================================
// OTel Tracer
// =============================================================================

var execTracer = otel.Tracer("hybrid.tools.executor")

// ExecutorConfig configures the unified executor.
type ExecutorConfig struct {
	// ApprovalWindow bounds how long a gated invocation waits for a
	// human decision before expiring.
	// Default: 30s
	ApprovalWindow time.Duration

	// ToolTimeout bounds a single tool's execution.
	// Default: 60s
	ToolTimeout time.Duration

	// PropagateStrategy is the conflict strategy used when syncing a
	// recorded result to the other paradigm.
	// Default: SourceWins
	PropagateStrategy bridge.Strategy

	// MaxRecordedCalls bounds the per-context tool call history.
	// Default: 100
	MaxRecordedCalls int
}

// DefaultExecutorConfig returns sensible defaults for production use.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		ApprovalWindow:    30 * time.Second,
		ToolTimeout:       60 * time.Second,
		PropagateStrategy: bridge.SourceWins,
		MaxRecordedCalls:  100,
	}
}

// Validate checks the configuration.
func (c ExecutorConfig) Validate() error {
	if c.ApprovalWindow <= 0 {
		return errors.New("ApprovalWindow must be positive")
	}
	if c.ToolTimeout <= 0 {
		return errors.New("ToolTimeout must be positive")
	}
	if !c.PropagateStrategy.Valid() {
		return fmt.Errorf("unknown propagate strategy %q", c.PropagateStrategy)
	}
	if c.MaxRecordedCalls <= 0 {
		return errors.New("MaxRecordedCalls must be positive")
	}
	return nil
}

// Executor runs every tool call from both paradigms through one
// pipeline.
//
// # Description
//
// The pipeline per invocation: resolve the tool, run pre-execution
// hooks in registration order, pass the approval gate when required,
// execute the tool with panic capture, run post-execution hooks, then
// record the result on the hybrid context and sync it across.
//
// Post-execution hooks run for every disposition, including blocks,
// denials, and failures: audit trails must not have gaps.
//
// # Thread Safety
//
// Safe for concurrent use.
type Executor struct {
	registry  *Registry
	gate      ApprovalGate
	sync      *bridge.Synchronizer
	preHooks  []PreHook
	postHooks []PostHook
	cfg       ExecutorConfig
	logger    *slog.Logger
}

// NewExecutor creates an executor.
//
// Inputs:
//
//	registry - Tool registry. Must not be nil.
//	gate - Approval gate. May be nil when no tool requires approval.
//	sync - Synchronizer for result propagation. May be nil in tests.
//	cfg - Configuration, validated.
//	logger - Structured logger. Nil uses slog.Default().
func NewExecutor(registry *Registry, gate ApprovalGate, sync *bridge.Synchronizer, cfg ExecutorConfig, logger *slog.Logger) (*Executor, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		gate:     gate,
		sync:     sync,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Use appends pre-execution hooks. Hooks run in the order added.
func (e *Executor) Use(hooks ...PreHook) {
	e.preHooks = append(e.preHooks, hooks...)
}

// After appends post-execution hooks.
func (e *Executor) After(hooks ...PostHook) {
	e.postHooks = append(e.postHooks, hooks...)
}

// Execute runs one invocation through the full pipeline.
//
// Outputs:
//
//	*Result - Always non-nil, with a terminal Status.
//	error - Non-nil for every disposition except StatusSucceeded.
//	Terminal dispositions wrap ErrApprovalDenied, ErrApprovalTimeout,
//	ErrHookBlocked, or ErrToolExecution.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	ctx, span := execTracer.Start(ctx, "Executor.Execute")
	defer span.End()

	if inv.ToolName == "" {
		return nil, errors.New("invocation must name a tool")
	}
	if !inv.Origin.Valid() {
		return nil, fmt.Errorf("unknown origin paradigm %q", inv.Origin)
	}
	if inv.ExecutionID == "" {
		inv.ExecutionID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("execution_id", inv.ExecutionID),
		attribute.String("tool", inv.ToolName),
		attribute.String("origin", string(inv.Origin)),
	)

	res := &Result{
		ExecutionID: inv.ExecutionID,
		ToolName:    inv.ToolName,
		StartedAt:   time.Now(),
	}

	tool, err := e.registry.Get(inv.ToolName)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return e.finish(ctx, span, inv, res), err
	}

	for _, hook := range e.preHooks {
		if herr := hook.Before(ctx, &inv); herr != nil {
			res.Status = StatusBlocked
			res.Error = herr.Error()
			err := fmt.Errorf("hook %s: %w", hook.Name(), herr)
			if !errors.Is(herr, ErrHookBlocked) {
				err = fmt.Errorf("hook %s: %v: %w", hook.Name(), herr, ErrHookBlocked)
			}
			return e.finish(ctx, span, inv, res), err
		}
	}

	if inv.RequiresApproval {
		status, aerr := e.awaitApproval(ctx, inv)
		if aerr != nil {
			res.Status = status
			res.Error = aerr.Error()
			return e.finish(ctx, span, inv, res), aerr
		}
		approvalTotal.WithLabelValues("approved").Inc()
	}

	output, terr := e.runTool(ctx, tool, inv)
	switch {
	case terr == nil:
		res.Status = StatusSucceeded
		res.Output = output
		return e.finish(ctx, span, inv, res), nil
	case errors.Is(terr, context.Canceled) || errors.Is(terr, context.DeadlineExceeded):
		res.Status = StatusCancelled
		res.Error = terr.Error()
		return e.finish(ctx, span, inv, res), terr
	default:
		res.Status = StatusFailed
		res.Error = terr.Error()
		return e.finish(ctx, span, inv, res), fmt.Errorf("%w: %v", ErrToolExecution, terr)
	}
}

// awaitApproval blocks on the gate and maps outcomes to dispositions.
func (e *Executor) awaitApproval(ctx context.Context, inv Invocation) (Status, error) {
	if e.gate == nil {
		approvalTotal.WithLabelValues("denied").Inc()
		return StatusDenied, fmt.Errorf("approval required but no gate configured: %w", ErrApprovalDenied)
	}
	approved, err := e.gate.Await(ctx, inv, e.cfg.ApprovalWindow)
	switch {
	case errors.Is(err, ErrApprovalTimeout):
		approvalTotal.WithLabelValues("expired").Inc()
		return StatusExpired, err
	case err != nil:
		approvalTotal.WithLabelValues("cancelled").Inc()
		return StatusCancelled, err
	case !approved:
		approvalTotal.WithLabelValues("denied").Inc()
		return StatusDenied, fmt.Errorf("execution %s: %w", inv.ExecutionID, ErrApprovalDenied)
	}
	return StatusSucceeded, nil
}

// runTool executes the tool with a timeout and panic capture.
func (e *Executor) runTool(ctx context.Context, tool Tool, inv Invocation) (out json.RawMessage, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", inv.ToolName, r)
		}
	}()

	value, err := tool.Execute(ctx, inv.Arguments)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	data, merr := json.Marshal(value)
	if merr != nil {
		return nil, fmt.Errorf("encode output of %s: %w", inv.ToolName, merr)
	}
	return data, nil
}

// finish runs post hooks, records metrics, and propagates the result.
// It always returns res.
func (e *Executor) finish(ctx context.Context, span trace.Span, inv Invocation, res *Result) *Result {
	res.Duration = time.Since(res.StartedAt)

	toolExecTotal.WithLabelValues(inv.ToolName, string(inv.Origin), string(res.Status)).Inc()
	toolExecLatency.WithLabelValues(inv.ToolName).Observe(res.Duration.Seconds())
	if res.Status != StatusSucceeded {
		span.SetStatus(codes.Error, string(res.Status))
	}

	for _, hook := range e.postHooks {
		hook.After(ctx, inv, *res)
	}

	if e.sync != nil && inv.ContextID != "" {
		// Propagation outlives the caller's context so a cancelled call
		// still leaves its trace on the shared context.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if perr := e.propagate(pctx, inv, res); perr != nil {
			e.logger.Warn("failed to propagate tool result",
				slog.String("execution_id", res.ExecutionID),
				slog.String("context_id", inv.ContextID),
				slog.String("error", perr.Error()),
			)
		}
	}
	return res
}

// propagate records the result on the hybrid context and syncs it to
// the other paradigm.
func (e *Executor) propagate(ctx context.Context, inv Invocation, res *Result) error {
	for attempt := 0; attempt < 2; attempt++ {
		hc, err := e.sync.Load(ctx, inv.ContextID, inv.Origin)
		if err != nil {
			return err
		}
		e.record(hc, inv, res)
		if _, err = e.sync.Commit(ctx, hc); err == nil {
			break
		} else if !errors.Is(err, bridge.ErrContention) || attempt == 1 {
			return err
		}
	}

	_, err := e.sync.Sync(ctx, inv.ContextID, inv.Origin, e.cfg.PropagateStrategy)
	return err
}

// record appends the result to the origin paradigm's history.
func (e *Executor) record(hc *bridge.HybridContext, inv Invocation, res *Result) {
	now := time.Now()
	switch inv.Origin {
	case bridge.ParadigmConversational:
		if hc.ConversationalState == nil {
			hc.ConversationalState = &bridge.ConversationalState{SessionID: hc.ID}
		}
		cs := hc.ConversationalState
		cs.ToolCallHistory = append(cs.ToolCallHistory, bridge.ToolCallRecord{
			ID:         res.ExecutionID,
			ToolName:   res.ToolName,
			Outcome:    string(res.Status),
			OccurredAt: now,
		})
		if n := len(cs.ToolCallHistory); n > e.cfg.MaxRecordedCalls {
			cs.ToolCallHistory = cs.ToolCallHistory[n-e.cfg.MaxRecordedCalls:]
		}
	case bridge.ParadigmWorkflow:
		if hc.WorkflowState == nil {
			hc.WorkflowState = &bridge.WorkflowState{WorkflowID: hc.ID}
		}
		ws := hc.WorkflowState
		ws.ExecutionHistory = append(ws.ExecutionHistory, bridge.ExecutionRecord{
			ID:         res.ExecutionID,
			StepName:   fmt.Sprintf("step %d", ws.StepIndex),
			ToolName:   res.ToolName,
			Outcome:    string(res.Status),
			OccurredAt: now,
		})
		if n := len(ws.ExecutionHistory); n > e.cfg.MaxRecordedCalls {
			ws.ExecutionHistory = ws.ExecutionHistory[n-e.cfg.MaxRecordedCalls:]
		}
	}
}
