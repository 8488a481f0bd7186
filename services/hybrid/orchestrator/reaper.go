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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/hybridflow/services/hybrid/statestore"
)

// ReaperConfig configures idle context expiry.
type ReaperConfig struct {
	// Namespace is the context key namespace to sweep.
	// Default: "hybrid"
	Namespace string

	// IdleTTL is how long a context may sit untouched before expiry.
	// Default: 24h
	IdleTTL time.Duration

	// Interval is how often to sweep.
	// Default: 10m
	Interval time.Duration

	// Logger for sweep results.
	Logger *slog.Logger
}

// DefaultReaperConfig returns sensible defaults for production use.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Namespace: "hybrid",
		IdleTTL:   24 * time.Hour,
		Interval:  10 * time.Minute,
	}
}

// Reaper expires contexts whose idle time exceeded the TTL.
//
// # Description
//
// Each sweep lists context keys, decodes just enough of each record to
// read the idle clock, and deletes expired contexts together with their
// snapshot history. The per-context lock is taken with zero wait first;
// a context mid-sync is busy by definition and is skipped until the
// next sweep.
type Reaper struct {
	store  statestore.Store
	cfg    ReaperConfig
	logger *slog.Logger
}

// NewReaper creates a reaper over the given store.
func NewReaper(store statestore.Store, cfg ReaperConfig) *Reaper {
	if cfg.Namespace == "" {
		cfg.Namespace = "hybrid"
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reaper{store: store, cfg: cfg, logger: cfg.Logger}
}

// Run sweeps on the configured interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Warn("context sweep failed", slog.String("error", err.Error()))
				continue
			}
			if reaped > 0 {
				r.logger.Info("expired idle contexts", slog.Int("reaped", reaped))
			}
		}
	}
}

// idleRecord is the slice of a stored context the reaper cares about.
type idleRecord struct {
	LastActiveAt time.Time `json:"last_active_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Sweep expires idle contexts once and returns how many were removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	prefix := r.cfg.Namespace + statestore.KeySeparator + "context" + statestore.KeySeparator
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list contexts: %w", err)
	}

	now := time.Now()
	reaped := 0
	for _, key := range keys {
		// Derived keys (locks, snapshot histories) share the prefix.
		if strings.Contains(strings.TrimPrefix(key, prefix), statestore.KeySeparator) {
			continue
		}
		expired, err := r.expireOne(ctx, key, now)
		if err != nil {
			r.logger.Warn("failed to expire context",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if expired {
			reaped++
		}
	}
	contextsReapedTotal.Add(float64(reaped))
	return reaped, nil
}

func (r *Reaper) expireOne(ctx context.Context, key string, now time.Time) (bool, error) {
	val, err := r.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	var rec idleRecord
	if err := json.Unmarshal(val.Data, &rec); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	last := rec.LastActiveAt
	if last.IsZero() {
		last = rec.UpdatedAt
	}
	if now.Sub(last) < r.cfg.IdleTTL {
		return false, nil
	}

	lockKey := statestore.LockKey(key)
	ok, err := r.store.AcquireLock(ctx, lockKey, 0, 30*time.Second)
	if err != nil {
		return false, err
	}
	if !ok {
		// Busy contexts are not idle, whatever their clock says.
		return false, nil
	}
	defer func() { _ = r.store.ReleaseLock(ctx, lockKey) }()

	if err := r.store.Delete(ctx, key); err != nil {
		return false, err
	}
	if err := r.store.Delete(ctx, statestore.SnapshotKey(key)); err != nil {
		return false, err
	}
	return true, nil
}
