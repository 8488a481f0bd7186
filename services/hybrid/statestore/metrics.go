// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	storeOpTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hybrid",
		Subsystem: "statestore",
		Name:      "op_total",
		Help:      "Store operations by op and outcome: ok, not_found, conflict, error",
	}, []string{"op", "outcome"})

	storeOpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hybrid",
		Subsystem: "statestore",
		Name:      "op_latency_seconds",
		Help:      "Latency of store operations",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"op"})

	storeDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hybrid",
		Subsystem: "statestore",
		Name:      "degraded",
		Help:      "1 when the store is serving from the in-process fallback",
	})
)

// recordOp updates the shared operation counters. Labels are bounded
// (fixed op names, four outcomes).
func recordOp(op, outcome string, seconds float64) {
	storeOpTotal.WithLabelValues(op, outcome).Inc()
	storeOpLatency.WithLabelValues(op).Observe(seconds)
}

// outcomeOf maps an operation error to a metric outcome label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrContention):
		return "conflict"
	default:
		return "error"
	}
}

// =============================================================================
// Instrumented Decorator
// =============================================================================

// InstrumentedStore wraps a Store and records per-operation counters and
// latency histograms. Wrap the outermost store so fallback transitions are
// measured too.
type InstrumentedStore struct {
	inner Store
}

// Instrument wraps s with Prometheus instrumentation.
func Instrument(s Store) *InstrumentedStore {
	return &InstrumentedStore{inner: s}
}

func (m *InstrumentedStore) Get(ctx context.Context, key string) (*VersionedValue, error) {
	start := time.Now()
	v, err := m.inner.Get(ctx, key)
	recordOp("get", outcomeOf(err), time.Since(start).Seconds())
	return v, err
}

func (m *InstrumentedStore) Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	start := time.Now()
	v, err := m.inner.Put(ctx, key, value, expected)
	recordOp("put", outcomeOf(err), time.Since(start).Seconds())
	return v, err
}

func (m *InstrumentedStore) GetVersion(ctx context.Context, key string) (uint64, error) {
	start := time.Now()
	v, err := m.inner.GetVersion(ctx, key)
	recordOp("get_version", outcomeOf(err), time.Since(start).Seconds())
	return v, err
}

func (m *InstrumentedStore) SetVersion(ctx context.Context, key string, expected, next uint64) (bool, error) {
	start := time.Now()
	ok, err := m.inner.SetVersion(ctx, key, expected, next)
	recordOp("set_version", outcomeOf(err), time.Since(start).Seconds())
	return ok, err
}

func (m *InstrumentedStore) AcquireLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	start := time.Now()
	ok, err := m.inner.AcquireLock(ctx, key, wait, lease)
	outcome := outcomeOf(err)
	if err == nil && !ok {
		outcome = "conflict"
	}
	recordOp("acquire_lock", outcome, time.Since(start).Seconds())
	return ok, err
}

func (m *InstrumentedStore) ReleaseLock(ctx context.Context, key string) error {
	start := time.Now()
	err := m.inner.ReleaseLock(ctx, key)
	recordOp("release_lock", outcomeOf(err), time.Since(start).Seconds())
	return err
}

func (m *InstrumentedStore) IncrementActive(ctx context.Context, counter string) (int64, error) {
	start := time.Now()
	v, err := m.inner.IncrementActive(ctx, counter)
	recordOp("increment", outcomeOf(err), time.Since(start).Seconds())
	return v, err
}

func (m *InstrumentedStore) DecrementActive(ctx context.Context, counter string) (int64, error) {
	start := time.Now()
	v, err := m.inner.DecrementActive(ctx, counter)
	recordOp("decrement", outcomeOf(err), time.Since(start).Seconds())
	return v, err
}

func (m *InstrumentedStore) GetActiveCount(ctx context.Context, counter string) (int64, error) {
	start := time.Now()
	v, err := m.inner.GetActiveCount(ctx, counter)
	recordOp("active_count", outcomeOf(err), time.Since(start).Seconds())
	return v, err
}

func (m *InstrumentedStore) PushSnapshot(ctx context.Context, key string, snap Snapshot, max int) error {
	start := time.Now()
	err := m.inner.PushSnapshot(ctx, key, snap, max)
	recordOp("push_snapshot", outcomeOf(err), time.Since(start).Seconds())
	return err
}

func (m *InstrumentedStore) Snapshots(ctx context.Context, key string) ([]Snapshot, error) {
	start := time.Now()
	v, err := m.inner.Snapshots(ctx, key)
	recordOp("snapshots", outcomeOf(err), time.Since(start).Seconds())
	return v, err
}

func (m *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := m.inner.Delete(ctx, key)
	recordOp("delete", outcomeOf(err), time.Since(start).Seconds())
	return err
}

func (m *InstrumentedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	v, err := m.inner.Keys(ctx, prefix)
	recordOp("keys", outcomeOf(err), time.Since(start).Seconds())
	return v, err
}

func (m *InstrumentedStore) Close() error {
	return m.inner.Close()
}

// Ensure InstrumentedStore implements Store.
var _ Store = (*InstrumentedStore)(nil)
