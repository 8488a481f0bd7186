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

	"github.com/AleutianAI/hybridflow/services/hybrid/statestore"
)

// ErrAdmissionFull signals backpressure: the active session limit is
// reached and the caller should retry later.
var ErrAdmissionFull = errors.New("orchestrator: active session limit reached")

// activeCounter is the shared counter name for in-flight sessions.
const activeCounter = "active_sessions"

// Admission enforces the concurrent session limit with a store-backed
// counter, so the limit holds across workers sharing one backend.
//
// # Thread Safety
//
// Safe for concurrent use.
type Admission struct {
	store     statestore.Store
	namespace string
	maxActive int64
}

// NewAdmission creates an admission controller. maxActive <= 0 means
// unlimited.
func NewAdmission(store statestore.Store, namespace string, maxActive int64) *Admission {
	return &Admission{store: store, namespace: namespace, maxActive: maxActive}
}

// Admit reserves an execution slot. The caller must Release it.
//
// Increment-then-check keeps the reservation atomic: a request that
// pushes the counter past the limit gives its slot back and is refused.
func (a *Admission) Admit(ctx context.Context) error {
	n, err := a.store.IncrementActive(ctx, statestore.CounterKey(a.namespace, activeCounter))
	if err != nil {
		return fmt.Errorf("admit: %w", err)
	}
	if a.maxActive > 0 && n > a.maxActive {
		if _, derr := a.store.DecrementActive(ctx, statestore.CounterKey(a.namespace, activeCounter)); derr != nil {
			return fmt.Errorf("release refused slot: %w", derr)
		}
		admissionRejectedTotal.Inc()
		return fmt.Errorf("%d active: %w", n-1, ErrAdmissionFull)
	}
	admissionActive.Set(float64(n))
	return nil
}

// Release gives an execution slot back.
func (a *Admission) Release(ctx context.Context) {
	n, err := a.store.DecrementActive(ctx, statestore.CounterKey(a.namespace, activeCounter))
	if err == nil {
		admissionActive.Set(float64(n))
	}
}

// Active returns the current in-flight session count.
func (a *Admission) Active(ctx context.Context) (int64, error) {
	return a.store.GetActiveCount(ctx, statestore.CounterKey(a.namespace, activeCounter))
}
