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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store backend.
//
// # Description
//
// Backs tests and single-worker deployments. Lease expiry is enforced by
// checking the stored deadline on every access, so a lock held by a caller
// that never releases it becomes acquirable after the lease passes — the
// same observable behavior as the distributed backends.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]*VersionedValue
	locks    map[string]lockRecord
	counters map[string]int64
	history  map[string][]Snapshot
	owner    string
	closed   bool
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]*VersionedValue),
		locks:    make(map[string]lockRecord),
		counters: make(map[string]int64),
		history:  make(map[string][]Snapshot),
		owner:    uuid.NewString(),
	}
}

// Get returns the current value for key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*VersionedValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	// Return a copy so callers cannot mutate stored state.
	cp := *v
	cp.Data = append([]byte(nil), v.Data...)
	return &cp, nil
}

// Put writes value with compare-and-swap on version.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	cur, ok := s.values[key]
	switch {
	case !ok && expected != 0:
		return 0, ErrVersionMismatch
	case ok && cur.Version != expected:
		return 0, ErrVersionMismatch
	}
	next := expected + 1
	s.values[key] = &VersionedValue{
		Data:      append([]byte(nil), value...),
		Version:   next,
		UpdatedAt: time.Now(),
	}
	return next, nil
}

// GetVersion returns the current version for key, 0 if absent.
func (s *MemoryStore) GetVersion(ctx context.Context, key string) (uint64, error) {
	v, err := s.Get(ctx, key)
	if err == ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v.Version, nil
}

// SetVersion performs a bare version CAS without replacing the payload.
func (s *MemoryStore) SetVersion(ctx context.Context, key string, expected, next uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	cur, ok := s.values[key]
	if !ok {
		if expected != 0 {
			return false, nil
		}
		s.values[key] = &VersionedValue{Version: next, UpdatedAt: time.Now()}
		return true, nil
	}
	if cur.Version != expected {
		return false, nil
	}
	cur.Version = next
	cur.UpdatedAt = time.Now()
	return true, nil
}

// AcquireLock takes the named lock, waiting up to wait. The lock expires
// after lease even if never released.
func (s *MemoryStore) AcquireLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := s.tryLock(key, lease)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		if err := sleepCtx(ctx, lockPollInterval); err != nil {
			return false, err
		}
	}
}

func (s *MemoryStore) tryLock(key string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	rec, held := s.locks[key]
	if held && time.Now().Before(rec.ExpiresAt) {
		return false, nil
	}
	s.locks[key] = lockRecord{Owner: s.owner, ExpiresAt: time.Now().Add(lease)}
	return true, nil
}

// ReleaseLock releases the named lock. Safe to call when unheld or expired.
func (s *MemoryStore) ReleaseLock(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.locks, key)
	return nil
}

// IncrementActive atomically increments a counter.
func (s *MemoryStore) IncrementActive(ctx context.Context, counter string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.counters[counter]++
	return s.counters[counter], nil
}

// DecrementActive atomically decrements a counter, clamping at zero.
func (s *MemoryStore) DecrementActive(ctx context.Context, counter string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.counters[counter] > 0 {
		s.counters[counter]--
	}
	return s.counters[counter], nil
}

// GetActiveCount returns the current counter value.
func (s *MemoryStore) GetActiveCount(ctx context.Context, counter string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.counters[counter], nil
}

// PushSnapshot appends snap to the key's history, evicting the oldest
// entry once the history exceeds max.
func (s *MemoryStore) PushSnapshot(ctx context.Context, key string, snap Snapshot, max int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if max <= 0 {
		max = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	snap.Data = append([]byte(nil), snap.Data...)
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	hist := append(s.history[key], snap)
	if len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	s.history[key] = hist
	return nil
}

// Snapshots returns the key's snapshot history, oldest first.
func (s *MemoryStore) Snapshots(ctx context.Context, key string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Snapshot, len(s.history[key]))
	copy(out, s.history[key])
	return out, nil
}

// Delete removes whatever is stored at key. No-op when absent.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.values, key)
	delete(s.locks, key)
	delete(s.history, key)
	return nil
}

// Keys returns the stored keys beginning with prefix, sorted.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed. Further operations return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
