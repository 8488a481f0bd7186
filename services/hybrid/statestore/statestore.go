// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statestore provides versioned key/value storage with distributed
// mutual exclusion, atomic counters, and bounded snapshot history.
//
// # Description
//
// Every piece of shared mutable state in the hybrid execution core routes
// through this package: context versions, per-context locks, admission
// counters, and snapshot history. Three backends implement the same Store
// interface:
//
//   - MemoryStore: in-process, for tests and single-worker deployments.
//   - BadgerStore: embedded durable storage (~100µs access, survives restart).
//   - NATSStore:   shared JetStream KV bucket for multi-worker deployments.
//
// Callers must be unaware of which backend is active. All operations take a
// context and have bounded timeout behavior; none blocks indefinitely.
//
// # Key Convention
//
// Keys follow namespace:entityType:entityId (e.g. "hybrid:context:abc123").
// Lock, version, counter, and snapshot keys for the same entity are derived
// from the entity key so they remain co-located and independently inspectable.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrKeyNotFound indicates the requested key does not exist.
	ErrKeyNotFound = errors.New("statestore: key not found")

	// ErrVersionMismatch indicates a compare-and-swap write was rejected
	// because the stored version did not match the caller's expected version.
	ErrVersionMismatch = errors.New("statestore: version mismatch")

	// ErrLockHeld indicates the lock is held by another owner and the
	// bounded wait expired.
	ErrLockHeld = errors.New("statestore: lock held")

	// ErrContention indicates an update lost to concurrent writers more
	// times than the backend's internal retry budget allows.
	ErrContention = errors.New("statestore: too much contention")

	// ErrBackendUnavailable indicates the backing store is unreachable.
	ErrBackendUnavailable = errors.New("statestore: backend unavailable")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("statestore: store closed")
)

// VersionedValue is a stored payload together with its version.
//
// Version starts at 1 on first write and increases by exactly 1 per
// committed write. It is never reused and never decremented.
type VersionedValue struct {
	// Data is the stored payload (JSON in practice; the store is agnostic).
	Data []byte `json:"data"`

	// Version is the write version of this value.
	Version uint64 `json:"version"`

	// UpdatedAt is when this version was committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is one entry in a key's bounded snapshot history.
type Snapshot struct {
	// Version is the value version this snapshot captured.
	Version uint64 `json:"version"`

	// Data is the captured payload.
	Data []byte `json:"data"`

	// TakenAt is when the snapshot was pushed.
	TakenAt time.Time `json:"taken_at"`
}

// Store is the versioned state storage abstraction.
//
// # Description
//
// Put implements compare-and-swap semantics: the write succeeds only when
// the stored version equals expected. Pass expected=0 to create a key that
// must not already exist. A rejected CAS returns ErrVersionMismatch, which is
// a normal outcome under contention, never a panic or silent overwrite.
//
// AcquireLock blocks up to wait for the lock and grants it with a lease:
// the lock self-expires after lease even if the holder crashes, bounding
// the blast radius of a dead worker. ReleaseLock is idempotent and safe to
// call after the lease already expired.
//
// PushSnapshot appends to a bounded FIFO history: insertion beyond max
// evicts the oldest entry at insertion time, not via periodic cleanup.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the current value and version for key.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*VersionedValue, error)

	// Put writes value if the stored version equals expected (0 = create).
	// Returns the new version on success, ErrVersionMismatch on CAS failure.
	Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error)

	// GetVersion returns the current version for key (0 if absent).
	GetVersion(ctx context.Context, key string) (uint64, error)

	// SetVersion performs a bare version CAS without touching the payload.
	// Returns false (and no error) on mismatch — contention is not a fault.
	SetVersion(ctx context.Context, key string, expected, next uint64) (bool, error)

	// AcquireLock attempts to take the named lock, waiting up to wait.
	// The lock expires after lease. Returns false if the wait elapsed.
	AcquireLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error)

	// ReleaseLock releases the named lock. Idempotent: releasing an
	// unheld or already-expired lock is a no-op.
	ReleaseLock(ctx context.Context, key string) error

	// IncrementActive atomically increments a counter and returns the new value.
	IncrementActive(ctx context.Context, counter string) (int64, error)

	// DecrementActive atomically decrements a counter and returns the new
	// value. The counter never goes below zero.
	DecrementActive(ctx context.Context, counter string) (int64, error)

	// GetActiveCount returns the current counter value (0 if absent).
	GetActiveCount(ctx context.Context, counter string) (int64, error)

	// PushSnapshot appends a snapshot of value at version to the key's
	// history, trimming to the most recent max entries (oldest evicted).
	PushSnapshot(ctx context.Context, key string, snap Snapshot, max int) error

	// Snapshots returns the key's snapshot history, oldest first.
	Snapshots(ctx context.Context, key string) ([]Snapshot, error)

	// Delete removes whatever is stored at key (value, lock, or snapshot
	// history). Deleting an absent key is a no-op. Derived keys are not
	// deleted implicitly; callers remove them explicitly.
	Delete(ctx context.Context, key string) error

	// Keys returns the stored keys beginning with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources. Subsequent calls return ErrClosed.
	Close() error
}

// KeySeparator joins the segments of a store key.
const KeySeparator = ":"

// Key builds a store key from namespace, entity type, and entity ID.
//
// # Example
//
//	statestore.Key("hybrid", "context", ctxID) // "hybrid:context:abc123"
func Key(namespace, entityType, entityID string) string {
	return namespace + KeySeparator + entityType + KeySeparator + entityID
}

// LockKey derives the lock key co-located with an entity key.
func LockKey(entityKey string) string {
	return entityKey + KeySeparator + "lock"
}

// SnapshotKey derives the snapshot-history key co-located with an entity key.
func SnapshotKey(entityKey string) string {
	return entityKey + KeySeparator + "snapshots"
}

// CounterKey builds an admission counter key in the given namespace.
func CounterKey(namespace, counter string) string {
	return namespace + KeySeparator + counter
}

// SplitKey breaks an entity key back into its three segments.
func SplitKey(key string) (namespace, entityType, entityID string, err error) {
	parts := strings.SplitN(key, KeySeparator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed store key %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}

// lockRecord is the stored payload for a lease-based lock. The deadline
// travels with the lock so a crashed holder's lock is observably stale to
// every worker, regardless of backend-native TTL support.
type lockRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// lockPollInterval is how often AcquireLock re-checks a held lock during
// its bounded wait. 20ms keeps worst-case added latency low without
// hammering the backend.
const lockPollInterval = 20 * time.Millisecond

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
// Returns ctx.Err() when the context ended the sleep.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
