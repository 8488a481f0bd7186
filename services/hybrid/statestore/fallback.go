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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StoreState represents the fallback store's view of the primary backend.
type StoreState int32

const (
	// StatePrimary indicates normal operation against the primary backend.
	StatePrimary StoreState = iota
	// StateDegraded indicates the primary is unreachable and operations are
	// served from the in-process fallback.
	StateDegraded
)

// String returns the string representation of StoreState.
func (s StoreState) String() string {
	switch s {
	case StatePrimary:
		return "primary"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// FallbackConfig configures the degraded-mode decorator.
type FallbackConfig struct {
	// ProbeInterval is how often to probe the primary while degraded.
	// Default: 5s
	ProbeInterval time.Duration

	// ProbeTimeout bounds each recovery probe.
	// Default: 2s
	ProbeTimeout time.Duration

	// Logger for state transitions.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultFallbackConfig returns sensible defaults.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		ProbeInterval: 5 * time.Second,
		ProbeTimeout:  2 * time.Second,
	}
}

// FallbackStore decorates a primary Store with an in-process degraded mode.
//
// # Description
//
// When the primary backend reports ErrBackendUnavailable, the store flips
// to degraded mode: reads and writes are served from an in-process
// MemoryStore so sessions already in flight can finish, and a background
// probe watches for the primary to come back. Entering and leaving
// degraded mode is logged at Warn.
//
// # Limitations
//
// State written while degraded lives only in this process. On recovery the
// primary's data wins; degraded writes are not replayed. Callers that
// cannot tolerate that divergence should treat ErrBackendUnavailable as
// fatal instead of using this decorator.
//
// # Thread Safety
//
// Safe for concurrent use.
type FallbackStore struct {
	primary  Store
	local    *MemoryStore
	cfg      FallbackConfig
	logger   *slog.Logger
	state    atomic.Int32
	probeMu  sync.Mutex
	probing  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewFallbackStore wraps primary with degraded-mode behavior.
func NewFallbackStore(primary Store, cfg FallbackConfig) *FallbackStore {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary: primary,
		local:   NewMemoryStore(),
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// State returns the current view of the primary backend.
func (f *FallbackStore) State() StoreState {
	return StoreState(f.state.Load())
}

// active returns the store to route the next operation to.
func (f *FallbackStore) active() Store {
	if f.State() == StateDegraded {
		return f.local
	}
	return f.primary
}

// observe flips to degraded mode when err is a backend outage, returning
// true when the caller should retry against the fallback.
func (f *FallbackStore) observe(err error) bool {
	if err == nil || !errors.Is(err, ErrBackendUnavailable) {
		return false
	}
	if f.state.CompareAndSwap(int32(StatePrimary), int32(StateDegraded)) {
		storeDegraded.Set(1)
		f.logger.Warn("state store degraded, serving from in-process fallback",
			slog.String("error", err.Error()))
		f.startProbe()
	}
	return true
}

// startProbe launches the recovery probe loop if not already running.
func (f *FallbackStore) startProbe() {
	f.probeMu.Lock()
	defer f.probeMu.Unlock()
	if f.probing {
		return
	}
	f.probing = true
	go f.probeLoop()
}

func (f *FallbackStore) probeLoop() {
	ticker := time.NewTicker(f.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ProbeTimeout)
			_, err := f.primary.GetVersion(ctx, Key("probe", "health", "check"))
			cancel()
			if err == nil || !errors.Is(err, ErrBackendUnavailable) {
				f.state.Store(int32(StatePrimary))
				storeDegraded.Set(0)
				f.logger.Warn("state store primary recovered, leaving degraded mode")
				f.probeMu.Lock()
				f.probing = false
				f.probeMu.Unlock()
				return
			}
		}
	}
}

// Get returns the current value for key.
func (f *FallbackStore) Get(ctx context.Context, key string) (*VersionedValue, error) {
	v, err := f.active().Get(ctx, key)
	if f.observe(err) {
		return f.local.Get(ctx, key)
	}
	return v, err
}

// Put writes value with compare-and-swap on version.
func (f *FallbackStore) Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	v, err := f.active().Put(ctx, key, value, expected)
	if f.observe(err) {
		return f.local.Put(ctx, key, value, expected)
	}
	return v, err
}

// GetVersion returns the current version for key, 0 if absent.
func (f *FallbackStore) GetVersion(ctx context.Context, key string) (uint64, error) {
	v, err := f.active().GetVersion(ctx, key)
	if f.observe(err) {
		return f.local.GetVersion(ctx, key)
	}
	return v, err
}

// SetVersion performs a bare version CAS without replacing the payload.
func (f *FallbackStore) SetVersion(ctx context.Context, key string, expected, next uint64) (bool, error) {
	ok, err := f.active().SetVersion(ctx, key, expected, next)
	if f.observe(err) {
		return f.local.SetVersion(ctx, key, expected, next)
	}
	return ok, err
}

// AcquireLock takes the named lock, waiting up to wait.
func (f *FallbackStore) AcquireLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	ok, err := f.active().AcquireLock(ctx, key, wait, lease)
	if f.observe(err) {
		return f.local.AcquireLock(ctx, key, wait, lease)
	}
	return ok, err
}

// ReleaseLock releases the named lock.
func (f *FallbackStore) ReleaseLock(ctx context.Context, key string) error {
	err := f.active().ReleaseLock(ctx, key)
	if f.observe(err) {
		return f.local.ReleaseLock(ctx, key)
	}
	return err
}

// IncrementActive atomically increments a counter.
func (f *FallbackStore) IncrementActive(ctx context.Context, counter string) (int64, error) {
	v, err := f.active().IncrementActive(ctx, counter)
	if f.observe(err) {
		return f.local.IncrementActive(ctx, counter)
	}
	return v, err
}

// DecrementActive atomically decrements a counter, clamping at zero.
func (f *FallbackStore) DecrementActive(ctx context.Context, counter string) (int64, error) {
	v, err := f.active().DecrementActive(ctx, counter)
	if f.observe(err) {
		return f.local.DecrementActive(ctx, counter)
	}
	return v, err
}

// GetActiveCount returns the current counter value.
func (f *FallbackStore) GetActiveCount(ctx context.Context, counter string) (int64, error) {
	v, err := f.active().GetActiveCount(ctx, counter)
	if f.observe(err) {
		return f.local.GetActiveCount(ctx, counter)
	}
	return v, err
}

// PushSnapshot appends to the key's bounded snapshot history.
func (f *FallbackStore) PushSnapshot(ctx context.Context, key string, snap Snapshot, max int) error {
	err := f.active().PushSnapshot(ctx, key, snap, max)
	if f.observe(err) {
		return f.local.PushSnapshot(ctx, key, snap, max)
	}
	return err
}

// Snapshots returns the key's snapshot history, oldest first.
func (f *FallbackStore) Snapshots(ctx context.Context, key string) ([]Snapshot, error) {
	v, err := f.active().Snapshots(ctx, key)
	if f.observe(err) {
		return f.local.Snapshots(ctx, key)
	}
	return v, err
}

// Delete removes key and its version.
func (f *FallbackStore) Delete(ctx context.Context, key string) error {
	err := f.active().Delete(ctx, key)
	if f.observe(err) {
		return f.local.Delete(ctx, key)
	}
	return err
}

// Keys returns the stored keys beginning with prefix, sorted.
func (f *FallbackStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	v, err := f.active().Keys(ctx, prefix)
	if f.observe(err) {
		return f.local.Keys(ctx, prefix)
	}
	return v, err
}

// Close stops the probe loop and closes both stores.
func (f *FallbackStore) Close() error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	lerr := f.local.Close()
	perr := f.primary.Close()
	if perr != nil {
		return perr
	}
	return lerr
}

// Ensure FallbackStore implements Store.
var _ Store = (*FallbackStore)(nil)
