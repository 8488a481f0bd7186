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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyHelpers(t *testing.T) {
	k := Key("automation", "context", "ctx-123")
	assert.Equal(t, "automation:context:ctx-123", k)
	assert.Equal(t, "automation:context:ctx-123:lock", LockKey(k))
	assert.Equal(t, "automation:context:ctx-123:snapshots", SnapshotKey(k))
	assert.Equal(t, "automation:active_sessions", CounterKey("automation", "active_sessions"))

	ns, typ, id, err := SplitKey(k)
	require.NoError(t, err)
	assert.Equal(t, "automation", ns)
	assert.Equal(t, "context", typ)
	assert.Equal(t, "ctx-123", id)

	_, _, _, err = SplitKey("malformed")
	assert.Error(t, err)
}

func TestKVKeyRoundTrip(t *testing.T) {
	keys := []string{
		"hybrid:context:ctx-123",
		"hybrid:context:release.v2.1",
		"hybrid:context:a=b",
		"hybrid:context:dots.and=equals",
		"hybrid:active_sessions",
	}
	seen := map[string]string{}
	for _, k := range keys {
		mapped := kvKey(k)
		assert.NotContains(t, mapped, ":")
		assert.Equal(t, k, storeKey(mapped))
		if prev, dup := seen[mapped]; dup {
			t.Fatalf("kvKey collision: %q and %q both map to %q", prev, k, mapped)
		}
		seen[mapped] = k
	}

	// A dotted context ID must not collide with the same ID using the
	// separator instead of the dot.
	assert.NotEqual(t, kvKey("hybrid:context:a.b"), kvKey("hybrid:context:a:b"))
}

// openStores returns every backend that can run without external services.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := OpenBadgerStore(InMemoryBadgerConfig())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestPutCreateAndCAS(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			key := Key("automation", "context", "ctx-1")

			// Missing key reads as not found, version 0.
			_, err := store.Get(ctx, key)
			assert.ErrorIs(t, err, ErrKeyNotFound)
			ver, err := store.GetVersion(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), ver)

			// Create with expected=0 yields version 1.
			v1, err := store.Put(ctx, key, []byte(`{"a":1}`), 0)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), v1)

			// Re-create fails.
			_, err = store.Put(ctx, key, []byte(`{"a":2}`), 0)
			assert.ErrorIs(t, err, ErrVersionMismatch)

			// Stale expected fails, correct expected advances by exactly 1.
			_, err = store.Put(ctx, key, []byte(`{"a":2}`), 99)
			assert.ErrorIs(t, err, ErrVersionMismatch)
			v2, err := store.Put(ctx, key, []byte(`{"a":2}`), 1)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), v2)

			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"a":2}`), got.Data)
			assert.Equal(t, uint64(2), got.Version)
		})
	}
}

func TestConcurrentCASExactlyOneWinner(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			key := Key("automation", "context", "ctx-race")

			_, err := store.Put(ctx, key, []byte("base"), 0)
			require.NoError(t, err)

			const writers = 8
			var wg sync.WaitGroup
			wins := make(chan uint64, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					v, err := store.Put(ctx, key, []byte(fmt.Sprintf("writer-%d", n)), 1)
					if err == nil {
						wins <- v
					}
				}(i)
			}
			wg.Wait()
			close(wins)

			var winners []uint64
			for v := range wins {
				winners = append(winners, v)
			}
			require.Len(t, winners, 1, "exactly one CAS from version 1 may succeed")
			assert.Equal(t, uint64(2), winners[0])
		})
	}
}

func TestSetVersion(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			key := Key("automation", "context", "ctx-ver")

			ok, err := store.SetVersion(ctx, key, 0, 5)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.SetVersion(ctx, key, 4, 6)
			require.NoError(t, err)
			assert.False(t, ok, "stale expected must not swap")

			ok, err = store.SetVersion(ctx, key, 5, 6)
			require.NoError(t, err)
			assert.True(t, ok)

			ver, err := store.GetVersion(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, uint64(6), ver)
		})
	}
}

func TestLockLease(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			lock := LockKey(Key("automation", "context", "ctx-lock"))

			ok, err := store.AcquireLock(ctx, lock, 0, 80*time.Millisecond)
			require.NoError(t, err)
			require.True(t, ok)

			// Held lock is not re-acquirable within the lease.
			ok, err = store.AcquireLock(ctx, lock, 10*time.Millisecond, 80*time.Millisecond)
			require.NoError(t, err)
			assert.False(t, ok)

			// After the lease expires the lock is stealable without release.
			time.Sleep(100 * time.Millisecond)
			ok, err = store.AcquireLock(ctx, lock, 0, 80*time.Millisecond)
			require.NoError(t, err)
			assert.True(t, ok)

			// Release is idempotent.
			require.NoError(t, store.ReleaseLock(ctx, lock))
			require.NoError(t, store.ReleaseLock(ctx, lock))

			ok, err = store.AcquireLock(ctx, lock, 0, 80*time.Millisecond)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLockWaitHonorsContext(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	lock := LockKey(Key("automation", "context", "ctx-ctx"))

	ok, err := store.AcquireLock(ctx, lock, 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = store.AcquireLock(cctx, lock, time.Minute, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCounters(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			counter := CounterKey("automation", "active_sessions")

			n, err := store.GetActiveCount(ctx, counter)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			for i := 1; i <= 3; i++ {
				n, err = store.IncrementActive(ctx, counter)
				require.NoError(t, err)
				assert.Equal(t, int64(i), n)
			}
			n, err = store.DecrementActive(ctx, counter)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			// Decrement clamps at zero.
			for i := 0; i < 5; i++ {
				n, err = store.DecrementActive(ctx, counter)
				require.NoError(t, err)
			}
			assert.Equal(t, int64(0), n)
		})
	}
}

func TestSnapshotHistoryBounded(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			key := SnapshotKey(Key("automation", "context", "ctx-snap"))
			const max = 5

			for i := 1; i <= max+2; i++ {
				err := store.PushSnapshot(ctx, key, Snapshot{
					Version: uint64(i),
					Data:    []byte(fmt.Sprintf("v%d", i)),
				}, max)
				require.NoError(t, err)
			}

			hist, err := store.Snapshots(ctx, key)
			require.NoError(t, err)
			require.Len(t, hist, max, "history must be trimmed at insertion")
			// Oldest entries evicted; remaining are 3..7 oldest-first.
			assert.Equal(t, uint64(3), hist[0].Version)
			assert.Equal(t, uint64(max+2), hist[len(hist)-1].Version)
		})
	}
}

func TestDeleteAndKeys(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			for _, id := range []string{"a", "b", "c"} {
				_, err := store.Put(ctx, Key("automation", "context", id), []byte(`{}`), 0)
				require.NoError(t, err)
			}
			_, err := store.Put(ctx, Key("automation", "approval", "x"), []byte(`{}`), 0)
			require.NoError(t, err)

			keys, err := store.Keys(ctx, "automation:context:")
			require.NoError(t, err)
			assert.Equal(t, []string{
				"automation:context:a",
				"automation:context:b",
				"automation:context:c",
			}, keys)

			require.NoError(t, store.Delete(ctx, Key("automation", "context", "b")))
			// Deleting again is a no-op.
			require.NoError(t, store.Delete(ctx, Key("automation", "context", "b")))

			_, err = store.Get(ctx, Key("automation", "context", "b"))
			assert.ErrorIs(t, err, ErrKeyNotFound)

			keys, err = store.Keys(ctx, "automation:context:")
			require.NoError(t, err)
			assert.Len(t, keys, 2)
		})
	}
}

// unavailableStore fails every operation with ErrBackendUnavailable.
type unavailableStore struct{}

func (unavailableStore) Get(context.Context, string) (*VersionedValue, error) {
	return nil, ErrBackendUnavailable
}
func (unavailableStore) Put(context.Context, string, []byte, uint64) (uint64, error) {
	return 0, ErrBackendUnavailable
}
func (unavailableStore) GetVersion(context.Context, string) (uint64, error) {
	return 0, ErrBackendUnavailable
}
func (unavailableStore) SetVersion(context.Context, string, uint64, uint64) (bool, error) {
	return false, ErrBackendUnavailable
}
func (unavailableStore) AcquireLock(context.Context, string, time.Duration, time.Duration) (bool, error) {
	return false, ErrBackendUnavailable
}
func (unavailableStore) ReleaseLock(context.Context, string) error { return ErrBackendUnavailable }
func (unavailableStore) IncrementActive(context.Context, string) (int64, error) {
	return 0, ErrBackendUnavailable
}
func (unavailableStore) DecrementActive(context.Context, string) (int64, error) {
	return 0, ErrBackendUnavailable
}
func (unavailableStore) GetActiveCount(context.Context, string) (int64, error) {
	return 0, ErrBackendUnavailable
}
func (unavailableStore) PushSnapshot(context.Context, string, Snapshot, int) error {
	return ErrBackendUnavailable
}
func (unavailableStore) Snapshots(context.Context, string) ([]Snapshot, error) {
	return nil, ErrBackendUnavailable
}
func (unavailableStore) Delete(context.Context, string) error { return ErrBackendUnavailable }
func (unavailableStore) Keys(context.Context, string) ([]string, error) {
	return nil, ErrBackendUnavailable
}
func (unavailableStore) Close() error { return nil }

func TestFallbackDegradesAndServes(t *testing.T) {
	fb := NewFallbackStore(unavailableStore{}, FallbackConfig{
		ProbeInterval: time.Hour, // keep the probe out of the test
		ProbeTimeout:  time.Second,
	})
	defer fb.Close()
	ctx := context.Background()
	key := Key("automation", "context", "ctx-fb")

	assert.Equal(t, StatePrimary, fb.State())

	// First operation hits the dead primary, flips to degraded, and is
	// retried against the in-process store.
	v, err := fb.Put(ctx, key, []byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, StateDegraded, fb.State())

	got, err := fb.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Data)

	n, err := fb.IncrementActive(ctx, CounterKey("automation", "active_sessions"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFallbackPassThroughWhenHealthy(t *testing.T) {
	fb := NewFallbackStore(NewMemoryStore(), DefaultFallbackConfig())
	defer fb.Close()
	ctx := context.Background()
	key := Key("automation", "context", "ctx-ok")

	_, err := fb.Put(ctx, key, []byte("y"), 0)
	require.NoError(t, err)
	assert.Equal(t, StatePrimary, fb.State())

	// Logical errors must not trip degradation.
	_, err = fb.Put(ctx, key, []byte("z"), 5)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, StatePrimary, fb.State())
}

func TestClosedMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())
	_, err := store.Get(context.Background(), "any")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Close(), ErrClosed)
}

var _ Store = unavailableStore{}
