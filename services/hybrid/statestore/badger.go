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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerConfig holds configuration for the embedded Store backend.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns sensible defaults for production use.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration optimized for testing.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: 0, // disabled
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is the embedded single-worker Store backend.
//
// # Description
//
// Persists versioned records, lock leases, counters, and snapshot histories
// in BadgerDB. Compare-and-swap semantics come from Badger's serializable
// transactions: a Put re-reads the record inside the transaction and aborts
// when the stored version differs from the caller's expectation.
//
// All record types are stored as JSON so the on-disk state can be inspected
// with standard tooling.
//
// # Thread Safety
//
// Safe for concurrent use. Conflicting transactions surface as
// ErrVersionMismatch rather than silent overwrites.
type BadgerStore struct {
	db     *badger.DB
	cfg    BadgerConfig
	owner  string
	logger *slog.Logger
	gcDone chan struct{}
	gcStop chan struct{}
}

// badgerRecord is the stored form of a versioned value.
type badgerRecord struct {
	Data      []byte    `json:"data"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenBadgerStore opens (or creates) the embedded store.
//
// Description:
//
//	Opens a BadgerDB database per the configuration and starts the value
//	log GC loop when GCInterval is non-zero. Creates the directory if it
//	does not exist.
//
// Inputs:
//
//	cfg - Backend configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerStore - The opened store. Caller must call Close() when done.
//	error - Non-nil if the path is invalid or the database cannot open.
//
// Thread Safety: The returned store is safe for concurrent use.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		cfg:    cfg,
		owner:  uuid.NewString(),
		logger: cfg.Logger,
		gcDone: make(chan struct{}),
		gcStop: make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC()
	} else {
		close(s.gcDone)
	}
	return s, nil
}

// runGC runs value log garbage collection until the store closes.
func (s *BadgerStore) runGC() {
	defer close(s.gcDone)
	ratio := s.cfg.GCDiscardRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when nothing was reclaimed;
			// that is the common case and not worth logging.
			if err := s.db.RunValueLogGC(ratio); err != nil &&
				!errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("value log gc failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Get returns the current value for key.
func (s *BadgerStore) Get(ctx context.Context, key string) (*VersionedValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec badgerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &VersionedValue{Data: rec.Data, Version: rec.Version, UpdatedAt: rec.UpdatedAt}, nil
}

// Put writes value with compare-and-swap on version.
func (s *BadgerStore) Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	next := expected + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readRecord(txn, key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expected != 0 {
				return ErrVersionMismatch
			}
		case err != nil:
			return err
		case cur.Version != expected:
			return ErrVersionMismatch
		}
		return writeRecord(txn, key, badgerRecord{
			Data:      value,
			Version:   next,
			UpdatedAt: time.Now(),
		})
	})
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return 0, ErrVersionMismatch
		}
		if errors.Is(err, badger.ErrConflict) {
			// A concurrent transaction won the race; same contract as a
			// stale expected version.
			return 0, ErrVersionMismatch
		}
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return next, nil
}

// GetVersion returns the current version for key, 0 if absent.
func (s *BadgerStore) GetVersion(ctx context.Context, key string) (uint64, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v.Version, nil
}

// SetVersion performs a bare version CAS without replacing the payload.
func (s *BadgerStore) SetVersion(ctx context.Context, key string, expected, next uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	swapped := false
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readRecord(txn, key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expected != 0 {
				return nil
			}
			cur = badgerRecord{}
		case err != nil:
			return err
		default:
			if cur.Version != expected {
				return nil
			}
		}
		cur.Version = next
		cur.UpdatedAt = time.Now()
		if err := writeRecord(txn, key, cur); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("set version %s: %w", key, err)
	}
	return swapped, nil
}

// AcquireLock takes the named lock, waiting up to wait. Expired leases are
// stolen so a crashed holder cannot wedge the key forever.
func (s *BadgerStore) AcquireLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
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

func (s *BadgerStore) tryLock(key string, lease time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == nil {
			var rec lockRecord
			verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if verr != nil {
				return verr
			}
			if time.Now().Before(rec.ExpiresAt) {
				return nil // lock held and valid
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, merr := json.Marshal(lockRecord{Owner: s.owner, ExpiresAt: time.Now().Add(lease)})
		if merr != nil {
			return merr
		}
		entry := badger.NewEntry([]byte(key), data)
		if lease > 0 {
			// Belt and suspenders: the entry also expires at the badger
			// level slightly after the lease, keeping dead locks out of
			// the keyspace.
			entry = entry.WithTTL(lease + time.Second)
		}
		if werr := txn.SetEntry(entry); werr != nil {
			return werr
		}
		acquired = true
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return acquired, nil
}

// ReleaseLock releases the named lock. Safe to call when unheld or expired.
func (s *BadgerStore) ReleaseLock(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// IncrementActive atomically increments a counter.
func (s *BadgerStore) IncrementActive(ctx context.Context, counter string) (int64, error) {
	return s.addCounter(ctx, counter, 1)
}

// DecrementActive atomically decrements a counter, clamping at zero.
func (s *BadgerStore) DecrementActive(ctx context.Context, counter string) (int64, error) {
	return s.addCounter(ctx, counter, -1)
}

func (s *BadgerStore) addCounter(ctx context.Context, counter string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var out int64
	// Badger aborts conflicting read-modify-write transactions, so retry a
	// few times before reporting contention to the caller.
	for attempt := 0; attempt < 5; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			cur, err := readCounter(txn, counter)
			if err != nil {
				return err
			}
			cur += delta
			if cur < 0 {
				cur = 0
			}
			out = cur
			data, merr := json.Marshal(cur)
			if merr != nil {
				return merr
			}
			return txn.Set([]byte(counter), data)
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return 0, fmt.Errorf("update counter %s: %w", counter, err)
		}
		if serr := sleepCtx(ctx, time.Millisecond); serr != nil {
			return 0, serr
		}
	}
	return 0, ErrContention
}

// GetActiveCount returns the current counter value.
func (s *BadgerStore) GetActiveCount(ctx context.Context, counter string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var out int64
	err := s.db.View(func(txn *badger.Txn) error {
		cur, err := readCounter(txn, counter)
		if err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", counter, err)
	}
	return out, nil
}

// PushSnapshot appends snap to the key's history, evicting the oldest
// entry once the history exceeds max.
func (s *BadgerStore) PushSnapshot(ctx context.Context, key string, snap Snapshot, max int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if max <= 0 {
		max = 1
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		hist, err := readSnapshots(txn, key)
		if err != nil {
			return err
		}
		hist = append(hist, snap)
		if len(hist) > max {
			hist = hist[len(hist)-max:]
		}
		data, merr := json.Marshal(hist)
		if merr != nil {
			return merr
		}
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("push snapshot %s: %w", key, err)
	}
	return nil
}

// Snapshots returns the key's snapshot history, oldest first.
func (s *BadgerStore) Snapshots(ctx context.Context, key string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var hist []Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		var rerr error
		hist, rerr = readSnapshots(txn, key)
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshots %s: %w", key, err)
	}
	return hist, nil
}

// Delete removes key and its version. No-op when absent.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys returns the stored keys beginning with prefix, sorted. Badger
// iterates in key order, so the result is already sorted.
func (s *BadgerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", prefix, err)
	}
	return keys, nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	close(s.gcStop)
	<-s.gcDone
	return s.db.Close()
}

func readRecord(txn *badger.Txn, key string) (badgerRecord, error) {
	var rec badgerRecord
	item, err := txn.Get([]byte(key))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func writeRecord(txn *badger.Txn, key string, rec badgerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func readCounter(txn *badger.Txn, counter string) (int64, error) {
	item, err := txn.Get([]byte(counter))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var cur int64
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &cur)
	})
	return cur, err
}

func readSnapshots(txn *badger.Txn, key string) ([]Snapshot, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hist []Snapshot
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &hist)
	})
	return hist, err
}

// Ensure BadgerStore implements Store.
var _ Store = (*BadgerStore)(nil)
