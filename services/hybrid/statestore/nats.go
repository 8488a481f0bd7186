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
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig holds configuration for the shared Store backend.
type NATSConfig struct {
	// URL is the NATS server URL. Default: nats.DefaultURL.
	URL string

	// Bucket is the JetStream KV bucket name. Default: "hybrid-state".
	Bucket string

	// Replicas is the bucket replication factor when the bucket is
	// created by this process. Default: 1.
	Replicas int

	// Logger receives connection lifecycle events. Optional.
	Logger *slog.Logger
}

// DefaultNATSConfig returns sensible defaults for a local NATS server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:      nats.DefaultURL,
		Bucket:   "hybrid-state",
		Replicas: 1,
	}
}

// NATSStore is the shared multi-worker Store backend on JetStream KV.
//
// # Description
//
// JetStream KV provides per-key revisions usable as optimistic concurrency
// tokens, but revisions are bucket-scoped and do not advance by exactly one
// per key. The application version therefore lives inside the JSON record;
// the KV revision is used only to make read-modify-write cycles atomic.
//
// Lock leases carry their expiry deadline in the lock payload. A worker
// finding an expired lock steals it with a revision-checked update, so a
// crashed holder cannot wedge a key across the fleet.
//
// # Thread Safety
//
// Safe for concurrent use within a process and across processes sharing
// the bucket.
//
// # Limitations
//
// Counter updates are read-modify-write loops; under extreme contention
// they return ErrContention after a bounded number of attempts.
type NATSStore struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	owner  string
	logger *slog.Logger
}

// natsRecord is the stored form of a versioned value.
type natsRecord struct {
	Data      []byte    `json:"data"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenNATSStore connects to NATS and binds (or creates) the KV bucket.
//
// Description:
//
//	Connects to the configured NATS server, binds to the KV bucket, and
//	creates the bucket when it does not exist yet. The bucket holds
//	records, locks, counters, and snapshot histories under the shared
//	key convention.
//
// Inputs:
//
//	ctx - Bounds connection and bucket setup.
//	cfg - Backend configuration. Zero-value fields take defaults.
//
// Outputs:
//
//	*NATSStore - The connected store. Caller must call Close() when done.
//	error - Non-nil if the server is unreachable or bucket setup fails.
func OpenNATSStore(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "hybrid-state"
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("hybridflow-statestore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:   cfg.Bucket,
			Replicas: cfg.Replicas,
			History:  1,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind kv bucket %s: %w", cfg.Bucket, err)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("nats state store ready",
			slog.String("url", cfg.URL),
			slog.String("bucket", cfg.Bucket))
	}
	return &NATSStore{nc: nc, kv: kv, owner: uuid.NewString(), logger: cfg.Logger}, nil
}

// kvKey maps the store key convention onto the KV subject grammar.
// KV keys cannot contain ':', so separators become '.'. Literal '.' and
// '=' in key segments are escaped first so storeKey can invert the
// mapping even when a context ID contains a dot.
func kvKey(key string) string {
	k := strings.ReplaceAll(key, "=", "=3D")
	k = strings.ReplaceAll(k, ".", "=2E")
	return strings.ReplaceAll(k, KeySeparator, ".")
}

// storeKey inverts kvKey.
func storeKey(k string) string {
	s := strings.ReplaceAll(k, ".", KeySeparator)
	s = strings.ReplaceAll(s, "=2E", ".")
	return strings.ReplaceAll(s, "=3D", "=")
}

// Get returns the current value for key.
func (s *NATSStore) Get(ctx context.Context, key string) (*VersionedValue, error) {
	entry, err := s.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	var rec natsRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &VersionedValue{Data: rec.Data, Version: rec.Version, UpdatedAt: rec.UpdatedAt}, nil
}

// Put writes value with compare-and-swap on the application version.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	next := expected + 1
	data, err := json.Marshal(natsRecord{Data: value, Version: next, UpdatedAt: time.Now()})
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}

	entry, err := s.kv.Get(ctx, kvKey(key))
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		if expected != 0 {
			return 0, ErrVersionMismatch
		}
		if _, cerr := s.kv.Create(ctx, kvKey(key), data); cerr != nil {
			if errors.Is(cerr, jetstream.ErrKeyExists) {
				return 0, ErrVersionMismatch
			}
			return 0, s.wrap("create", key, cerr)
		}
		return next, nil
	case err != nil:
		return 0, s.wrap("get", key, err)
	}

	var cur natsRecord
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	if cur.Version != expected {
		return 0, ErrVersionMismatch
	}
	if _, err := s.kv.Update(ctx, kvKey(key), data, entry.Revision()); err != nil {
		if isRevisionConflict(err) {
			return 0, ErrVersionMismatch
		}
		return 0, s.wrap("update", key, err)
	}
	return next, nil
}

// GetVersion returns the current application version for key, 0 if absent.
func (s *NATSStore) GetVersion(ctx context.Context, key string) (uint64, error) {
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
func (s *NATSStore) SetVersion(ctx context.Context, key string, expected, next uint64) (bool, error) {
	entry, err := s.kv.Get(ctx, kvKey(key))
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		if expected != 0 {
			return false, nil
		}
		data, merr := json.Marshal(natsRecord{Version: next, UpdatedAt: time.Now()})
		if merr != nil {
			return false, merr
		}
		if _, cerr := s.kv.Create(ctx, kvKey(key), data); cerr != nil {
			if errors.Is(cerr, jetstream.ErrKeyExists) {
				return false, nil
			}
			return false, s.wrap("create", key, cerr)
		}
		return true, nil
	case err != nil:
		return false, s.wrap("get", key, err)
	}

	var cur natsRecord
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	if cur.Version != expected {
		return false, nil
	}
	cur.Version = next
	cur.UpdatedAt = time.Now()
	data, err := json.Marshal(cur)
	if err != nil {
		return false, err
	}
	if _, err := s.kv.Update(ctx, kvKey(key), data, entry.Revision()); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, s.wrap("update", key, err)
	}
	return true, nil
}

// AcquireLock takes the named lock, waiting up to wait. Expired leases held
// by dead workers are stolen with a revision-checked update.
func (s *NATSStore) AcquireLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := s.tryLock(ctx, key, lease)
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

func (s *NATSStore) tryLock(ctx context.Context, key string, lease time.Duration) (bool, error) {
	rec := lockRecord{Owner: s.owner, ExpiresAt: time.Now().Add(lease)}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	entry, err := s.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		_, cerr := s.kv.Create(ctx, kvKey(key), data)
		if cerr == nil {
			return true, nil
		}
		if errors.Is(cerr, jetstream.ErrKeyExists) {
			return false, nil // lost the race
		}
		return false, s.wrap("create lock", key, cerr)
	}
	if err != nil {
		return false, s.wrap("get lock", key, err)
	}

	var cur lockRecord
	if uerr := json.Unmarshal(entry.Value(), &cur); uerr != nil {
		return false, fmt.Errorf("decode lock %s: %w", key, uerr)
	}
	if time.Now().Before(cur.ExpiresAt) {
		return false, nil
	}
	// Lease expired: steal it. The revision check keeps two stealers from
	// both believing they won.
	if _, uerr := s.kv.Update(ctx, kvKey(key), data, entry.Revision()); uerr != nil {
		if isRevisionConflict(uerr) {
			return false, nil
		}
		return false, s.wrap("steal lock", key, uerr)
	}
	return true, nil
}

// ReleaseLock releases the named lock. Safe to call when unheld or expired.
func (s *NATSStore) ReleaseLock(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, kvKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return s.wrap("release lock", key, err)
	}
	return nil
}

// IncrementActive atomically increments a counter.
func (s *NATSStore) IncrementActive(ctx context.Context, counter string) (int64, error) {
	return s.addCounter(ctx, counter, 1)
}

// DecrementActive atomically decrements a counter, clamping at zero.
func (s *NATSStore) DecrementActive(ctx context.Context, counter string) (int64, error) {
	return s.addCounter(ctx, counter, -1)
}

func (s *NATSStore) addCounter(ctx context.Context, counter string, delta int64) (int64, error) {
	for attempt := 0; attempt < 10; attempt++ {
		entry, err := s.kv.Get(ctx, kvKey(counter))
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			val := delta
			if val < 0 {
				val = 0
			}
			data, merr := json.Marshal(val)
			if merr != nil {
				return 0, merr
			}
			if _, cerr := s.kv.Create(ctx, kvKey(counter), data); cerr != nil {
				if errors.Is(cerr, jetstream.ErrKeyExists) {
					continue // lost the race, re-read
				}
				return 0, s.wrap("create counter", counter, cerr)
			}
			return val, nil
		}
		if err != nil {
			return 0, s.wrap("get counter", counter, err)
		}
		var cur int64
		if uerr := json.Unmarshal(entry.Value(), &cur); uerr != nil {
			return 0, fmt.Errorf("decode counter %s: %w", counter, uerr)
		}
		cur += delta
		if cur < 0 {
			cur = 0
		}
		data, merr := json.Marshal(cur)
		if merr != nil {
			return 0, merr
		}
		if _, uerr := s.kv.Update(ctx, kvKey(counter), data, entry.Revision()); uerr != nil {
			if isRevisionConflict(uerr) {
				if serr := sleepCtx(ctx, time.Millisecond); serr != nil {
					return 0, serr
				}
				continue
			}
			return 0, s.wrap("update counter", counter, uerr)
		}
		return cur, nil
	}
	return 0, ErrContention
}

// GetActiveCount returns the current counter value.
func (s *NATSStore) GetActiveCount(ctx context.Context, counter string) (int64, error) {
	entry, err := s.kv.Get(ctx, kvKey(counter))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, s.wrap("get counter", counter, err)
	}
	var cur int64
	if uerr := json.Unmarshal(entry.Value(), &cur); uerr != nil {
		return 0, fmt.Errorf("decode counter %s: %w", counter, uerr)
	}
	return cur, nil
}

// PushSnapshot appends snap to the key's history, evicting the oldest
// entry once the history exceeds max.
func (s *NATSStore) PushSnapshot(ctx context.Context, key string, snap Snapshot, max int) error {
	if max <= 0 {
		max = 1
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	for attempt := 0; attempt < 10; attempt++ {
		entry, err := s.kv.Get(ctx, kvKey(key))
		var hist []Snapshot
		var revision uint64
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			// first snapshot for this key
		case err != nil:
			return s.wrap("get snapshots", key, err)
		default:
			if uerr := json.Unmarshal(entry.Value(), &hist); uerr != nil {
				return fmt.Errorf("decode snapshots %s: %w", key, uerr)
			}
			revision = entry.Revision()
		}
		hist = append(hist, snap)
		if len(hist) > max {
			hist = hist[len(hist)-max:]
		}
		data, merr := json.Marshal(hist)
		if merr != nil {
			return merr
		}
		if revision == 0 {
			_, cerr := s.kv.Create(ctx, kvKey(key), data)
			if cerr == nil {
				return nil
			}
			if errors.Is(cerr, jetstream.ErrKeyExists) {
				continue
			}
			return s.wrap("create snapshots", key, cerr)
		}
		if _, uerr := s.kv.Update(ctx, kvKey(key), data, revision); uerr != nil {
			if isRevisionConflict(uerr) {
				if serr := sleepCtx(ctx, time.Millisecond); serr != nil {
					return serr
				}
				continue
			}
			return s.wrap("update snapshots", key, uerr)
		}
		return nil
	}
	return ErrContention
}

// Snapshots returns the key's snapshot history, oldest first.
func (s *NATSStore) Snapshots(ctx context.Context, key string) ([]Snapshot, error) {
	entry, err := s.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("get snapshots", key, err)
	}
	var hist []Snapshot
	if uerr := json.Unmarshal(entry.Value(), &hist); uerr != nil {
		return nil, fmt.Errorf("decode snapshots %s: %w", key, uerr)
	}
	return hist, nil
}

// Delete removes key and its version. No-op when absent.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	// Purge removes the key's history too; a tombstone would satisfy the
	// History:1 bucket anyway, but purging keeps listings clean.
	err := s.kv.Purge(ctx, kvKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return s.wrap("delete", key, err)
	}
	return nil
}

// Keys returns the stored keys beginning with prefix, sorted.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, s.wrap("list keys", prefix, err)
	}
	kvPrefix := kvKey(prefix)
	var keys []string
	for k := range lister.Keys() {
		if strings.HasPrefix(k, kvPrefix) {
			// Map the subject grammar back to the store key convention.
			keys = append(keys, storeKey(k))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close drains the NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// wrap classifies transport failures as ErrBackendUnavailable so callers
// can distinguish "NATS is down" from logical errors.
func (s *NATSStore) wrap(op, key string, err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w: %w", op, key, ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

// isRevisionConflict reports whether err is a KV wrong-last-revision
// rejection, i.e. a lost optimistic-concurrency race.
func isRevisionConflict(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// Ensure NATSStore implements Store.
var _ Store = (*NATSStore)(nil)
