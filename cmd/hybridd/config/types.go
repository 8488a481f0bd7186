// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import "fmt"

type HybridConfig struct {
	// Server: HTTP listener settings
	Server ServerConfig `yaml:"server"`

	// Store: which state backend to run on and how
	Store StoreConfig `yaml:"store"`

	// Router: intent classification tiers
	Router RouterConfig `yaml:"router"`

	// Sync: context bridge behavior
	Sync SyncConfig `yaml:"sync"`

	// Executor: unified tool pipeline
	Executor ExecutorConfig `yaml:"executor"`

	// Orchestrator: admission and turn limits
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Reaper: idle context expiry
	Reaper ReaperConfig `yaml:"reaper"`

	// Logging: level and optional file destination
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port string `yaml:"port"` // e.g. 8090
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`   // empty disables file logging
}

type StoreConfig struct {
	// Backend can be "memory", "badger", or "nats".
	Backend string `yaml:"backend"`

	// Fallback keeps serving from a local store when the shared
	// backend goes away. Only meaningful for the nats backend.
	Fallback bool `yaml:"fallback"`

	Badger BadgerConfig `yaml:"badger"`
	NATS   NATSConfig   `yaml:"nats"`
}

type BadgerConfig struct {
	Path       string `yaml:"path"`        // e.g. /var/lib/hybridflow
	SyncWrites bool   `yaml:"sync_writes"` // fsync every write
}

type NATSConfig struct {
	URL      string `yaml:"url"`    // e.g. nats://localhost:4222
	Bucket   string `yaml:"bucket"` // e.g. hybrid-state
	Replicas int    `yaml:"replicas"`
}

type RouterConfig struct {
	// Semantic enables the embedding tier. Needs EMBEDDING_SERVICE_URL.
	Semantic bool `yaml:"semantic"`

	// LLMBackend can be "ollama", "openai", or "" to disable the tier.
	LLMBackend string `yaml:"llm_backend"`

	// Weaviate enables the shared exemplar catalog. Needs
	// WEAVIATE_SERVICE_URL. Falls back to the in-memory catalog.
	Weaviate bool `yaml:"weaviate"`

	// Per-tier acceptance thresholds, each in [0, 1]. Zero means the
	// built-in default for that tier.
	PatternThreshold  float64 `yaml:"pattern_threshold"`
	SemanticThreshold float64 `yaml:"semantic_threshold"`
	LLMThreshold      float64 `yaml:"llm_threshold"`

	// RouteTimeoutSeconds bounds one classification across all tiers.
	// Zero means the built-in default.
	RouteTimeoutSeconds int `yaml:"route_timeout_seconds"`
}

type SyncConfig struct {
	MaxSnapshots      int `yaml:"max_snapshots"`
	HistoryMaxEntries int `yaml:"history_max_entries"`

	// LockWaitSeconds bounds how long a sync waits to acquire the
	// context lock before giving up with a lock timeout.
	LockWaitSeconds int `yaml:"lock_wait_seconds"`

	// LockLeaseSeconds is how long a held lock stays valid before a
	// contender may steal it.
	LockLeaseSeconds int `yaml:"lock_lease_seconds"`

	// MaxRetries is the compare-and-swap retry budget per commit.
	MaxRetries int `yaml:"max_retries"`
}

type ExecutorConfig struct {
	ApprovalWindowSeconds int `yaml:"approval_window_seconds"`
	ToolTimeoutSeconds    int `yaml:"tool_timeout_seconds"`
}

type OrchestratorConfig struct {
	MaxActiveSessions int64 `yaml:"max_active_sessions"`
	MaxTurns          int   `yaml:"max_turns"`
}

type ReaperConfig struct {
	Enabled         bool `yaml:"enabled"`
	IdleTTLHours    int  `yaml:"idle_ttl_hours"`
	IntervalMinutes int  `yaml:"interval_minutes"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() HybridConfig {
	return HybridConfig{
		Server: ServerConfig{Port: "8090"},
		Store: StoreConfig{
			Backend:  "badger",
			Fallback: true,
			Badger: BadgerConfig{
				Path:       "/var/lib/hybridflow",
				SyncWrites: true,
			},
			NATS: NATSConfig{
				URL:      "nats://localhost:4222",
				Bucket:   "hybrid-state",
				Replicas: 1,
			},
		},
		Router: RouterConfig{
			Semantic:            false,
			LLMBackend:          "",
			Weaviate:            false,
			PatternThreshold:    0.8,
			SemanticThreshold:   0.75,
			LLMThreshold:        0.5,
			RouteTimeoutSeconds: 10,
		},
		Sync: SyncConfig{
			MaxSnapshots:      20,
			HistoryMaxEntries: 100,
			LockWaitSeconds:   2,
			LockLeaseSeconds:  15,
			MaxRetries:        5,
		},
		Executor: ExecutorConfig{
			ApprovalWindowSeconds: 30,
			ToolTimeoutSeconds:    60,
		},
		Orchestrator: OrchestratorConfig{
			MaxActiveSessions: 256,
			MaxTurns:          20,
		},
		Reaper: ReaperConfig{
			Enabled:         true,
			IdleTTLHours:    24,
			IntervalMinutes: 10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *HybridConfig) Validate() error {
	switch c.Store.Backend {
	case "memory", "badger", "nats":
	default:
		return fmt.Errorf("store.backend must be memory, badger, or nats, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "badger" && c.Store.Badger.Path == "" {
		return fmt.Errorf("store.badger.path is required for the badger backend")
	}
	if c.Store.Backend == "nats" && c.Store.NATS.URL == "" {
		return fmt.Errorf("store.nats.url is required for the nats backend")
	}
	switch c.Router.LLMBackend {
	case "", "ollama", "openai":
	default:
		return fmt.Errorf("router.llm_backend must be ollama, openai, or empty, got %q", c.Router.LLMBackend)
	}
	for name, v := range map[string]float64{
		"router.pattern_threshold":  c.Router.PatternThreshold,
		"router.semantic_threshold": c.Router.SemanticThreshold,
		"router.llm_threshold":      c.Router.LLMThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, v)
		}
	}
	if c.Router.RouteTimeoutSeconds < 0 {
		return fmt.Errorf("router.route_timeout_seconds must not be negative, got %d", c.Router.RouteTimeoutSeconds)
	}
	for name, v := range map[string]int{
		"sync.lock_wait_seconds":  c.Sync.LockWaitSeconds,
		"sync.lock_lease_seconds": c.Sync.LockLeaseSeconds,
		"sync.max_retries":        c.Sync.MaxRetries,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	return nil
}
