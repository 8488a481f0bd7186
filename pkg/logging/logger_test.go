// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the structured logging package

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToStdoutOnly(t *testing.T) {
	logger, closeFn, err := New(Config{Service: "test"})
	require.NoError(t, err)
	defer closeFn()

	require.NotNil(t, logger)
	logger.Info("hello")
}

func TestNewWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, closeFn, err := New(Config{Service: "hybrid", LogDir: dir})
	require.NoError(t, err)

	logger.Info("state store opened", "backend", "badger")
	require.NoError(t, closeFn())

	name := "hybrid_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "state store opened", entry["msg"])
	assert.Equal(t, "badger", entry["backend"])
	assert.Equal(t, "hybrid", entry["service"])
}

func TestNewCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	_, closeFn, err := New(Config{Service: "hybrid", LogDir: dir})
	require.NoError(t, err)
	defer closeFn()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"WARN", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"", "INFO"},
		{"garbage", "INFO"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in).String(), "input %q", tt.in)
	}
}

func TestLevelFiltersFileOutput(t *testing.T) {
	dir := t.TempDir()
	logger, closeFn, err := New(Config{Service: "hybrid", LogDir: dir, Level: "warn"})
	require.NoError(t, err)

	logger.Info("should be dropped")
	logger.Warn("should be kept")
	require.NoError(t, closeFn())

	name := "hybrid_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "should be dropped")
	assert.Contains(t, string(data), "should be kept")
}
