// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
)

// GetContext returns the full hybrid context at its current version.
func GetContext(syncer *bridge.Synchronizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		contextID := c.Param("contextId")
		hc, err := syncer.Peek(c.Request.Context(), contextID)
		if err != nil {
			if errors.Is(err, bridge.ErrContextNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "context not found"})
				return
			}
			slog.Error("failed to load context", "contextId", contextID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load context"})
			return
		}
		c.JSON(http.StatusOK, hc)
	}
}

// SyncRequest is the body for POST /v1/contexts/:contextId/sync.
type SyncRequest struct {
	Source   string `json:"source" binding:"required"`
	Strategy string `json:"strategy"`
}

// SyncContext forces a synchronization pass from the named source
// paradigm. A manual-strategy sync that hits true conflicts returns
// 409 with the conflict list and leaves the context uncommitted.
func SyncContext(syncer *bridge.Synchronizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		contextID := c.Param("contextId")
		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source is required"})
			return
		}
		source := bridge.Paradigm(req.Source)
		if !source.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source must be workflow or conversational"})
			return
		}
		strategy := bridge.Strategy(req.Strategy)
		if req.Strategy == "" {
			strategy = bridge.LastWriteWins
		}
		if !strategy.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown conflict strategy"})
			return
		}
		result, err := syncer.Sync(c.Request.Context(), contextID, source, strategy)
		if err != nil {
			switch {
			case errors.Is(err, bridge.ErrContextNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "context not found"})
			case errors.Is(err, bridge.ErrLockTimeout):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "context is locked by another sync, retry later"})
			case errors.Is(err, bridge.ErrContention):
				c.JSON(http.StatusConflict, gin.H{"error": "sync lost the version race repeatedly, retry later"})
			default:
				slog.Error("sync failed", "contextId", contextID, "source", source, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
			}
			return
		}
		if result.Status == bridge.StatusConflict {
			c.JSON(http.StatusConflict, result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// RollbackRequest is the body for POST /v1/contexts/:contextId/rollback.
type RollbackRequest struct {
	Version uint64 `json:"version" binding:"required"`
}

// RollbackContext restores the context to a snapshotted version. The
// restore commits as a new version, so history only moves forward.
func RollbackContext(syncer *bridge.Synchronizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		contextID := c.Param("contextId")
		var req RollbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "version is required"})
			return
		}
		result, err := syncer.Rollback(c.Request.Context(), contextID, req.Version)
		if err != nil {
			switch {
			case errors.Is(err, bridge.ErrContextNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "context not found"})
			case errors.Is(err, bridge.ErrSnapshotNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot at the requested version"})
			case errors.Is(err, bridge.ErrLockTimeout):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "context is locked by another sync, retry later"})
			default:
				slog.Error("rollback failed", "contextId", contextID,
					"version", req.Version, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "rollback failed"})
			}
			return
		}
		slog.Info("context rolled back", "contextId", contextID,
			"requestedVersion", req.Version, "newVersion", result.Version)
		c.JSON(http.StatusOK, result)
	}
}
