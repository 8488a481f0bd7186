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

	"github.com/AleutianAI/hybridflow/services/hybrid/intent"
	"github.com/AleutianAI/hybridflow/services/hybrid/orchestrator"
)

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// InputRequest is the body for POST /v1/inputs.
type InputRequest struct {
	ContextID string `json:"contextId" binding:"required"`
	Input     string `json:"input" binding:"required"`
}

// HandleInput runs one user input through the full pipeline: classify,
// execute on the chosen paradigm, then sync the shared context.
func HandleInput(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InputRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "contextId and input are required"})
			return
		}
		resp, err := orch.HandleInput(c.Request.Context(), req.ContextID, req.Input)
		if err != nil {
			if errors.Is(err, orchestrator.ErrAdmissionFull) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "session capacity reached, retry later"})
				return
			}
			if errors.Is(err, intent.ErrEmptyInput) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "input must not be blank"})
				return
			}
			slog.Error("input handling failed", "contextId", req.ContextID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "input handling failed"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetAdmission reports the current active session count.
func GetAdmission(admission *orchestrator.Admission) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, err := admission.Active(c.Request.Context())
		if err != nil {
			slog.Error("failed to read the active session counter", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session count"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": active})
	}
}
