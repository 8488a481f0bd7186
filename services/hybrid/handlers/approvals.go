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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/hybridflow/services/hybrid/tools"
)

// ListPendingApprovals returns the execution IDs currently waiting on
// a human decision.
func ListPendingApprovals(gate *tools.InProcessGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": gate.Pending()})
	}
}

// ApprovalDecision is the body for POST /v1/approvals/:executionId.
type ApprovalDecision struct {
	Decision string `json:"decision" binding:"required"`
}

// ResolveApproval approves or denies a pending tool execution. The
// executor side times out on its own, so a decision that arrives after
// the window simply finds nothing to resolve.
func ResolveApproval(gate *tools.InProcessGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		executionID := c.Param("executionId")
		var req ApprovalDecision
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "decision is required"})
			return
		}
		var resolved bool
		switch req.Decision {
		case "approve":
			resolved = gate.Approve(executionID)
		case "deny":
			resolved = gate.Deny(executionID)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be approve or deny"})
			return
		}
		if !resolved {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending approval for that execution"})
			return
		}
		slog.Info("approval resolved", "executionId", executionID, "decision", req.Decision)
		c.JSON(http.StatusOK, gin.H{"executionId": executionID, "decision": req.Decision})
	}
}
