// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
	"github.com/AleutianAI/hybridflow/services/hybrid/handlers"
	"github.com/AleutianAI/hybridflow/services/hybrid/orchestrator"
	"github.com/AleutianAI/hybridflow/services/hybrid/tools"
)

func SetupRoutes(router *gin.Engine, orch *orchestrator.Orchestrator, syncer *bridge.Synchronizer,
	gate *tools.InProcessGate, admission *orchestrator.Admission) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/inputs", handlers.HandleInput(orch))
		v1.GET("/admission", handlers.GetAdmission(admission))

		// Context administration routes
		contexts := v1.Group("/contexts")
		{
			contexts.GET("/:contextId", handlers.GetContext(syncer))
			contexts.POST("/:contextId/sync", handlers.SyncContext(syncer))
			contexts.POST("/:contextId/rollback", handlers.RollbackContext(syncer))
		}
		// Human approval routes
		approvals := v1.Group("/approvals")
		{
			approvals.GET("", handlers.ListPendingApprovals(gate))
			approvals.POST("/:executionId", handlers.ResolveApproval(gate))
		}
	}
}
