// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package triggers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the trigger routes on rg.
//
// Routes (relative to rg):
//
//	GET  /check_triggers
//	POST /trigger_manually
//	POST /add_condition
//	GET  /reset
//	POST /reset
//	GET  /conditions
//	GET  /healthz
//	GET  /metrics          (when metrics is non-nil)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, metrics http.Handler) {
	rg.GET("/check_triggers", handlers.HandleCheckTriggers)
	rg.POST("/trigger_manually", handlers.HandleTriggerManually)
	rg.POST("/add_condition", handlers.HandleAddCondition)
	rg.GET("/reset", handlers.HandleReset)
	rg.POST("/reset", handlers.HandleReset)
	rg.GET("/conditions", handlers.HandleConditions)
	rg.GET("/healthz", handlers.HandleHealth)
	if metrics != nil {
		rg.GET("/metrics", gin.WrapH(metrics))
	}
}
