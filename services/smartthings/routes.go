// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package smartthings

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the simulated device API on rg.
//
// Routes (relative to rg):
//
//	GET    /v1/devices
//	GET    /v1/devices/:deviceId
//	GET    /v1/devices/:deviceId/status
//	GET    /v1/devices/:deviceId/components/:componentId/capabilities/:capabilityId/status
//	POST   /v1/devices/:deviceId/commands
//	GET    /v1/sessions/:sessionId/state
//	PUT    /v1/sessions/:sessionId/state
//	DELETE /v1/sessions/:sessionId
//	GET    /v1/sessions/:sessionId/logs
//	POST   /v1/sessions/:sessionId/logs
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	v1 := rg.Group("/v1")

	devices := v1.Group("/devices")
	{
		devices.GET("", handlers.HandleListDevices)
		devices.GET("/:deviceId", handlers.HandleGetDevice)
		devices.GET("/:deviceId/status", handlers.HandleGetDevice)
		devices.GET("/:deviceId/components/:componentId/capabilities/:capabilityId/status", handlers.HandleGetCapability)
		devices.POST("/:deviceId/commands", handlers.HandlePostCommands)
	}

	sessions := v1.Group("/sessions")
	{
		sessions.GET("/:sessionId/state", handlers.HandleGetState)
		sessions.PUT("/:sessionId/state", handlers.HandlePutState)
		sessions.DELETE("/:sessionId", handlers.HandleDeleteSession)
		sessions.GET("/:sessionId/logs", handlers.HandleGetLogs)
		sessions.POST("/:sessionId/logs", handlers.HandleAddLog)
	}
}
