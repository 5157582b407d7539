// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package canary

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the /v1/canary endpoints.
//
// Description:
//
//	Registers all control API endpoints under the given group, typically
//	/v1.
//
// Endpoints:
//
//	GET  /v1/canary/health              - Health check
//	GET  /v1/canary/status              - Executor and deployment state
//	POST /v1/canary/start               - Start a canary
//	POST /v1/canary/stop                - Promote or roll back
//	POST /v1/canary/search              - Route one search
//	GET  /v1/canary/buckets             - Closed metric buckets
//	GET  /v1/canary/violations          - SLO violation log
//	GET  /v1/canary/comparison          - A/B comparison (?window_minutes=)
//	GET  /v1/canary/report              - KPI report (?window_minutes=)
//	GET  /v1/canary/rules               - SLO rules in force
//	PUT  /v1/canary/rules               - Replace the SLO rules
//	GET  /v1/canary/presets             - Preset names
//	GET  /v1/canary/presets/:name       - One preset
//	GET  /v1/canary/audit               - Persisted audit events (?since=&limit=)
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	canary := rg.Group("/canary")
	{
		canary.GET("/health", h.HandleHealth)
		canary.GET("/status", h.HandleStatus)

		// Lifecycle
		canary.POST("/start", h.HandleStart)
		canary.POST("/stop", h.HandleStop)

		// Traffic
		canary.POST("/search", h.HandleSearch)

		// Observation
		canary.GET("/buckets", h.HandleBuckets)
		canary.GET("/violations", h.HandleViolations)
		canary.GET("/comparison", h.HandleComparison)
		canary.GET("/report", h.HandleReport)
		canary.GET("/audit", h.HandleAudit)

		// Configuration
		canary.GET("/rules", h.HandleGetRules)
		canary.PUT("/rules", h.HandlePutRules)
		canary.GET("/presets", h.HandleListPresets)
		canary.GET("/presets/:name", h.HandleGetPreset)
	}
}

// NewRouter returns a gin engine with recovery, tracing and the control
// API. metricsHandler, when non-nil, is served at /metrics.
func NewRouter(h *Handlers, serviceName string, metricsHandler http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := router.Group("/v1")
	RegisterRoutes(v1, h)
	return router
}
