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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
	"github.com/AleutianAI/AleutianCanary/services/canary/executor"
	"github.com/AleutianAI/AleutianCanary/services/canary/pipeline"
	"github.com/AleutianAI/AleutianCanary/services/canary/slo"
)

// defaultWindowMinutes is used when a comparison names no window.
const defaultWindowMinutes = 10

// Handlers contains the HTTP handlers for the control API.
type Handlers struct {
	c      *Container
	logger *slog.Logger
}

// NewHandlers creates handlers over c.
func NewHandlers(c *Container, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{c: c, logger: logger.With(slog.String("component", "http"))}
}

// HandleHealth handles GET /v1/canary/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		Running: h.c.Executor.Running(),
	})
}

// HandleStatus handles GET /v1/canary/status.
//
// Response:
//
//	200 OK: executor.Status
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.c.Executor.Status(c.Request.Context()))
}

// HandleStart handles POST /v1/canary/start.
//
// Description:
//
//	Starts a canary for the requested candidate preset.
//
// Request Body:
//
//	StartRequest
//
// Response:
//
//	200 OK: executor.Result
//	400 Bad Request: Invalid body or malformed preset
//	404 Not Found: Unknown preset
//	409 Conflict: A canary is already running
//	500 Internal Server Error: State file failure
func (h *Handlers) HandleStart(c *gin.Context) {
	logger := h.requestLogger(c, "HandleStart")

	var req StartRequest
	if !h.bind(c, logger, &req) {
		return
	}

	res, err := h.c.Executor.StartCanary(c.Request.Context(), req.Candidate, req.DeploymentID)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	logger.Info("Canary started", "candidate", res.Candidate, "deployment_id", res.DeploymentID)
	c.JSON(http.StatusOK, res)
}

// HandleStop handles POST /v1/canary/stop.
//
// Request Body:
//
//	StopRequest
//
// Response:
//
//	200 OK: executor.Result
//	409 Conflict: No canary running
func (h *Handlers) HandleStop(c *gin.Context) {
	logger := h.requestLogger(c, "HandleStop")

	var req StopRequest
	if !h.bind(c, logger, &req) {
		return
	}

	res, err := h.c.Executor.StopCanary(c.Request.Context(), req.Promote, req.Reason)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	logger.Info("Canary stopped", "promote", req.Promote, "status", res.Status.String())
	c.JSON(http.StatusOK, res)
}

// HandleSearch handles POST /v1/canary/search.
//
// Response:
//
//	200 OK: executor.SearchResponse
//	502 Bad Gateway: The pipeline failed; the sample was still recorded
//	503 Service Unavailable: No pipeline configured
func (h *Handlers) HandleSearch(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSearch")

	var req SearchRequest
	if !h.bind(c, logger, &req) {
		return
	}

	resp, err := h.c.Executor.ExecuteSearch(c.Request.Context(), executor.SearchRequest{
		Query:      req.Query,
		Collection: req.Collection,
		TraceID:    req.TraceID,
	})
	if err != nil {
		if resp != nil {
			logger.Warn("Search failed", "config", resp.ConfigName, "error", err)
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "SEARCH_FAILED"})
			return
		}
		h.writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleBuckets handles GET /v1/canary/buckets.
func (h *Handlers) HandleBuckets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"buckets": h.c.Collector.GetAllBuckets()})
}

// HandleViolations handles GET /v1/canary/violations.
func (h *Handlers) HandleViolations(c *gin.Context) {
	v := h.c.Monitor.GetViolations()
	if v == nil {
		v = []slo.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"violations": v})
}

// HandleComparison handles GET /v1/canary/comparison.
func (h *Handlers) HandleComparison(c *gin.Context) {
	window, ok := h.windowParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.c.Evaluator.GetComparison(window))
}

// HandleReport handles GET /v1/canary/report.
func (h *Handlers) HandleReport(c *gin.Context) {
	window, ok := h.windowParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.c.Evaluator.GenerateKPIReport(window))
}

// HandleAudit handles GET /v1/canary/audit.
//
// Query Parameters:
//
//	since - RFC 3339 lower bound (optional)
//	limit - maximum events, default 100
func (h *Handlers) HandleAudit(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAudit")
	if h.c.AuditStore == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "audit store not configured", Code: "NOT_CONFIGURED"})
		return
	}

	var since time.Time
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "since must be RFC 3339", Code: "INVALID_REQUEST"})
			return
		}
		since = t
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "INVALID_REQUEST"})
		return
	}

	events, err := h.c.AuditStore.List(c.Request.Context(), since, limit)
	if err != nil {
		logger.Error("Audit list failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "AUDIT_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// HandleGetRules handles GET /v1/canary/rules.
func (h *Handlers) HandleGetRules(c *gin.Context) {
	c.JSON(http.StatusOK, RulesResponse{Rules: h.c.Monitor.Rules(), Pinned: h.c.Executor.RulesPinned()})
}

// HandlePutRules handles PUT /v1/canary/rules.
//
// Replaces the whole rule set and pins it, so later canary starts keep
// these rules instead of the candidate preset's thresholds. Streaks of
// removed rules are dropped.
func (h *Handlers) HandlePutRules(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePutRules")

	var req RulesRequest
	if !h.bind(c, logger, &req) {
		return
	}
	rules := make([]slo.Rule, len(req.Rules))
	for i, r := range req.Rules {
		rules[i] = r.Rule()
	}
	if err := h.c.Executor.SetRules(rules); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_RULES"})
		return
	}
	logger.Info("SLO rules replaced", "count", len(rules))
	c.JSON(http.StatusOK, RulesResponse{Rules: h.c.Monitor.Rules(), Pinned: true})
}

// HandleListPresets handles GET /v1/canary/presets.
func (h *Handlers) HandleListPresets(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListPresets")
	names, err := h.c.Manager.ListPresets()
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, PresetsResponse{Presets: names})
}

// HandleGetPreset handles GET /v1/canary/presets/:name.
func (h *Handlers) HandleGetPreset(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetPreset")
	cfg, err := h.c.Manager.LoadPreset(c.Param("name"))
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// =============================================================================
// Helpers
// =============================================================================

// bind decodes and validates the JSON body into req, writing a 400 on
// failure.
func (h *Handlers) bind(c *gin.Context, logger *slog.Logger, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return false
	}
	if err := requestValidate.Struct(req); err != nil {
		logger.Warn("Request validation failed", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "VALIDATION_FAILED"})
		return false
	}
	return true
}

func (h *Handlers) windowParam(c *gin.Context) (int, bool) {
	raw := c.Query("window_minutes")
	if raw == "" {
		return defaultWindowMinutes, true
	}
	window, err := strconv.Atoi(raw)
	if err != nil || window < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "window_minutes must be a non-negative integer",
			Code:  "INVALID_REQUEST",
		})
		return 0, false
	}
	return window, true
}

// writeError maps control-plane errors to HTTP statuses.
func (h *Handlers) writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, executor.ErrNotRunning):
		status, code = http.StatusConflict, "NOT_RUNNING"
	case errors.Is(err, deployment.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, deployment.ErrValidation):
		status, code = http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, deployment.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, deployment.ErrInvalidState):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, deployment.ErrStateIO):
		status, code = http.StatusInternalServerError, "STATE_IO"
	case errors.Is(err, pipeline.ErrPipelineUnavailable):
		status, code = http.StatusServiceUnavailable, "PIPELINE_UNAVAILABLE"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "code", code)
	} else {
		logger.Warn("Request rejected", "error", err, "code", code)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return h.logger.With("request_id", requestID, "handler", handler)
}
