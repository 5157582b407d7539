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
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianCanary/services/canary/slo"
)

// =============================================================================
// Requests
// =============================================================================

// StartRequest is the body of POST /v1/canary/start.
type StartRequest struct {
	Candidate    string `json:"candidate" validate:"required,max=128"`
	DeploymentID string `json:"deployment_id" validate:"omitempty,max=128"`
}

// StopRequest is the body of POST /v1/canary/stop.
type StopRequest struct {
	Promote bool   `json:"promote"`
	Reason  string `json:"reason" validate:"max=1024"`
}

// SearchRequest is the body of POST /v1/canary/search.
type SearchRequest struct {
	Query      string `json:"query" validate:"required,max=4096"`
	Collection string `json:"collection" validate:"omitempty,max=256"`
	TraceID    string `json:"trace_id" validate:"omitempty,max=128"`
}

// RuleSpec is one SLO rule as accepted over HTTP.
type RuleSpec struct {
	Name               string  `json:"name" validate:"required,max=128"`
	Metric             string  `json:"metric" validate:"required,oneof=p95_ms recall_at_10 slo_violations"`
	Operator           string  `json:"operator" validate:"required,oneof=le ge lt gt eq"`
	Threshold          float64 `json:"threshold"`
	ConsecutiveBuckets int     `json:"consecutive_buckets" validate:"required,min=1,max=1000"`
}

// Rule converts r to an slo.Rule.
func (r RuleSpec) Rule() slo.Rule {
	return slo.Rule{
		Name:               r.Name,
		Metric:             slo.Metric(r.Metric),
		Operator:           slo.Operator(r.Operator),
		Threshold:          r.Threshold,
		ConsecutiveBuckets: r.ConsecutiveBuckets,
	}
}

// RulesRequest is the body of PUT /v1/canary/rules.
type RulesRequest struct {
	Rules []RuleSpec `json:"rules" validate:"required,min=1,max=64,dive"`
}

// requestValidate checks request DTOs.
var requestValidate = validator.New()

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the body of GET /v1/canary/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Running bool   `json:"running"`
}

// RulesResponse lists the SLO rules in force.
type RulesResponse struct {
	Rules []slo.Rule `json:"rules"`

	// Pinned is true when canary starts keep these rules instead of
	// deriving them from the candidate preset.
	Pinned bool `json:"pinned"`
}

// PresetsResponse lists the available presets.
type PresetsResponse struct {
	Presets []string `json:"presets"`
}
