// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor orchestrates a canary: it routes search traffic between
// the active and candidate configurations, runs the background monitor
// that feeds closed buckets to the SLO monitor and the A/B evaluator, and
// exposes start and stop.
//
// The deployment manager is authoritative. Every public call re-reads its
// state and reconciles: a canary stopped elsewhere is finalized, and one
// started elsewhere is adopted.
package executor

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/ab"
	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
	"github.com/AleutianAI/AleutianCanary/services/canary/pipeline"
)

var (
	// ErrNotRunning indicates a stop was requested with no canary running.
	// It matches deployment.ErrConflict.
	ErrNotRunning = fmt.Errorf("%w: no canary running", deployment.ErrConflict)

	// ErrMonitorTimeout indicates the monitor did not exit within the stop
	// timeout. It is logged, never returned.
	ErrMonitorTimeout = errors.New("monitor did not stop in time")
)

// Route names the branch a search was sent to.
type Route string

const (
	RouteActive    Route = "active"
	RouteCandidate Route = "candidate"
)

// SearchRequest is one routed search.
type SearchRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

// SearchResponse is the outcome of a routed search.
type SearchResponse struct {
	TraceID    string            `json:"trace_id"`
	ConfigName string            `json:"config_name"`
	Route      Route             `json:"route"`
	ABBucket   ab.Branch         `json:"ab_bucket"`
	Results    []pipeline.Result `json:"results"`
	LatencyMs  float64           `json:"latency_ms"`
	RecallAt10 float64           `json:"recall_at_10"`
}

// Result records one canary run.
//
// FinalMetrics is keyed by route ("active", "candidate") and set when the
// run ends.
type Result struct {
	DeploymentID string                    `json:"deployment_id"`
	Candidate    string                    `json:"candidate"`
	Active       string                    `json:"active"`
	StartTime    time.Time                 `json:"start_time"`
	EndTime      *time.Time                `json:"end_time,omitempty"`
	Status       deployment.Status         `json:"status"`
	Reason       string                    `json:"reason,omitempty"`
	FinalMetrics map[Route]metrics.Summary `json:"final_metrics,omitempty"`
	Report       *ab.KPIReport             `json:"report,omitempty"`
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	out.FinalMetrics = maps.Clone(r.FinalMetrics)
	if r.Report != nil {
		rep := *r.Report
		rep.Reasons = append([]string(nil), r.Report.Reasons...)
		out.Report = &rep
	}
	return &out
}

// Status is the executor's view of the canary.
type Status struct {
	Running      bool             `json:"running"`
	DeploymentID string           `json:"deployment_id,omitempty"`
	State        deployment.State `json:"state"`
	TrafficSplit float64          `json:"traffic_split"`
	Result       *Result          `json:"result,omitempty"`
}
