// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ab compares the baseline ("A") and candidate ("B") branches of a
// canary from closed metric buckets.
//
// Traffic assignment is a deterministic hash of the trace ID so a request
// retried with the same ID always lands on the same branch. Significance is
// a minimum-sample heuristic, not a parametric test.
package ab

import (
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
)

// Branch labels one side of the comparison.
type Branch string

const (
	BranchA Branch = "A"
	BranchB Branch = "B"
)

// Decision is the outcome of a KPI report.
type Decision string

const (
	DecisionPromote          Decision = "PROMOTE"
	DecisionRollback         Decision = "ROLLBACK"
	DecisionInconclusive     Decision = "INCONCLUSIVE"
	DecisionInsufficientData Decision = "INSUFFICIENT_DATA"
)

// Bucket is a metrics bucket tagged with its branch.
type Bucket struct {
	metrics.Bucket
	Branch Branch `json:"branch"`
	Valid  bool   `json:"valid"`
}

// BranchStats aggregates one branch over a window.
//
// BucketCount includes invalid buckets; the averages cover valid buckets
// only.
type BranchStats struct {
	Branch             Branch   `json:"branch"`
	Configs            []string `json:"configs"`
	BucketCount        int      `json:"bucket_count"`
	ValidBuckets       int      `json:"valid_buckets"`
	TotalResponses     int      `json:"total_responses"`
	AvgP95Ms           float64  `json:"avg_p95_ms"`
	AvgRecallAt10      float64  `json:"avg_recall_at_10"`
	TotalSLOViolations int      `json:"total_slo_violations"`
	SLOViolationRate   float64  `json:"slo_violation_rate"`
}

// Comparison is the A/B view over a window.
//
// Positive improvements favor the candidate: P95Improvement is A minus B,
// RecallImprovement is B minus A, and both violation reductions are A
// minus B.
type Comparison struct {
	WindowMinutes             int         `json:"window_minutes"`
	GeneratedAt               time.Time   `json:"generated_at"`
	A                         BranchStats `json:"a"`
	B                         BranchStats `json:"b"`
	P95Improvement            float64     `json:"p95_improvement"`
	RecallImprovement         float64     `json:"recall_improvement"`
	SLOViolationReduction     int         `json:"slo_violation_reduction"`
	SLOViolationRateReduction float64     `json:"slo_violation_rate_reduction"`
	TotalBuckets              int         `json:"total_buckets"`
	ValidBuckets              int         `json:"valid_buckets"`
	ValidPercentage           float64     `json:"valid_percentage"`
	IsSignificant             bool        `json:"is_significant"`
	ConfidenceLevel           float64     `json:"confidence_level"`
}

// KPIReport is a promotion recommendation.
type KPIReport struct {
	Decision     Decision   `json:"decision"`
	Reasons      []string   `json:"reasons"`
	Baseline     string     `json:"baseline"`
	Candidate    string     `json:"candidate,omitempty"`
	CanaryStatus string     `json:"canary_status"`
	Comparison   Comparison `json:"comparison"`
}
