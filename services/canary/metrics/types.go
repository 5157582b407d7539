// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics aggregates per-request search samples into fixed-duration
// buckets per configuration.
//
// Ingestion is a single append under one mutex. Buckets are closed only when
// a caller drains them with GetCompletedBuckets; the collector never
// schedules itself.
package metrics

import "time"

// Sample is one observed search request.
type Sample struct {
	TraceID     string    `json:"trace_id"`
	Timestamp   time.Time `json:"timestamp"`
	LatencyMs   float64   `json:"latency_ms"`
	RecallAt10  float64   `json:"recall_at_10"`
	ConfigName  string    `json:"config_name"`
	SLOViolated bool      `json:"slo_violated"`
}

// Bucket summarizes the samples of one config over one window.
//
// A bucket with ResponseCount == 0 always has P95Ms and RecallAt10 equal
// to zero. Timestamp is the window boundary; several buckets of one config
// can share it when they are drained more often than the window length.
// ClosedAt is strictly increasing across the buckets of one collector.
type Bucket struct {
	Timestamp     time.Time `json:"timestamp"`
	ClosedAt      time.Time `json:"closed_at"`
	DurationSec   int       `json:"duration_sec"`
	P95Ms         float64   `json:"p95_ms"`
	RecallAt10    float64   `json:"recall_at_10"`
	ResponseCount int       `json:"response_count"`
	SLOViolations int       `json:"slo_violations"`
	ConfigName    string    `json:"config_name"`
}

// Summary aggregates the buckets of one config over a window.
//
// AvgP95Ms is the mean of per-bucket p95 values, not a percentile over the
// raw samples.
type Summary struct {
	ConfigName         string  `json:"config_name"`
	WindowMinutes      int     `json:"window_minutes"`
	BucketCount        int     `json:"bucket_count"`
	TotalResponses     int     `json:"total_responses"`
	AvgP95Ms           float64 `json:"avg_p95_ms"`
	AvgRecallAt10      float64 `json:"avg_recall_at_10"`
	TotalSLOViolations int     `json:"total_slo_violations"`
	SLOViolationRate   float64 `json:"slo_violation_rate"`
}
