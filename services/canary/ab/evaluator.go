// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ab

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
)

// StateSource supplies the deployment state used to label buckets.
//
// *deployment.Manager implements it.
type StateSource interface {
	GetCanaryStatus() deployment.State
}

// Config configures an Evaluator.
type Config struct {
	// SplitA is the percentage of trace IDs assigned to branch A.
	// Default: 90
	SplitA int

	// History bounds the retained bucket history.
	// Default: 1h
	History time.Duration

	// MinBuckets and MinResponses are the per-branch significance floor.
	// Defaults: 3 and 10
	MinBuckets   int
	MinResponses int

	// MinValidPercentage gates every decision other than INSUFFICIENT_DATA.
	// Default: 80
	MinValidPercentage float64

	// MaxP95RegressionMs is how much slower B may be before a rollback.
	// Default: 50
	MaxP95RegressionMs float64

	// MaxRecallRegression is how much lower B's recall may be.
	// Default: 0.01
	MaxRecallRegression float64

	// MemoSize bounds the assignment memo; it is cleared when full.
	// Default: 10000
	MemoSize int

	// Logger. Nil uses slog.Default().
	Logger *slog.Logger

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SplitA:              90,
		History:             time.Hour,
		MinBuckets:          3,
		MinResponses:        10,
		MinValidPercentage:  80,
		MaxP95RegressionMs:  50,
		MaxRecallRegression: 0.01,
		MemoSize:            10000,
	}
}

// Evaluator labels buckets and compares branches.
//
// # Thread Safety
//
// Safe for concurrent use. The state source is queried before the
// evaluator's lock is taken.
type Evaluator struct {
	cfg    Config
	state  StateSource
	logger *slog.Logger

	memoMu sync.Mutex
	memo   map[string]Branch

	mu      sync.Mutex
	history []Bucket
}

// NewEvaluator creates an Evaluator. Zero fields in cfg take their
// defaults; SplitA is clamped to [0, 100].
func NewEvaluator(cfg Config, state StateSource) *Evaluator {
	def := DefaultConfig()
	if cfg.SplitA == 0 {
		cfg.SplitA = def.SplitA
	}
	cfg.SplitA = min(max(cfg.SplitA, 0), 100)
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MinBuckets <= 0 {
		cfg.MinBuckets = def.MinBuckets
	}
	if cfg.MinResponses <= 0 {
		cfg.MinResponses = def.MinResponses
	}
	if cfg.MinValidPercentage <= 0 {
		cfg.MinValidPercentage = def.MinValidPercentage
	}
	if cfg.MaxP95RegressionMs <= 0 {
		cfg.MaxP95RegressionMs = def.MaxP95RegressionMs
	}
	if cfg.MaxRecallRegression <= 0 {
		cfg.MaxRecallRegression = def.MaxRecallRegression
	}
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = def.MemoSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Evaluator{
		cfg:    cfg,
		state:  state,
		logger: cfg.Logger.With(slog.String("component", "ab_evaluator")),
		memo:   make(map[string]Branch),
	}
}

// AssignBucket maps a trace ID to a branch.
//
// xxhash64(traceID) mod 100 below SplitA is A, otherwise B. The result is
// memoized so repeated calls are stable and cheap.
func (e *Evaluator) AssignBucket(traceID string) Branch {
	e.memoMu.Lock()
	defer e.memoMu.Unlock()

	if b, ok := e.memo[traceID]; ok {
		return b
	}
	b := BranchB
	if int(xxhash.Sum64String(traceID)%100) < e.cfg.SplitA {
		b = BranchA
	}
	if len(e.memo) >= e.cfg.MemoSize {
		clear(e.memo)
	}
	e.memo[traceID] = b
	return b
}

// label decides the branch of a config under st.
//
// The candidate is B. The baseline is A: the last-good config, and also the
// active config while a canary runs on top of a promoted one.
func label(st deployment.State, configName string) (Branch, bool) {
	if st.CandidateConfig != nil && configName == *st.CandidateConfig {
		return BranchB, true
	}
	if configName == st.LastGoodConfig || configName == st.ActiveConfig {
		return BranchA, true
	}
	return "", false
}

// ProcessMetricsBuckets labels buckets against the current deployment state
// and appends them to the history.
//
// Buckets of unrecognized configs are dropped. History older than the
// retention window is purged.
//
// # Outputs
//
//   - int: The number of buckets kept.
func (e *Evaluator) ProcessMetricsBuckets(buckets []metrics.Bucket) int {
	if len(buckets) == 0 {
		return 0
	}
	st := e.state.GetCanaryStatus()

	tagged := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		branch, ok := label(st, b.ConfigName)
		if !ok {
			e.logger.Debug("dropping bucket for unrecognized config",
				slog.String("config", b.ConfigName))
			continue
		}
		tagged = append(tagged, Bucket{Bucket: b, Branch: branch, Valid: b.ResponseCount > 0})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, tagged...)
	e.purgeLocked(e.cfg.Now())
	return len(tagged)
}

func (e *Evaluator) purgeLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.History)
	keep := e.history[:0]
	for _, b := range e.history {
		if !b.Timestamp.Before(cutoff) {
			keep = append(keep, b)
		}
	}
	clear(e.history[len(keep):])
	e.history = keep
}

// GetHistory returns a copy of the labelled history, oldest first.
func (e *Evaluator) GetHistory() []Bucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Bucket(nil), e.history...)
}

// Reset drops the history and the assignment memo.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()

	e.memoMu.Lock()
	clear(e.memo)
	e.memoMu.Unlock()
}

// GetComparison compares the branches over the last windowMinutes.
// A non-positive window covers the whole history.
func (e *Evaluator) GetComparison(windowMinutes int) Comparison {
	now := e.cfg.Now()

	e.mu.Lock()
	var window []Bucket
	for _, b := range e.history {
		if windowMinutes <= 0 || !b.Timestamp.Before(now.Add(-time.Duration(windowMinutes)*time.Minute)) {
			window = append(window, b)
		}
	}
	e.mu.Unlock()

	c := Comparison{
		WindowMinutes: windowMinutes,
		GeneratedAt:   now.UTC(),
		A:             branchStats(BranchA, window),
		B:             branchStats(BranchB, window),
		TotalBuckets:  len(window),
	}
	for _, b := range window {
		if b.Valid {
			c.ValidBuckets++
		}
	}
	if c.TotalBuckets > 0 {
		c.ValidPercentage = float64(c.ValidBuckets) / float64(c.TotalBuckets) * 100
	}

	c.P95Improvement = c.A.AvgP95Ms - c.B.AvgP95Ms
	c.RecallImprovement = c.B.AvgRecallAt10 - c.A.AvgRecallAt10
	c.SLOViolationReduction = c.A.TotalSLOViolations - c.B.TotalSLOViolations
	c.SLOViolationRateReduction = c.A.SLOViolationRate - c.B.SLOViolationRate

	c.IsSignificant = e.significant(c.A) && e.significant(c.B)
	c.ConfidenceLevel = 50
	if c.IsSignificant {
		c.ConfidenceLevel = 95
	}
	return c
}

func (e *Evaluator) significant(s BranchStats) bool {
	return s.BucketCount >= e.cfg.MinBuckets && s.TotalResponses >= e.cfg.MinResponses
}

func branchStats(branch Branch, buckets []Bucket) BranchStats {
	s := BranchStats{Branch: branch, Configs: []string{}}
	seen := make(map[string]struct{})
	var sumP95, sumRecall float64
	for _, b := range buckets {
		if b.Branch != branch {
			continue
		}
		s.BucketCount++
		if _, ok := seen[b.ConfigName]; !ok {
			seen[b.ConfigName] = struct{}{}
			s.Configs = append(s.Configs, b.ConfigName)
		}
		if !b.Valid {
			continue
		}
		s.ValidBuckets++
		s.TotalResponses += b.ResponseCount
		s.TotalSLOViolations += b.SLOViolations
		sumP95 += b.P95Ms
		sumRecall += b.RecallAt10
	}
	sort.Strings(s.Configs)
	if s.ValidBuckets > 0 {
		s.AvgP95Ms = sumP95 / float64(s.ValidBuckets)
		s.AvgRecallAt10 = sumRecall / float64(s.ValidBuckets)
	}
	if s.TotalResponses > 0 {
		s.SLOViolationRate = float64(s.TotalSLOViolations) / float64(s.TotalResponses)
	}
	return s
}

// GenerateKPIReport turns a comparison into a decision.
//
// # Description
//
// Checked in order:
//
//  1. INSUFFICIENT_DATA when either branch has no buckets or fewer than
//     MinValidPercentage of the buckets are valid.
//  2. INCONCLUSIVE when the comparison is not significant.
//  3. ROLLBACK when B's p95 is more than MaxP95RegressionMs slower, its
//     recall is more than MaxRecallRegression lower, or its violation rate
//     is higher.
//  4. PROMOTE otherwise.
func (e *Evaluator) GenerateKPIReport(windowMinutes int) KPIReport {
	st := e.state.GetCanaryStatus()
	c := e.GetComparison(windowMinutes)

	r := KPIReport{
		Baseline:     st.LastGoodConfig,
		Candidate:    st.Candidate(),
		CanaryStatus: st.CanaryStatus.String(),
		Comparison:   c,
		Reasons:      []string{},
	}

	switch {
	case c.A.BucketCount == 0 || c.B.BucketCount == 0:
		r.Decision = DecisionInsufficientData
		r.Reasons = append(r.Reasons, fmt.Sprintf("need buckets on both branches (A=%d, B=%d)",
			c.A.BucketCount, c.B.BucketCount))
		return r
	case c.ValidPercentage < e.cfg.MinValidPercentage:
		r.Decision = DecisionInsufficientData
		r.Reasons = append(r.Reasons, fmt.Sprintf("only %.1f%% of buckets are valid (need %.0f%%)",
			c.ValidPercentage, e.cfg.MinValidPercentage))
		return r
	case !c.IsSignificant:
		r.Decision = DecisionInconclusive
		r.Reasons = append(r.Reasons, fmt.Sprintf(
			"not enough samples: need %d buckets and %d responses per branch (A=%d/%d, B=%d/%d)",
			e.cfg.MinBuckets, e.cfg.MinResponses,
			c.A.BucketCount, c.A.TotalResponses, c.B.BucketCount, c.B.TotalResponses))
		return r
	}

	if c.P95Improvement < -e.cfg.MaxP95RegressionMs {
		r.Reasons = append(r.Reasons, fmt.Sprintf("p95 regressed by %.1fms (limit %.1fms)",
			-c.P95Improvement, e.cfg.MaxP95RegressionMs))
	}
	if c.RecallImprovement < -e.cfg.MaxRecallRegression {
		r.Reasons = append(r.Reasons, fmt.Sprintf("recall@10 regressed by %.4f (limit %.4f)",
			-c.RecallImprovement, e.cfg.MaxRecallRegression))
	}
	if c.SLOViolationRateReduction < 0 {
		r.Reasons = append(r.Reasons, fmt.Sprintf("SLO violation rate rose from %.4f to %.4f",
			c.A.SLOViolationRate, c.B.SLOViolationRate))
	}
	if len(r.Reasons) > 0 {
		r.Decision = DecisionRollback
		return r
	}

	r.Decision = DecisionPromote
	r.Reasons = append(r.Reasons,
		fmt.Sprintf("p95 change %+.1fms, recall@10 change %+.4f, violation rate change %+.4f",
			c.P95Improvement, c.RecallImprovement, c.SLOViolationRateReduction))
	return r
}
