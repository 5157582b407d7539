// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package slo

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownMetric indicates a rule names a metric buckets do not carry.
	ErrUnknownMetric = errors.New("unknown SLO metric")

	// ErrUnknownOperator indicates a rule uses an unsupported comparison.
	ErrUnknownOperator = errors.New("unknown SLO operator")

	// ErrInvalidRule indicates a rule is missing required fields.
	ErrInvalidRule = errors.New("invalid SLO rule")
)

// eqTolerance is the absolute tolerance for the eq operator.
const eqTolerance = 1e-9

// =============================================================================
// Metric and Operator
// =============================================================================

// Metric names a bucket field a rule can test.
type Metric string

const (
	MetricP95Ms         Metric = "p95_ms"
	MetricRecallAt10    Metric = "recall_at_10"
	MetricSLOViolations Metric = "slo_violations"
)

// Value extracts the metric from a bucket.
func (m Metric) Value(b metrics.Bucket) (float64, error) {
	switch m {
	case MetricP95Ms:
		return b.P95Ms, nil
	case MetricRecallAt10:
		return b.RecallAt10, nil
	case MetricSLOViolations:
		return float64(b.SLOViolations), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, string(m))
	}
}

// Operator is the comparison a metric must satisfy against the threshold.
//
// The rule is satisfied when "value <op> threshold" holds; e.g. le means
// the value must be at most the threshold.
type Operator string

const (
	OpLE Operator = "le"
	OpGE Operator = "ge"
	OpLT Operator = "lt"
	OpGT Operator = "gt"
	OpEQ Operator = "eq"
)

// Violated reports whether value breaks "value <op> threshold".
func (o Operator) Violated(value, threshold float64) (bool, error) {
	switch o {
	case OpLE:
		return value > threshold, nil
	case OpGE:
		return value < threshold, nil
	case OpLT:
		return value >= threshold, nil
	case OpGT:
		return value <= threshold, nil
	case OpEQ:
		return math.Abs(value-threshold) > eqTolerance, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, string(o))
	}
}

// =============================================================================
// Rule
// =============================================================================

// Rule is one SLO threshold evaluated per bucket.
type Rule struct {
	Name               string   `yaml:"name" json:"name"`
	Metric             Metric   `yaml:"metric" json:"metric"`
	Operator           Operator `yaml:"operator" json:"operator"`
	Threshold          float64  `yaml:"threshold" json:"threshold"`
	ConsecutiveBuckets int      `yaml:"consecutive_buckets" json:"consecutive_buckets"`
}

// Validate checks the structural fields.
//
// Metric and operator are checked at evaluation time; a rule with an
// unknown metric is kept and skipped with a log line.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.ConsecutiveBuckets < 1 {
		return fmt.Errorf("%w: %s: consecutive_buckets must be at least 1", ErrInvalidRule, r.Name)
	}
	return nil
}

// DefaultRules derives the standard rules from a config's SLO thresholds:
// p95 at most p95Ms for 2 buckets, recall at least recallAt10 for 3.
func DefaultRules(p95Ms, recallAt10 float64) []Rule {
	return []Rule{
		{
			Name:               "p95_latency",
			Metric:             MetricP95Ms,
			Operator:           OpLE,
			Threshold:          p95Ms,
			ConsecutiveBuckets: 2,
		},
		{
			Name:               "recall_at_10",
			Metric:             MetricRecallAt10,
			Operator:           OpGE,
			Threshold:          recallAt10,
			ConsecutiveBuckets: 3,
		},
	}
}

// =============================================================================
// Violation
// =============================================================================

// Action records what escalation did for a violation.
type Action string

const (
	// ActionNone means the streak has not reached the rule's limit.
	ActionNone Action = "none"

	// ActionStrategy means a strategy handled the escalation without a
	// rollback (alert only, or rate limited).
	ActionStrategy Action = "strategy"

	// ActionRollback means the candidate was rolled back.
	ActionRollback Action = "rollback"

	// ActionRollbackFailed means a rollback was attempted and failed.
	ActionRollbackFailed Action = "rollback_failed"
)

// Violation is one failed rule evaluation. Immutable once logged.
type Violation struct {
	Timestamp           time.Time `json:"timestamp"`
	BucketTimestamp     time.Time `json:"bucket_timestamp"`
	RuleName            string    `json:"rule_name"`
	Metric              Metric    `json:"metric"`
	Operator            Operator  `json:"operator"`
	MetricValue         float64   `json:"metric_value"`
	Threshold           float64   `json:"threshold"`
	ConfigName          string    `json:"config_name"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ActionTaken         Action    `json:"action_taken"`
}

// Reason renders the violation as a rollback reason.
func (v Violation) Reason() string {
	return fmt.Sprintf("SLO rule %q violated for %d consecutive buckets on %s: %s=%.4g (want %s %.4g)",
		v.RuleName, v.ConsecutiveFailures, v.ConfigName, v.Metric, v.MetricValue, v.Operator, v.Threshold)
}
