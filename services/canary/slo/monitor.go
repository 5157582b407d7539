// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package slo evaluates closed metric buckets against SLO rules and
// escalates sustained violations to a rollback.
//
// # Escalation
//
// Each (config, rule) pair carries a failure streak: a violated bucket
// increments it and a satisfied bucket resets it to zero. Once the streak
// reaches the rule's ConsecutiveBuckets, the escalation goes to the
// registered Strategy. Without a strategy the monitor rolls the candidate
// back directly and then notifies the rollback callback.
//
// The monitor never holds its own lock while calling the strategy, the
// rollbacker or the callback.
package slo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianCanary/services/canary/audit"
	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
	"github.com/AleutianAI/AleutianCanary/services/canary/telemetry"
)

// DefaultMaxViolations bounds the in-memory violation log.
const DefaultMaxViolations = 1000

// Rollbacker withdraws the running candidate.
//
// *deployment.Manager implements it.
type Rollbacker interface {
	RollbackCandidate(reason string) (deployment.State, error)
}

// RollbackCallback is notified after a rollback triggered by the monitor.
type RollbackCallback func(reason string)

// Config configures a Monitor.
type Config struct {
	// Rules evaluated for every bucket.
	Rules []Rule

	// Rollbacker performs the fallback rollback. Required unless a
	// Strategy handles every escalation.
	Rollbacker Rollbacker

	// Strategy handles escalations. Nil means roll back unconditionally.
	Strategy Strategy

	// OnRollback is called after a successful rollback.
	OnRollback RollbackCallback

	// Audit receives one event per violation. Nil discards them.
	Audit audit.Sink

	// Metrics receives violation and rollback counters. Nil disables them.
	Metrics *telemetry.CanaryMetrics

	// MaxViolations bounds the violation log; the oldest entries are dropped.
	// Default: 1000
	MaxViolations int

	// Logger. Nil uses slog.Default().
	Logger *slog.Logger

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Monitor evaluates buckets and tracks failure streaks.
//
// # Thread Safety
//
// Safe for concurrent use. In the executor a single monitor goroutine
// feeds it, so streak updates are never interleaved.
type Monitor struct {
	logger        *slog.Logger
	audit         audit.Sink
	metrics       *telemetry.CanaryMetrics
	maxViolations int
	now           func() time.Time

	mu         sync.Mutex
	rules      []Rule
	failures   map[string]map[string]int
	violations []Violation
	rollbacker Rollbacker
	strategy   Strategy
	onRollback RollbackCallback
}

// NewMonitor creates a Monitor.
//
// # Outputs
//
//   - *Monitor: Ready to use.
//   - error: ErrInvalidRule if a rule fails validation.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = DefaultMaxViolations
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Monitor{
		logger:        cfg.Logger.With(slog.String("component", "slo_monitor")),
		audit:         audit.OrNop(cfg.Audit),
		metrics:       telemetry.OrNoop(cfg.Metrics),
		maxViolations: cfg.MaxViolations,
		now:           cfg.Now,
		failures:      make(map[string]map[string]int),
		rollbacker:    cfg.Rollbacker,
		strategy:      cfg.Strategy,
		onRollback:    cfg.OnRollback,
	}
	if err := m.SetRules(cfg.Rules); err != nil {
		return nil, err
	}
	return m, nil
}

// =============================================================================
// Rule management
// =============================================================================

// SetRules replaces the rule set. Streaks of rules no longer present are
// dropped.
func (m *Monitor) SetRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]Rule(nil), rules...)
	for _, perRule := range m.failures {
		for name := range perRule {
			if _, ok := seen[name]; !ok {
				delete(perRule, name)
			}
		}
	}
	return nil
}

// AddRule adds rule, replacing any rule with the same name. A replaced
// rule's streaks restart from zero.
func (m *Monitor) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.Name == rule.Name {
			m.rules[i] = rule
			m.clearRuleLocked(rule.Name)
			return nil
		}
	}
	m.rules = append(m.rules, rule)
	return nil
}

// RemoveRule deletes the named rule and reports whether it existed.
func (m *Monitor) RemoveRule(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.Name == name {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			m.clearRuleLocked(name)
			return true
		}
	}
	return false
}

// Rules returns a copy of the rule set.
func (m *Monitor) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rule(nil), m.rules...)
}

func (m *Monitor) clearRuleLocked(name string) {
	for _, perRule := range m.failures {
		delete(perRule, name)
	}
}

// SetStrategy replaces the escalation strategy. Nil restores the
// unconditional rollback.
func (m *Monitor) SetStrategy(s Strategy) {
	m.mu.Lock()
	m.strategy = s
	m.mu.Unlock()
}

// SetRollbackCallback registers the function notified after a rollback.
func (m *Monitor) SetRollbackCallback(cb RollbackCallback) {
	m.mu.Lock()
	m.onRollback = cb
	m.mu.Unlock()
}

// =============================================================================
// Evaluation
// =============================================================================

// escalation is a streak that reached its rule's limit, pending handling
// outside the lock.
type escalation struct {
	index int
	rule  Rule
}

// CheckSLOViolations evaluates every rule against bucket.
//
// # Description
//
// Updates failure streaks, escalates streaks that reached their limit, and
// appends the violations to the log. Rules with an unknown metric or
// operator are logged and skipped. Escalation failures are logged and
// reflected in ActionTaken; they are never returned.
//
// # Outputs
//
//   - []Violation: The violations found in this bucket, possibly empty.
func (m *Monitor) CheckSLOViolations(ctx context.Context, bucket metrics.Bucket) []Violation {
	now := m.now()

	m.mu.Lock()
	rules := m.rules
	perRule := m.failures[bucket.ConfigName]
	if perRule == nil {
		perRule = make(map[string]int)
		m.failures[bucket.ConfigName] = perRule
	}

	var found []Violation
	var pending []escalation
	for _, rule := range rules {
		value, err := rule.Metric.Value(bucket)
		if err != nil {
			m.logger.Warn("skipping SLO rule", slog.String("rule", rule.Name), slog.String("error", err.Error()))
			continue
		}
		violated, err := rule.Operator.Violated(value, rule.Threshold)
		if err != nil {
			m.logger.Warn("skipping SLO rule", slog.String("rule", rule.Name), slog.String("error", err.Error()))
			continue
		}
		if !violated {
			perRule[rule.Name] = 0
			continue
		}

		perRule[rule.Name]++
		v := Violation{
			Timestamp:           now,
			BucketTimestamp:     bucket.Timestamp,
			RuleName:            rule.Name,
			Metric:              rule.Metric,
			Operator:            rule.Operator,
			MetricValue:         value,
			Threshold:           rule.Threshold,
			ConfigName:          bucket.ConfigName,
			ConsecutiveFailures: perRule[rule.Name],
			ActionTaken:         ActionNone,
		}
		if v.ConsecutiveFailures >= rule.ConsecutiveBuckets {
			pending = append(pending, escalation{index: len(found), rule: rule})
		}
		found = append(found, v)
	}
	strategy, rollbacker, onRollback := m.strategy, m.rollbacker, m.onRollback
	m.mu.Unlock()

	for _, esc := range pending {
		found[esc.index].ActionTaken = m.escalate(ctx, found[esc.index], esc.rule, bucket,
			strategy, rollbacker, onRollback)
	}

	if len(found) > 0 {
		m.mu.Lock()
		m.violations = append(m.violations, found...)
		if over := len(m.violations) - m.maxViolations; over > 0 {
			m.violations = append([]Violation(nil), m.violations[over:]...)
		}
		m.mu.Unlock()
	}

	for _, v := range found {
		m.report(ctx, v)
	}
	return found
}

// ProcessBuckets evaluates buckets in order and returns every violation.
func (m *Monitor) ProcessBuckets(ctx context.Context, buckets []metrics.Bucket) []Violation {
	var all []Violation
	for _, b := range buckets {
		all = append(all, m.CheckSLOViolations(ctx, b)...)
	}
	return all
}

// escalate hands a sustained violation to the strategy, or rolls back.
func (m *Monitor) escalate(
	ctx context.Context,
	v Violation,
	rule Rule,
	bucket metrics.Bucket,
	strategy Strategy,
	rollbacker Rollbacker,
	onRollback RollbackCallback,
) Action {
	reason := v.Reason()
	m.logger.Warn("SLO streak reached limit",
		slog.String("rule", rule.Name),
		slog.String("config", v.ConfigName),
		slog.Int("consecutive", v.ConsecutiveFailures),
		slog.Float64("value", v.MetricValue),
		slog.Float64("threshold", v.Threshold))

	rollback := func() error {
		return m.rollback(ctx, reason, rollbacker, onRollback)
	}

	if strategy == nil {
		if err := rollback(); err != nil {
			return ActionRollbackFailed
		}
		return ActionRollback
	}

	action, err := strategy.HandleEscalation(ctx, Escalation{
		Violation: v,
		Rule:      rule,
		Bucket:    bucket,
		Reason:    reason,
		rollback:  rollback,
	})
	if err != nil {
		m.logger.Error("escalation strategy failed",
			slog.String("rule", rule.Name),
			slog.String("error", err.Error()))
		if action == "" {
			action = ActionRollbackFailed
		}
	}
	if action == "" {
		action = ActionStrategy
	}
	return action
}

// rollback withdraws the candidate and notifies the callback. Failures are
// logged and returned to the escalation path only.
func (m *Monitor) rollback(ctx context.Context, reason string, rollbacker Rollbacker, onRollback RollbackCallback) error {
	if rollbacker == nil {
		err := errors.New("no rollbacker configured")
		m.logger.Error("rollback not possible", slog.String("error", err.Error()))
		return err
	}

	if _, err := rollbacker.RollbackCandidate(reason); err != nil {
		m.metrics.RollbacksTotal.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrTrigger.String("slo"), telemetry.AttrOutcome.String("failed")))
		m.logger.Error("automatic rollback failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return err
	}
	m.metrics.RollbacksTotal.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrTrigger.String("slo"), telemetry.AttrOutcome.String("ok")))

	if onRollback != nil {
		m.notify(onRollback, reason)
	}
	return nil
}

// notify runs the callback, containing any panic.
func (m *Monitor) notify(cb RollbackCallback, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("rollback callback panicked", slog.Any("panic", r))
		}
	}()
	cb(reason)
}

// report emits the audit event and counter for a violation.
func (m *Monitor) report(ctx context.Context, v Violation) {
	m.metrics.SLOViolationsTotal.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrRule.String(v.RuleName),
		telemetry.AttrConfig.String(v.ConfigName)))

	e := audit.NewEvent(audit.EventSLOViolation, v.ConfigName, v.Reason()).
		With("rule", v.RuleName).
		With("metric", string(v.Metric)).
		With("value", fmt.Sprintf("%g", v.MetricValue)).
		With("threshold", fmt.Sprintf("%g", v.Threshold)).
		With("consecutive_failures", fmt.Sprintf("%d", v.ConsecutiveFailures)).
		With("action", string(v.ActionTaken))
	if err := m.audit.Record(ctx, e); err != nil {
		m.logger.Warn("audit record failed", slog.String("error", err.Error()))
	}
}

// =============================================================================
// Accessors
// =============================================================================

// GetViolations returns a copy of the violation log, oldest first.
func (m *Monitor) GetViolations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Violation(nil), m.violations...)
}

// Streak returns the current failure streak for a config and rule.
func (m *Monitor) Streak(configName, ruleName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[configName][ruleName]
}

// ResetStreaks clears every failure streak. The violation log is kept.
func (m *Monitor) ResetStreaks() {
	m.mu.Lock()
	m.failures = make(map[string]map[string]int)
	m.mu.Unlock()
}
