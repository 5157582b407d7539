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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCanary/services/canary/audit"
	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRollbacker counts rollbacks and can be made to fail.
type fakeRollbacker struct {
	mu      sync.Mutex
	reasons []string
	err     error
}

func (f *fakeRollbacker) RollbackCandidate(reason string) (deployment.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return deployment.State{}, f.err
	}
	f.reasons = append(f.reasons, reason)
	return deployment.State{}, nil
}

func (f *fakeRollbacker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

// recordingSink keeps audit events in memory.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) ofType(typ audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func bucket(config string, p95, recall float64) metrics.Bucket {
	return metrics.Bucket{
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		DurationSec:   5,
		P95Ms:         p95,
		RecallAt10:    recall,
		ResponseCount: 10,
		ConfigName:    config,
	}
}

func newTestMonitor(t *testing.T, rb Rollbacker, rules ...Rule) *Monitor {
	t.Helper()
	if len(rules) == 0 {
		rules = DefaultRules(1200, 0.8)
	}
	m, err := NewMonitor(Config{
		Rules:      rules,
		Rollbacker: rb,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	return m
}

// -----------------------------------------------------------------------------
// Operators
// -----------------------------------------------------------------------------

func TestOperator_Violated(t *testing.T) {
	tests := []struct {
		op        Operator
		value     float64
		threshold float64
		violated  bool
	}{
		{OpLE, 1200, 1200, false},
		{OpLE, 1200.5, 1200, true},
		{OpGE, 0.8, 0.8, false},
		{OpGE, 0.79, 0.8, true},
		{OpLT, 5, 5, true},
		{OpLT, 4, 5, false},
		{OpGT, 5, 5, true},
		{OpGT, 6, 5, false},
		{OpEQ, 0.3, 0.1 + 0.2, false},
		{OpEQ, 1, 2, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%g_%g", tt.op, tt.value, tt.threshold), func(t *testing.T) {
			got, err := tt.op.Violated(tt.value, tt.threshold)
			require.NoError(t, err)
			assert.Equal(t, tt.violated, got)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := Operator("ne").Violated(1, 2)
		assert.ErrorIs(t, err, ErrUnknownOperator)
	})
}

func TestMetric_Value(t *testing.T) {
	b := bucket("cand_A", 900, 0.85)
	b.SLOViolations = 3

	v, err := MetricP95Ms.Value(b)
	require.NoError(t, err)
	assert.Equal(t, 900.0, v)

	v, err = MetricRecallAt10.Value(b)
	require.NoError(t, err)
	assert.Equal(t, 0.85, v)

	v, err = MetricSLOViolations.Value(b)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	_, err = Metric("ndcg").Value(b)
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestRule_Validate(t *testing.T) {
	assert.ErrorIs(t, Rule{ConsecutiveBuckets: 1}.Validate(), ErrInvalidRule)
	assert.ErrorIs(t, Rule{Name: "x"}.Validate(), ErrInvalidRule)
	assert.NoError(t, Rule{Name: "x", ConsecutiveBuckets: 1}.Validate())

	_, err := NewMonitor(Config{Rules: []Rule{
		{Name: "dup", Metric: MetricP95Ms, Operator: OpLE, Threshold: 1, ConsecutiveBuckets: 1},
		{Name: "dup", Metric: MetricP95Ms, Operator: OpLE, Threshold: 2, ConsecutiveBuckets: 1},
	}})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

// -----------------------------------------------------------------------------
// Streaks and escalation
// -----------------------------------------------------------------------------

func TestMonitor_RollbackOnSecondConsecutiveBucket(t *testing.T) {
	rb := &fakeRollbacker{}
	m := newTestMonitor(t, rb)
	ctx := context.Background()

	var callbacks []string
	m.SetRollbackCallback(func(reason string) { callbacks = append(callbacks, reason) })

	first := m.CheckSLOViolations(ctx, bucket("cand_A", 1300, 0.9))
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].ConsecutiveFailures)
	assert.Equal(t, ActionNone, first[0].ActionTaken)
	assert.Equal(t, 0, rb.count())

	second := m.CheckSLOViolations(ctx, bucket("cand_A", 1300, 0.9))
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].ConsecutiveFailures)
	assert.Equal(t, ActionRollback, second[0].ActionTaken)
	assert.Equal(t, 1, rb.count())
	require.Len(t, callbacks, 1)
	assert.Contains(t, callbacks[0], "p95_latency")
}

func TestMonitor_StreakResetsOnPass(t *testing.T) {
	rb := &fakeRollbacker{}
	m := newTestMonitor(t, rb)
	ctx := context.Background()

	m.CheckSLOViolations(ctx, bucket("cand_A", 1300, 0.9))
	assert.Equal(t, 1, m.Streak("cand_A", "p95_latency"))

	assert.Empty(t, m.CheckSLOViolations(ctx, bucket("cand_A", 1000, 0.9)))
	assert.Equal(t, 0, m.Streak("cand_A", "p95_latency"))

	m.CheckSLOViolations(ctx, bucket("cand_A", 1300, 0.9))
	assert.Equal(t, 1, m.Streak("cand_A", "p95_latency"))
	assert.Equal(t, 0, rb.count(), "a reset streak must not escalate")
}

func TestMonitor_StreaksArePerConfig(t *testing.T) {
	rb := &fakeRollbacker{}
	m := newTestMonitor(t, rb)
	ctx := context.Background()

	m.CheckSLOViolations(ctx, bucket("baseline", 1300, 0.9))
	m.CheckSLOViolations(ctx, bucket("cand_A", 1300, 0.9))

	assert.Equal(t, 1, m.Streak("baseline", "p95_latency"))
	assert.Equal(t, 1, m.Streak("cand_A", "p95_latency"))
	assert.Equal(t, 0, rb.count())
}

func TestMonitor_RecallNeedsThreeBuckets(t *testing.T) {
	rb := &fakeRollbacker{}
	m := newTestMonitor(t, rb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m.CheckSLOViolations(ctx, bucket("cand_A", 500, 0.5))
	}
	assert.Equal(t, 0, rb.count())

	v := m.CheckSLOViolations(ctx, bucket("cand_A", 500, 0.5))
	require.Len(t, v, 1)
	assert.Equal(t, "recall_at_10", v[0].RuleName)
	assert.Equal(t, ActionRollback, v[0].ActionTaken)
	assert.Equal(t, 1, rb.count())
}

func TestMonitor_UnknownMetricSkipped(t *testing.T) {
	rb := &fakeRollbacker{}
	m := newTestMonitor(t, rb,
		Rule{Name: "ndcg", Metric: "ndcg", Operator: OpGE, Threshold: 0.5, ConsecutiveBuckets: 1},
		Rule{Name: "p95", Metric: MetricP95Ms, Operator: OpLE, Threshold: 100, ConsecutiveBuckets: 5},
	)

	v := m.CheckSLOViolations(context.Background(), bucket("cand_A", 200, 0.9))
	require.Len(t, v, 1)
	assert.Equal(t, "p95", v[0].RuleName)
}

func TestMonitor_RollbackFailureIsRecorded(t *testing.T) {
	rb := &fakeRollbacker{err: errors.New("disk full")}
	m := newTestMonitor(t, rb,
		Rule{Name: "p95", Metric: MetricP95Ms, Operator: OpLE, Threshold: 100, ConsecutiveBuckets: 1})

	called := false
	m.SetRollbackCallback(func(string) { called = true })

	v := m.CheckSLOViolations(context.Background(), bucket("cand_A", 200, 0.9))
	require.Len(t, v, 1)
	assert.Equal(t, ActionRollbackFailed, v[0].ActionTaken)
	assert.False(t, called, "callback runs only after a successful rollback")
}

func TestMonitor_CallbackPanicContained(t *testing.T) {
	rb := &fakeRollbacker{}
	m := newTestMonitor(t, rb,
		Rule{Name: "p95", Metric: MetricP95Ms, Operator: OpLE, Threshold: 100, ConsecutiveBuckets: 1})
	m.SetRollbackCallback(func(string) { panic("boom") })

	var v []Violation
	assert.NotPanics(t, func() {
		v = m.CheckSLOViolations(context.Background(), bucket("cand_A", 200, 0.9))
	})
	require.Len(t, v, 1)
	assert.Equal(t, ActionRollback, v[0].ActionTaken)
}

func TestMonitor_StrategyReplacesRollback(t *testing.T) {
	rb := &fakeRollbacker{}
	m := newTestMonitor(t, rb,
		Rule{Name: "p95", Metric: MetricP95Ms, Operator: OpLE, Threshold: 100, ConsecutiveBuckets: 1})

	var got []Escalation
	m.SetStrategy(StrategyFunc(func(_ context.Context, esc Escalation) (Action, error) {
		got = append(got, esc)
		return ActionStrategy, nil
	}))

	v := m.CheckSLOViolations(context.Background(), bucket("cand_A", 200, 0.9))
	require.Len(t, v, 1)
	assert.Equal(t, ActionStrategy, v[0].ActionTaken)
	assert.Equal(t, 0, rb.count())
	require.Len(t, got, 1)
	assert.Equal(t, "p95", got[0].Rule.Name)
	assert.Equal(t, v[0].Reason(), got[0].Reason)

	require.NoError(t, got[0].Rollback())
	assert.Equal(t, 1, rb.count())
}

func TestMonitor_ProcessBucketsInOrder(t *testing.T) {
	rb := &fakeRollbacker{}
	m := newTestMonitor(t, rb)

	all := m.ProcessBuckets(context.Background(), []metrics.Bucket{
		bucket("cand_A", 1300, 0.9),
		bucket("cand_A", 1300, 0.9),
		bucket("cand_A", 1000, 0.9),
	})
	require.Len(t, all, 2)
	assert.Equal(t, []int{1, 2}, []int{all[0].ConsecutiveFailures, all[1].ConsecutiveFailures})
	assert.Equal(t, 1, rb.count())
	assert.Equal(t, 0, m.Streak("cand_A", "p95_latency"))
}

// -----------------------------------------------------------------------------
// Rules, log and audit
// -----------------------------------------------------------------------------

func TestMonitor_RuleManagement(t *testing.T) {
	m := newTestMonitor(t, &fakeRollbacker{})
	ctx := context.Background()

	m.CheckSLOViolations(ctx, bucket("cand_A", 1300, 0.9))
	require.Equal(t, 1, m.Streak("cand_A", "p95_latency"))

	require.NoError(t, m.AddRule(Rule{Name: "p95_latency", Metric: MetricP95Ms, Operator: OpLE, Threshold: 2000, ConsecutiveBuckets: 2}))
	assert.Len(t, m.Rules(), 2)
	assert.Equal(t, 0, m.Streak("cand_A", "p95_latency"), "replacing a rule restarts its streak")

	require.NoError(t, m.AddRule(Rule{Name: "violations", Metric: MetricSLOViolations, Operator: OpLE, Threshold: 0, ConsecutiveBuckets: 1}))
	assert.Len(t, m.Rules(), 3)

	assert.True(t, m.RemoveRule("violations"))
	assert.False(t, m.RemoveRule("violations"))
	assert.Len(t, m.Rules(), 2)

	assert.ErrorIs(t, m.AddRule(Rule{Name: "bad"}), ErrInvalidRule)
}

func TestMonitor_ViolationLogBounded(t *testing.T) {
	m, err := NewMonitor(Config{
		Rules:         []Rule{{Name: "p95", Metric: MetricP95Ms, Operator: OpLE, Threshold: 100, ConsecutiveBuckets: 1000}},
		MaxViolations: 5,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		m.CheckSLOViolations(context.Background(), bucket("cand_A", float64(200+i), 0.9))
	}
	log := m.GetViolations()
	require.Len(t, log, 5)
	assert.Equal(t, 203.0, log[0].MetricValue)
	assert.Equal(t, 207.0, log[4].MetricValue)

	m.ResetStreaks()
	assert.Equal(t, 0, m.Streak("cand_A", "p95"))
	assert.Len(t, m.GetViolations(), 5)
}

func TestMonitor_AuditEvents(t *testing.T) {
	sink := &recordingSink{}
	m, err := NewMonitor(Config{
		Rules:      []Rule{{Name: "p95", Metric: MetricP95Ms, Operator: OpLE, Threshold: 100, ConsecutiveBuckets: 1}},
		Rollbacker: &fakeRollbacker{},
		Audit:      sink,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	m.CheckSLOViolations(context.Background(), bucket("cand_A", 200, 0.9))

	events := sink.ofType(audit.EventSLOViolation)
	require.Len(t, events, 1)
	assert.Equal(t, "cand_A", events[0].ConfigName)
	assert.Equal(t, "p95", events[0].Attributes["rule"])
	assert.Equal(t, string(ActionRollback), events[0].Attributes["action"])
}
