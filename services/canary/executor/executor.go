// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianCanary/services/canary/ab"
	"github.com/AleutianAI/AleutianCanary/services/canary/audit"
	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
	"github.com/AleutianAI/AleutianCanary/services/canary/pipeline"
	"github.com/AleutianAI/AleutianCanary/services/canary/slo"
	"github.com/AleutianAI/AleutianCanary/services/canary/telemetry"
)

// =============================================================================
// Configuration
// =============================================================================

// Deps are the collaborators an Executor composes.
//
// Manager, Collector, Monitor and Evaluator are required. The Monitor's
// rollbacker should be the same Manager.
type Deps struct {
	Manager   *deployment.Manager
	Collector *metrics.Collector
	Monitor   *slo.Monitor
	Evaluator *ab.Evaluator
	Pipeline  pipeline.Pipeline
	Audit     audit.Sink
	Metrics   *telemetry.CanaryMetrics
	Logger    *slog.Logger
}

// Config tunes the executor.
type Config struct {
	// TrafficSplit is the probability a search goes to the candidate.
	// Default: 0.10
	TrafficSplit float64

	// MonitorInterval is the bucket drain cadence.
	// Default: 1s
	MonitorInterval time.Duration

	// StopTimeout bounds the wait for the monitor on stop.
	// Default: 5s
	StopTimeout time.Duration

	// DefaultCollection is used when a search names none.
	DefaultCollection string

	// RulesFromPreset replaces the monitor's rules with the candidate's SLO
	// thresholds on every start, until rules are set through SetRules.
	RulesFromPreset bool

	// Rand returns a float in [0, 1). Nil uses math/rand/v2.
	Rand func() float64

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// DefaultConfig returns the standard executor settings.
func DefaultConfig() Config {
	return Config{
		TrafficSplit:    0.10,
		MonitorInterval: time.Second,
		StopTimeout:     5 * time.Second,
		RulesFromPreset: true,
	}
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs canaries.
//
// # Description
//
// mu guards start, stop and state reconciliation only. Preset loads and
// pipeline calls happen outside it, so searches never wait on
// orchestration. OnRollback is called from the monitor goroutine and never
// takes mu; it records the reason under resultMu and cancels the monitor,
// so a stop that is joining the monitor cannot deadlock against it.
//
// # Thread Safety
//
// Safe for concurrent use.
type Executor struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	audit   audit.Sink
	metrics *telemetry.CanaryMetrics

	mu      sync.Mutex
	running bool
	done    chan struct{}

	// runningFlag mirrors running for lock-free readers such as gauges.
	runningFlag atomic.Bool

	// rulesPinned is set once an operator supplies rules; starts then keep
	// them instead of deriving rules from the candidate preset.
	rulesPinned atomic.Bool

	resultMu      sync.Mutex
	result        *Result
	cancel        context.CancelFunc
	pendingReason string
}

// New creates an Executor and registers it as the monitor's rollback
// callback.
//
// # Outputs
//
//   - *Executor: Idle until StartCanary or the first reconciliation adopts
//     a running canary.
//   - error: Non-nil if a required dependency is missing.
func New(deps Deps, cfg Config) (*Executor, error) {
	switch {
	case deps.Manager == nil:
		return nil, errors.New("executor: manager is required")
	case deps.Collector == nil:
		return nil, errors.New("executor: collector is required")
	case deps.Monitor == nil:
		return nil, errors.New("executor: SLO monitor is required")
	case deps.Evaluator == nil:
		return nil, errors.New("executor: A/B evaluator is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.TrafficSplit < 0 || cfg.TrafficSplit > 1 || math.IsNaN(cfg.TrafficSplit) {
		return nil, fmt.Errorf("executor: traffic split %v outside [0, 1]", cfg.TrafficSplit)
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Executor{
		deps:    deps,
		cfg:     cfg,
		logger:  deps.Logger.With(slog.String("component", "canary_executor")),
		audit:   audit.OrNop(deps.Audit),
		metrics: telemetry.OrNoop(deps.Metrics),
	}
	deps.Monitor.SetRollbackCallback(e.OnRollback)
	return e, nil
}

// Running reports whether the executor is monitoring a canary. It does not
// reconcile and never blocks.
func (e *Executor) Running() bool {
	return e.runningFlag.Load()
}

// SetRules replaces the SLO rule set and pins it: later starts and
// adoptions keep these rules rather than deriving them from the candidate
// preset.
func (e *Executor) SetRules(rules []slo.Rule) error {
	if err := e.deps.Monitor.SetRules(rules); err != nil {
		return err
	}
	e.rulesPinned.Store(true)
	e.logger.Info("SLO rules pinned", slog.Int("count", len(rules)))
	return nil
}

// RulesPinned reports whether starts keep the current rules.
func (e *Executor) RulesPinned() bool {
	return !e.cfg.RulesFromPreset || e.rulesPinned.Load()
}

// TrafficSplit returns the candidate probability.
func (e *Executor) TrafficSplit() float64 {
	return e.cfg.TrafficSplit
}

// StartCanary starts a canary for candidate.
//
// # Description
//
// Fails with ErrConflict when a canary is already running, and with the
// manager's ErrNotFound or ErrValidation when the preset is bad. On success
// the monitor goroutine is running and the streaks and A/B history of any
// previous run are cleared. An empty deploymentID gets a UUID.
//
// # Outputs
//
//   - *Result: The new run record.
//   - error: See above.
func (e *Executor) StartCanary(ctx context.Context, candidate, deploymentID string) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "canary.executor.StartCanary")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.reconcileLocked(ctx, e.deps.Manager.GetCanaryStatus())
	if e.running {
		err := fmt.Errorf("%w: canary already running for %q", deployment.ErrConflict, e.currentResult().Candidate)
		telemetry.RecordError(span, err)
		return nil, err
	}

	preset, err := e.deps.Manager.LoadPreset(candidate)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("start canary: %w", err)
	}
	if !e.RulesPinned() {
		if err := e.deps.Monitor.SetRules(slo.DefaultRules(preset.SLO.P95Ms, preset.SLO.RecallAt10)); err != nil {
			return nil, fmt.Errorf("start canary: %w", err)
		}
	}

	st, err := e.deps.Manager.StartCanary(candidate)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if deploymentID == "" {
		deploymentID = uuid.NewString()
	}
	e.resetRunLocked()
	e.beginLocked(st, deploymentID)

	e.logger.Info("canary started",
		slog.String("deployment_id", deploymentID),
		slog.String("candidate", candidate),
		slog.String("active", st.ActiveConfig),
		slog.Float64("traffic_split", e.cfg.TrafficSplit))
	ev := audit.NewEvent(audit.EventCanaryStarted, candidate, "").
		With("active", st.ActiveConfig).
		With("traffic_split", fmt.Sprintf("%g", e.cfg.TrafficSplit))
	e.record(ctx, deploymentID, ev)

	return e.currentResult(), nil
}

// StopCanary ends the running canary by promoting or rolling back.
//
// # Description
//
// Stops the monitor (waiting at most StopTimeout), drains any remaining
// buckets into the A/B evaluator, then delegates to the manager. The
// returned result carries per-route summaries and the final KPI report.
//
// # Outputs
//
//   - *Result: The finished run.
//   - error: ErrNotRunning when nothing runs, or the manager's error. If the
//     manager still reports the canary running after a failure, monitoring
//     resumes.
func (e *Executor) StopCanary(ctx context.Context, promote bool, reason string) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "canary.executor.StopCanary")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.reconcileLocked(ctx, e.deps.Manager.GetCanaryStatus())
	if !e.running {
		return nil, ErrNotRunning
	}

	e.stopMonitorLocked()

	if buckets := e.deps.Collector.GetCompletedBuckets(); len(buckets) > 0 {
		e.deps.Evaluator.ProcessMetricsBuckets(buckets)
	}
	report := e.deps.Evaluator.GenerateKPIReport(0)

	var (
		st  deployment.State
		err error
	)
	if promote {
		if reason == "" {
			reason = "promoted"
		}
		st, err = e.deps.Manager.PromoteCandidate()
	} else {
		if reason == "" {
			reason = "manual rollback"
		}
		st, err = e.deps.Manager.RollbackCandidate(reason)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		e.logger.Error("stop canary failed",
			slog.Bool("promote", promote),
			slog.String("error", err.Error()))
		if cur := e.deps.Manager.GetCanaryStatus(); cur.Running() {
			e.startMonitorLocked()
		} else {
			e.finishLocked(cur, reason, nil)
		}
		return nil, err
	}

	r := e.finishLocked(st, reason, &report)
	if promote {
		e.metrics.PromotionsTotal.Add(ctx, 1, metric.WithAttributes(telemetry.AttrConfig.String(r.Candidate)))
		e.record(ctx, r.DeploymentID, audit.NewEvent(audit.EventCanaryPromoted, r.Candidate, reason).
			With("previous_active", r.Active).
			With("decision", string(report.Decision)))
	} else {
		e.metrics.RollbacksTotal.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrTrigger.String("manual"), telemetry.AttrOutcome.String("ok")))
		e.record(ctx, r.DeploymentID, audit.NewEvent(audit.EventCanaryRolledBack, r.Candidate, reason).
			With("trigger", "manual"))
	}
	return r, nil
}

// Status reconciles with the manager and reports the current view.
func (e *Executor) Status(ctx context.Context) Status {
	st := e.Sync(ctx)
	r := e.currentResult()
	s := Status{
		Running:      e.Running(),
		State:        st,
		TrafficSplit: e.cfg.TrafficSplit,
		Result:       r,
	}
	if r != nil && s.Running {
		s.DeploymentID = r.DeploymentID
	}
	return s
}

// OnRollback is the SLO monitor's rollback callback.
//
// The manager has already rolled back when it is called. The reason is kept
// for the run record and the monitor is told to exit; the run is finalized
// on the next reconciliation.
func (e *Executor) OnRollback(reason string) {
	e.resultMu.Lock()
	e.pendingReason = reason
	cancel := e.cancel
	var deploymentID, candidate string
	if e.result != nil {
		deploymentID, candidate = e.result.DeploymentID, e.result.Candidate
	}
	e.resultMu.Unlock()

	e.logger.Warn("candidate rolled back by SLO monitor",
		slog.String("deployment_id", deploymentID),
		slog.String("reason", reason))
	e.record(context.Background(), deploymentID,
		audit.NewEvent(audit.EventCanaryRolledBack, candidate, reason).With("trigger", "slo"))

	if cancel != nil {
		cancel()
	}
}

// Sync re-reads the manager state and reconciles the executor with it.
func (e *Executor) Sync(ctx context.Context) deployment.State {
	st := e.deps.Manager.GetCanaryStatus()
	e.mu.Lock()
	e.reconcileLocked(ctx, st)
	e.mu.Unlock()
	return st
}

// trySync is Sync for the search path: when a start or stop holds mu the
// search proceeds on the manager's state without reconciling.
func (e *Executor) trySync(ctx context.Context) deployment.State {
	st := e.deps.Manager.GetCanaryStatus()
	if e.mu.TryLock() {
		e.reconcileLocked(ctx, st)
		e.mu.Unlock()
	}
	return st
}

// Watch reconciles eagerly whenever the state file changes on disk.
func (e *Executor) Watch(ctx context.Context) error {
	return e.deps.Manager.Watch(ctx, func(st deployment.State) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.reconcileLocked(ctx, st)
	})
}

// Close stops the monitor without changing the deployment state. A running
// canary is adopted again by the next executor that reconciles.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.stopMonitorLocked()
		e.running = false
		e.runningFlag.Store(false)
	}
}

// =============================================================================
// Reconciliation
// =============================================================================

// reconcileLocked aligns the executor with st. Caller must hold e.mu.
func (e *Executor) reconcileLocked(ctx context.Context, st deployment.State) {
	cur := e.currentResult()
	switch {
	case e.running && !st.Running():
		e.logger.Info("canary ended outside this executor",
			slog.String("status", st.CanaryStatus.String()))
		e.stopMonitorLocked()
		e.finishLocked(st, "", nil)

	case e.running && cur != nil && st.Candidate() != cur.Candidate:
		e.logger.Warn("candidate replaced outside this executor",
			slog.String("previous", cur.Candidate),
			slog.String("candidate", st.Candidate()))
		e.stopMonitorLocked()
		e.finishLocked(st, "candidate replaced", nil)
		e.adoptLocked(ctx, st)

	case !e.running && st.Running():
		e.adoptLocked(ctx, st)
	}
}

// adoptLocked starts monitoring a canary this executor did not start.
func (e *Executor) adoptLocked(ctx context.Context, st deployment.State) {
	id := uuid.NewString()
	e.logger.Info("adopting running canary",
		slog.String("deployment_id", id),
		slog.String("candidate", st.Candidate()))
	if !e.RulesPinned() {
		if preset, err := e.deps.Manager.LoadPreset(st.Candidate()); err == nil {
			if err := e.deps.Monitor.SetRules(slo.DefaultRules(preset.SLO.P95Ms, preset.SLO.RecallAt10)); err != nil {
				e.logger.Warn("keeping existing SLO rules", slog.String("error", err.Error()))
			}
		} else {
			e.logger.Warn("adopted candidate preset unavailable", slog.String("error", err.Error()))
		}
	}
	e.resetRunLocked()
	e.beginLocked(st, id)
	e.record(ctx, id, audit.NewEvent(audit.EventCanaryStarted, st.Candidate(), "adopted").
		With("active", st.ActiveConfig))
}

// resetRunLocked clears what a previous run or idle traffic left behind:
// failure streaks, A/B history and samples not yet closed into a bucket.
func (e *Executor) resetRunLocked() {
	if n := e.deps.Collector.DiscardPending(); n > 0 {
		e.logger.Debug("discarded samples recorded before the canary",
			slog.Int("count", n))
	}
	e.deps.Monitor.ResetStreaks()
	e.deps.Evaluator.Reset()
}

// beginLocked records a new run for st and starts the monitor.
func (e *Executor) beginLocked(st deployment.State, deploymentID string) {
	start := e.cfg.Now().UTC()
	if st.CanaryStartTime != nil {
		start = st.CanaryStartTime.UTC()
	}
	e.resultMu.Lock()
	e.result = &Result{
		DeploymentID: deploymentID,
		Candidate:    st.Candidate(),
		Active:       st.ActiveConfig,
		StartTime:    start,
		Status:       st.CanaryStatus,
	}
	e.pendingReason = ""
	e.resultMu.Unlock()

	e.running = true
	e.runningFlag.Store(true)
	e.startMonitorLocked()
}

// finishLocked closes the current run with the manager's final state.
// An empty reason falls back to the one recorded by OnRollback.
func (e *Executor) finishLocked(st deployment.State, reason string, report *ab.KPIReport) *Result {
	now := e.cfg.Now().UTC()

	prev := e.currentResult()
	if prev == nil {
		prev = &Result{Active: st.ActiveConfig, StartTime: now}
	}
	window := int(math.Ceil(now.Sub(prev.StartTime).Minutes()))
	if window < 1 {
		window = 1
	}
	final := map[Route]metrics.Summary{
		RouteActive:    e.deps.Collector.GetSummaryStats(prev.Active, window),
		RouteCandidate: e.deps.Collector.GetSummaryStats(prev.Candidate, window),
	}

	e.resultMu.Lock()
	if e.result == nil {
		e.result = prev
	}
	r := e.result
	if reason == "" {
		reason = e.pendingReason
	}
	if reason == "" {
		reason = "state changed outside this executor"
	}
	e.pendingReason = ""
	r.EndTime = &now
	r.Status = st.CanaryStatus
	r.Reason = reason
	r.Report = report
	r.FinalMetrics = final
	out := r.Clone()
	e.resultMu.Unlock()

	e.running = false
	e.runningFlag.Store(false)

	e.logger.Info("canary finished",
		slog.String("deployment_id", out.DeploymentID),
		slog.String("candidate", out.Candidate),
		slog.String("status", out.Status.String()),
		slog.String("reason", out.Reason))
	return out
}

func (e *Executor) currentResult() *Result {
	e.resultMu.Lock()
	defer e.resultMu.Unlock()
	return e.result.Clone()
}

func (e *Executor) record(ctx context.Context, deploymentID string, ev audit.Event) {
	ev.DeploymentID = deploymentID
	if err := e.audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("audit record failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}
