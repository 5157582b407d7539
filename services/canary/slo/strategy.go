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
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCanary/services/canary/audit"
	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
)

// Escalation is a violation whose streak reached its rule's limit.
type Escalation struct {
	Violation Violation
	Rule      Rule
	Bucket    metrics.Bucket
	Reason    string

	rollback func() error
}

// Rollback performs the monitor's default rollback: the configured
// Rollbacker followed by the rollback callback.
func (e Escalation) Rollback() error {
	if e.rollback == nil {
		return errors.New("escalation has no rollback")
	}
	return e.rollback()
}

// Strategy decides what to do with a sustained violation.
//
// Implementations are called without any monitor lock held and may call
// Escalation.Rollback. The returned Action is recorded on the violation.
type Strategy interface {
	HandleEscalation(ctx context.Context, esc Escalation) (Action, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, esc Escalation) (Action, error)

// HandleEscalation calls f.
func (f StrategyFunc) HandleEscalation(ctx context.Context, esc Escalation) (Action, error) {
	return f(ctx, esc)
}

// =============================================================================
// AlertingStrategy
// =============================================================================

// AlertingConfig configures an AlertingStrategy.
type AlertingConfig struct {
	// Sink receives a rollback_requested alert for every escalation.
	Sink audit.Sink

	// RollbackInterval is the minimum spacing between automatic rollbacks.
	// Default: 1m
	RollbackInterval time.Duration

	// Burst is the number of rollbacks allowed back to back.
	// Default: 1
	Burst int

	// AutoRollback enables rollbacks. When false the strategy only alerts.
	AutoRollback bool

	// Logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultAlertingConfig returns one rollback per minute with alerts on.
func DefaultAlertingConfig() AlertingConfig {
	return AlertingConfig{
		RollbackInterval: time.Minute,
		Burst:            1,
		AutoRollback:     true,
	}
}

// AlertingStrategy alerts on every escalation and rolls back at a bounded
// rate.
//
// A rate-limited escalation is reported as ActionStrategy; the streak keeps
// growing, so the next bucket escalates again once a token is available.
type AlertingStrategy struct {
	sink         audit.Sink
	limiter      *rate.Limiter
	autoRollback bool
	logger       *slog.Logger
}

// NewAlertingStrategy creates an AlertingStrategy.
func NewAlertingStrategy(cfg AlertingConfig) *AlertingStrategy {
	if cfg.RollbackInterval <= 0 {
		cfg.RollbackInterval = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AlertingStrategy{
		sink:         audit.OrNop(cfg.Sink),
		limiter:      rate.NewLimiter(rate.Every(cfg.RollbackInterval), cfg.Burst),
		autoRollback: cfg.AutoRollback,
		logger:       cfg.Logger.With(slog.String("component", "slo_alerting")),
	}
}

// HandleEscalation implements Strategy.
func (s *AlertingStrategy) HandleEscalation(ctx context.Context, esc Escalation) (Action, error) {
	alert := audit.NewEvent(audit.EventRollbackRequested, esc.Violation.ConfigName, esc.Reason).
		With("rule", esc.Rule.Name).
		With("auto_rollback", strconv.FormatBool(s.autoRollback))
	if err := s.sink.Record(ctx, alert); err != nil {
		s.logger.Warn("alert delivery failed", slog.String("error", err.Error()))
	}

	if !s.autoRollback {
		return ActionStrategy, nil
	}
	if !s.limiter.Allow() {
		s.logger.Warn("automatic rollback rate limited",
			slog.String("rule", esc.Rule.Name),
			slog.String("config", esc.Violation.ConfigName))
		return ActionStrategy, nil
	}
	if err := esc.Rollback(); err != nil {
		return ActionRollbackFailed, err
	}
	return ActionRollback, nil
}
