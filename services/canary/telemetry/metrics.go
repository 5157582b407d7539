// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope for canary instruments.
const MeterName = "aleutian.canary"

// Attribute keys shared by the canary instruments.
const (
	AttrConfig  = attribute.Key("config")
	AttrBranch  = attribute.Key("branch")
	AttrRule    = attribute.Key("rule")
	AttrOutcome = attribute.Key("outcome")
	AttrTrigger = attribute.Key("trigger")
)

// CanaryMetrics contains the instruments for the canary control plane.
//
// Description:
//
//	All instruments use the "canary_" prefix. Latencies are recorded in
//	milliseconds to match the SLO thresholds.
//
// Thread Safety: Safe for concurrent use after creation.
type CanaryMetrics struct {
	// SamplesTotal counts recorded search samples by config.
	SamplesTotal metric.Int64Counter

	// SearchLatency records pipeline latency in milliseconds by config.
	SearchLatency metric.Float64Histogram

	// SearchErrorsTotal counts failed pipeline calls by config.
	SearchErrorsTotal metric.Int64Counter

	// BucketsClosedTotal counts closed metric buckets by config.
	BucketsClosedTotal metric.Int64Counter

	// SLOViolationsTotal counts rule violations by rule and config.
	SLOViolationsTotal metric.Int64Counter

	// RollbacksTotal counts rollback attempts by trigger and outcome.
	RollbacksTotal metric.Int64Counter

	// PromotionsTotal counts successful promotions.
	PromotionsTotal metric.Int64Counter

	// MonitorTicksTotal counts monitor loop iterations by outcome.
	MonitorTicksTotal metric.Int64Counter

	// CanaryRunning reports 1 while a canary is running, else 0.
	CanaryRunning metric.Int64ObservableGauge
}

// NewCanaryMetrics registers the canary instruments with meter.
//
// Description:
//
//	A nil meter uses the global meter provider.
//
// Outputs:
//
//	*CanaryMetrics - Instruments ready for use.
//	error - Non-nil if registration fails.
func NewCanaryMetrics(meter metric.Meter) (*CanaryMetrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	m := &CanaryMetrics{}
	var err error

	m.SamplesTotal, err = meter.Int64Counter(
		"canary_samples_total",
		metric.WithDescription("Total search samples recorded"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create samples_total: %w", err)
	}

	m.SearchLatency, err = meter.Float64Histogram(
		"canary_search_latency_ms",
		metric.WithDescription("Search pipeline latency in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 25, 50, 100, 250, 500, 800, 1200, 2000, 5000),
	)
	if err != nil {
		return nil, fmt.Errorf("create search_latency: %w", err)
	}

	m.SearchErrorsTotal, err = meter.Int64Counter(
		"canary_search_errors_total",
		metric.WithDescription("Total failed search pipeline calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create search_errors_total: %w", err)
	}

	m.BucketsClosedTotal, err = meter.Int64Counter(
		"canary_buckets_closed_total",
		metric.WithDescription("Total metric buckets closed"),
		metric.WithUnit("{bucket}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create buckets_closed_total: %w", err)
	}

	m.SLOViolationsTotal, err = meter.Int64Counter(
		"canary_slo_violations_total",
		metric.WithDescription("Total SLO rule violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create slo_violations_total: %w", err)
	}

	m.RollbacksTotal, err = meter.Int64Counter(
		"canary_rollbacks_total",
		metric.WithDescription("Total rollback attempts"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rollbacks_total: %w", err)
	}

	m.PromotionsTotal, err = meter.Int64Counter(
		"canary_promotions_total",
		metric.WithDescription("Total candidate promotions"),
		metric.WithUnit("{promotion}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create promotions_total: %w", err)
	}

	m.MonitorTicksTotal, err = meter.Int64Counter(
		"canary_monitor_ticks_total",
		metric.WithDescription("Total monitor loop iterations"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create monitor_ticks_total: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that discard every measurement.
func NoopMetrics() *CanaryMetrics {
	m, err := NewCanaryMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}

// OrNoop returns m, or no-op instruments when m is nil.
func OrNoop(m *CanaryMetrics) *CanaryMetrics {
	if m == nil {
		return NoopMetrics()
	}
	return m
}

// RegisterCanaryRunning registers the running-canary gauge.
//
// Description:
//
//	runningFunc is invoked on every collection and should be cheap.
//
// Outputs:
//
//	metric.Registration - Unregister on shutdown.
//	error - Non-nil if registration fails.
func (m *CanaryMetrics) RegisterCanaryRunning(meter metric.Meter, runningFunc func() bool) (metric.Registration, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	var err error
	m.CanaryRunning, err = meter.Int64ObservableGauge(
		"canary_running",
		metric.WithDescription("1 while a canary candidate is running"),
		metric.WithUnit("{canary}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create canary_running: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var v int64
		if runningFunc() {
			v = 1
		}
		o.ObserveInt64(m.CanaryRunning, v)
		return nil
	}, m.CanaryRunning)
}
