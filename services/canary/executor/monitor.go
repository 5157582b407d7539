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
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianCanary/services/canary/telemetry"
)

// startMonitorLocked spawns the monitor goroutine. Caller must hold e.mu.
func (e *Executor) startMonitorLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.resultMu.Lock()
	e.cancel = cancel
	e.resultMu.Unlock()
	e.done = done

	go e.monitorLoop(ctx, done)
}

// stopMonitorLocked cancels the monitor and waits at most StopTimeout for
// it to exit. A timeout is logged and otherwise ignored; the goroutine
// exits on its own after the current tick. Caller must hold e.mu.
func (e *Executor) stopMonitorLocked() {
	e.resultMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.resultMu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := e.done
	e.done = nil
	if done == nil {
		return
	}

	timer := time.NewTimer(e.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("monitor join timed out",
			slog.Duration("timeout", e.cfg.StopTimeout),
			slog.String("error", ErrMonitorTimeout.Error()))
	}
}

// monitorLoop drains closed buckets every MonitorInterval until ctx is
// cancelled.
func (e *Executor) monitorLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	e.logger.Debug("monitor started", slog.Duration("interval", e.cfg.MonitorInterval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("monitor stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one monitoring pass. Panics are recovered so one bad tick
// never kills the loop.
//
// Buckets go to the A/B evaluator before the SLO monitor so they are
// labelled while the candidate is still in the deployment state.
func (e *Executor) tick(ctx context.Context) {
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			e.logger.Error("monitor tick panicked", slog.String("panic", fmt.Sprint(r)))
		}
		e.metrics.MonitorTicksTotal.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.AttrOutcome.String(outcome)))
	}()

	// Work started in a tick finishes even if a rollback cancels ctx.
	tickCtx := context.WithoutCancel(ctx)

	buckets := e.deps.Collector.GetCompletedBuckets()
	if len(buckets) == 0 {
		outcome = "idle"
		return
	}
	e.deps.Evaluator.ProcessMetricsBuckets(buckets)
	violations := e.deps.Monitor.ProcessBuckets(tickCtx, buckets)
	if len(violations) > 0 {
		e.logger.Debug("monitor tick found violations",
			slog.Int("buckets", len(buckets)),
			slog.Int("violations", len(violations)))
	}
}
