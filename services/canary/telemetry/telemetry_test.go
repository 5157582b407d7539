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
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit(t *testing.T) {
	t.Run("nil context", func(t *testing.T) {
		//nolint:staticcheck // exercising the nil guard
		_, err := Init(nil, DefaultConfig())
		assert.ErrorIs(t, err, ErrNilContext)
	})

	t.Run("everything disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TraceExporter = "none"
		cfg.MetricExporter = "none"

		shutdown, err := Init(context.Background(), cfg)
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("unknown exporters", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TraceExporter = "carrier-pigeon"
		_, err := Init(context.Background(), cfg)
		assert.ErrorIs(t, err, ErrUnknownExporter)

		cfg = DefaultConfig()
		cfg.TraceExporter = "none"
		cfg.MetricExporter = "smoke-signals"
		_, err = Init(context.Background(), cfg)
		assert.ErrorIs(t, err, ErrUnknownExporter)
	})

	t.Run("prometheus exposes canary metrics", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			cfg := DefaultConfig()
			cfg.TraceExporter = "none"
			cfg.MetricExporter = "prometheus"

			shutdown, err := Init(context.Background(), cfg)
			require.NoError(t, err, "init #%d", i)

			m, err := NewCanaryMetrics(otel.Meter(MeterName))
			require.NoError(t, err)
			m.SamplesTotal.Add(context.Background(), 3)

			handler := MetricsHandler()
			require.NotNil(t, handler)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "canary_samples_total")

			require.NoError(t, shutdown(context.Background()))
		}
	})
}

func TestNewCanaryMetrics(t *testing.T) {
	m := NoopMetrics()
	assert.NotNil(t, m.SamplesTotal)
	assert.NotNil(t, m.SearchLatency)
	assert.NotNil(t, m.SearchErrorsTotal)
	assert.NotNil(t, m.BucketsClosedTotal)
	assert.NotNil(t, m.SLOViolationsTotal)
	assert.NotNil(t, m.RollbacksTotal)
	assert.NotNil(t, m.PromotionsTotal)
	assert.NotNil(t, m.MonitorTicksTotal)

	assert.Same(t, m, OrNoop(m))
	assert.NotNil(t, OrNoop(nil))
}

func TestRecordError(t *testing.T) {
	RecordError(nil, errors.New("ignored"))

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")

	RecordError(span, nil)
	RecordError(span, errors.New("boom"), attribute.String("component", "test"))
	span.End()

	assert.NotEmpty(t, TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))
	assert.NotNil(t, LoggerWithTrace(ctx, slog.Default()))
	assert.NotNil(t, LoggerWithTrace(context.Background(), nil))
}
