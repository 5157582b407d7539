// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records structured canary lifecycle events.
//
// The control plane calls a Sink and never depends on how events are
// stored. LogSink writes them to slog, BadgerSink keeps them in an
// embedded BadgerDB, and MultiSink fans out to several sinks.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit event.
type EventType string

const (
	EventCanaryStarted     EventType = "canary_started"
	EventCanaryPromoted    EventType = "canary_promoted"
	EventCanaryRolledBack  EventType = "canary_rolled_back"
	EventSLOViolation      EventType = "slo_violation"
	EventRollbackRequested EventType = "rollback_requested"
)

// Event is one audit record.
type Event struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
	DeploymentID string            `json:"deployment_id,omitempty"`
	ConfigName   string            `json:"config_name,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// NewEvent returns an event with a fresh ID and the current UTC time.
func NewEvent(typ EventType, configName, reason string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Timestamp:  time.Now().UTC(),
		ConfigName: configName,
		Reason:     reason,
	}
}

// With returns a copy of e with the attribute set.
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// Sink receives audit events.
//
// Implementations must be safe for concurrent use. Callers treat errors as
// best-effort and log them.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// NopSink discards every event.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Event) error { return nil }

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a LogSink. Nil uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger.With(slog.String("component", "audit"))}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, e Event) error {
	attrs := []slog.Attr{
		slog.String("event_id", e.ID),
		slog.String("event_type", string(e.Type)),
		slog.Time("event_time", e.Timestamp),
	}
	if e.DeploymentID != "" {
		attrs = append(attrs, slog.String("deployment_id", e.DeploymentID))
	}
	if e.ConfigName != "" {
		attrs = append(attrs, slog.String("config", e.ConfigName))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	for k, v := range e.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}

	level := slog.LevelInfo
	switch e.Type {
	case EventSLOViolation, EventCanaryRolledBack, EventRollbackRequested:
		level = slog.LevelWarn
	}
	s.Logger.LogAttrs(ctx, level, "audit event", attrs...)
	return nil
}

// MultiSink records each event to every sink.
//
// All sinks are attempted; their errors are joined.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OrNop returns s, or a NopSink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return NopSink{}
	}
	return s
}
