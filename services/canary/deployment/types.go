// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deployment

import (
	"fmt"
	"time"
)

// =============================================================================
// Canary Status
// =============================================================================

// Status is the lifecycle status of the canary.
//
// The set is closed; use Valid before trusting a value read from disk.
type Status string

const (
	// StatusIdle means no canary has ever run in this deployment.
	StatusIdle Status = "idle"

	// StatusRunning means a candidate is receiving a share of traffic.
	StatusRunning Status = "running"

	// StatusPromoted means the last candidate became the active config.
	StatusPromoted Status = "promoted"

	// StatusRolledBack means the last candidate was withdrawn.
	StatusRolledBack Status = "rolled_back"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusPromoted, StatusRolledBack:
		return true
	default:
		return false
	}
}

// String returns the wire value.
func (s Status) String() string {
	return string(s)
}

// =============================================================================
// Deployment State
// =============================================================================

// State is the persisted deployment state.
//
// # Invariants
//
//   - CandidateConfig != nil if and only if CanaryStatus == StatusRunning.
//   - CanaryStartTime is set while running and kept afterwards for reference.
type State struct {
	ActiveConfig    string     `json:"active_config"`
	LastGoodConfig  string     `json:"last_good_config"`
	CandidateConfig *string    `json:"candidate_config"`
	CanaryStartTime *time.Time `json:"canary_start_time"`
	CanaryStatus    Status     `json:"canary_status"`
}

// DefaultState returns the state used when no state file exists or it
// cannot be read: both active and last-good point at the given config.
func DefaultState(activeConfig string) State {
	return State{
		ActiveConfig:   activeConfig,
		LastGoodConfig: activeConfig,
		CanaryStatus:   StatusIdle,
	}
}

// Candidate returns the candidate name or "" when none is set.
func (s State) Candidate() string {
	if s.CandidateConfig == nil {
		return ""
	}
	return *s.CandidateConfig
}

// Running reports whether a canary is in flight.
func (s State) Running() bool {
	return s.CanaryStatus == StatusRunning && s.CandidateConfig != nil
}

// Clone returns a deep copy so callers can never alias the manager's state.
func (s State) Clone() State {
	out := s
	if s.CandidateConfig != nil {
		c := *s.CandidateConfig
		out.CandidateConfig = &c
	}
	if s.CanaryStartTime != nil {
		t := *s.CanaryStartTime
		out.CanaryStartTime = &t
	}
	return out
}

// Validate checks the state invariants.
func (s State) Validate() error {
	if !s.CanaryStatus.Valid() {
		return fmt.Errorf("%w: unknown canary status %q", ErrValidation, s.CanaryStatus)
	}
	if s.ActiveConfig == "" {
		return fmt.Errorf("%w: active_config is empty", ErrValidation)
	}
	if (s.CandidateConfig != nil) != (s.CanaryStatus == StatusRunning) {
		return fmt.Errorf("%w: candidate_config must be set exactly when status is running (status=%s)",
			ErrValidation, s.CanaryStatus)
	}
	return nil
}

// =============================================================================
// Configuration Presets
// =============================================================================

// Metadata identifies a configuration preset.
type Metadata struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	CreatedAt   string   `yaml:"created_at" json:"created_at"`
	Version     string   `yaml:"version" json:"version"`
	Tags        []string `yaml:"tags" json:"tags"`
}

// SLOThresholds are the per-config service-level targets.
type SLOThresholds struct {
	// P95Ms is the p95 latency ceiling in milliseconds. Also used at
	// ingestion time to flag individual slow responses.
	P95Ms float64 `yaml:"p95_ms" json:"p95_ms"`

	// RecallAt10 is the minimum acceptable recall@10.
	RecallAt10 float64 `yaml:"recall_at_10" json:"recall_at_10"`
}

// ConfigVersion is a named serving configuration loaded from a preset file.
//
// Knob sections are free-form because the search pipeline owns their
// meaning; the manager only guarantees they are present and round-trip.
//
// Values returned by Manager.LoadPreset are clones and may be modified by
// the caller without affecting other readers.
type ConfigVersion struct {
	Metadata      Metadata       `yaml:"metadata" json:"metadata"`
	MacroKnobs    map[string]any `yaml:"macro_knobs" json:"macro_knobs"`
	DerivedParams map[string]any `yaml:"derived_params" json:"derived_params"`
	Retriever     map[string]any `yaml:"retriever" json:"retriever"`
	Reranker      map[string]any `yaml:"reranker" json:"reranker"`
	SLO           SLOThresholds  `yaml:"slo" json:"slo"`
}

// Name returns the preset name from its metadata.
func (c *ConfigVersion) Name() string {
	return c.Metadata.Name
}

// Clone returns a deep copy of the configuration.
func (c *ConfigVersion) Clone() *ConfigVersion {
	if c == nil {
		return nil
	}
	out := &ConfigVersion{
		Metadata: c.Metadata,
		SLO:      c.SLO,
	}
	out.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
	out.MacroKnobs = cloneMap(c.MacroKnobs)
	out.DerivedParams = cloneMap(c.DerivedParams)
	out.Retriever = cloneMap(c.Retriever)
	out.Reranker = cloneMap(c.Reranker)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the container shapes produced by YAML and JSON decoding.
// Scalars are immutable and returned as-is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
