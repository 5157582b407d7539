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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/lock"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Manager.
type Config struct {
	// PresetsDir holds one "<name>.yaml" file per configuration preset.
	PresetsDir string

	// StateFile is the JSON deployment state document.
	StateFile string

	// DefaultActive is the active and last-good config used when no state
	// file exists or it cannot be read.
	// Default: "baseline"
	DefaultActive string

	// LockTimeout bounds the wait for the cross-process state lock.
	// Default: 2s
	LockTimeout time.Duration

	// Logger for state transitions. Nil uses slog.Default().
	Logger *slog.Logger

	// Now overrides the clock for canary start times. Nil uses time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config rooted in the working directory.
func DefaultConfig() Config {
	return Config{
		PresetsDir:    "configs/presets",
		StateFile:     "state/deployment_state.json",
		DefaultActive: "baseline",
		LockTimeout:   2 * time.Second,
	}
}

// =============================================================================
// Manager
// =============================================================================

// Manager is the source of truth for presets and deployment state.
//
// # Description
//
// Every transition is a read-modify-write of the state file performed under
// the in-process mutex and the cross-process file lock, so that a CLI
// invocation and a running server cannot interleave updates. The state
// file is replaced atomically on every successful transition.
//
// While a Watch is active the in-memory copy is reused until the watcher
// reports a change; otherwise every GetCanaryStatus re-reads the file.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	presets       *PresetStore
	statePath     string
	defaultActive string
	lockTimeout   time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	state  State
	loaded bool

	watchers atomic.Int32
	dirty    atomic.Bool
}

// NewManager creates a Manager.
//
// # Inputs
//
//   - cfg: Use DefaultConfig() as a starting point. StateFile and
//     PresetsDir are required.
//
// # Outputs
//
//   - *Manager: Ready to use. The state file is read lazily.
//   - error: Non-nil if required paths are missing.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.StateFile == "" {
		return nil, fmt.Errorf("%w: state file path is required", ErrValidation)
	}
	if cfg.PresetsDir == "" {
		return nil, fmt.Errorf("%w: presets directory is required", ErrValidation)
	}
	if cfg.DefaultActive == "" {
		cfg.DefaultActive = "baseline"
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	presets, err := NewPresetStore(cfg.PresetsDir, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		presets:       presets,
		statePath:     cfg.StateFile,
		defaultActive: cfg.DefaultActive,
		lockTimeout:   cfg.LockTimeout,
		logger:        cfg.Logger.With(slog.String("component", "deployment")),
		now:           cfg.Now,
	}, nil
}

// StatePath returns the deployment state file path.
func (m *Manager) StatePath() string {
	return m.statePath
}

// Presets returns the underlying preset store.
func (m *Manager) Presets() *PresetStore {
	return m.presets
}

// LoadPreset returns the named configuration.
//
// Fails with ErrNotFound if absent and ErrValidation if malformed.
func (m *Manager) LoadPreset(name string) (*ConfigVersion, error) {
	return m.presets.Load(name)
}

// SavePreset writes cfg, overwriting any preset of the same name.
func (m *Manager) SavePreset(cfg *ConfigVersion) error {
	return m.presets.Save(cfg)
}

// ListPresets returns the available preset names.
func (m *Manager) ListPresets() ([]string, error) {
	return m.presets.List()
}

// GetCanaryStatus returns a snapshot of the deployment state.
func (m *Manager) GetCanaryStatus() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked().Clone()
}

// StartCanary makes candidate the running canary.
//
// # Description
//
// Allowed from idle, promoted and rolled_back. Calling it again for the
// candidate that is already running is a no-op that keeps the original
// start time.
//
// # Outputs
//
//   - State: The state after the transition.
//   - error: ErrNotFound or ErrValidation for a bad preset; ErrConflict if
//     a different candidate is running; ErrInvalidState if candidate is
//     already the active config; ErrStateIO if persisting fails.
func (m *Manager) StartCanary(candidate string) (State, error) {
	if _, err := m.presets.Load(candidate); err != nil {
		return State{}, fmt.Errorf("start canary: %w", err)
	}

	return m.transition("start", func(cur State) (State, bool, error) {
		switch cur.CanaryStatus {
		case StatusRunning:
			if cur.Candidate() == candidate {
				m.logger.Info("canary already running for candidate",
					slog.String("candidate", candidate))
				return cur, false, nil
			}
			return cur, false, fmt.Errorf("%w: canary already running with candidate %q",
				ErrConflict, cur.Candidate())

		case StatusIdle, StatusPromoted, StatusRolledBack:
			if candidate == cur.ActiveConfig {
				return cur, false, fmt.Errorf("%w: %q is already the active config",
					ErrInvalidState, candidate)
			}
			next := cur.Clone()
			c := candidate
			start := m.now().UTC()
			next.CandidateConfig = &c
			next.CanaryStartTime = &start
			next.CanaryStatus = StatusRunning
			return next, true, nil

		default:
			return cur, false, fmt.Errorf("%w: unknown status %q", ErrInvalidState, cur.CanaryStatus)
		}
	})
}

// PromoteCandidate makes the running candidate active.
//
// last_good becomes the previous active config and the candidate is
// cleared. Fails with ErrInvalidState when no candidate is running.
func (m *Manager) PromoteCandidate() (State, error) {
	return m.transition("promote", func(cur State) (State, bool, error) {
		switch cur.CanaryStatus {
		case StatusRunning:
			next := cur.Clone()
			next.LastGoodConfig = cur.ActiveConfig
			next.ActiveConfig = cur.Candidate()
			next.CandidateConfig = nil
			next.CanaryStatus = StatusPromoted
			return next, true, nil

		case StatusIdle, StatusPromoted, StatusRolledBack:
			return cur, false, fmt.Errorf("%w: no candidate to promote (status=%s)",
				ErrInvalidState, cur.CanaryStatus)

		default:
			return cur, false, fmt.Errorf("%w: unknown status %q", ErrInvalidState, cur.CanaryStatus)
		}
	})
}

// RollbackCandidate withdraws the running candidate.
//
// Active and last-good are untouched. Without a running candidate this is a
// logged no-op. The reason is logged only; it is never persisted.
func (m *Manager) RollbackCandidate(reason string) (State, error) {
	return m.transition("rollback", func(cur State) (State, bool, error) {
		switch cur.CanaryStatus {
		case StatusRunning:
			next := cur.Clone()
			next.CandidateConfig = nil
			next.CanaryStatus = StatusRolledBack
			m.logger.Warn("rolling back canary candidate",
				slog.String("candidate", cur.Candidate()),
				slog.String("reason", reason))
			return next, true, nil

		case StatusIdle, StatusPromoted, StatusRolledBack:
			m.logger.Warn("rollback requested with no candidate running",
				slog.String("status", cur.CanaryStatus.String()),
				slog.String("reason", reason))
			return cur, false, nil

		default:
			return cur, false, fmt.Errorf("%w: unknown status %q", ErrInvalidState, cur.CanaryStatus)
		}
	})
}

// Watch notifies fn whenever the state file changes on disk.
//
// # Description
//
// Changes made by this process are reported too. fn runs on the watcher
// goroutine with the freshly loaded state. While at least one watch is
// active GetCanaryStatus serves the cached state between change events.
//
// # Outputs
//
//   - error: Non-nil if the file watcher cannot be started.
func (m *Manager) Watch(ctx context.Context, fn func(State)) error {
	err := lock.Watch(ctx, m.statePath, m.logger, func(ev lock.ChangeEvent) {
		m.dirty.Store(true)
		st := m.GetCanaryStatus()
		m.logger.Debug("deployment state changed on disk",
			slog.String("change", ev.Type.String()),
			slog.String("status", st.CanaryStatus.String()))
		if fn != nil {
			fn(st)
		}
	})
	if err != nil {
		return err
	}

	m.dirty.Store(true)
	m.watchers.Add(1)
	go func() {
		<-ctx.Done()
		m.watchers.Add(-1)
	}()
	return nil
}

// transition runs a read-modify-write of the state under both locks.
//
// fn receives a private copy of the current state and reports whether it
// changed. A failed write leaves the previous state in place.
func (m *Manager) transition(op string, fn func(cur State) (State, bool, error)) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fl, err := lock.Acquire(context.Background(), m.statePath, m.lockTimeout)
	if err != nil {
		return State{}, fmt.Errorf("%s: %w: %v", op, ErrStateIO, err)
	}
	defer func() {
		if rerr := fl.Release(); rerr != nil {
			m.logger.Warn("release state lock", slog.String("error", rerr.Error()))
		}
	}()

	// Another process may have written since our last read.
	m.dirty.Store(true)
	cur := m.loadLocked()

	next, changed, err := fn(cur.Clone())
	if err != nil {
		return cur.Clone(), fmt.Errorf("%s: %w", op, err)
	}
	if !changed {
		return cur.Clone(), nil
	}
	if err := next.Validate(); err != nil {
		return cur.Clone(), fmt.Errorf("%s: %w", op, err)
	}

	if err := writeStateFile(m.statePath, next); err != nil {
		m.logger.Error("persist deployment state failed",
			slog.String("op", op),
			slog.String("error", err.Error()))
		return cur.Clone(), fmt.Errorf("%s: %w", op, err)
	}

	m.state = next
	m.loaded = true
	m.logger.Info("deployment state transition",
		slog.String("op", op),
		slog.String("from", cur.CanaryStatus.String()),
		slog.String("to", next.CanaryStatus.String()),
		slog.String("active", next.ActiveConfig),
		slog.String("last_good", next.LastGoodConfig),
		slog.String("candidate", next.Candidate()))
	return next.Clone(), nil
}

// loadLocked returns the current state, reading the file when needed.
//
// Read failures fall back to the default state and are logged; they never
// propagate. Caller must hold m.mu.
func (m *Manager) loadLocked() State {
	if m.loaded && m.watchers.Load() > 0 && !m.dirty.Load() {
		return m.state
	}
	m.dirty.Store(false)

	st, ok, err := readStateFile(m.statePath)
	switch {
	case err != nil:
		m.logger.Error("deployment state unreadable, using default state",
			slog.String("path", m.statePath),
			slog.String("error", err.Error()))
		st = DefaultState(m.defaultActive)
	case !ok:
		st = DefaultState(m.defaultActive)
	}

	m.state = st
	m.loaded = true
	return st
}
