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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// presetExtensions are tried in order when resolving a preset name.
var presetExtensions = []string{".yaml", ".yml"}

// PresetStore loads and saves configuration presets from a directory.
//
// # Description
//
// One YAML file per preset, named "<name>.yaml". Loaded presets are cached;
// concurrent loads of the same name share a single disk read through
// singleflight. Every value handed out is a clone.
//
// # Thread Safety
//
// Safe for concurrent use.
type PresetStore struct {
	dir    string
	schema *jsonschema.Schema
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*ConfigVersion
	group singleflight.Group
}

// NewPresetStore creates a store rooted at dir.
//
// # Inputs
//
//   - dir: Preset directory. Created on first save if missing.
//   - logger: Nil uses slog.Default().
//
// # Outputs
//
//   - *PresetStore: Ready to use.
//   - error: Non-nil only if the embedded schema fails to compile.
func NewPresetStore(dir string, logger *slog.Logger) (*PresetStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compilePresetSchema()
	if err != nil {
		return nil, err
	}
	return &PresetStore{
		dir:    dir,
		schema: schema,
		logger: logger,
		cache:  make(map[string]*ConfigVersion),
	}, nil
}

// Dir returns the preset directory.
func (s *PresetStore) Dir() string {
	return s.dir
}

// Load returns the named preset.
//
// # Outputs
//
//   - *ConfigVersion: A clone of the preset.
//   - error: ErrNotFound if no file exists, ErrValidation if the file is
//     malformed or a required section is missing.
func (s *PresetStore) Load(name string) (*ConfigVersion, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		cfg, err := s.readFromDisk(name)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[name] = cfg
		s.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ConfigVersion).Clone(), nil
}

// Exists reports whether a preset file exists for name.
func (s *PresetStore) Exists(name string) bool {
	if validateName(name) != nil {
		return false
	}
	_, err := s.resolve(name)
	return err == nil
}

// Save writes cfg to "<dir>/<name>.yaml", replacing any existing preset.
//
// # Outputs
//
//   - error: ErrValidation if cfg does not satisfy the preset schema, or a
//     wrapped I/O error.
func (s *PresetStore) Save(cfg *ConfigVersion) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil preset", ErrValidation)
	}
	name := cfg.Name()
	if err := validateName(name); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal preset %s: %w", name, err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validateDocument(s.schema, doc); err != nil {
		return fmt.Errorf("preset %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name+presetExtensions[0])
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("save preset %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = cfg.Clone()
	s.mu.Unlock()
	s.group.Forget(name)

	s.logger.Info("preset saved", slog.String("preset", name), slog.String("path", path))
	return nil
}

// List returns the names of all presets in the directory, sorted.
func (s *PresetStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read preset directory: %w", err)
	}

	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, ext := range presetExtensions {
			if strings.HasSuffix(e.Name(), ext) && !strings.HasPrefix(e.Name(), ".") {
				seen[strings.TrimSuffix(e.Name(), ext)] = struct{}{}
			}
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate drops a cached preset so the next Load re-reads it.
// An empty name drops the whole cache.
func (s *PresetStore) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		s.cache = make(map[string]*ConfigVersion)
		return
	}
	delete(s.cache, name)
	s.group.Forget(name)
}

func (s *PresetStore) resolve(name string) (string, error) {
	for _, ext := range presetExtensions {
		path := filepath.Join(s.dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("preset %q: %w", name, ErrNotFound)
}

func (s *PresetStore) readFromDisk(name string) (*ConfigVersion, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("preset %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("read preset %s: %w", path, err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("preset %q: %w: %v", name, ErrValidation, err)
	}
	if err := validateDocument(s.schema, doc); err != nil {
		return nil, fmt.Errorf("preset %q: %w", name, err)
	}

	var cfg ConfigVersion
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("preset %q: %w: %v", name, ErrValidation, err)
	}
	if cfg.Name() != name {
		return nil, fmt.Errorf("preset %q: %w: metadata.name is %q", name, ErrValidation, cfg.Name())
	}

	s.logger.Debug("preset loaded", slog.String("preset", name), slog.String("path", path))
	return &cfg, nil
}

// validateName rejects names that would escape the preset directory.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: preset name is empty", ErrValidation)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: invalid preset name %q", ErrValidation, name)
	}
	return nil
}
