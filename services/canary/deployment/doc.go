// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deployment owns configuration presets and the deployment state.
//
// # State Machine
//
//	idle ──start──► running ──promote──► promoted
//	                   │                    │
//	                   └──rollback──► rolled_back
//	                                        │
//	promoted / rolled_back ──start──► running
//
// There is no edge from idle to promoted or rolled_back. A candidate is set
// exactly while the status is running.
//
// # Persistence
//
// Presets are YAML files, one per configuration, validated against an
// embedded JSON Schema. The deployment state is a single JSON document that
// is rewritten with write-temp, fsync, rename on every transition. The
// state file is the cross-process source of truth: transitions take an
// advisory lock on "<state>.lock" and re-read the file before modifying it.
//
// # Usage
//
//	mgr, err := deployment.NewManager(deployment.Config{
//	    PresetsDir: "configs/presets",
//	    StateFile:  "state/deployment_state.json",
//	})
//	if err != nil {
//	    return err
//	}
//	if _, err := mgr.StartCanary("cand_A"); err != nil {
//	    return err
//	}
//	st, err := mgr.PromoteCandidate()
package deployment
