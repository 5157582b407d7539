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

import "errors"

// Sentinel errors for deployment state and preset management.
var (
	// ErrNotFound indicates a preset does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a malformed preset or state document.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates a transition conflicts with the canary in flight.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState indicates a transition is not allowed from the current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrStateIO indicates the state file could not be read or written.
	ErrStateIO = errors.New("state file I/O failed")
)
