// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"

	"github.com/AleutianAI/AleutianCanary/cmd/canary/config"
	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
)

// Exit codes.
const (
	exitFailure  = 1
	exitInvalid  = 2
	exitNotFound = 3
	exitConflict = 4
)

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, deployment.ErrValidation), errors.Is(err, config.ErrInvalidConfig):
		return exitInvalid
	case errors.Is(err, deployment.ErrNotFound):
		return exitNotFound
	case errors.Is(err, deployment.ErrConflict), errors.Is(err, deployment.ErrInvalidState):
		return exitConflict
	default:
		return exitFailure
	}
}
