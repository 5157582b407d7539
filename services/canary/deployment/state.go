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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// readStateFile loads the state document at path.
//
// A missing file is not an error: ok is false and the caller decides the
// default. Any other failure, including an invariant violation, is wrapped
// in ErrStateIO or ErrValidation.
func readStateFile(path string) (state State, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("%w: read %s: %v", ErrStateIO, path, err)
	}

	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("%w: decode %s: %v", ErrStateIO, path, err)
	}
	if err := state.Validate(); err != nil {
		return State{}, false, fmt.Errorf("state file %s: %w", path, err)
	}
	return state, true, nil
}

// writeStateFile persists state atomically.
func writeStateFile(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", ErrStateIO, err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStateIO, err)
	}
	return nil
}
