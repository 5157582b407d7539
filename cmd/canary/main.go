// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command canary runs and operates the canary control plane.
//
// # Usage
//
//	# Run the control API, monitor loop and exporters
//	canary serve
//
//	# Inspect and drive the deployment state from another shell
//	canary status
//	canary start cand_A
//	canary promote
//	canary rollback --reason "p95 regression"
//
//	# Check preset files before starting a canary
//	canary preset list
//	canary preset validate cand_A cand_B
//
// The deployment state file is shared between a running server and the
// CLI. Changes made by the CLI are picked up by the server's file watcher.
//
// # Environment Variables
//
//   - CANARY_CONFIG: Configuration file (default: ~/.aleutian/canary.yaml)
//   - CANARY_PORT: HTTP listen port
//   - CANARY_PIPELINE_URL: Search pipeline URL
//   - CANARY_INFLUX_TOKEN: InfluxDB API token
package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
