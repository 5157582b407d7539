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
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
)

// These commands edit the state file directly. A running server adopts or
// finishes the canary when its watcher sees the change.

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the deployment state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), mgr.GetCanaryStatus())
		},
	}
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start <candidate>",
		Short: "Start a canary for a candidate preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			st, err := mgr.StartCanary(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newPromoteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Promote the running candidate to active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			st, err := mgr.PromoteCandidate()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newRollbackCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Withdraw the running candidate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			st, err := mgr.RollbackCandidate(reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual rollback", "reason recorded in the log")
	return cmd
}

func newPresetCmd(a *app) *cobra.Command {
	preset := &cobra.Command{
		Use:   "preset",
		Short: "Inspect configuration presets",
	}

	preset.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List preset names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			names, err := mgr.ListPresets()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	})

	preset.AddCommand(&cobra.Command{
		Use:   "validate <name>...",
		Short: "Check presets against the preset schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			var firstErr error
			for _, name := range args {
				cfg, err := mgr.LoadPreset(name)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", name, err)
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK   %s (p95_ms=%g recall_at_10=%g)\n",
					name, cfg.SLO.P95Ms, cfg.SLO.RecallAt10)
			}
			return firstErr
		},
	})
	return preset
}

// manager builds a deployment manager over the configured paths.
func (a *app) manager() (*deployment.Manager, error) {
	cfg := deployment.DefaultConfig()
	cfg.PresetsDir = a.cfg.Paths.PresetsDir
	cfg.StateFile = a.cfg.Paths.StateFile
	if a.cfg.Paths.DefaultActive != "" {
		cfg.DefaultActive = a.cfg.Paths.DefaultActive
	}
	cfg.Logger = a.logger
	return deployment.NewManager(cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
