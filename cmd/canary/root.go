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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCanary/cmd/canary/config"
	"github.com/AleutianAI/AleutianCanary/pkg/logging"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string

	cfg    config.ServiceConfig
	log    *logging.Logger
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "canary",
		Short:         "Canary deployment control plane for search configurations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.log != nil {
				return a.log.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "configuration file (default $CANARY_CONFIG or ~/.aleutian/canary.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newStatusCmd(a),
		newStartCmd(a),
		newPromoteCmd(a),
		newRollbackCmd(a),
		newPresetCmd(a),
	)
	return root
}

// init loads the configuration and builds the process logger.
func (a *app) init() error {
	cfg, err := config.Load(config.ResolvePath(a.configPath))
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	log, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		log.Slog().Warn("file logging disabled", "error", err)
	}

	a.cfg = cfg
	a.log = log
	a.logger = log.Slog()
	slog.SetDefault(a.logger)
	return nil
}
