// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mewproto/mew/pkg/config"
	"github.com/mewproto/mew/pkg/logger"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the space configuration",
		Long: `Validate the space configuration for syntax and semantic errors.

This checks YAML syntax, rejects unknown keys, verifies that every
participant has credentials, and checks each capability pattern.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			path, err := configPath()
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			logger.Infof("Configuration %s is valid", path)
			for _, name := range cfg.SpaceNames() {
				logger.Infof("  space %q: %d participants", name, len(cfg.Spaces[name].Participants))
			}
			return nil
		},
	}
}
