// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mew command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mewproto/mew/pkg/config"
	"github.com/mewproto/mew/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mew",
	DisableAutoGenTag: true,
	Short:             "mew is the gateway for multi-entity workspaces",
	Long: `mew runs the gateway at the center of a multi-entity workspace: a shared
space where humans, agents, and tool servers exchange enveloped messages over
websockets. The gateway authenticates participants, enforces their capability
grants, routes envelopes and streams, and mediates the proposal workflow that
lets untrusted agents act only with an approver's consent.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// No subcommand, print help.
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the mew CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	bindFlag(rootCmd.PersistentFlags(), "debug")

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the space configuration file")
	bindFlag(rootCmd.PersistentFlags(), "config")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true

	return rootCmd
}

// bindFlag mirrors a cobra flag definition into viper under the same key.
func bindFlag(flags *pflag.FlagSet, key string) {
	if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
		logger.Errorf("Error binding %s flag: %v", key, err)
	}
}

// configPath resolves the configuration file location: the --config flag if
// given, the xdg default otherwise.
func configPath() (string, error) {
	if path := viper.GetString("config"); path != "" {
		return path, nil
	}
	return config.DefaultPath()
}
