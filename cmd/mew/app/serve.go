// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mewproto/mew/pkg/config"
	"github.com/mewproto/mew/pkg/gateway"
	"github.com/mewproto/mew/pkg/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway and host the configured spaces.

Participants connect over websockets at /ws with a bearer token. The
operator API is served under /api/v1 and Prometheus metrics at /metrics.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "Listen address, overriding the configured one (host:port)")
	bindFlag(cmd.Flags(), "listen")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	path, err := configPath()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if listen := viper.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}

	resolver, err := cfg.BuildResolver()
	if err != nil {
		return fmt.Errorf("failed to build token resolver: %w", err)
	}

	logger.Infow("starting gateway",
		"listen", cfg.Listen,
		"spaces", cfg.SpaceNames(),
		"config", path,
	)

	g := gateway.New(cfg, resolver)
	return g.Start(ctx)
}
