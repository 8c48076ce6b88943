// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/mewproto/mew/pkg/capability"
	"github.com/mewproto/mew/pkg/protocol"
)

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string

	if len(c.Spaces) == 0 {
		errs = append(errs, "at least one space is required")
	}

	if c.Auth != nil && c.Auth.JWT != nil && c.Auth.JWT.Secret == "" {
		errs = append(errs, "auth.jwt.secret is required when auth.jwt is set")
	}

	seenTokens := map[string]string{}
	for _, name := range c.SpaceNames() {
		space := c.Spaces[name]
		if err := validateSpace(name, space, seenTokens); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateSpace(name string, space *SpaceConfig, seenTokens map[string]string) error {
	if name == "" {
		return fmt.Errorf("space name must not be empty")
	}
	if space == nil || len(space.Participants) == 0 {
		return fmt.Errorf("space %q has no participants", name)
	}

	for _, grant := range space.DefaultCapabilities {
		if err := capability.CheckPattern(grant); err != nil {
			return fmt.Errorf("space %q default capability: %w", name, err)
		}
	}

	for id, p := range space.Participants {
		if id == "" {
			return fmt.Errorf("space %q has a participant with an empty id", name)
		}
		if id == protocol.GatewayID {
			return fmt.Errorf("space %q participant id %q is reserved for the gateway", name, id)
		}
		if p == nil {
			return fmt.Errorf("space %q participant %q has no configuration", name, id)
		}
		for _, token := range p.Tokens {
			if token == "" {
				return fmt.Errorf("space %q participant %q has an empty token", name, id)
			}
			owner := name + "/" + id
			if prev, dup := seenTokens[token]; dup {
				return fmt.Errorf("token for %s already assigned to %s", owner, prev)
			}
			seenTokens[token] = owner
		}
		for _, grant := range p.Capabilities {
			if err := capability.CheckPattern(grant); err != nil {
				return fmt.Errorf("space %q participant %q capability: %w", name, id, err)
			}
		}
	}
	return nil
}
