// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"sort"

	"github.com/mewproto/mew/pkg/auth"
	"github.com/mewproto/mew/pkg/protocol"
)

// BuildResolver constructs the token resolver the gateway uses: the static
// participant table, chained with JWT resolution when configured.
func (c *Config) BuildResolver() (auth.Resolver, error) {
	entries := map[string]auth.Identity{}
	for name, space := range c.Spaces {
		for id, p := range space.Participants {
			for _, token := range p.Tokens {
				entries[token] = auth.Identity{Space: name, ID: id, Capabilities: p.Capabilities}
			}
		}
	}

	static, err := auth.NewStaticResolver(entries)
	if err != nil {
		return nil, err
	}
	if c.Auth == nil || c.Auth.JWT == nil {
		return static, nil
	}

	jwtResolver, err := auth.NewJWTResolver([]byte(c.Auth.JWT.Secret), c.Auth.JWT.Issuer, c.CapabilityLookup)
	if err != nil {
		return nil, err
	}
	return auth.NewChainResolver(static, jwtResolver), nil
}

// CapabilityLookup returns the configured grant for a participant. It
// implements auth.CapabilityLookup for JWT-resolved identities, which carry
// identity but never policy.
func (c *Config) CapabilityLookup(space, participantID string) ([]protocol.Capability, bool) {
	s, ok := c.Spaces[space]
	if !ok || s == nil {
		return nil, false
	}
	p, ok := s.Participants[participantID]
	if !ok || p == nil {
		return nil, false
	}
	return p.Capabilities, true
}

// ParticipantInfos lists a space's configured participants sorted by id.
func (c *Config) ParticipantInfos(space string) []protocol.ParticipantInfo {
	s, ok := c.Spaces[space]
	if !ok || s == nil {
		return nil
	}
	infos := make([]protocol.ParticipantInfo, 0, len(s.Participants))
	for id, p := range s.Participants {
		info := protocol.ParticipantInfo{ID: id}
		if p != nil {
			info.Capabilities = p.Capabilities
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
