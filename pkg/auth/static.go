// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"sort"

	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/protocol"
)

// StaticResolver resolves tokens from a fixed table, typically loaded from
// the space configuration. It is immutable after construction and safe for
// concurrent use.
type StaticResolver struct {
	byToken map[string]Identity
}

// NewStaticResolver builds a resolver over a token → identity table. Entries
// that would mint a reserved or empty identity are rejected up front so a
// bad configuration fails at startup, not at join time.
func NewStaticResolver(entries map[string]Identity) (*StaticResolver, error) {
	byToken := make(map[string]Identity, len(entries))
	for token, identity := range entries {
		if token == "" {
			return nil, errors.NewAuthFailedError("static resolver entry has an empty token", nil)
		}
		if err := checkIdentity(&identity); err != nil {
			return nil, err
		}
		byToken[token] = identity
	}
	return &StaticResolver{byToken: byToken}, nil
}

// Resolve implements Resolver.
func (s *StaticResolver) Resolve(_ context.Context, token string) (*Identity, error) {
	identity, ok := s.byToken[token]
	if !ok {
		return nil, errors.NewAuthFailedError("unknown token", nil)
	}
	return &identity, nil
}

// Participants lists the participants the table defines for a space, sorted
// by id. The CLI uses this to render a space's roster without connecting.
func (s *StaticResolver) Participants(space string) []protocol.ParticipantInfo {
	var infos []protocol.ParticipantInfo
	for _, identity := range s.byToken {
		if identity.Space == space {
			infos = append(infos, identity.Info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
