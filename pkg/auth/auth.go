// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth resolves bearer tokens to participant identities. The gateway
// is transport-agnostic about where the token came from (header or handshake);
// by the time a resolver sees it, it is just a string.
package auth

import (
	"context"

	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/protocol"
)

// Identity is the result of resolving a token: which space the bearer may
// join, under which participant id, with which capability grant.
type Identity struct {
	Space        string
	ID           string
	Capabilities []protocol.Capability
}

// Info renders the identity as a ParticipantInfo for welcome and presence
// payloads.
func (i *Identity) Info() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{ID: i.ID, Capabilities: i.Capabilities}
}

// Resolver resolves a bearer token to an identity. Implementations return an
// auth_failed error for unknown, expired, or malformed tokens.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// ChainResolver tries each resolver in order and returns the first
// successful identity. All resolvers failing yields the last error.
type ChainResolver struct {
	resolvers []Resolver
}

// NewChainResolver creates a resolver chain.
func NewChainResolver(resolvers ...Resolver) *ChainResolver {
	return &ChainResolver{resolvers: resolvers}
}

// Resolve implements Resolver.
func (c *ChainResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	var lastErr error
	for _, r := range c.resolvers {
		identity, err := r.Resolve(ctx, token)
		if err == nil {
			return identity, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.NewAuthFailedError("no resolvers configured", nil)
	}
	return nil, lastErr
}

// checkIdentity rejects identities no resolver may mint, like the reserved
// gateway sender id.
func checkIdentity(id *Identity) error {
	if id.ID == "" {
		return errors.NewAuthFailedError("token resolves to an empty participant id", nil)
	}
	if id.ID == protocol.GatewayID {
		return errors.NewAuthFailedError("token resolves to the reserved gateway id", nil)
	}
	if id.Space == "" {
		return errors.NewAuthFailedError("token resolves to an empty space", nil)
	}
	return nil
}
