// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/protocol"
)

func chatOnly() []protocol.Capability {
	return []protocol.Capability{{Kind: "chat"}}
}

func TestStaticResolver_Resolve(t *testing.T) {
	t.Parallel()

	resolver, err := NewStaticResolver(map[string]Identity{
		"alice-token": {Space: "demo", ID: "alice", Capabilities: chatOnly()},
		"bob-token":   {Space: "demo", ID: "bob", Capabilities: []protocol.Capability{{Kind: "*"}}},
	})
	require.NoError(t, err)

	identity, err := resolver.Resolve(context.Background(), "alice-token")
	require.NoError(t, err)
	assert.Equal(t, "demo", identity.Space)
	assert.Equal(t, "alice", identity.ID)
	assert.Equal(t, chatOnly(), identity.Capabilities)

	_, err = resolver.Resolve(context.Background(), "mallory-token")
	require.Error(t, err)
	assert.True(t, errors.IsAuthFailed(err))
}

func TestNewStaticResolver_RejectsBadEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries map[string]Identity
	}{
		{
			name:    "empty token",
			entries: map[string]Identity{"": {Space: "demo", ID: "alice"}},
		},
		{
			name:    "empty participant id",
			entries: map[string]Identity{"t1": {Space: "demo", ID: ""}},
		},
		{
			name:    "reserved gateway id",
			entries: map[string]Identity{"t1": {Space: "demo", ID: protocol.GatewayID}},
		},
		{
			name:    "empty space",
			entries: map[string]Identity{"t1": {Space: "", ID: "alice"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewStaticResolver(tt.entries)
			require.Error(t, err)
			assert.True(t, errors.IsAuthFailed(err))
		})
	}
}

func TestStaticResolver_Participants(t *testing.T) {
	t.Parallel()

	resolver, err := NewStaticResolver(map[string]Identity{
		"t-bob":   {Space: "demo", ID: "bob", Capabilities: chatOnly()},
		"t-alice": {Space: "demo", ID: "alice", Capabilities: chatOnly()},
		"t-eve":   {Space: "other", ID: "eve", Capabilities: chatOnly()},
	})
	require.NoError(t, err)

	roster := resolver.Participants("demo")
	require.Len(t, roster, 2)
	assert.Equal(t, "alice", roster[0].ID)
	assert.Equal(t, "bob", roster[1].ID)

	assert.Empty(t, resolver.Participants("missing"))
}

type stubResolver struct {
	identity *Identity
	err      error
}

func (s *stubResolver) Resolve(_ context.Context, _ string) (*Identity, error) {
	return s.identity, s.err
}

func TestChainResolver(t *testing.T) {
	t.Parallel()

	alice := &Identity{Space: "demo", ID: "alice"}
	failure := errors.NewAuthFailedError("nope", nil)

	t.Run("first success wins", func(t *testing.T) {
		t.Parallel()
		chain := NewChainResolver(
			&stubResolver{err: failure},
			&stubResolver{identity: alice},
			&stubResolver{identity: &Identity{Space: "demo", ID: "shadow"}},
		)
		identity, err := chain.Resolve(context.Background(), "token")
		require.NoError(t, err)
		assert.Equal(t, "alice", identity.ID)
	})

	t.Run("all fail yields last error", func(t *testing.T) {
		t.Parallel()
		last := errors.NewAuthFailedError("last failure", nil)
		chain := NewChainResolver(&stubResolver{err: failure}, &stubResolver{err: last})
		_, err := chain.Resolve(context.Background(), "token")
		require.Error(t, err)
		assert.ErrorContains(t, err, "last failure")
	})

	t.Run("empty chain fails", func(t *testing.T) {
		t.Parallel()
		_, err := NewChainResolver().Resolve(context.Background(), "token")
		require.Error(t, err)
		assert.True(t, errors.IsAuthFailed(err))
	})
}

func demoLookup(space, participantID string) ([]protocol.Capability, bool) {
	if space != "demo" {
		return nil, false
	}
	switch participantID {
	case "alice", protocol.GatewayID:
		return chatOnly(), true
	}
	return nil, false
}

func TestJWTResolver_Resolve(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret")
	resolver, err := NewJWTResolver(secret, "mew-gateway", demoLookup)
	require.NoError(t, err)

	token, err := SignToken(secret, "mew-gateway", "demo", "alice")
	require.NoError(t, err)

	identity, err := resolver.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "demo", identity.Space)
	assert.Equal(t, "alice", identity.ID)
	assert.Equal(t, chatOnly(), identity.Capabilities)
}

func TestJWTResolver_RejectsBadTokens(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret")
	resolver, err := NewJWTResolver(secret, "mew-gateway", demoLookup)
	require.NoError(t, err)

	signWith := func(t *testing.T, method jwt.SigningMethod, key any, claims *spaceClaims) string {
		t.Helper()
		signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return signed
	}

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name:  "garbage token",
			token: func(_ *testing.T) string { return "not-a-jwt" },
		},
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				return signWith(t, jwt.SigningMethodHS256, []byte("other-secret"), &spaceClaims{
					Space: "demo", ParticipantID: "alice",
					RegisteredClaims: jwt.RegisteredClaims{Issuer: "mew-gateway"},
				})
			},
		},
		{
			name: "disallowed signing method",
			token: func(t *testing.T) string {
				return signWith(t, jwt.SigningMethodHS384, secret, &spaceClaims{
					Space: "demo", ParticipantID: "alice",
					RegisteredClaims: jwt.RegisteredClaims{Issuer: "mew-gateway"},
				})
			},
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return signWith(t, jwt.SigningMethodHS256, secret, &spaceClaims{
					Space: "demo", ParticipantID: "alice",
					RegisteredClaims: jwt.RegisteredClaims{
						Issuer:    "mew-gateway",
						ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
					},
				})
			},
		},
		{
			name: "issuer mismatch",
			token: func(t *testing.T) string {
				return signWith(t, jwt.SigningMethodHS256, secret, &spaceClaims{
					Space: "demo", ParticipantID: "alice",
					RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
				})
			},
		},
		{
			name: "no capability grant",
			token: func(t *testing.T) string {
				return signWith(t, jwt.SigningMethodHS256, secret, &spaceClaims{
					Space: "demo", ParticipantID: "mallory",
					RegisteredClaims: jwt.RegisteredClaims{Issuer: "mew-gateway"},
				})
			},
		},
		{
			name: "reserved gateway id",
			token: func(t *testing.T) string {
				return signWith(t, jwt.SigningMethodHS256, secret, &spaceClaims{
					Space: "demo", ParticipantID: protocol.GatewayID,
					RegisteredClaims: jwt.RegisteredClaims{Issuer: "mew-gateway"},
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := resolver.Resolve(context.Background(), tt.token(t))
			require.Error(t, err)
			assert.True(t, errors.IsAuthFailed(err), "expected auth_failed, got %v", err)
		})
	}
}

func TestNewJWTResolver_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewJWTResolver(nil, "", demoLookup)
	assert.Error(t, err)

	_, err = NewJWTResolver([]byte("secret"), "", nil)
	assert.Error(t, err)
}
