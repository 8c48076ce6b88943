// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/protocol"
)

// CapabilityLookup maps an authenticated (space, participant id) pair to its
// capability grant. Tokens carry identity, not policy; the grant always comes
// from space configuration.
type CapabilityLookup func(space, participantID string) ([]protocol.Capability, bool)

// JWTResolver validates HS256-signed bearer tokens carrying space and
// participant_id claims.
type JWTResolver struct {
	secret []byte
	issuer string
	lookup CapabilityLookup
}

type spaceClaims struct {
	Space         string `json:"space"`
	ParticipantID string `json:"participant_id"`
	jwt.RegisteredClaims
}

// NewJWTResolver creates a resolver verifying tokens against secret. issuer
// is matched when non-empty. lookup supplies the capability grant for the
// authenticated identity; tokens for identities without a grant fail resolution.
func NewJWTResolver(secret []byte, issuer string, lookup CapabilityLookup) (*JWTResolver, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt resolver requires a signing secret")
	}
	if lookup == nil {
		return nil, fmt.Errorf("jwt resolver requires a capability lookup")
	}
	return &JWTResolver{secret: secret, issuer: issuer, lookup: lookup}, nil
}

// Resolve implements Resolver.
func (r *JWTResolver) Resolve(_ context.Context, token string) (*Identity, error) {
	claims := &spaceClaims{}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.NewAuthFailedError("token validation failed", err)
	}
	if !parsed.Valid {
		return nil, errors.NewAuthFailedError("token is not valid", nil)
	}

	caps, ok := r.lookup(claims.Space, claims.ParticipantID)
	if !ok {
		return nil, errors.NewAuthFailedError(
			fmt.Sprintf("no capability grant for %q in space %q", claims.ParticipantID, claims.Space), nil)
	}

	identity := &Identity{
		Space:        claims.Space,
		ID:           claims.ParticipantID,
		Capabilities: caps,
	}
	if err := checkIdentity(identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// SignToken mints an HS256 token for the given identity. Used when
// provisioning participant credentials.
func SignToken(secret []byte, issuer, space, participantID string) (string, error) {
	claims := &spaceClaims{
		Space:         space,
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  issuer,
			Subject: participantID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
