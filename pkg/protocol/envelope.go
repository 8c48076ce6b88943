// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the MEW envelope, the kind registry, and the codec
// used on both sides of a gateway connection. Envelopes are the universal
// message unit: every chat message, MCP call, proposal, stream chunk, and
// control signal crosses the wire as one JSON envelope per text frame.
package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol tag carried by every envelope. Envelopes declaring
// any other tag are rejected at ingress.
const Version = "mew/v0.4"

// GatewayID is the reserved sender id for gateway-originated envelopes
// (system/welcome, system/presence, system/error, stream/open). Token
// resolvers must never mint it for a participant.
const GatewayID = "system:gateway"

// Envelope kinds. Kinds are hierarchical slash-separated tokens; capability
// patterns match against them segment-wise.
const (
	KindChat            = "chat"
	KindChatAcknowledge = "chat/acknowledge"
	KindChatCancel      = "chat/cancel"

	KindMCPRequest  = "mcp/request"
	KindMCPResponse = "mcp/response"
	KindMCPProposal = "mcp/proposal"
	KindMCPReject   = "mcp/reject"
	KindMCPWithdraw = "mcp/withdraw"

	KindSystemWelcome  = "system/welcome"
	KindSystemPresence = "system/presence"
	KindSystemError    = "system/error"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamData    = "stream/data"
	KindStreamClose   = "stream/close"
	KindStreamError   = "stream/error"

	KindParticipantPause         = "participant/pause"
	KindParticipantResume        = "participant/resume"
	KindParticipantForget        = "participant/forget"
	KindParticipantClear         = "participant/clear"
	KindParticipantRestart       = "participant/restart"
	KindParticipantShutdown      = "participant/shutdown"
	KindParticipantStatus        = "participant/status"
	KindParticipantRequestStatus = "participant/request-status"
)

// Envelope is the universal message unit exchanged within a space.
type Envelope struct {
	// Protocol is the version tag, e.g. "mew/v0.4".
	Protocol string `json:"protocol"`

	// ID uniquely identifies the envelope within the sender's connection.
	ID string `json:"id"`

	// Timestamp is stamped (or overwritten) by the gateway at ingress.
	Timestamp time.Time `json:"ts"`

	// From is the sender's participant id. The gateway enforces equality
	// with the authenticated identity of the connection.
	From string `json:"from"`

	// To lists the addressed recipients. Absent or empty means broadcast
	// to every other active participant in the space.
	To []string `json:"to,omitempty"`

	// Kind is the hierarchical message kind, e.g. "mcp/request".
	Kind string `json:"kind"`

	// CorrelationID lists envelope ids this message relates to: reply-to
	// chains, proposal fulfillment, context grouping.
	CorrelationID []string `json:"correlation_id,omitempty"`

	// Context groups envelopes belonging to one reasoning or workflow scope.
	Context string `json:"context,omitempty"`

	// Payload is the kind-specific body, left raw until a consumer decodes it.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope with a fresh id and the current protocol
// version. The payload is marshaled immediately so construction errors
// surface at the call site.
func NewEnvelope(from, kind string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
	}

	return &Envelope{
		Protocol:  Version,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		From:      from,
		Kind:      kind,
		Payload:   raw,
	}, nil
}

// IsBroadcast reports whether the envelope is addressed to the whole space.
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// AddressedTo reports whether id appears in the envelope's recipient list.
func (e *Envelope) AddressedTo(id string) bool {
	return slices.Contains(e.To, id)
}

// Correlates reports whether id appears in the envelope's correlation list.
func (e *Envelope) Correlates(id string) bool {
	return slices.Contains(e.CorrelationID, id)
}

// DecodePayload unmarshals the raw payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Capability grants the right to send envelopes matching it. Kind is a glob
// over kind segments; Payload, when present, is a recursive structural
// pattern the envelope payload must satisfy. A leading "!" on Kind makes the
// capability a negation that removes grants.
type Capability struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// String renders the capability compactly for logs.
func (c Capability) String() string {
	if len(c.Payload) == 0 {
		return c.Kind
	}
	raw, err := json.Marshal(c.Payload)
	if err != nil {
		return c.Kind
	}
	return fmt.Sprintf("%s %s", c.Kind, raw)
}

// ParticipantInfo describes a participant as exposed in welcome and presence
// payloads.
type ParticipantInfo struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
}
