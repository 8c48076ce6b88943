// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"time"
)

// Chat formats.
const (
	ChatFormatPlain    = "plain"
	ChatFormatMarkdown = "markdown"
)

// ChatPayload is the body of a chat envelope.
type ChatPayload struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// RejectPayload is the body of an mcp/reject envelope. The rejected proposal
// is referenced through the envelope's correlation list.
type RejectPayload struct {
	Reason string `json:"reason"`
}

// WithdrawPayload is the body of an mcp/withdraw envelope.
type WithdrawPayload struct {
	Reason string `json:"reason"`
}

// WelcomePayload is the body of the system/welcome envelope, the first
// envelope every participant receives after joining.
type WelcomePayload struct {
	You          ParticipantInfo   `json:"you"`
	Participants []ParticipantInfo `json:"participants"`
}

// Presence events.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// PresencePayload is the body of a system/presence envelope.
type PresencePayload struct {
	Event       string          `json:"event"`
	Participant ParticipantInfo `json:"participant"`
}

// ErrorPayload is the body of a system/error envelope. Code values are the
// protocol error taxonomy.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// ReasoningPayload is the body of reasoning/start, reasoning/thought and
// reasoning/conclusion envelopes. The reasoning episode is grouped through
// the envelope's context field.
type ReasoningPayload struct {
	Message string `json:"message"`
}

// ReasoningCancelPayload is the body of a reasoning/cancel envelope.
type ReasoningCancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Stream directions.
const (
	StreamDirectionUpload        = "upload"
	StreamDirectionDownload      = "download"
	StreamDirectionBidirectional = "bidirectional"
)

// StreamRequestPayload asks the gateway to open a stream.
type StreamRequestPayload struct {
	Direction   string   `json:"direction"`
	Description string   `json:"description"`
	Formats     []string `json:"formats,omitempty"`
}

// StreamOpenPayload announces an assigned stream id, correlated to the
// originating stream/request envelope.
type StreamOpenPayload struct {
	StreamID string   `json:"stream_id"`
	Formats  []string `json:"formats,omitempty"`
}

// StreamRef identifies a stream inside data/close/error payloads.
type StreamRef struct {
	StreamID string `json:"stream_id"`
}

// StreamDataPayload carries one structured chunk of stream data. Sequence
// numbers start at 1 and increase per stream.
type StreamDataPayload struct {
	Stream   StreamRef       `json:"stream"`
	Sequence uint64          `json:"sequence"`
	Content  json.RawMessage `json:"content"`
	FormatID string          `json:"format_id,omitempty"`
}

// StreamClosePayload terminates a stream cleanly.
type StreamClosePayload struct {
	Stream StreamRef `json:"stream"`
	Reason string    `json:"reason,omitempty"`
}

// StreamErrorPayload terminates a stream with an error.
type StreamErrorPayload struct {
	Stream  StreamRef `json:"stream"`
	Code    string    `json:"code"`
	Message string    `json:"message,omitempty"`
}

// PausePayload suspends delivery to a participant. Until wins over
// TimeoutSeconds when both are set; neither set means paused until resumed.
// Allow lists kind patterns still deliverable while paused.
type PausePayload struct {
	Until          *time.Time `json:"until,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	Allow          []string   `json:"allow,omitempty"`
}

// ForgetPayload asks a participant runtime to drop its oldest context
// entries. Entries of zero lets the runtime choose how much to shed.
type ForgetPayload struct {
	Entries int `json:"entries,omitempty"`
}

// ShutdownPayload asks a participant runtime to terminate.
type ShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}

// StatusPayload is the body of a participant/status envelope, published on
// request, on resume, and proactively when context usage crosses the
// configured soft threshold.
type StatusPayload struct {
	State              string     `json:"state"`
	Tokens             int        `json:"tokens,omitempty"`
	MaxTokens          int        `json:"max_tokens,omitempty"`
	Messages           int        `json:"messages,omitempty"`
	PausedUntil        *time.Time `json:"paused_until,omitempty"`
	QueuedWhilePaused  int        `json:"queued_while_paused,omitempty"`
	DroppedWhilePaused int        `json:"dropped_while_paused,omitempty"`
}
