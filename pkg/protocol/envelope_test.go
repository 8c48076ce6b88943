// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("alice", KindChat, ChatPayload{Text: "hi", Format: ChatFormatMarkdown})
	require.NoError(t, err)

	assert.Equal(t, Version, env.Protocol)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Timestamp.IsZero())
	assert.Equal(t, "alice", env.From)
	assert.Equal(t, KindChat, env.Kind)

	var chat ChatPayload
	require.NoError(t, env.DecodePayload(&chat))
	assert.Equal(t, "hi", chat.Text)
	assert.Equal(t, ChatFormatMarkdown, chat.Format)

	other, err := NewEnvelope("alice", KindChat, ChatPayload{Text: "again"})
	require.NoError(t, err)
	assert.NotEqual(t, env.ID, other.ID)
}

func TestNewEnvelope_UnmarshalablePayload(t *testing.T) {
	t.Parallel()

	_, err := NewEnvelope("alice", KindChat, func() {})
	require.Error(t, err)
}

func TestEnvelope_Addressing(t *testing.T) {
	t.Parallel()

	broadcast := &Envelope{Kind: KindChat}
	assert.True(t, broadcast.IsBroadcast())
	assert.False(t, broadcast.AddressedTo("bob"))

	empty := &Envelope{Kind: KindChat, To: []string{}}
	assert.True(t, empty.IsBroadcast())

	addressed := &Envelope{Kind: KindChat, To: []string{"bob", "carol"}}
	assert.False(t, addressed.IsBroadcast())
	assert.True(t, addressed.AddressedTo("bob"))
	assert.True(t, addressed.AddressedTo("carol"))
	assert.False(t, addressed.AddressedTo("alice"))
}

func TestEnvelope_Correlates(t *testing.T) {
	t.Parallel()

	env := &Envelope{CorrelationID: []string{"p-1", "r-2"}}
	assert.True(t, env.Correlates("p-1"))
	assert.True(t, env.Correlates("r-2"))
	assert.False(t, env.Correlates("x"))

	none := &Envelope{}
	assert.False(t, none.Correlates("p-1"))
}

func TestEnvelope_DecodePayloadErrors(t *testing.T) {
	t.Parallel()

	var chat ChatPayload

	empty := &Envelope{Kind: KindChat}
	require.Error(t, empty.DecodePayload(&chat))

	bad := &Envelope{Kind: KindChat, Payload: []byte(`{"text":`)}
	require.Error(t, bad.DecodePayload(&chat))
}

func TestMCPPayload_Validate(t *testing.T) {
	t.Parallel()

	req, err := NewMCPRequest(1, "tools/call", map[string]any{"name": "add"})
	require.NoError(t, err)
	assert.True(t, req.IsRequest())
	assert.False(t, req.IsResponse())
	require.NoError(t, req.Validate())

	resp, err := NewMCPResponse(1, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.True(t, resp.IsResponse())
	require.NoError(t, resp.Validate())

	errResp, err := NewMCPErrorResponse(1, -32601, "method not found", nil)
	require.NoError(t, err)
	assert.True(t, errResp.IsResponse())
	require.NoError(t, errResp.Validate())
	assert.Contains(t, errResp.Error.Error(), "method not found")

	notif := &MCPPayload{JSONRPC: "2.0", Method: "notifications/progress"}
	assert.True(t, notif.IsNotification())
	require.NoError(t, notif.Validate())

	badVersion := &MCPPayload{JSONRPC: "1.0", Method: "x", ID: 1}
	require.Error(t, badVersion.Validate())

	shapeless := &MCPPayload{JSONRPC: "2.0"}
	require.Error(t, shapeless.Validate())
}

func TestCapability_String(t *testing.T) {
	t.Parallel()

	bare := Capability{Kind: "chat"}
	assert.Equal(t, "chat", bare.String())

	withPayload := Capability{Kind: "mcp/request", Payload: map[string]any{"method": "tools/*"}}
	assert.Contains(t, withPayload.String(), "mcp/request")
	assert.Contains(t, withPayload.String(), "tools/*")
}
