// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/gjson"

	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// AddTool registers a tool on the embedded MCP server. Peers invoke it by
// sending an mcp/request with a tools/call message addressed to this
// participant.
func (c *Client) AddTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	c.mcp.AddTool(tool, handler)
}

// AddResource registers a resource on the embedded MCP server.
func (c *Client) AddResource(resource mcp.Resource, handler server.ResourceHandlerFunc) {
	c.mcp.AddResource(resource, handler)
}

// handleRequest routes one inbound mcp/request. A request correlating a
// proposal of ours becomes its fulfillment; a request addressed to us is
// dispatched to the embedded MCP server off the read loop, so a slow tool
// cannot stall ingress.
func (c *Client) handleRequest(ctx context.Context, env *protocol.Envelope) {
	if env.From != c.ID() {
		c.pending.observeFulfillment(env)
	}
	if !env.AddressedTo(c.ID()) {
		return
	}
	if !c.can(&protocol.Envelope{Kind: protocol.KindMCPResponse}) {
		// Without the right to respond there is no point executing the call.
		return
	}

	raw := ensureRPCID(env.Payload, env.ID)
	go c.serveRequest(ctx, env, raw)
}

func (c *Client) serveRequest(ctx context.Context, env *protocol.Envelope, raw json.RawMessage) {
	result := c.mcp.HandleMessage(ctx, raw)
	if result == nil {
		// JSON-RPC notification, nothing to answer.
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		logger.Errorf("failed to marshal response for %s: %v", env.From, err)
		return
	}

	resp, err := protocol.NewEnvelope(c.ID(), protocol.KindMCPResponse, json.RawMessage(payload))
	if err != nil {
		return
	}
	resp.To = []string{env.From}
	resp.CorrelationID = []string{env.ID}
	if err := c.Send(resp); err != nil {
		logger.Warnf("failed to answer request %s from %s: %v", env.ID, env.From, err)
	}
}

// ensureRPCID injects the envelope id as the JSON-RPC id when the payload
// carries none. Correlation happens at the envelope layer, so senders
// routinely omit the inner id, but the MCP server treats id-less messages
// as notifications and would stay silent.
func ensureRPCID(raw json.RawMessage, id string) json.RawMessage {
	if gjson.GetBytes(raw, "id").Exists() {
		return raw
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return raw
	}
	msg["id"] = id
	out, err := json.Marshal(msg)
	if err != nil {
		return raw
	}
	return out
}
