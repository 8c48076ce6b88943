// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// ErrWithdrawn fails a pending proposal withdrawn by this participant.
var ErrWithdrawn = stderrors.New("proposal withdrawn")

// rpcMessage is the JSON-RPC object carried in mcp/* envelope payloads.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object a peer may answer with.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call performs an MCP operation against the given targets and blocks for
// the outcome. If the grant covers mcp/request the call goes out directly;
// a grant covering only mcp/proposal turns it into a proposal and waits
// for a peer to fulfill or reject it; no grant at all fails synchronously
// with a capability error.
//
// Cancelling the context abandons a request silently and withdraws a
// proposal.
func (c *Client) Call(ctx context.Context, to []string, method string, params any) (json.RawMessage, error) {
	payload := rpcMessage{JSONRPC: "2.0", Method: method, Params: params}

	env, err := protocol.NewEnvelope(c.ID(), protocol.KindMCPRequest, payload)
	if err != nil {
		return nil, err
	}
	env.To = to

	timeout := c.cfg.RequestTimeout
	if !c.can(env) {
		proposal, err := protocol.NewEnvelope(c.ID(), protocol.KindMCPProposal, payload)
		if err != nil {
			return nil, err
		}
		proposal.To = to
		if !c.can(proposal) {
			return nil, errors.NewCapabilityViolationError(
				fmt.Sprintf("grant covers neither mcp/request nor mcp/proposal for %s", method), nil)
		}
		if len(to) == 0 {
			return nil, stderrors.New("a proposal requires explicit targets")
		}
		env = proposal
		timeout = c.cfg.ProposalTimeout
	}

	call := c.pending.track(env.ID, env.Kind, to, timeout)
	if err := c.Send(env); err != nil {
		c.pending.drop(env.ID)
		return nil, err
	}

	select {
	case out := <-call.done:
		if out.err != nil {
			return nil, out.err
		}
		var msg rpcMessage
		if err := json.Unmarshal(out.payload, &msg); err != nil {
			return nil, fmt.Errorf("bad mcp/response payload: %w", err)
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil

	case <-ctx.Done():
		if dropped := c.pending.drop(env.ID); dropped != nil && env.Kind == protocol.KindMCPProposal {
			if err := c.sendWithdraw(to, env.ID, "canceled by proposer"); err != nil {
				logger.Debugf("withdraw on cancel failed: %v", err)
			}
		}
		return nil, ctx.Err()
	}
}

// Withdraw cancels one of this participant's open proposals. The pending
// call, if still waiting, fails with ErrWithdrawn; peers observe the
// mcp/withdraw envelope and clear their own state.
func (c *Client) Withdraw(proposalID, reason string) error {
	var targets []string
	if call := c.pending.drop(proposalID); call != nil {
		targets = call.targets
		call.done <- outcome{err: ErrWithdrawn}
	}
	return c.sendWithdraw(targets, proposalID, reason)
}

func (c *Client) sendWithdraw(targets []string, proposalID, reason string) error {
	env, err := protocol.NewEnvelope(c.ID(), protocol.KindMCPWithdraw,
		protocol.WithdrawPayload{Reason: reason})
	if err != nil {
		return err
	}
	env.To = targets
	env.CorrelationID = []string{proposalID}
	return c.Send(env)
}

// RejectProposal declines a peer's proposal addressed to this participant.
func (c *Client) RejectProposal(proposalID, proposer, reason string) error {
	env, err := protocol.NewEnvelope(c.ID(), protocol.KindMCPReject,
		protocol.RejectPayload{Reason: reason})
	if err != nil {
		return err
	}
	env.To = []string{proposer}
	env.CorrelationID = []string{proposalID}
	return c.Send(env)
}

// Respond answers an inbound mcp/request with a result. Most tool traffic
// is served by the registered tool handlers; Respond covers participants
// that answer requests by hand.
func (c *Client) Respond(request *protocol.Envelope, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	env, err := protocol.NewEnvelope(c.ID(), protocol.KindMCPResponse,
		rpcMessage{JSONRPC: "2.0", Result: raw})
	if err != nil {
		return err
	}
	env.To = []string{request.From}
	env.CorrelationID = []string{request.ID}
	return c.Send(env)
}

// OpenStream negotiates a stream with the gateway and returns the assigned
// stream id. Targets scope the stream to specific peers; none means the
// whole space.
func (c *Client) OpenStream(ctx context.Context, direction, description string, to ...string) (string, error) {
	env, err := protocol.NewEnvelope(c.ID(), protocol.KindStreamRequest,
		protocol.StreamRequestPayload{Direction: direction, Description: description})
	if err != nil {
		return "", err
	}
	env.To = to

	call := c.pending.track(env.ID, protocol.KindStreamRequest, to, c.cfg.RequestTimeout)
	if err := c.Send(env); err != nil {
		c.pending.drop(env.ID)
		return "", err
	}

	select {
	case out := <-call.done:
		if out.err != nil {
			return "", out.err
		}
		var open protocol.StreamOpenPayload
		if err := json.Unmarshal(out.payload, &open); err != nil {
			return "", fmt.Errorf("bad stream/open payload: %w", err)
		}
		return open.StreamID, nil
	case <-ctx.Done():
		c.pending.drop(env.ID)
		return "", ctx.Err()
	}
}

// SendStreamData publishes one structured chunk on an open stream. The
// sequence number is assigned per stream, starting at 1.
func (c *Client) SendStreamData(streamID string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}

	c.mu.Lock()
	c.outSeq[streamID]++
	seq := c.outSeq[streamID]
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(c.ID(), protocol.KindStreamData, protocol.StreamDataPayload{
		Stream:   protocol.StreamRef{StreamID: streamID},
		Sequence: seq,
		Content:  raw,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// WriteStreamBinary sends one raw binary frame on an open stream.
func (c *Client) WriteStreamBinary(streamID string, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.RLock()
	paused := c.state == StatePaused
	ws := c.ws
	connected := c.connected
	c.mu.RUnlock()

	if paused {
		return ErrPaused
	}
	if !connected || ws == nil {
		return ErrConnectionClosed
	}

	frame := protocol.EncodeStreamFrame(streamID, data)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, frame)
}

// CloseStream ends a stream cleanly and drops local sequence state.
func (c *Client) CloseStream(streamID, reason string) error {
	env, err := protocol.NewEnvelope(c.ID(), protocol.KindStreamClose, protocol.StreamClosePayload{
		Stream: protocol.StreamRef{StreamID: streamID},
		Reason: reason,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.outSeq, streamID)
	delete(c.inSeq, streamID)
	c.mu.Unlock()

	return c.Send(env)
}
