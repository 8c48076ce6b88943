// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mewproto/mew/pkg/protocol"
)

// RejectError fails a proposal when a target declines to fulfill it.
type RejectError struct {
	From   string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("proposal rejected by %s: %s", e.From, e.Reason)
}

// outcome is the terminal result of a pending call. Exactly one of payload
// and err is meaningful.
type outcome struct {
	payload json.RawMessage
	err     error
}

// pendingCall tracks one in-flight request, proposal, or stream
// negotiation keyed by the envelope id we sent.
type pendingCall struct {
	id      string
	kind    string
	targets []string

	// fulfillmentID links a proposal to the first mcp/request observed
	// fulfilling it. Responses to that request resolve the proposal.
	fulfillmentID string

	timer *time.Timer
	done  chan outcome
}

// pendingTable is the client side of the correlation engine. Every entry
// resolves at most once: with a response, a rejection, a timeout, a
// gateway error, or a connection loss.
type pendingTable struct {
	mu            sync.Mutex
	calls         map[string]*pendingCall
	byFulfillment map[string]string
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		calls:         make(map[string]*pendingCall),
		byFulfillment: make(map[string]string),
	}
}

// track registers a new pending call and arms its timeout.
func (t *pendingTable) track(id, kind string, targets []string, timeout time.Duration) *pendingCall {
	call := &pendingCall{
		id:      id,
		kind:    kind,
		targets: targets,
		done:    make(chan outcome, 1),
	}
	call.timer = time.AfterFunc(timeout, func() {
		t.fail(id, ErrTimeout)
	})

	t.mu.Lock()
	t.calls[id] = call
	t.mu.Unlock()
	return call
}

// take removes the call and its fulfillment link. Caller holds t.mu.
func (t *pendingTable) take(id string) *pendingCall {
	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	if call.fulfillmentID != "" {
		delete(t.byFulfillment, call.fulfillmentID)
	}
	call.timer.Stop()
	return call
}

// resolve completes the call with a response payload.
func (t *pendingTable) resolve(id string, payload json.RawMessage) bool {
	t.mu.Lock()
	call := t.take(id)
	t.mu.Unlock()
	if call == nil {
		return false
	}
	call.done <- outcome{payload: payload}
	return true
}

// fail completes the call with an error.
func (t *pendingTable) fail(id string, err error) bool {
	t.mu.Lock()
	call := t.take(id)
	t.mu.Unlock()
	if call == nil {
		return false
	}
	call.done <- outcome{err: err}
	return true
}

// drop removes the call without delivering an outcome. Used when the
// caller has already stopped waiting.
func (t *pendingTable) drop(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.take(id)
}

// failAll fails every pending call, typically on disconnect.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.byFulfillment = make(map[string]string)
	t.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.done <- outcome{err: err}
	}
}

// size reports the number of in-flight calls.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// observeFulfillment links the first mcp/request that correlates to one of
// our open proposals. Later fulfillment attempts are left unlinked, so
// their responses cannot alter the already-linked proposal.
func (t *pendingTable) observeFulfillment(env *protocol.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pid := range env.CorrelationID {
		call, ok := t.calls[pid]
		if !ok || call.kind != protocol.KindMCPProposal || call.fulfillmentID != "" {
			continue
		}
		call.fulfillmentID = env.ID
		t.byFulfillment[env.ID] = pid
	}
}

// resolveResponse matches an mcp/response against pending requests,
// directly or through a linked proposal fulfillment.
func (t *pendingTable) resolveResponse(env *protocol.Envelope) bool {
	for _, cid := range env.CorrelationID {
		if t.resolve(cid, env.Payload) {
			return true
		}
		t.mu.Lock()
		pid, ok := t.byFulfillment[cid]
		t.mu.Unlock()
		if ok && t.resolve(pid, env.Payload) {
			return true
		}
	}
	return false
}

// resolveStreamOpen matches a stream/open against a pending stream
// negotiation.
func (t *pendingTable) resolveStreamOpen(env *protocol.Envelope) bool {
	for _, cid := range env.CorrelationID {
		if t.resolve(cid, env.Payload) {
			return true
		}
	}
	return false
}

// reject fails a pending proposal on its first rejection. At-most-once
// resolution makes later rejects no-ops.
func (t *pendingTable) reject(env *protocol.Envelope, reason string) bool {
	for _, cid := range env.CorrelationID {
		t.mu.Lock()
		call, ok := t.calls[cid]
		isProposal := ok && call.kind == protocol.KindMCPProposal
		t.mu.Unlock()
		if isProposal && t.fail(cid, &RejectError{From: env.From, Reason: reason}) {
			return true
		}
	}
	return false
}

// failCorrelated fails any pending call the given envelope correlates to.
// Gateway system/error envelopes about our own sends land here.
func (t *pendingTable) failCorrelated(env *protocol.Envelope, err error) bool {
	failed := false
	for _, cid := range env.CorrelationID {
		if t.fail(cid, err) {
			failed = true
		}
	}
	return failed
}
