// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"time"

	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// Proposal statuses as tracked by the gateway.
const (
	proposalOpen       = "open"
	proposalFulfilling = "fulfilling"
	proposalRejected   = "rejected"
)

// How long settled or abandoned proposals linger before the janitor sweeps
// them. Client-side promise timeouts are independent of this.
const proposalRetention = 10 * time.Minute

type proposal struct {
	id            string
	proposer      string
	status        string
	fulfillerID   string
	fulfillmentID string
	updatedAt     time.Time
}

// proposalTable tracks live proposals so the router can widen delivery.
// Fulfillment requests and their responses are addressed to tool peers, not
// the proposer, yet the proposer must observe both to settle its promise.
type proposalTable struct {
	mu            sync.Mutex
	byID          map[string]*proposal
	byFulfillment map[string]string
}

func newProposalTable() *proposalTable {
	return &proposalTable{
		byID:          make(map[string]*proposal),
		byFulfillment: make(map[string]string),
	}
}

// observe updates proposal state for one ingress envelope. It returns any
// additional recipients the envelope must reach, and whether the envelope is
// dropped instead of routed.
func (t *proposalTable) observe(space string, env *protocol.Envelope) (extra []string, drop bool) {
	switch env.Kind {
	case protocol.KindMCPProposal:
		t.open(space, env)
	case protocol.KindMCPRequest:
		extra = t.fulfill(space, env)
	case protocol.KindMCPResponse:
		extra = t.complete(space, env)
	case protocol.KindMCPReject:
		extra = t.reject(space, env)
	case protocol.KindMCPWithdraw:
		drop = t.withdraw(space, env)
	}
	return extra, drop
}

func (t *proposalTable) open(space string, env *protocol.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[env.ID] = &proposal{
		id:        env.ID,
		proposer:  env.From,
		status:    proposalOpen,
		updatedAt: env.Timestamp,
	}
	proposalEventsCounter.WithLabelValues(space, "open").Inc()
}

// fulfill claims an open proposal for the first mcp/request that correlates
// to it. Later attempts are routed untouched but still widened so the
// proposer observes them.
func (t *proposalTable) fulfill(space string, env *protocol.Envelope) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var extra []string
	for _, cid := range env.CorrelationID {
		p, ok := t.byID[cid]
		if !ok {
			continue
		}
		if p.status == proposalOpen {
			p.status = proposalFulfilling
			p.fulfillerID = env.From
			p.fulfillmentID = env.ID
			p.updatedAt = env.Timestamp
			t.byFulfillment[env.ID] = p.id
			proposalEventsCounter.WithLabelValues(space, "fulfill").Inc()
		}
		extra = append(extra, p.proposer)
	}
	return extra
}

// complete settles a proposal when a response to its fulfillment request
// arrives, and clears the tracked state.
func (t *proposalTable) complete(space string, env *protocol.Envelope) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var extra []string
	for _, cid := range env.CorrelationID {
		pid, ok := t.byFulfillment[cid]
		if !ok {
			continue
		}
		delete(t.byFulfillment, cid)
		p, ok := t.byID[pid]
		if !ok {
			continue
		}
		delete(t.byID, pid)
		extra = append(extra, p.proposer)
		proposalEventsCounter.WithLabelValues(space, "complete").Inc()
	}
	return extra
}

func (t *proposalTable) reject(space string, env *protocol.Envelope) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var extra []string
	for _, cid := range env.CorrelationID {
		p, ok := t.byID[cid]
		if !ok {
			continue
		}
		if p.status == proposalOpen {
			p.status = proposalRejected
			p.updatedAt = env.Timestamp
			proposalEventsCounter.WithLabelValues(space, "reject").Inc()
		}
		extra = append(extra, p.proposer)
	}
	return extra
}

// withdraw clears proposal state when the sender owns the proposal. A
// withdrawal naming someone else's proposal is dropped whole and logged as a
// security event; the tracked proposal is untouched.
func (t *proposalTable) withdraw(space string, env *protocol.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cid := range env.CorrelationID {
		p, ok := t.byID[cid]
		if !ok {
			continue
		}
		if p.proposer != env.From {
			logger.Warnw("dropping unauthorized proposal withdrawal",
				"space", space, "proposal", p.id, "proposer", p.proposer, "sender", env.From)
			proposalEventsCounter.WithLabelValues(space, "withdraw_denied").Inc()
			return true
		}
		if p.fulfillmentID != "" {
			delete(t.byFulfillment, p.fulfillmentID)
		}
		delete(t.byID, p.id)
		proposalEventsCounter.WithLabelValues(space, "withdraw").Inc()
	}
	return false
}

// releaseProposer drops every proposal owned by a departing participant.
func (t *proposalTable) releaseProposer(space, participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.byID {
		if p.proposer != participantID {
			continue
		}
		if p.fulfillmentID != "" {
			delete(t.byFulfillment, p.fulfillmentID)
		}
		delete(t.byID, id)
		proposalEventsCounter.WithLabelValues(space, "release").Inc()
	}
}

// prune sweeps entries that have not moved within the retention window.
func (t *proposalTable) prune(space string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.byID {
		if now.Sub(p.updatedAt) < proposalRetention {
			continue
		}
		if p.fulfillmentID != "" {
			delete(t.byFulfillment, p.fulfillmentID)
		}
		delete(t.byID, id)
		proposalEventsCounter.WithLabelValues(space, "expire").Inc()
	}
}

func (t *proposalTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
