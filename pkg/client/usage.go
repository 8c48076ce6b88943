// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"

	"github.com/mewproto/mew/pkg/protocol"
)

// usageTracker approximates the participant's context consumption by
// counting envelopes and payload bytes in both directions. Four bytes per
// token is the usual rough cut for English text and JSON.
type usageTracker struct {
	mu        sync.Mutex
	tokens    int
	messages  int
	maxTokens int
	soft      float64
	alerted   bool
}

func newUsageTracker(maxTokens int, soft float64) *usageTracker {
	return &usageTracker{maxTokens: maxTokens, soft: soft}
}

// observe accounts one envelope and reports whether the soft threshold was
// crossed by it. The alert arms once per crossing; forget and clear re-arm
// it when usage drops back under the threshold.
func (u *usageTracker) observe(env *protocol.Envelope) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.messages++
	u.tokens += approxTokens(env.Payload)

	if u.maxTokens <= 0 || u.alerted {
		return false
	}
	if float64(u.tokens) >= float64(u.maxTokens)*u.soft {
		u.alerted = true
		return true
	}
	return false
}

// snapshot returns the current counters.
func (u *usageTracker) snapshot() (tokens, messages, maxTokens int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tokens, u.messages, u.maxTokens
}

// clear zeroes the counters, e.g. after participant/clear.
func (u *usageTracker) clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tokens = 0
	u.messages = 0
	u.alerted = false
}

// forget sheds the oldest entries after a participant/forget. Zero entries
// lets the runtime choose; it drops half. Token counts scale down by the
// average tokens per message, which is as precise as the approximation
// they were built from.
func (u *usageTracker) forget(entries int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.messages == 0 {
		return
	}
	if entries <= 0 || entries > u.messages {
		entries = (u.messages + 1) / 2
	}

	avg := u.tokens / u.messages
	u.messages -= entries
	u.tokens -= entries * avg
	if u.tokens < 0 {
		u.tokens = 0
	}

	if u.maxTokens > 0 && float64(u.tokens) < float64(u.maxTokens)*u.soft {
		u.alerted = false
	}
}

func approxTokens(payload []byte) int {
	if len(payload) == 0 {
		return 1
	}
	return 1 + len(payload)/4
}
