// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"dario.cat/mergo"

	"github.com/mewproto/mew/pkg/protocol"
)

// Default constants for protocol and transport limits.
const (
	// defaultListen is the loopback bind used when no listen address is set.
	defaultListen = "127.0.0.1:8080"

	// defaultSendQueueDepth bounds a connection's outbound queue.
	defaultSendQueueDepth = 256

	// defaultEnqueueWait is how long delivery blocks on a full queue before
	// the connection is closed with a backpressure error.
	defaultEnqueueWait = 250 * time.Millisecond

	// defaultPauseQueueDepth bounds the queue of envelopes held for a
	// paused participant.
	defaultPauseQueueDepth = 128

	// defaultPingInterval is the websocket keepalive cadence.
	defaultPingInterval = 30 * time.Second

	// defaultStreamIdleTimeout reaps streams with no traffic.
	defaultStreamIdleTimeout = 5 * time.Minute

	// defaultErrorBudget is the number of protocol errors tolerated per
	// connection within defaultErrorWindow before disconnecting.
	defaultErrorBudget = 5

	// defaultErrorWindow is the sliding window for the error budget.
	defaultErrorWindow = 10 * time.Second
)

// DefaultLimits returns a fully populated Limits with default values.
// This is the single source of truth for all limit defaults.
func DefaultLimits() *Limits {
	return &Limits{
		MaxEnvelopeBytes:  protocol.DefaultMaxEnvelopeBytes,
		DupWindow:         protocol.DefaultDupWindowSize,
		SendQueueDepth:    defaultSendQueueDepth,
		EnqueueWait:       Duration(defaultEnqueueWait),
		PauseQueueDepth:   defaultPauseQueueDepth,
		PingInterval:      Duration(defaultPingInterval),
		StreamIdleTimeout: Duration(defaultStreamIdleTimeout),
		ErrorBudget:       defaultErrorBudget,
		ErrorWindow:       Duration(defaultErrorWindow),
	}
}

// ApplyDefaults fills missing fields with defaults while preserving any
// user-provided values, and appends each space's default capabilities to its
// participants' grants.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}

	if c.Listen == "" {
		c.Listen = defaultListen
	}

	if c.Limits == nil {
		c.Limits = DefaultLimits()
	} else {
		// Merge defaults into target, only filling zero values.
		_ = mergo.Merge(c.Limits, DefaultLimits())
	}

	for _, space := range c.Spaces {
		if space == nil || len(space.DefaultCapabilities) == 0 {
			continue
		}
		defaults := &ParticipantConfig{Capabilities: space.DefaultCapabilities}
		for _, p := range space.Participants {
			if p == nil {
				continue
			}
			_ = mergo.Merge(p, defaults, mergo.WithAppendSlice)
		}
	}
}
