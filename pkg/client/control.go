// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"time"

	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// handleControl applies a control-plane envelope to this runtime. Each
// command invokes its hook, adjusts local state, and acknowledges with a
// participant/status correlated to the command.
func (c *Client) handleControl(env *protocol.Envelope) {
	if !env.IsBroadcast() && !env.AddressedTo(c.ID()) {
		return
	}

	switch env.Kind {
	case protocol.KindParticipantPause:
		c.applyPause(env)

	case protocol.KindParticipantResume:
		c.applyResume(env)

	case protocol.KindParticipantForget:
		var fp protocol.ForgetPayload
		_ = env.DecodePayload(&fp)
		if c.cfg.Handlers.OnForget != nil {
			c.cfg.Handlers.OnForget(fp.Entries)
		}
		c.usage.forget(fp.Entries)
		c.publishStatus([]string{env.From}, env.ID)

	case protocol.KindParticipantClear:
		if c.cfg.Handlers.OnClear != nil {
			c.cfg.Handlers.OnClear()
		}
		c.usage.clear()
		c.publishStatus([]string{env.From}, env.ID)

	case protocol.KindParticipantRestart:
		c.setState(StateRestarting)
		if c.cfg.Handlers.OnRestart != nil {
			if err := c.cfg.Handlers.OnRestart(); err != nil {
				logger.Errorf("restart hook failed: %v", err)
			}
		}
		c.setState(StateActive)
		c.publishStatus([]string{env.From}, env.ID)

	case protocol.KindParticipantShutdown:
		var sp protocol.ShutdownPayload
		_ = env.DecodePayload(&sp)
		logger.Infof("shutdown requested by %s: %s", env.From, sp.Reason)
		c.setState(StateShuttingDown)
		if c.cfg.Handlers.OnShutdown != nil {
			c.cfg.Handlers.OnShutdown()
		}
		c.publishStatus([]string{env.From}, env.ID)
		c.Close()

	case protocol.KindParticipantRequestStatus:
		c.publishStatus(nil, env.ID)
	}
}

// applyPause moves the runtime into the paused state. While paused, the
// send gate rejects everything except participant/status; delivery-side
// filtering is the gateway's job.
func (c *Client) applyPause(env *protocol.Envelope) {
	var pp protocol.PausePayload
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&pp); err != nil {
			logger.Warnf("ignoring pause with bad payload: %v", err)
			return
		}
	}

	deadline := pp.Until
	if deadline == nil && pp.TimeoutSeconds > 0 {
		d := time.Now().Add(time.Duration(pp.TimeoutSeconds) * time.Second)
		deadline = &d
	}

	c.mu.Lock()
	c.state = StatePaused
	c.pauseUntil = deadline
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
	if deadline != nil {
		c.pauseTimer = time.AfterFunc(time.Until(*deadline), c.autoResume)
	}
	c.mu.Unlock()

	if deadline != nil {
		logger.Infof("paused by %s until %s", env.From, deadline.Format(time.RFC3339))
	} else {
		logger.Infof("paused by %s until resumed", env.From)
	}
}

// applyResume returns the runtime to active and, per the control plane
// contract, publishes a status.
func (c *Client) applyResume(env *protocol.Envelope) {
	if !c.unpause() {
		return
	}
	logger.Infof("resumed by %s", env.From)
	c.publishStatus(nil, env.ID)
}

// autoResume fires when a pause deadline elapses.
func (c *Client) autoResume() {
	if !c.unpause() {
		return
	}
	logger.Infof("pause deadline elapsed, resuming")
	c.publishStatus(nil, "")
}

func (c *Client) unpause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return false
	}
	c.state = StateActive
	c.pauseUntil = nil
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
	return true
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Status snapshots this runtime's control-plane state and context usage.
func (c *Client) Status() protocol.StatusPayload {
	tokens, messages, maxTokens := c.usage.snapshot()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return protocol.StatusPayload{
		State:       c.state,
		Tokens:      tokens,
		MaxTokens:   maxTokens,
		Messages:    messages,
		PausedUntil: c.pauseUntil,
	}
}

// publishStatus emits a participant/status envelope, broadcast when no
// targets are given.
func (c *Client) publishStatus(to []string, correlate string) {
	env, err := protocol.NewEnvelope(c.ID(), protocol.KindParticipantStatus, c.Status())
	if err != nil {
		return
	}
	env.To = to
	if correlate != "" {
		env.CorrelationID = []string{correlate}
	}
	if err := c.Send(env); err != nil {
		logger.Debugf("status publish failed: %v", err)
	}
}

// publishUsageStatus reports a soft-threshold crossing.
func (c *Client) publishUsageStatus() {
	tokens, _, maxTokens := c.usage.snapshot()
	logger.Infof("context usage at %d of %d tokens, publishing status", tokens, maxTokens)
	c.publishStatus(nil, "")
}
