// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"time"

	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// isControlCommand reports whether a kind is a control-plane command. These
// must reach their target regardless of pause filtering: a paused participant
// still has to see its own resume.
func isControlCommand(kind string) bool {
	switch kind {
	case protocol.KindParticipantPause,
		protocol.KindParticipantResume,
		protocol.KindParticipantForget,
		protocol.KindParticipantClear,
		protocol.KindParticipantRestart,
		protocol.KindParticipantShutdown,
		protocol.KindParticipantRequestStatus:
		return true
	}
	return false
}

// applyPause sets gateway-side pause state on the envelope's targets. An
// explicit until wins over timeout_seconds; neither means paused until
// resumed. Forget, clear, restart, shutdown and status requests carry no
// gateway state; the target runtime handles them.
func (r *router) applyPause(s *Space, sender *Participant, env *protocol.Envelope) {
	var pp protocol.PausePayload
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&pp); err != nil {
			logger.Debugw("ignoring unparseable pause payload", "space", s.name, "error", err)
		}
	}
	deadline := pp.Until
	if deadline == nil && pp.TimeoutSeconds > 0 {
		t := time.Now().Add(time.Duration(pp.TimeoutSeconds) * time.Second)
		deadline = &t
	}

	for _, p := range s.controlTargets(sender.id, env) {
		p.pause(s.name, deadline, pp.Allow)
		logger.Infow("participant paused", "space", s.name, "participant", p.id, "by", sender.id)
	}
}

// applyResume clears pause state on the envelope's targets and flushes their
// held queues. It runs after the resume envelope itself is delivered, so the
// target sees the resume before the backlog.
func (r *router) applyResume(s *Space, sender *Participant, env *protocol.Envelope) {
	for _, p := range s.controlTargets(sender.id, env) {
		queued, dropped := p.resume(s.name)
		logger.Infow("participant resumed",
			"space", s.name, "participant", p.id, "by", sender.id,
			"flushed", queued, "dropped", dropped)
	}
}

// controlTargets resolves the participants a control envelope applies to.
func (s *Space) controlTargets(senderID string, env *protocol.Envelope) []*Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var targets []*Participant
	if env.IsBroadcast() {
		for id, p := range s.participants {
			if id != senderID {
				targets = append(targets, p)
			}
		}
		return targets
	}
	for _, id := range env.To {
		if p, ok := s.participants[id]; ok {
			targets = append(targets, p)
		}
	}
	return targets
}
