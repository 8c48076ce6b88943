// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"slices"
	"time"

	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// router applies capability policy, drives the proposal and stream engines,
// and fans envelopes out to recipients. It is stateless; all routing state
// lives on the space.
type router struct{}

func newRouter() *router {
	return &router{}
}

// route processes one validated, identity-stamped envelope from a sender.
func (r *router) route(s *Space, sender *Participant, env *protocol.Envelope) {
	start := time.Now()
	defer func() {
		routeDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	}()

	if !sender.canSend(env) {
		envelopesDroppedCounter.WithLabelValues(s.name, "capability_violation").Inc()
		perr := errors.NewCapabilityViolationError("not permitted to send "+env.Kind, nil).
			WithDetail("kind", env.Kind)
		s.deliverSystemError(sender, perr, env.ID)
		return
	}

	extra, dropped := s.proposals.observe(s.name, env)
	if dropped {
		envelopesDroppedCounter.WithLabelValues(s.name, "unauthorized_withdraw").Inc()
		return
	}

	switch env.Kind {
	case protocol.KindStreamRequest:
		if !r.openStream(s, sender, env) {
			return
		}
	case protocol.KindStreamData:
		si, ok := s.streams.observeData(s.name, env, time.Now())
		if !ok {
			r.streamFault(s, sender, streamIDOf(env), env.ID, "unknown_stream", "no such stream")
			return
		}
		if !si.isMember(sender.id) {
			envelopesDroppedCounter.WithLabelValues(s.name, "stream_not_member").Inc()
			logger.Warnw("dropping stream data from non-member",
				"space", s.name, "stream", si.id, "sender", sender.id)
			return
		}
		r.deliverToStream(s, sender, env, si)
		return
	case protocol.KindStreamClose, protocol.KindStreamError:
		if si, ok := s.streams.get(streamIDOf(env), time.Now()); ok {
			if !si.isMember(sender.id) {
				envelopesDroppedCounter.WithLabelValues(s.name, "stream_not_member").Inc()
				logger.Warnw("dropping stream termination from non-member",
					"space", s.name, "stream", si.id, "sender", sender.id)
				return
			}
			s.streams.remove(s.name, si.id)
			r.deliverToStream(s, sender, env, si)
			return
		}
	}

	switch env.Kind {
	case protocol.KindParticipantPause:
		r.applyPause(s, sender, env)
		r.deliver(s, sender, env, extra)
	case protocol.KindParticipantResume:
		r.deliver(s, sender, env, extra)
		r.applyResume(s, sender, env)
	default:
		r.deliver(s, sender, env, extra)
	}
}

// deliver fans the envelope out under the space read lock, making delivery
// atomic with respect to joins and leaves. Slow recipients are closed after
// the lock is released.
func (r *router) deliver(s *Space, sender *Participant, env *protocol.Envelope, extra []string) {
	s.mu.RLock()

	var targets []*Participant
	var missing []string
	if env.IsBroadcast() {
		for id, p := range s.participants {
			if id == sender.id {
				continue
			}
			targets = append(targets, p)
		}
	} else {
		for _, id := range env.To {
			if p, ok := s.participants[id]; ok {
				targets = append(targets, p)
			} else {
				missing = append(missing, id)
			}
		}
		if len(targets) == 0 {
			s.mu.RUnlock()
			envelopesDroppedCounter.WithLabelValues(s.name, "unknown_recipient").Inc()
			perr := errors.NewUnknownRecipientError("no addressed recipient is active", nil).
				WithDetail("to", env.To)
			s.deliverSystemError(sender, perr, env.ID)
			return
		}
	}

	for _, id := range extra {
		if id == sender.id {
			continue
		}
		if slices.ContainsFunc(targets, func(p *Participant) bool { return p.id == id }) {
			continue
		}
		if p, ok := s.participants[id]; ok {
			targets = append(targets, p)
		}
	}

	slow := r.enqueue(s, env, targets)
	s.mu.RUnlock()

	envelopesRoutedCounter.WithLabelValues(s.name, env.Kind).Inc()
	if len(missing) > 0 {
		logger.Debugw("skipping absent recipients", "space", s.name, "kind", env.Kind, "missing", missing)
	}
	r.closeSlow(s, slow)
}

// enqueue delivers to each target and collects recipients whose send queue
// stayed full.
func (r *router) enqueue(s *Space, env *protocol.Envelope, targets []*Participant) []*Participant {
	var slow []*Participant
	for _, p := range targets {
		err := p.deliverFiltered(s.name, env, s.limits.PauseQueueDepth)
		if err == nil {
			continue
		}
		if errors.IsBackpressure(err) {
			slow = append(slow, p)
			continue
		}
		logger.Debugw("delivery failed", "space", s.name, "participant", p.id, "kind", env.Kind, "error", err)
	}
	return slow
}

// closeSlow disconnects recipients that could not keep up. The sender stays
// connected; slowness is the consumer's fault.
func (r *router) closeSlow(s *Space, slow []*Participant) {
	for _, p := range slow {
		envelopesDroppedCounter.WithLabelValues(s.name, "backpressure").Inc()
		logger.Warnw("closing slow consumer", "space", s.name, "participant", p.id)
		p.conn.closeWith(errors.ErrBackpressure, "send queue full")
	}
}

// deliverToStream restricts fan-out to the stream's member set.
func (r *router) deliverToStream(s *Space, sender *Participant, env *protocol.Envelope, si streamInfo) {
	members := s.streamMembers(si, sender.id)
	slow := r.enqueue(s, env, members)
	envelopesRoutedCounter.WithLabelValues(s.name, env.Kind).Inc()
	r.closeSlow(s, slow)
}

// openStream assigns a stream id for a stream/request and replies with
// stream/open to the requester. The request itself still routes to its
// targets so peers see the negotiation.
func (r *router) openStream(s *Space, sender *Participant, env *protocol.Envelope) bool {
	var req protocol.StreamRequestPayload
	if err := env.DecodePayload(&req); err != nil {
		s.deliverSystemError(sender, errors.NewMalformedEnvelopeError("invalid stream request payload", err), env.ID)
		return false
	}

	id := s.streams.open(s.name, env, req, time.Now())
	open, err := protocol.NewEnvelope(protocol.GatewayID, protocol.KindStreamOpen, protocol.StreamOpenPayload{
		StreamID: id,
		Formats:  req.Formats,
	})
	if err != nil {
		logger.Errorw("failed to build stream open envelope", "space", s.name, "error", err)
		s.streams.remove(s.name, id)
		s.deliverSystemError(sender, errors.NewInternalError("failed to open stream", err), env.ID)
		return false
	}
	open.To = []string{sender.id}
	open.CorrelationID = []string{env.ID}

	if err := sender.deliverFiltered(s.name, open, s.limits.PauseQueueDepth); err != nil {
		logger.Warnw("failed to deliver stream open", "space", s.name, "participant", sender.id, "error", err)
		s.streams.remove(s.name, id)
		return false
	}
	return true
}

// routeBinary forwards one raw #stream_id# frame to the stream's members.
func (r *router) routeBinary(s *Space, sender *Participant, frame []byte) {
	id, _, err := protocol.DecodeStreamFrame(frame)
	if err != nil {
		s.deliverSystemError(sender, errors.NewMalformedEnvelopeError(err.Error(), err), "")
		return
	}

	si, ok := s.streams.get(id, time.Now())
	if !ok {
		r.streamFault(s, sender, id, "", "unknown_stream", "no such stream")
		return
	}
	if !si.isMember(sender.id) {
		envelopesDroppedCounter.WithLabelValues(s.name, "stream_not_member").Inc()
		logger.Warnw("dropping binary frame from non-member",
			"space", s.name, "stream", si.id, "sender", sender.id)
		return
	}

	for _, p := range s.streamMembers(si, sender.id) {
		if derr := p.deliverBinaryFiltered(s.name, frame); derr != nil {
			if errors.IsBackpressure(derr) {
				r.closeSlow(s, []*Participant{p})
				continue
			}
			logger.Debugw("binary delivery failed", "space", s.name, "participant", p.id, "error", derr)
		}
	}
}

// streamFault reports a stream-level failure back to the sender as a
// gateway-authored stream/error.
func (r *router) streamFault(s *Space, sender *Participant, streamID, aboutID, code, message string) {
	env, err := protocol.NewEnvelope(protocol.GatewayID, protocol.KindStreamError, protocol.StreamErrorPayload{
		Stream:  protocol.StreamRef{StreamID: streamID},
		Code:    code,
		Message: message,
	})
	if err != nil {
		logger.Errorw("failed to build stream error envelope", "space", s.name, "error", err)
		return
	}
	env.To = []string{sender.id}
	if aboutID != "" {
		env.CorrelationID = []string{aboutID}
	}
	if derr := sender.conn.deliver(env); derr != nil {
		logger.Debugw("failed to deliver stream error", "space", s.name, "participant", sender.id, "error", derr)
	}
}

// streamIDOf extracts the referenced stream id from a stream envelope
// payload, or returns empty.
func streamIDOf(env *protocol.Envelope) string {
	var ref struct {
		Stream protocol.StreamRef `json:"stream"`
	}
	if err := env.DecodePayload(&ref); err != nil {
		return ""
	}
	return ref.Stream.StreamID
}
