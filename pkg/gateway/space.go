// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"time"

	"github.com/mewproto/mew/pkg/auth"
	"github.com/mewproto/mew/pkg/capability"
	"github.com/mewproto/mew/pkg/config"
	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// presenceState is a participant's lifecycle state inside a space.
type presenceState string

const (
	stateJoining presenceState = "joining"
	stateActive  presenceState = "active"
	statePaused  presenceState = "paused"
	stateLeaving presenceState = "leaving"
)

// endpoint is the delivery side of a participant connection. The registry
// and router never see transport details, only this surface.
type endpoint interface {
	// deliver enqueues one envelope for the participant. It returns a
	// backpressure error when the outbound queue stays full past the
	// configured wait.
	deliver(env *protocol.Envelope) error

	// deliverBinary enqueues one raw stream frame.
	deliverBinary(frame []byte) error

	// closeWith asynchronously sends a final system/error and closes the
	// connection.
	closeWith(code, message string)
}

// Participant is one live member of a space. The space write lock guards
// membership; the participant's own mutex guards its grant and pause state,
// so routing can run under the space read lock.
type Participant struct {
	id       string
	conn     endpoint
	joinedAt time.Time

	mu                 sync.Mutex
	caps               capability.Set
	state              presenceState
	pauseUntil         *time.Time
	pauseAllow         []string
	pauseTimer         *time.Timer
	pauseQueue         []*protocol.Envelope
	droppedWhilePaused int
}

// ID returns the participant id.
func (p *Participant) ID() string { return p.id }

// Capabilities returns the participant's current grant.
func (p *Participant) Capabilities() capability.Set {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// setCaps replaces the grant. Sets are replaced whole, never mutated, so a
// snapshot taken under the lock stays consistent.
func (p *Participant) setCaps(caps capability.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps = caps
}

// canSend evaluates an envelope against the participant's current grant.
func (p *Participant) canSend(env *protocol.Envelope) bool {
	return p.Capabilities().CanSend(env)
}

// info renders the participant for welcome and presence payloads.
func (p *Participant) info() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{ID: p.id, Capabilities: p.Capabilities()}
}

// deliverFiltered delivers env honoring pause state: paused participants
// only receive kinds on their allow-list, everything else is held in a
// bounded queue that drops oldest on overflow.
func (p *Participant) deliverFiltered(space string, env *protocol.Envelope, depth int) error {
	p.mu.Lock()

	if p.state == statePaused && !isControlCommand(env.Kind) && !capability.AnyKindMatches(p.pauseAllow, env.Kind) {
		if len(p.pauseQueue) >= depth && depth > 0 {
			p.pauseQueue = p.pauseQueue[1:]
			p.droppedWhilePaused++
			envelopesDroppedCounter.WithLabelValues(space, "pause_overflow").Inc()
		}
		p.pauseQueue = append(p.pauseQueue, env)
		pauseQueueDepthGauge.WithLabelValues(space).Set(float64(len(p.pauseQueue)))
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.conn.deliver(env)
}

// deliverBinaryFiltered drops raw stream frames for paused participants;
// binary frames are not queueable.
func (p *Participant) deliverBinaryFiltered(space string, frame []byte) error {
	p.mu.Lock()
	paused := p.state == statePaused
	p.mu.Unlock()

	if paused {
		envelopesDroppedCounter.WithLabelValues(space, "paused_stream").Inc()
		return nil
	}
	return p.conn.deliverBinary(frame)
}

// pause marks the participant paused. A deadline arms a timer that resumes
// automatically.
func (p *Participant) pause(space string, until *time.Time, allow []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateActive && p.state != statePaused {
		return
	}
	if p.pauseTimer != nil {
		p.pauseTimer.Stop()
		p.pauseTimer = nil
	}

	p.state = statePaused
	p.pauseUntil = until
	p.pauseAllow = allow

	if until != nil {
		d := time.Until(*until)
		if d < 0 {
			d = 0
		}
		p.pauseTimer = time.AfterFunc(d, func() {
			queued, _ := p.resume(space)
			logger.Infow("pause deadline elapsed", "space", space, "participant", p.id, "flushed", queued)
		})
	}
}

// resume clears pause state and flushes the held queue in arrival order.
// It reports how many envelopes were flushed and dropped while paused.
func (p *Participant) resume(space string) (queued, dropped int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != statePaused {
		return 0, 0
	}
	if p.pauseTimer != nil {
		p.pauseTimer.Stop()
		p.pauseTimer = nil
	}

	queued = len(p.pauseQueue)
	dropped = p.droppedWhilePaused

	for _, env := range p.pauseQueue {
		if err := p.conn.deliver(env); err != nil {
			logger.Warnw("dropping held envelopes on resume", "space", space, "participant", p.id, "error", err)
			break
		}
	}
	p.pauseQueue = nil
	p.droppedWhilePaused = 0
	p.pauseUntil = nil
	p.pauseAllow = nil
	p.state = stateActive
	pauseQueueDepthGauge.WithLabelValues(space).Set(0)
	return queued, dropped
}

// statusPayload snapshots the gateway-visible slice of the participant's
// state for participant/status replies.
func (p *Participant) statusPayload() protocol.StatusPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.StatusPayload{
		State:              string(p.state),
		PausedUntil:        p.pauseUntil,
		QueuedWhilePaused:  len(p.pauseQueue),
		DroppedWhilePaused: p.droppedWhilePaused,
	}
}

// stopTimers releases the participant's timers on leave.
func (p *Participant) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pauseTimer != nil {
		p.pauseTimer.Stop()
		p.pauseTimer = nil
	}
	p.state = stateLeaving
}

// Space is one isolated participant set sharing a message bus. Membership
// mutations take the write lock; envelope routing takes the read lock, which
// makes a routed envelope atomic with respect to joins and leaves.
type Space struct {
	name   string
	limits *config.Limits

	mu           sync.RWMutex
	participants map[string]*Participant
	emptySince   time.Time

	proposals *proposalTable
	streams   *streamTable
}

func newSpace(name string, limits *config.Limits) *Space {
	return &Space{
		name:         name,
		limits:       limits,
		participants: make(map[string]*Participant),
		proposals:    newProposalTable(),
		streams:      newStreamTable(),
		emptySince:   time.Now(),
	}
}

// Name returns the space name.
func (s *Space) Name() string { return s.name }

// Join admits an authenticated identity. The welcome envelope is delivered
// to the new participant while the write lock is held, so it is always the
// first envelope on the connection and no routed envelope can interleave.
func (s *Space) Join(identity *auth.Identity, conn endpoint) (*Participant, error) {
	s.mu.Lock()

	if _, exists := s.participants[identity.ID]; exists {
		s.mu.Unlock()
		return nil, errors.NewConflictError("participant id already active: "+identity.ID, nil)
	}

	p := &Participant{
		id:       identity.ID,
		caps:     capability.NewSet(identity.Capabilities...),
		conn:     conn,
		joinedAt: time.Now(),
		state:    stateJoining,
	}

	others := make([]protocol.ParticipantInfo, 0, len(s.participants))
	recipients := make([]*Participant, 0, len(s.participants))
	for _, other := range s.participants {
		others = append(others, other.info())
		recipients = append(recipients, other)
	}

	welcome, err := protocol.NewEnvelope(protocol.GatewayID, protocol.KindSystemWelcome, protocol.WelcomePayload{
		You:          p.info(),
		Participants: others,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, errors.NewInternalError("failed to build welcome", err)
	}
	welcome.To = []string{p.id}
	if err := conn.deliver(welcome); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	p.state = stateActive
	s.participants[p.id] = p
	s.emptySince = time.Time{}
	s.mu.Unlock()

	connectionsGauge.WithLabelValues(s.name).Inc()
	logger.Infow("participant joined", "space", s.name, "participant", p.id, "capabilities", len(identity.Capabilities))

	s.broadcastPresence(protocol.PresenceJoin, p, recipients)
	return p, nil
}

// Leave removes a participant and announces its departure. Safe to call for
// ids that already left.
func (s *Space) Leave(id string) {
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.participants, id)
	if len(s.participants) == 0 {
		s.emptySince = time.Now()
	}
	recipients := make([]*Participant, 0, len(s.participants))
	for _, other := range s.participants {
		recipients = append(recipients, other)
	}
	s.mu.Unlock()

	p.stopTimers()
	s.proposals.releaseProposer(s.name, id)
	s.streams.releaseParticipant(s.name, id)

	connectionsGauge.WithLabelValues(s.name).Dec()
	logger.Infow("participant left", "space", s.name, "participant", id)

	s.broadcastPresence(protocol.PresenceLeave, p, recipients)
}

// Get returns the participant with the given id.
func (s *Space) Get(id string) (*Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	return p, ok
}

// List snapshots the current roster sorted by join time.
func (s *Space) List() []protocol.ParticipantInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]protocol.ParticipantInfo, 0, len(s.participants))
	for _, p := range s.participants {
		infos = append(infos, p.info())
	}
	return infos
}

// Size returns the current participant count.
func (s *Space) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// UpdateCapabilities replaces a participant's grant and re-issues a welcome
// reflecting the new set. Grants are otherwise immutable for the lifetime of
// a join session.
func (s *Space) UpdateCapabilities(id string, caps []protocol.Capability) error {
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return errors.NewUnknownRecipientError("participant not found: "+id, nil)
	}
	p.setCaps(capability.NewSet(caps...))

	others := make([]protocol.ParticipantInfo, 0, len(s.participants)-1)
	for _, other := range s.participants {
		if other.id != id {
			others = append(others, other.info())
		}
	}
	welcome, err := protocol.NewEnvelope(protocol.GatewayID, protocol.KindSystemWelcome, protocol.WelcomePayload{
		You:          p.info(),
		Participants: others,
	})
	if err != nil {
		s.mu.Unlock()
		return errors.NewInternalError("failed to build welcome", err)
	}
	welcome.To = []string{id}
	s.mu.Unlock()

	return p.deliverFiltered(s.name, welcome, s.limits.PauseQueueDepth)
}

// emptyFor reports how long the space has been without participants. Zero
// means it is occupied.
func (s *Space) emptyFor(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.participants) > 0 || s.emptySince.IsZero() {
		return 0
	}
	return now.Sub(s.emptySince)
}

// broadcastPresence delivers a presence event to the given recipients.
func (s *Space) broadcastPresence(event string, about *Participant, recipients []*Participant) {
	env, err := protocol.NewEnvelope(protocol.GatewayID, protocol.KindSystemPresence, protocol.PresencePayload{
		Event:       event,
		Participant: about.info(),
	})
	if err != nil {
		logger.Errorw("failed to build presence envelope", "space", s.name, "error", err)
		return
	}
	for _, r := range recipients {
		if err := r.deliverFiltered(s.name, env, s.limits.PauseQueueDepth); err != nil {
			logger.Warnw("presence delivery failed", "space", s.name, "participant", r.id, "error", err)
		}
	}
}

// deliverSystemError sends a gateway-authored system/error to one
// participant, correlated to the envelope that caused it.
func (s *Space) deliverSystemError(p *Participant, cause *errors.Error, about string) {
	protocolErrorsCounter.WithLabelValues(s.name, cause.Code).Inc()

	env, err := protocol.NewEnvelope(protocol.GatewayID, protocol.KindSystemError, cause.Payload())
	if err != nil {
		logger.Errorw("failed to build system/error envelope", "space", s.name, "error", err)
		return
	}
	env.To = []string{p.id}
	if about != "" {
		env.CorrelationID = []string{about}
	}
	if err := p.conn.deliver(env); err != nil {
		logger.Warnw("system/error delivery failed", "space", s.name, "participant", p.id, "error", err)
	}
}
