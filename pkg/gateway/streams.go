// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// stream is one negotiated channel. Peers empty means the stream is visible
// to the whole space.
type stream struct {
	id         string
	opener     string
	peers      []string
	direction  string
	lastSeq    uint64
	lastActive time.Time
}

// streamInfo is the immutable membership slice of a stream, snapshotted for
// use outside the table lock.
type streamInfo struct {
	id     string
	opener string
	peers  []string
}

func (si streamInfo) isMember(id string) bool {
	if len(si.peers) == 0 {
		return true
	}
	return si.opener == id || slices.Contains(si.peers, id)
}

// streamTable tracks active streams for one space.
type streamTable struct {
	mu   sync.Mutex
	byID map[string]*stream
}

func newStreamTable() *streamTable {
	return &streamTable{byID: make(map[string]*stream)}
}

// open registers a stream for a request envelope and returns the assigned id.
func (t *streamTable) open(space string, env *protocol.Envelope, req protocol.StreamRequestPayload, now time.Time) string {
	st := &stream{
		id:         uuid.NewString(),
		opener:     env.From,
		peers:      env.To,
		direction:  req.Direction,
		lastActive: now,
	}

	t.mu.Lock()
	t.byID[st.id] = st
	t.mu.Unlock()

	streamsActiveGauge.WithLabelValues(space).Inc()
	logger.Debugw("stream opened", "space", space, "stream", st.id, "opener", st.opener, "direction", st.direction)
	return st.id
}

// get snapshots a stream's membership and refreshes its activity clock.
func (t *streamTable) get(id string, now time.Time) (streamInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		return streamInfo{}, false
	}
	st.lastActive = now
	return streamInfo{id: st.id, opener: st.opener, peers: st.peers}, true
}

// observeData checks one structured chunk against tracked stream state.
// Unknown streams report ok=false. Sequence anomalies are counted and logged
// but never fail the chunk.
func (t *streamTable) observeData(space string, env *protocol.Envelope, now time.Time) (streamInfo, bool) {
	var data protocol.StreamDataPayload
	if err := env.DecodePayload(&data); err != nil {
		return streamInfo{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[data.Stream.StreamID]
	if !ok {
		return streamInfo{}, false
	}
	si := streamInfo{id: st.id, opener: st.opener, peers: st.peers}
	if !si.isMember(env.From) {
		return si, true
	}
	st.lastActive = now

	if data.Sequence != st.lastSeq+1 {
		streamGapCounter.WithLabelValues(space).Inc()
		logger.Warnw("stream sequence anomaly",
			"space", space, "stream", st.id, "from", env.From,
			"sequence", data.Sequence, "last_sequence", st.lastSeq)
	}
	if data.Sequence > st.lastSeq {
		st.lastSeq = data.Sequence
	}
	return si, true
}

// remove drops a stream and reports whether it existed.
func (t *streamTable) remove(space, id string) (streamInfo, bool) {
	t.mu.Lock()
	st, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	t.mu.Unlock()

	if !ok {
		return streamInfo{}, false
	}
	streamsActiveGauge.WithLabelValues(space).Dec()
	return streamInfo{id: st.id, opener: st.opener, peers: st.peers}, true
}

// expire removes streams idle past the limit and returns them for
// notification.
func (t *streamTable) expire(space string, now time.Time, idle time.Duration) []streamInfo {
	if idle <= 0 {
		return nil
	}

	t.mu.Lock()
	var expired []streamInfo
	for id, st := range t.byID {
		if now.Sub(st.lastActive) < idle {
			continue
		}
		delete(t.byID, id)
		expired = append(expired, streamInfo{id: st.id, opener: st.opener, peers: st.peers})
	}
	t.mu.Unlock()

	for range expired {
		streamsActiveGauge.WithLabelValues(space).Dec()
	}
	return expired
}

// releaseParticipant drops streams opened by a departing participant. Peers
// learn of the departure through the presence event.
func (t *streamTable) releaseParticipant(space, participantID string) {
	t.mu.Lock()
	var released int
	for id, st := range t.byID {
		if st.opener != participantID {
			continue
		}
		delete(t.byID, id)
		released++
	}
	t.mu.Unlock()

	for i := 0; i < released; i++ {
		streamsActiveGauge.WithLabelValues(space).Dec()
	}
}

func (t *streamTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// streamMembers resolves a stream's member set to currently active
// participants, excluding the given sender.
func (s *Space) streamMembers(si streamInfo, exclude string) []*Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]*Participant, 0, len(s.participants))
	for id, p := range s.participants {
		if id == exclude {
			continue
		}
		if si.isMember(id) {
			members = append(members, p)
		}
	}
	return members
}

// sweepStreams force-closes streams idle past the configured limit, telling
// every member why.
func (s *Space) sweepStreams(now time.Time) {
	expired := s.streams.expire(s.name, now, time.Duration(s.limits.StreamIdleTimeout))
	for _, si := range expired {
		env, err := protocol.NewEnvelope(protocol.GatewayID, protocol.KindStreamError, protocol.StreamErrorPayload{
			Stream:  protocol.StreamRef{StreamID: si.id},
			Code:    "idle_timeout",
			Message: "stream closed after idle timeout",
		})
		if err != nil {
			logger.Errorw("failed to build stream error envelope", "space", s.name, "error", err)
			continue
		}
		logger.Infow("stream idle timeout", "space", s.name, "stream", si.id, "opener", si.opener)
		for _, p := range s.streamMembers(si, "") {
			if derr := p.deliverFiltered(s.name, env, s.limits.PauseQueueDepth); derr != nil {
				logger.Debugw("failed to deliver stream timeout notice",
					"space", s.name, "participant", p.id, "error", derr)
			}
		}
	}
}
