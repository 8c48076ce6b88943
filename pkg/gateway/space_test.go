// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewproto/mew/pkg/auth"
	"github.com/mewproto/mew/pkg/config"
	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/protocol"
)

// fakeEndpoint records deliveries in place of a websocket connection.
type fakeEndpoint struct {
	mu        sync.Mutex
	envs      []*protocol.Envelope
	frames    [][]byte
	closed    bool
	closeCode string
	stalled   bool
}

func (f *fakeEndpoint) deliver(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stalled {
		return errors.NewBackpressureError("send queue full", nil)
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeEndpoint) deliverBinary(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stalled {
		return errors.NewBackpressureError("send queue full", nil)
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeEndpoint) closeWith(code, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
}

func (f *fakeEndpoint) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.envs))
	for i, env := range f.envs {
		kinds[i] = env.Kind
	}
	return kinds
}

func (f *fakeEndpoint) received() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Envelope(nil), f.envs...)
}

func (f *fakeEndpoint) last() *protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.envs) == 0 {
		return nil
	}
	return f.envs[len(f.envs)-1]
}

func (f *fakeEndpoint) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testLimits() *config.Limits {
	limits := config.DefaultLimits()
	limits.EnqueueWait = config.Duration(50 * time.Millisecond)
	return limits
}

func join(t *testing.T, s *Space, id string, caps ...protocol.Capability) (*Participant, *fakeEndpoint) {
	t.Helper()
	ep := &fakeEndpoint{}
	p, err := s.Join(&auth.Identity{Space: s.name, ID: id, Capabilities: caps}, ep)
	require.NoError(t, err)
	return p, ep
}

func wildcard() protocol.Capability {
	return protocol.Capability{Kind: "*"}
}

func chatEnvelope(t *testing.T, from, text string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(from, protocol.KindChat, protocol.ChatPayload{Text: text})
	require.NoError(t, err)
	return env
}

func TestSpaceJoinDeliversWelcomeFirst(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())

	_, aliceEP := join(t, s, "alice", wildcard())

	require.NotEmpty(t, aliceEP.received())
	first := aliceEP.received()[0]
	assert.Equal(t, protocol.KindSystemWelcome, first.Kind)
	assert.Equal(t, protocol.GatewayID, first.From)

	var welcome protocol.WelcomePayload
	require.NoError(t, first.DecodePayload(&welcome))
	assert.Equal(t, "alice", welcome.You.ID)
	assert.Empty(t, welcome.Participants)

	_, bobEP := join(t, s, "bob", wildcard())

	var bobWelcome protocol.WelcomePayload
	require.NoError(t, bobEP.received()[0].DecodePayload(&bobWelcome))
	assert.Equal(t, "bob", bobWelcome.You.ID)
	require.Len(t, bobWelcome.Participants, 1)
	assert.Equal(t, "alice", bobWelcome.Participants[0].ID)

	presence := aliceEP.last()
	require.NotNil(t, presence)
	assert.Equal(t, protocol.KindSystemPresence, presence.Kind)
	var pp protocol.PresencePayload
	require.NoError(t, presence.DecodePayload(&pp))
	assert.Equal(t, protocol.PresenceJoin, pp.Event)
	assert.Equal(t, "bob", pp.Participant.ID)
}

func TestSpaceJoinRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())
	join(t, s, "alice", wildcard())

	ep := &fakeEndpoint{}
	_, err := s.Join(&auth.Identity{Space: "demo", ID: "alice"}, ep)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Empty(t, ep.received(), "rejected join must not receive a welcome")
	assert.Equal(t, 1, s.Size())
}

func TestSpaceLeaveBroadcastsPresence(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())
	join(t, s, "alice", wildcard())
	_, bobEP := join(t, s, "bob", wildcard())

	s.Leave("alice")

	assert.Equal(t, 1, s.Size())
	presence := bobEP.last()
	require.NotNil(t, presence)
	require.Equal(t, protocol.KindSystemPresence, presence.Kind)
	var pp protocol.PresencePayload
	require.NoError(t, presence.DecodePayload(&pp))
	assert.Equal(t, protocol.PresenceLeave, pp.Event)
	assert.Equal(t, "alice", pp.Participant.ID)

	// A second leave for the same id is a no-op.
	s.Leave("alice")
	assert.Equal(t, 1, s.Size())
}

func TestParticipantPauseQueuesUntilResume(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())
	alice, aliceEP := join(t, s, "alice", wildcard())

	alice.pause("demo", nil, []string{"system/*"})

	chat1 := chatEnvelope(t, "bob", "one")
	chat2 := chatEnvelope(t, "bob", "two")
	require.NoError(t, alice.deliverFiltered("demo", chat1, 8))
	require.NoError(t, alice.deliverFiltered("demo", chat2, 8))
	assert.NotContains(t, aliceEP.kinds(), protocol.KindChat, "chat must be held while paused")

	// Kinds on the allow-list pass through immediately.
	presence, err := protocol.NewEnvelope(protocol.GatewayID, protocol.KindSystemPresence, protocol.PresencePayload{
		Event:       protocol.PresenceJoin,
		Participant: protocol.ParticipantInfo{ID: "carol"},
	})
	require.NoError(t, err)
	require.NoError(t, alice.deliverFiltered("demo", presence, 8))
	assert.Equal(t, protocol.KindSystemPresence, aliceEP.last().Kind)

	status := alice.statusPayload()
	assert.Equal(t, string(statePaused), status.State)
	assert.Equal(t, 2, status.QueuedWhilePaused)

	queued, dropped := alice.resume("demo")
	assert.Equal(t, 2, queued)
	assert.Equal(t, 0, dropped)

	kinds := aliceEP.kinds()
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, protocol.KindChat, kinds[len(kinds)-2])
	assert.Equal(t, protocol.KindChat, kinds[len(kinds)-1])

	var texts []string
	for _, env := range aliceEP.received() {
		if env.Kind != protocol.KindChat {
			continue
		}
		var cp protocol.ChatPayload
		require.NoError(t, env.DecodePayload(&cp))
		texts = append(texts, cp.Text)
	}
	assert.Equal(t, []string{"one", "two"}, texts, "held envelopes flush in arrival order")
}

func TestParticipantPauseOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())
	alice, aliceEP := join(t, s, "alice", wildcard())

	alice.pause("demo", nil, nil)
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, alice.deliverFiltered("demo", chatEnvelope(t, "bob", text), 2))
	}

	status := alice.statusPayload()
	assert.Equal(t, 2, status.QueuedWhilePaused)
	assert.Equal(t, 1, status.DroppedWhilePaused)

	alice.resume("demo")

	var texts []string
	for _, env := range aliceEP.received() {
		if env.Kind != protocol.KindChat {
			continue
		}
		var cp protocol.ChatPayload
		require.NoError(t, env.DecodePayload(&cp))
		texts = append(texts, cp.Text)
	}
	assert.Equal(t, []string{"two", "three"}, texts, "overflow drops the oldest held envelope")
}

func TestParticipantPauseDeadlineAutoResumes(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())
	alice, aliceEP := join(t, s, "alice", wildcard())

	until := time.Now().Add(30 * time.Millisecond)
	alice.pause("demo", &until, nil)
	require.NoError(t, alice.deliverFiltered("demo", chatEnvelope(t, "bob", "held"), 8))

	require.Eventually(t, func() bool {
		return alice.statusPayload().State == string(stateActive)
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, aliceEP.kinds(), protocol.KindChat)
}

func TestParticipantControlCommandsBypassPause(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())
	alice, aliceEP := join(t, s, "alice", wildcard())

	alice.pause("demo", nil, nil)

	resumeEnv, err := protocol.NewEnvelope("admin", protocol.KindParticipantResume, nil)
	require.NoError(t, err)
	require.NoError(t, alice.deliverFiltered("demo", resumeEnv, 8))
	assert.Equal(t, protocol.KindParticipantResume, aliceEP.last().Kind,
		"control commands must not be held by the pause filter")
}

func TestParticipantBinaryDroppedWhilePaused(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())
	alice, aliceEP := join(t, s, "alice", wildcard())

	frame := protocol.EncodeStreamFrame("st-1", []byte("chunk"))
	require.NoError(t, alice.deliverBinaryFiltered("demo", frame))
	require.Len(t, aliceEP.frames, 1)

	alice.pause("demo", nil, nil)
	require.NoError(t, alice.deliverBinaryFiltered("demo", frame))
	assert.Len(t, aliceEP.frames, 1, "binary frames are dropped, not queued, while paused")
}

func TestSpaceUpdateCapabilitiesReissuesWelcome(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())
	_, aliceEP := join(t, s, "alice", protocol.Capability{Kind: protocol.KindChat})

	caps := []protocol.Capability{{Kind: "mcp/*"}, {Kind: protocol.KindChat}}
	require.NoError(t, s.UpdateCapabilities("alice", caps))

	last := aliceEP.last()
	require.Equal(t, protocol.KindSystemWelcome, last.Kind)
	var welcome protocol.WelcomePayload
	require.NoError(t, last.DecodePayload(&welcome))
	assert.Equal(t, "alice", welcome.You.ID)
	assert.Len(t, welcome.You.Capabilities, 2)

	err := s.UpdateCapabilities("ghost", caps)
	require.Error(t, err)
	assert.True(t, errors.IsUnknownRecipient(err))
}

func TestSpaceEmptyFor(t *testing.T) {
	t.Parallel()
	s := newSpace("demo", testLimits())

	assert.Greater(t, s.emptyFor(time.Now().Add(time.Minute)), time.Duration(0))

	join(t, s, "alice", wildcard())
	assert.Equal(t, time.Duration(0), s.emptyFor(time.Now().Add(time.Minute)))

	s.Leave("alice")
	assert.Greater(t, s.emptyFor(time.Now().Add(time.Minute)), time.Duration(0))
}
