// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the participant runtime: it dials a gateway,
// performs the join handshake, and exposes a capability-aware send API on
// top of the envelope codec. The runtime keeps a pending-request table for
// MCP correlation, serves locally registered tools and resources, and
// reacts to the control-plane envelopes a gateway or operator may send.
package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mewproto/mew/pkg/capability"
	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// Sentinel errors surfaced by the send API.
var (
	// ErrClosed is returned once the client has been closed.
	ErrClosed = stderrors.New("client is closed")

	// ErrConnectionClosed fails pending requests when the connection drops
	// before a response arrives.
	ErrConnectionClosed = stderrors.New("connection closed")

	// ErrPaused is returned by sends attempted while the participant is
	// paused by the control plane.
	ErrPaused = stderrors.New("participant is paused")

	// ErrTimeout fails a pending request whose timer fired before any
	// response, rejection, or withdrawal resolved it.
	ErrTimeout = stderrors.New("request timed out")
)

// Participant states mirrored from the control plane.
const (
	StateActive       = "active"
	StatePaused       = "paused"
	StateRestarting   = "restarting"
	StateShuttingDown = "shutting_down"
)

// Handlers are optional callbacks invoked from the read loop. They must not
// block: a handler that needs to issue calls of its own should hand off to a
// goroutine, otherwise it stalls ingress for this participant.
type Handlers struct {
	// OnEnvelope observes every inbound envelope after builtin handling.
	OnEnvelope func(env *protocol.Envelope)

	// OnChat receives chat envelopes.
	OnChat func(env *protocol.Envelope, msg protocol.ChatPayload)

	// OnPresence receives join/leave roster changes.
	OnPresence func(p protocol.PresencePayload)

	// OnError receives gateway system/error envelopes that did not resolve
	// a pending request.
	OnError func(perr *errors.Error, env *protocol.Envelope)

	// OnStreamData receives structured stream chunks.
	OnStreamData func(env *protocol.Envelope, chunk protocol.StreamDataPayload)

	// OnStreamBinary receives raw binary stream frames.
	OnStreamBinary func(streamID string, data []byte)

	// Control-plane hooks. Each runs before the acknowledging status is
	// published.
	OnForget   func(entries int)
	OnClear    func()
	OnRestart  func() error
	OnShutdown func()
}

// Config parameterizes a participant runtime.
type Config struct {
	// URL is the gateway websocket endpoint, e.g. ws://host:port/ws.
	URL string

	// Token is the bearer token presented on connect.
	Token string

	// Name and Version identify the embedded MCP tool server.
	Name    string
	Version string

	// HandshakeTimeout bounds the dial plus welcome wait.
	HandshakeTimeout time.Duration

	// RequestTimeout bounds a pending mcp/request.
	RequestTimeout time.Duration

	// ProposalTimeout bounds a pending mcp/proposal, which waits on a human
	// or agent decision and therefore defaults much higher.
	ProposalTimeout time.Duration

	// WriteTimeout bounds individual websocket writes.
	WriteTimeout time.Duration

	// PingInterval is the keepalive cadence towards the gateway.
	PingInterval time.Duration

	// DisableReconnect turns off the automatic re-dial on connection loss.
	DisableReconnect bool

	// ReconnectInitialInterval and ReconnectMaxInterval tune the
	// exponential backoff between reconnect attempts.
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration

	// DiscoveryTTL bounds the age of cached peer tool listings.
	DiscoveryTTL time.Duration

	// DiscoveryStagger is the maximum random delay before refreshing a
	// joining peer's tools, spreading out discovery storms.
	DiscoveryStagger time.Duration

	// MaxContextTokens is the context budget used for proactive status
	// publishing. Zero disables threshold reporting.
	MaxContextTokens int

	// ContextSoftThreshold is the budget fraction that triggers a
	// proactive participant/status. Defaults to 0.9.
	ContextSoftThreshold float64

	Handlers Handlers
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = "mew-client"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ProposalTimeout <= 0 {
		cfg.ProposalTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectInitialInterval <= 0 {
		cfg.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = 30 * time.Second
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = 5 * time.Minute
	}
	if cfg.DiscoveryStagger <= 0 {
		cfg.DiscoveryStagger = 3 * time.Second
	}
	if cfg.ContextSoftThreshold <= 0 || cfg.ContextSoftThreshold > 1 {
		cfg.ContextSoftThreshold = 0.9
	}
}

// Client is one participant's connection to a space. All exported methods
// are safe for concurrent use.
type Client struct {
	cfg   Config
	codec *protocol.Codec
	mcp   *server.MCPServer

	pending *pendingTable
	tools   *toolCache
	usage   *usageTracker

	// wmu serializes websocket writes.
	wmu sync.Mutex

	mu         sync.RWMutex
	ws         *websocket.Conn
	identity   protocol.ParticipantInfo
	caps       capability.Set
	roster     map[string]protocol.ParticipantInfo
	state      string
	pauseUntil *time.Time
	pauseTimer *time.Timer
	connected  bool

	// outSeq assigns sequence numbers per outbound stream.
	outSeq map[string]uint64
	// inSeq tracks the last sequence observed per inbound stream.
	inSeq map[string]uint64

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway, waits for the welcome, and starts the
// read loop. The context governs the whole client lifetime: cancelling it
// closes the client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, stderrors.New("gateway URL is required")
	}

	c := &Client{
		cfg:    cfg,
		codec:  protocol.NewCodec(protocol.NewKindRegistry(), 0),
		roster: make(map[string]protocol.ParticipantInfo),
		state:  StateActive,
		outSeq: make(map[string]uint64),
		inSeq:  make(map[string]uint64),
		done:   make(chan struct{}),
	}
	c.mcp = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)
	c.pending = newPendingTable()
	c.tools = newToolCache(cfg.DiscoveryTTL)
	c.usage = newUsageTracker(cfg.MaxContextTokens, cfg.ContextSoftThreshold)

	ws, err := c.dialAndJoin(ctx, true)
	if err != nil {
		return nil, err
	}
	c.setConn(ws)

	go c.supervise(ctx, ws)
	return c, nil
}

// dialAndJoin opens a websocket and consumes envelopes until the welcome
// arrives. The welcome carries our identity and the current roster.
func (c *Client) dialAndJoin(ctx context.Context, initial bool) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(errors.NewAuthFailedError(
				fmt.Sprintf("gateway refused token: HTTP %d", resp.StatusCode), err))
		}
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = ws.SetReadDeadline(deadline)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("connection closed before welcome: %w", err)
		}
		env, err := c.codec.Decode(data)
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("bad pre-welcome envelope: %w", err)
		}
		if env.Kind == protocol.KindSystemError {
			var ep protocol.ErrorPayload
			_ = env.DecodePayload(&ep)
			ws.Close()
			return nil, joinError(ep, initial)
		}
		if env.Kind != protocol.KindSystemWelcome {
			// The welcome is guaranteed first; anything else here is a
			// gateway bug, but skipping is harmless.
			continue
		}
		var wp protocol.WelcomePayload
		if err := env.DecodePayload(&wp); err != nil {
			ws.Close()
			return nil, fmt.Errorf("bad welcome payload: %w", err)
		}
		c.applyWelcome(wp)
		_ = ws.SetReadDeadline(time.Time{})
		return ws, nil
	}
}

// joinError maps a pre-welcome system/error to a dial error. Auth failures
// never fix themselves and always stop the backoff. A conflict on the first
// join means someone else owns the id; during a reconnect it is usually our
// own previous session the gateway has not reaped yet, so it stays retryable.
func joinError(ep protocol.ErrorPayload, initial bool) error {
	perr := errors.NewError(ep.Code, ep.Message, nil)
	if ep.Code == errors.ErrAuthFailed || (initial && ep.Code == errors.ErrConflict) {
		return backoff.Permanent(perr)
	}
	return perr
}

func (c *Client) applyWelcome(wp protocol.WelcomePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = wp.You
	c.caps = capability.NewSet(wp.You.Capabilities...)
	c.roster = make(map[string]protocol.ParticipantInfo, len(wp.Participants))
	for _, p := range wp.Participants {
		c.roster[p.ID] = p
	}
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()
}

// supervise owns the read loop and the reconnect policy. Each reconnect is
// a fresh join: the gateway sends a new welcome and all pending requests
// from the previous connection have already been failed.
func (c *Client) supervise(ctx context.Context, ws *websocket.Conn) {
	for {
		c.readLoop(ctx, ws)

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.pending.failAll(ErrConnectionClosed)

		if c.isClosed() || ctx.Err() != nil || c.cfg.DisableReconnect {
			c.Close()
			return
		}

		logger.Infof("connection to %s lost, reconnecting", c.cfg.URL)
		next, err := c.redial(ctx)
		if err != nil {
			logger.Errorf("reconnect failed: %v", err)
			c.Close()
			return
		}
		c.setConn(next)
		ws = next
	}
}

// redial retries the join with exponential backoff until it succeeds, the
// context ends, or a permanent error (auth, conflict) is returned.
func (c *Client) redial(ctx context.Context) (*websocket.Conn, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.ReconnectInitialInterval
	expo.MaxInterval = c.cfg.ReconnectMaxInterval

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		return c.dialAndJoin(ctx, false)
	},
		backoff.WithBackOff(expo),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnf("reconnect attempt failed: %v (retrying in %s)", err, next)
		}),
	)
}

// readLoop consumes frames from one connection until it breaks. A keepalive
// ticker pings the gateway; pongs extend the read deadline.
func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(ctx, ws, stop)

	idle := 3 * c.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(idle))

		switch mt {
		case websocket.TextMessage:
			env, err := c.codec.Decode(data)
			if err != nil {
				logger.Warnf("dropping undecodable envelope from gateway: %v", err)
				continue
			}
			c.dispatch(ctx, env)
		case websocket.BinaryMessage:
			c.dispatchBinary(data)
		}
	}
}

// keepalive pings the gateway on a ticker and force-closes the socket when
// the client or its context ends, which unblocks the read loop.
func (c *Client) keepalive(ctx context.Context, ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			ws.Close()
			return
		case <-c.done:
			ws.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound envelope through correlation, control, and
// handler layers.
func (c *Client) dispatch(ctx context.Context, env *protocol.Envelope) {
	if c.usage.observe(env) {
		c.publishUsageStatus()
	}

	switch env.Kind {
	case protocol.KindSystemWelcome:
		// A mid-session welcome re-issues our grant.
		var wp protocol.WelcomePayload
		if err := env.DecodePayload(&wp); err == nil {
			c.applyWelcome(wp)
			logger.Infof("capabilities re-issued: %d grants", len(wp.You.Capabilities))
		}

	case protocol.KindSystemPresence:
		c.handlePresence(ctx, env)

	case protocol.KindSystemError:
		c.handleSystemError(env)

	case protocol.KindMCPResponse:
		c.pending.resolveResponse(env)

	case protocol.KindMCPRequest:
		c.handleRequest(ctx, env)

	case protocol.KindMCPReject:
		c.handleReject(env)

	case protocol.KindStreamOpen:
		c.pending.resolveStreamOpen(env)

	case protocol.KindStreamData:
		c.handleStreamData(env)

	case protocol.KindStreamClose, protocol.KindStreamError:
		c.forgetInboundStream(env)

	case protocol.KindChat:
		if c.cfg.Handlers.OnChat != nil {
			var msg protocol.ChatPayload
			if err := env.DecodePayload(&msg); err == nil {
				c.cfg.Handlers.OnChat(env, msg)
			}
		}

	case protocol.KindParticipantPause,
		protocol.KindParticipantResume,
		protocol.KindParticipantForget,
		protocol.KindParticipantClear,
		protocol.KindParticipantRestart,
		protocol.KindParticipantShutdown,
		protocol.KindParticipantRequestStatus:
		c.handleControl(env)
	}

	if c.cfg.Handlers.OnEnvelope != nil {
		c.cfg.Handlers.OnEnvelope(env)
	}
}

func (c *Client) handlePresence(ctx context.Context, env *protocol.Envelope) {
	var pp protocol.PresencePayload
	if err := env.DecodePayload(&pp); err != nil {
		return
	}

	c.mu.Lock()
	switch pp.Event {
	case protocol.PresenceJoin:
		c.roster[pp.Participant.ID] = pp.Participant
	case protocol.PresenceLeave:
		delete(c.roster, pp.Participant.ID)
	}
	c.mu.Unlock()

	switch pp.Event {
	case protocol.PresenceJoin:
		c.scheduleDiscovery(ctx, pp.Participant.ID)
	case protocol.PresenceLeave:
		c.tools.invalidate(pp.Participant.ID)
	}

	if c.cfg.Handlers.OnPresence != nil {
		c.cfg.Handlers.OnPresence(pp)
	}
}

// handleSystemError turns gateway errors into failed pending requests when
// they correlate to one, and otherwise raises them through the handler.
func (c *Client) handleSystemError(env *protocol.Envelope) {
	var ep protocol.ErrorPayload
	if err := env.DecodePayload(&ep); err != nil {
		return
	}
	perr := errors.NewError(ep.Code, ep.Message, nil)
	perr.Detail = ep.Detail

	if c.pending.failCorrelated(env, perr) {
		return
	}
	if c.cfg.Handlers.OnError != nil {
		c.cfg.Handlers.OnError(perr, env)
	}
}

// handleReject fails a pending proposal on its first rejection.
func (c *Client) handleReject(env *protocol.Envelope) {
	var rp protocol.RejectPayload
	if err := env.DecodePayload(&rp); err != nil {
		return
	}
	c.pending.reject(env, rp.Reason)
}

func (c *Client) handleStreamData(env *protocol.Envelope) {
	var chunk protocol.StreamDataPayload
	if err := env.DecodePayload(&chunk); err != nil {
		return
	}

	c.mu.Lock()
	last := c.inSeq[chunk.Stream.StreamID]
	if last > 0 && chunk.Sequence != last+1 {
		logger.Warnf("stream %s sequence gap: got %d after %d",
			chunk.Stream.StreamID, chunk.Sequence, last)
	}
	if chunk.Sequence > last {
		c.inSeq[chunk.Stream.StreamID] = chunk.Sequence
	}
	c.mu.Unlock()

	if c.cfg.Handlers.OnStreamData != nil {
		c.cfg.Handlers.OnStreamData(env, chunk)
	}
}

func (c *Client) forgetInboundStream(env *protocol.Envelope) {
	var ref struct {
		Stream protocol.StreamRef `json:"stream"`
	}
	if err := env.DecodePayload(&ref); err != nil || ref.Stream.StreamID == "" {
		return
	}
	c.mu.Lock()
	delete(c.inSeq, ref.Stream.StreamID)
	delete(c.outSeq, ref.Stream.StreamID)
	c.mu.Unlock()
}

func (c *Client) dispatchBinary(data []byte) {
	streamID, payload, err := protocol.DecodeStreamFrame(data)
	if err != nil {
		logger.Warnf("dropping malformed binary stream frame: %v", err)
		return
	}
	if c.cfg.Handlers.OnStreamBinary != nil {
		c.cfg.Handlers.OnStreamBinary(streamID, payload)
	}
}

// ID returns the participant id assigned by the welcome.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.ID
}

// Capabilities returns the current grant.
func (c *Client) Capabilities() []protocol.Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.Capability(nil), c.identity.Capabilities...)
}

// Participants snapshots the known roster, excluding this participant.
func (c *Client) Participants() []protocol.ParticipantInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.ParticipantInfo, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, p)
	}
	return out
}

// State returns the control-plane state of this participant.
func (c *Client) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether a live connection is established.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Done is closed once the client has shut down for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close tears the client down: pending requests fail, the connection is
// closed with a going-away frame, and no reconnect is attempted.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.pending.failAll(ErrClosed)

		c.mu.Lock()
		ws := c.ws
		if c.pauseTimer != nil {
			c.pauseTimer.Stop()
			c.pauseTimer = nil
		}
		c.mu.Unlock()

		if ws != nil {
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "client closing"), deadline)
			_ = ws.Close()
		}
	})
	return nil
}

// can checks the envelope against the local grant, the same way the
// gateway will.
func (c *Client) can(env *protocol.Envelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps.CanSend(env)
}

// Send transmits one envelope after the local capability check. Most
// callers want the typed helpers; Send is the escape hatch for raw
// envelopes. The pause gate holds back everything except status reports.
func (c *Client) Send(env *protocol.Envelope) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.RLock()
	paused := c.state == StatePaused
	ws := c.ws
	connected := c.connected
	c.mu.RUnlock()

	if paused && env.Kind != protocol.KindParticipantStatus {
		return ErrPaused
	}
	if !connected || ws == nil {
		return ErrConnectionClosed
	}
	if !c.can(env) {
		return errors.NewCapabilityViolationError(
			fmt.Sprintf("not permitted to send %s", env.Kind), nil)
	}

	return c.write(ws, env)
}

func (c *Client) write(ws *websocket.Conn, env *protocol.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	if c.usage.observe(env) {
		c.publishUsageStatus()
	}
	return nil
}

// Chat sends a chat message, broadcast unless targets are given. It
// returns the envelope id for acknowledgement or cancellation.
func (c *Client) Chat(text string, to ...string) (string, error) {
	env, err := protocol.NewEnvelope(c.ID(), protocol.KindChat, protocol.ChatPayload{Text: text})
	if err != nil {
		return "", err
	}
	env.To = to
	if err := c.Send(env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// AcknowledgeChat confirms receipt of a chat envelope to its sender.
func (c *Client) AcknowledgeChat(chatID, sender string) error {
	env, err := protocol.NewEnvelope(c.ID(), protocol.KindChatAcknowledge, struct{}{})
	if err != nil {
		return err
	}
	env.To = []string{sender}
	env.CorrelationID = []string{chatID}
	return c.Send(env)
}

// CancelChat retracts a chat message previously sent by this participant.
func (c *Client) CancelChat(chatID string) error {
	env, err := protocol.NewEnvelope(c.ID(), protocol.KindChatCancel, struct{}{})
	if err != nil {
		return err
	}
	env.CorrelationID = []string{chatID}
	return c.Send(env)
}

// Reasoning groups a sequence of reasoning envelopes under one context id.
type Reasoning struct {
	c       *Client
	Context string
}

// BeginReasoning opens a reasoning episode visible to the space.
func (c *Client) BeginReasoning(message string) (*Reasoning, error) {
	r := &Reasoning{c: c, Context: newContextID()}
	if err := r.send(protocol.KindReasoningStart, message); err != nil {
		return nil, err
	}
	return r, nil
}

// Thought publishes one intermediate reasoning step.
func (r *Reasoning) Thought(message string) error {
	return r.send(protocol.KindReasoningThought, message)
}

// Conclude closes the episode with its outcome.
func (r *Reasoning) Conclude(message string) error {
	return r.send(protocol.KindReasoningConclusion, message)
}

// Cancel aborts the episode.
func (r *Reasoning) Cancel(reason string) error {
	env, err := protocol.NewEnvelope(r.c.ID(), protocol.KindReasoningCancel,
		protocol.ReasoningCancelPayload{Reason: reason})
	if err != nil {
		return err
	}
	env.Context = r.Context
	return r.c.Send(env)
}

func (r *Reasoning) send(kind, message string) error {
	env, err := protocol.NewEnvelope(r.c.ID(), kind, protocol.ReasoningPayload{Message: message})
	if err != nil {
		return err
	}
	env.Context = r.Context
	return r.c.Send(env)
}

func newContextID() string {
	return fmt.Sprintf("ctx-%08x", rand.Uint32())
}
