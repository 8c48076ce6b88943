// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// Maximum time we'll wait for a write we initiate to complete.
const writeWait = 10 * time.Second

// outFrame is one queued outbound websocket frame: an envelope or a raw
// binary stream frame.
type outFrame struct {
	env    *protocol.Envelope
	binary []byte
}

// connection pumps envelopes between one websocket and the space. The read
// loop is the single producer of ingress envelopes, which gives per-sender
// ordering for free; the write loop is the single consumer of the outbound
// queue.
type connection struct {
	ws     *websocket.Conn
	space  *Space
	router *router
	codec  *protocol.Codec
	id     string

	// participant is set between join and pump start, before any ingress.
	participant *Participant

	outbound chan outFrame
	done     chan struct{}
	once     sync.Once

	// wmu serializes data writes between the write pump and closeWith.
	wmu sync.Mutex

	enqueueWait  time.Duration
	pingInterval time.Duration

	dup            *protocol.DupWindow
	errBudget      *rate.Limiter
	ingressLimiter *rate.Limiter
}

func newConnection(ws *websocket.Conn, space *Space, rt *router, codec *protocol.Codec, id string) *connection {
	limits := space.limits
	c := &connection{
		ws:           ws,
		space:        space,
		router:       rt,
		codec:        codec,
		id:           id,
		outbound:     make(chan outFrame, limits.SendQueueDepth),
		done:         make(chan struct{}),
		enqueueWait:  time.Duration(limits.EnqueueWait),
		pingInterval: time.Duration(limits.PingInterval),
		dup:          protocol.NewDupWindow(limits.DupWindow),
	}
	if limits.ErrorBudget > 0 && limits.ErrorWindow > 0 {
		window := time.Duration(limits.ErrorWindow)
		c.errBudget = rate.NewLimiter(rate.Every(window/time.Duration(limits.ErrorBudget)), limits.ErrorBudget)
	}
	if limits.IngressRate > 0 {
		burst := limits.IngressBurst
		if burst <= 0 {
			burst = int(limits.IngressRate)
		}
		if burst < 1 {
			burst = 1
		}
		c.ingressLimiter = rate.NewLimiter(rate.Limit(limits.IngressRate), burst)
	}
	return c
}

// deliver implements endpoint. It blocks at most enqueueWait on a full queue
// before reporting backpressure.
func (c *connection) deliver(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return errors.NewInternalError("connection closed", nil)
	case c.outbound <- outFrame{env: env}:
		return nil
	default:
	}

	t := time.NewTimer(c.enqueueWait)
	defer t.Stop()
	select {
	case <-c.done:
		return errors.NewInternalError("connection closed", nil)
	case c.outbound <- outFrame{env: env}:
		return nil
	case <-t.C:
		return errors.NewBackpressureError("send queue full", nil)
	}
}

// deliverBinary implements endpoint.
func (c *connection) deliverBinary(frame []byte) error {
	select {
	case <-c.done:
		return errors.NewInternalError("connection closed", nil)
	case c.outbound <- outFrame{binary: frame}:
		return nil
	default:
	}

	t := time.NewTimer(c.enqueueWait)
	defer t.Stop()
	select {
	case <-c.done:
		return errors.NewInternalError("connection closed", nil)
	case c.outbound <- outFrame{binary: frame}:
		return nil
	case <-t.C:
		return errors.NewBackpressureError("send queue full", nil)
	}
}

// writeFrame performs one websocket write under the write mutex.
func (c *connection) writeFrame(messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// closeWith implements endpoint: a final system/error is written with a
// deadline, then the connection shuts down. An empty code means a plain
// close with no error envelope.
func (c *connection) closeWith(code, message string) {
	c.once.Do(func() {
		if code != "" {
			env, err := protocol.NewEnvelope(protocol.GatewayID, protocol.KindSystemError, protocol.ErrorPayload{
				Code:    code,
				Message: message,
			})
			if err == nil {
				env.To = []string{c.id}
				if data, err := c.codec.Encode(env); err == nil {
					_ = c.writeFrame(websocket.TextMessage, data)
				}
			}
		}
		closeMessage := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
		if code == "" {
			closeMessage = websocket.FormatCloseMessage(websocket.CloseGoingAway, message)
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait))
		close(c.done)
	})
}

// run services the connection until the peer disconnects or the gateway
// closes it. It blocks; the caller owns join/leave bracketing.
func (c *connection) run() {
	go c.writePump()
	c.readPump()
}

// readPump is the connection's single ingress loop.
func (c *connection) readPump() {
	defer c.closeWith("", "read loop exited")

	// Two missed pongs mark the peer dead.
	pongWait := 2 * c.pingInterval
	c.ws.SetReadLimit(int64(c.codec.MaxBytes()) + int64(protocol.MaxStreamIDLen) + 2)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugw("connection read failed", "space", c.space.name, "participant", c.id, "error", err)
			}
			return
		}

		switch mt {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.router.routeBinary(c.space, c.participant, data)
		}
	}
}

// handleText runs the ingress pipeline on one JSON frame: rate limit,
// decode, identity stamp, duplicate check, then routing.
func (c *connection) handleText(data []byte) {
	if c.ingressLimiter != nil && !c.ingressLimiter.Allow() {
		c.protocolError(errors.NewRateLimitedError("ingress budget exceeded", nil), "")
		return
	}

	env, err := c.codec.Decode(data)
	if err != nil {
		c.protocolError(coerce(err), "")
		return
	}
	if err := c.codec.StampIngress(env, c.id, time.Now()); err != nil {
		c.protocolError(coerce(err), env.ID)
		return
	}
	if !c.dup.Observe(env.ID) {
		c.protocolError(errors.NewMalformedEnvelopeError("duplicate envelope id "+env.ID, nil), env.ID)
		return
	}

	c.router.route(c.space, c.participant, env)
}

// protocolError reports an ingress failure to the sender. Protocol
// mismatches terminate immediately; other errors burn the connection's
// error budget and terminate once it is spent.
func (c *connection) protocolError(perr *errors.Error, aboutID string) {
	if errors.IsProtocolMismatch(perr) {
		// closeWith carries the error itself, so the peer sees exactly
		// one system/error before the close frame.
		protocolErrorsCounter.WithLabelValues(c.space.name, perr.Code).Inc()
		c.closeWith(perr.Code, perr.Message)
		return
	}

	c.space.deliverSystemError(c.participant, perr, aboutID)
	if c.errBudget != nil && !c.errBudget.Allow() {
		logger.Warnw("error budget exceeded, disconnecting",
			"space", c.space.name, "participant", c.id, "code", perr.Code)
		c.closeWith(perr.Code, "repeated protocol errors")
	}
}

// writePump services the outbound queue and keepalive pings.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			if frame.binary != nil {
				if err := c.writeFrame(websocket.BinaryMessage, frame.binary); err != nil {
					c.closeWith("", "write failed")
					return
				}
				continue
			}
			data, err := c.codec.Encode(frame.env)
			if err != nil {
				logger.Errorw("dropping unencodable envelope",
					"space", c.space.name, "kind", frame.env.Kind, "error", err)
				continue
			}
			if err := c.writeFrame(websocket.TextMessage, data); err != nil {
				c.closeWith("", "write failed")
				return
			}
		case <-ticker.C:
			if err := c.writeFrame(websocket.PingMessage, nil); err != nil {
				c.closeWith("", "ping failed")
				return
			}
		}
	}
}

// coerce views any error as a protocol *Error, wrapping unexpected ones as
// internal.
func coerce(err error) *errors.Error {
	if perr, ok := errors.As(err); ok {
		return perr
	}
	return errors.NewInternalError(err.Error(), err)
}
