// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mewproto/mew/pkg/errors"
)

// Envelope limits. Both are overridable per codec.
const (
	// DefaultMaxEnvelopeBytes caps the size of a single envelope frame.
	DefaultMaxEnvelopeBytes = 1 << 20

	// DefaultDupWindowSize is how many recent envelope ids a connection
	// remembers for duplicate detection.
	DefaultDupWindowSize = 1024
)

// Codec validates, stamps, and (de)serializes envelopes. It is stateless and
// safe for concurrent use; per-connection duplicate tracking lives in
// DupWindow.
type Codec struct {
	version  string
	maxBytes int
	registry *KindRegistry
}

// NewCodec creates a codec enforcing the given kind registry and envelope
// size cap. A non-positive maxBytes selects DefaultMaxEnvelopeBytes.
func NewCodec(registry *KindRegistry, maxBytes int) *Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEnvelopeBytes
	}
	return &Codec{
		version:  Version,
		maxBytes: maxBytes,
		registry: registry,
	}
}

// MaxBytes returns the envelope size cap enforced by this codec.
func (c *Codec) MaxBytes() int {
	return c.maxBytes
}

// Decode parses a wire frame into an envelope and validates everything that
// does not depend on the sender's identity: size cap, JSON shape, protocol
// tag, required fields, and the per-kind payload schema.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	if len(data) > c.maxBytes {
		return nil, errors.NewMalformedEnvelopeError(
			fmt.Sprintf("envelope of %d bytes exceeds the %d byte limit", len(data), c.maxBytes), nil)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.NewMalformedEnvelopeError("envelope is not a valid JSON object", err)
	}

	if env.Protocol != c.version {
		return nil, errors.NewProtocolMismatchError(
			fmt.Sprintf("unsupported protocol %q, this gateway speaks %q", env.Protocol, c.version), nil)
	}
	if env.ID == "" {
		return nil, errors.NewMalformedEnvelopeError("envelope is missing id", nil)
	}
	if env.Kind == "" {
		return nil, errors.NewMalformedEnvelopeError("envelope is missing kind", nil)
	}

	if err := c.registry.Validate(env.Kind, env.Payload); err != nil {
		return nil, errors.NewMalformedEnvelopeError(err.Error(), nil).WithDetail("kind", env.Kind)
	}

	return &env, nil
}

// StampIngress enforces the sender identity and stamps the gateway
// timestamp. A missing from field is filled in with the authenticated id; a
// mismatching one rejects the envelope.
func (c *Codec) StampIngress(env *Envelope, senderID string, now time.Time) error {
	switch env.From {
	case "":
		env.From = senderID
	case senderID:
	default:
		return errors.NewMalformedEnvelopeError(
			fmt.Sprintf("from %q does not match authenticated identity %q", env.From, senderID), nil).
			WithDetail("envelope_id", env.ID)
	}
	env.Timestamp = now.UTC()
	return nil
}

// Encode serializes an envelope for the wire, enforcing the size cap.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode envelope", err)
	}
	if len(data) > c.maxBytes {
		return nil, errors.NewMalformedEnvelopeError(
			fmt.Sprintf("encoded envelope of %d bytes exceeds the %d byte limit", len(data), c.maxBytes), nil)
	}
	return data, nil
}

// DupWindow remembers the most recent envelope ids seen on one connection.
// It is not safe for concurrent use; each connection's read loop owns one.
type DupWindow struct {
	seen  map[string]struct{}
	order []string
	next  int
}

// NewDupWindow creates a window remembering up to size ids. A non-positive
// size selects DefaultDupWindowSize.
func NewDupWindow(size int) *DupWindow {
	if size <= 0 {
		size = DefaultDupWindowSize
	}
	return &DupWindow{
		seen:  make(map[string]struct{}, size),
		order: make([]string, size),
	}
}

// Observe records id and reports whether it was fresh. Returning false means
// the id was already observed within the window and the envelope must be
// rejected as a duplicate.
func (w *DupWindow) Observe(id string) bool {
	if _, dup := w.seen[id]; dup {
		return false
	}
	if evicted := w.order[w.next]; evicted != "" {
		delete(w.seen, evicted)
	}
	w.order[w.next] = id
	w.next = (w.next + 1) % len(w.order)
	w.seen[id] = struct{}{}
	return true
}
