// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/mewproto/mew/pkg/capability"
	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// toolCache holds per-peer tool listings with a TTL. Entries are dropped
// when the peer leaves and refreshed lazily after expiry.
type toolCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]toolEntry

	// flight collapses concurrent listings for the same peer into one call.
	flight singleflight.Group
}

type toolEntry struct {
	tools     []mcp.Tool
	expiresAt time.Time
}

func newToolCache(ttl time.Duration) *toolCache {
	return &toolCache{
		ttl:     ttl,
		entries: make(map[string]toolEntry),
	}
}

func (tc *toolCache) get(peer string) []mcp.Tool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	entry, ok := tc.entries[peer]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.tools
}

func (tc *toolCache) put(peer string, tools []mcp.Tool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries[peer] = toolEntry{tools: tools, expiresAt: time.Now().Add(tc.ttl)}
}

func (tc *toolCache) invalidate(peer string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.entries, peer)
}

// PeerTools returns the tools a peer serves, listing them over mcp/request
// on a cache miss. Concurrent misses for the same peer share one call.
func (c *Client) PeerTools(ctx context.Context, peer string) ([]mcp.Tool, error) {
	if tools := c.tools.get(peer); tools != nil {
		return tools, nil
	}

	result, err, _ := c.tools.flight.Do(peer, func() (any, error) {
		// Another caller may have filled the cache while we waited.
		if tools := c.tools.get(peer); tools != nil {
			return tools, nil
		}

		raw, err := c.Call(ctx, []string{peer}, "tools/list", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools of %s: %w", peer, err)
		}
		var listing mcp.ListToolsResult
		if err := json.Unmarshal(raw, &listing); err != nil {
			return nil, fmt.Errorf("bad tools/list result from %s: %w", peer, err)
		}

		c.tools.put(peer, listing.Tools)
		return listing.Tools, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]mcp.Tool), nil
}

// scheduleDiscovery refreshes a joining peer's tool listing after a random
// delay, so a burst of joins does not turn into a burst of listings. The
// refresh is skipped when either side lacks the capabilities to complete
// it silently: auto-discovery must never fall back to a proposal.
func (c *Client) scheduleDiscovery(ctx context.Context, peer string) {
	probe, err := protocol.NewEnvelope(c.ID(), protocol.KindMCPRequest,
		map[string]any{"jsonrpc": "2.0", "method": "tools/list"})
	if err != nil || !c.can(probe) {
		return
	}

	c.mu.RLock()
	info, known := c.roster[peer]
	c.mu.RUnlock()
	if !known {
		return
	}
	peerCaps := capability.NewSet(info.Capabilities...)
	if !peerCaps.CanSend(&protocol.Envelope{Kind: protocol.KindMCPResponse}) {
		return
	}

	delay := time.Duration(rand.Int63n(int64(c.cfg.DiscoveryStagger)))
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}

		// A rejoining peer may serve a different set now.
		c.tools.invalidate(peer)
		if _, err := c.PeerTools(ctx, peer); err != nil {
			logger.Debugf("tool discovery for %s failed: %v", peer, err)
		}
	}()
}
