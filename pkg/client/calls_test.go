// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/protocol"
)

func TestClientToolCallRoundTrip(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	toolsrv := dialClient(t, srv, "toolsrv-token")
	registerCalcTools(t, toolsrv)
	alice := dialClient(t, srv, "alice-token")

	raw, err := alice.Call(context.Background(), []string{"toolsrv"}, "tools/call",
		map[string]any{"name": "add", "arguments": map[string]int{"a": 2, "b": 3}})
	require.NoError(t, err)
	assert.Equal(t, "5", gjson.GetBytes(raw, "content.0.text").String())

	raw, err = alice.Call(context.Background(), []string{"toolsrv"}, "tools/list", nil)
	require.NoError(t, err)
	names := make([]string, 0, 2)
	for _, name := range gjson.GetBytes(raw, "tools.#.name").Array() {
		names = append(names, name.String())
	}
	assert.ElementsMatch(t, []string{"add", "echo"}, names)
}

func TestClientServesResources(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	toolsrv := dialClient(t, srv, "toolsrv-token")
	toolsrv.AddResource(mcp.Resource{
		URI:      "space://notes/readme",
		Name:     "readme",
		MIMEType: "text/plain",
	}, func(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "space://notes/readme",
				MIMEType: "text/plain",
				Text:     "welcome to the space",
			},
		}, nil
	})
	alice := dialClient(t, srv, "alice-token")

	raw, err := alice.Call(context.Background(), []string{"toolsrv"}, "resources/list", nil)
	require.NoError(t, err)
	uris := gjson.GetBytes(raw, "resources.#.uri").Array()
	require.Len(t, uris, 1)
	assert.Equal(t, "space://notes/readme", uris[0].String())

	raw, err = alice.Call(context.Background(), []string{"toolsrv"}, "resources/read",
		map[string]any{"uri": "space://notes/readme"})
	require.NoError(t, err)
	assert.Equal(t, "welcome to the space", gjson.GetBytes(raw, "contents.0.text").String())
}

func TestClientDiscoversPeerTools(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	alice := dialClient(t, srv, "alice-token")
	toolsrv := dialClient(t, srv, "toolsrv-token")
	registerCalcTools(t, toolsrv)

	// alice sees toolsrv join and refreshes its listing after the stagger
	// delay, without being asked.
	require.Eventually(t, func() bool {
		return alice.tools.get("toolsrv") != nil
	}, 5*time.Second, 25*time.Millisecond, "join never triggered discovery")

	tools, err := alice.PeerTools(context.Background(), "toolsrv")
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"add", "echo"}, names)

	// Leaving invalidates the cached listing; a fresh lookup has nowhere
	// to go.
	require.NoError(t, toolsrv.Close())
	require.Eventually(t, func() bool {
		return alice.tools.get("toolsrv") == nil
	}, 3*time.Second, 25*time.Millisecond, "leave never invalidated the cache")

	_, err = alice.PeerTools(context.Background(), "toolsrv")
	require.Error(t, err)
}

func TestClientProposalFulfillment(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	toolsrv := dialClient(t, srv, "toolsrv-token")
	registerCalcTools(t, toolsrv)

	proposals := make(chan *protocol.Envelope, 4)
	alice := dialClient(t, srv, "alice-token", func(cfg *Config) {
		cfg.Handlers.OnEnvelope = func(env *protocol.Envelope) {
			if env.Kind == protocol.KindMCPProposal {
				proposals <- env
			}
		}
	})
	carol := dialClient(t, srv, "carol-token")

	type result struct {
		raw json.RawMessage
		err error
	}
	results := make(chan result, 1)
	go func() {
		raw, err := carol.Call(context.Background(), []string{"alice"}, "tools/call",
			map[string]any{"name": "add", "arguments": map[string]int{"a": 1, "b": 2}})
		results <- result{raw, err}
	}()

	var prop *protocol.Envelope
	select {
	case prop = <-proposals:
	case <-time.After(3 * time.Second):
		t.Fatal("the proposal never reached its approver")
	}
	require.Equal(t, "carol", prop.From)

	// Approving means fulfilling: the same payload, retargeted at the tool
	// server, correlated to the proposal.
	fulfill, err := protocol.NewEnvelope(alice.ID(), protocol.KindMCPRequest,
		json.RawMessage(prop.Payload))
	require.NoError(t, err)
	fulfill.To = []string{"toolsrv"}
	fulfill.CorrelationID = []string{prop.ID}
	require.NoError(t, alice.Send(fulfill))

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Equal(t, "3", gjson.GetBytes(res.raw, "content.0.text").String())
	case <-time.After(5 * time.Second):
		t.Fatal("the fulfillment outcome never reached the proposer")
	}
}

func TestClientProposalRejected(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	proposals := make(chan *protocol.Envelope, 4)
	alice := dialClient(t, srv, "alice-token", func(cfg *Config) {
		cfg.Handlers.OnEnvelope = func(env *protocol.Envelope) {
			if env.Kind == protocol.KindMCPProposal {
				proposals <- env
			}
		}
	})
	carol := dialClient(t, srv, "carol-token")

	errCh := make(chan error, 1)
	go func() {
		_, err := carol.Call(context.Background(), []string{"alice"}, "tools/call",
			map[string]any{"name": "drop_tables"})
		errCh <- err
	}()

	var prop *protocol.Envelope
	select {
	case prop = <-proposals:
	case <-time.After(3 * time.Second):
		t.Fatal("the proposal never arrived")
	}
	require.NoError(t, alice.RejectProposal(prop.ID, prop.From, "too risky"))

	select {
	case err := <-errCh:
		var rej *RejectError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, "alice", rej.From)
		assert.Equal(t, "too risky", rej.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("the rejection never reached the proposer")
	}
}

func TestClientProposalWithdrawnOnCancel(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	proposals := make(chan *protocol.Envelope, 4)
	withdraws := make(chan *protocol.Envelope, 4)
	dialClient(t, srv, "alice-token", func(cfg *Config) {
		cfg.Handlers.OnEnvelope = func(env *protocol.Envelope) {
			switch env.Kind {
			case protocol.KindMCPProposal:
				proposals <- env
			case protocol.KindMCPWithdraw:
				withdraws <- env
			}
		}
	})
	carol := dialClient(t, srv, "carol-token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := carol.Call(ctx, []string{"alice"}, "tools/call", map[string]any{"name": "add"})
		errCh <- err
	}()

	var prop *protocol.Envelope
	select {
	case prop = <-proposals:
	case <-time.After(3 * time.Second):
		t.Fatal("the proposal never arrived")
	}

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("the cancelled call never returned")
	}

	select {
	case env := <-withdraws:
		assert.True(t, env.Correlates(prop.ID))
		assert.Equal(t, "carol", env.From)
		var wp protocol.WithdrawPayload
		require.NoError(t, env.DecodePayload(&wp))
		assert.Equal(t, "canceled by proposer", wp.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("no withdraw followed the cancel")
	}
}

func TestClientRequestCancelStaysSilent(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	inbound := make(chan *protocol.Envelope, 8)
	dialClient(t, srv, "dave-token", func(cfg *Config) {
		cfg.Handlers.OnEnvelope = func(env *protocol.Envelope) {
			if env.Kind == protocol.KindMCPRequest || env.Kind == protocol.KindMCPWithdraw {
				inbound <- env
			}
		}
	})
	alice := dialClient(t, srv, "alice-token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := alice.Call(ctx, []string{"dave"}, "tools/list", nil)
		errCh <- err
	}()

	select {
	case env := <-inbound:
		require.Equal(t, protocol.KindMCPRequest, env.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("the request never arrived")
	}

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("the cancelled call never returned")
	}

	// A direct request is abandoned without ceremony.
	select {
	case env := <-inbound:
		t.Fatalf("unexpected %s after cancelling a plain request", env.Kind)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClientCallTimesOut(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	dialClient(t, srv, "dave-token")
	alice := dialClient(t, srv, "alice-token", func(cfg *Config) {
		cfg.RequestTimeout = 300 * time.Millisecond
	})

	start := time.Now()
	_, err := alice.Call(context.Background(), []string{"dave"}, "tools/list", nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClientCallUnknownRecipient(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	alice := dialClient(t, srv, "alice-token")

	_, err := alice.Call(context.Background(), []string{"ghost"}, "tools/list", nil)
	require.Error(t, err)
	assert.True(t, errors.IsUnknownRecipient(err), "want unknown_recipient, got %v", err)
}

func TestClientStreamLifecycle(t *testing.T) {
	t.Parallel()
	srv := startSpace(t)

	chunks := make(chan protocol.StreamDataPayload, 8)
	binaries := make(chan []byte, 8)
	dialClient(t, srv, "toolsrv-token", func(cfg *Config) {
		cfg.Handlers.OnStreamData = func(_ *protocol.Envelope, chunk protocol.StreamDataPayload) {
			chunks <- chunk
		}
		cfg.Handlers.OnStreamBinary = func(_ string, data []byte) {
			binaries <- append([]byte(nil), data...)
		}
	})
	alice := dialClient(t, srv, "alice-token")

	streamID, err := alice.OpenStream(context.Background(), protocol.StreamDirectionDownload,
		"progress feed", "toolsrv")
	require.NoError(t, err)
	require.NotEmpty(t, streamID)

	for i := 1; i <= 3; i++ {
		require.NoError(t, alice.SendStreamData(streamID, map[string]int{"step": i}))
	}
	for want := uint64(1); want <= 3; want++ {
		select {
		case chunk := <-chunks:
			assert.Equal(t, streamID, chunk.Stream.StreamID)
			assert.Equal(t, want, chunk.Sequence)
		case <-time.After(3 * time.Second):
			t.Fatalf("chunk %d never arrived", want)
		}
	}

	require.NoError(t, alice.WriteStreamBinary(streamID, []byte("raw-bytes")))
	select {
	case data := <-binaries:
		assert.Equal(t, []byte("raw-bytes"), data)
	case <-time.After(3 * time.Second):
		t.Fatal("the binary frame never arrived")
	}

	require.NoError(t, alice.CloseStream(streamID, "done"))
}
