// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the space server: it authenticates websocket
// connections, admits participants into spaces, and routes envelopes between
// them under the capability policy.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mewproto/mew/pkg/auth"
	"github.com/mewproto/mew/pkg/config"
	mewerr "github.com/mewproto/mew/pkg/errors"
	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

const (
	// janitorInterval paces the background sweep of idle streams, stale
	// proposals, and empty spaces.
	janitorInterval = 30 * time.Second

	// spaceRetention keeps an empty space's runtime state around long
	// enough for quick reconnects.
	spaceRetention = 5 * time.Minute

	// shutdownTimeout bounds the HTTP server drain on stop.
	shutdownTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Gateway is the space server. Spaces are materialized lazily on first join
// and swept once they have been empty past the retention window.
type Gateway struct {
	cfg      *config.Config
	resolver auth.Resolver
	codec    *protocol.Codec
	router   *router

	mu     sync.Mutex
	spaces map[string]*Space
}

// New creates a gateway for the given configuration.
func New(cfg *config.Config, resolver auth.Resolver) *Gateway {
	return &Gateway{
		cfg:      cfg,
		resolver: resolver,
		codec:    protocol.NewCodec(protocol.NewKindRegistry(), int(cfg.Limits.MaxEnvelopeBytes)),
		router:   newRouter(),
		spaces:   make(map[string]*Space),
	}
}

// Handler returns the gateway's HTTP surface: the websocket endpoint, the
// operator API, health, and metrics.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", g.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())

	routers := map[string]http.Handler{
		"/api/v1": adminRouter(g),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Start serves until ctx is cancelled, then drains connections and shuts the
// server down.
func (g *Gateway) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("Gateway listening on %s", g.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		g.janitor(ctx)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		g.drain()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// space returns the runtime space for a configured name, creating it on
// first use.
func (g *Gateway) space(name string) (*Space, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.spaces[name]; ok {
		return s, true
	}
	if _, ok := g.cfg.Spaces[name]; !ok {
		return nil, false
	}
	s := newSpace(name, g.cfg.Limits)
	g.spaces[name] = s
	logger.Infow("space created", "space", name)
	return s, true
}

// peek returns the runtime space if it is live, without creating it.
func (g *Gateway) peek(name string) (*Space, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.spaces[name]
	return s, ok
}

// janitor periodically reaps idle streams, stale proposals, and spaces that
// have sat empty past the retention window.
func (g *Gateway) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.sweep(now)
		}
	}
}

func (g *Gateway) sweep(now time.Time) {
	g.mu.Lock()
	live := make([]*Space, 0, len(g.spaces))
	for name, s := range g.spaces {
		if s.emptyFor(now) > spaceRetention {
			delete(g.spaces, name)
			logger.Infow("space reclaimed", "space", name)
			continue
		}
		live = append(live, s)
	}
	g.mu.Unlock()

	for _, s := range live {
		s.sweepStreams(now)
		s.proposals.prune(s.name, now)
	}
}

// drain closes every live connection for gateway shutdown.
func (g *Gateway) drain() {
	g.mu.Lock()
	spaces := make([]*Space, 0, len(g.spaces))
	for _, s := range g.spaces {
		spaces = append(spaces, s)
	}
	g.mu.Unlock()

	for _, s := range spaces {
		s.mu.RLock()
		conns := make([]endpoint, 0, len(s.participants))
		for _, p := range s.participants {
			conns = append(conns, p.conn)
		}
		s.mu.RUnlock()
		for _, conn := range conns {
			conn.closeWith("", "gateway shutting down")
		}
	}
}

// handleWS authenticates and upgrades one participant connection, then
// services it until disconnect.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := g.resolver.Resolve(r.Context(), token)
	if err != nil {
		logger.Debugw("rejecting connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	s, ok := g.space(identity.Space)
	if !ok {
		http.Error(w, "unknown space", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConnection(ws, s, g.router, g.codec, identity.ID)
	p, err := s.Join(identity, conn)
	if err != nil {
		perr, ok := mewerr.As(err)
		if !ok {
			perr = mewerr.NewInternalError("join failed", err)
		}
		logger.Infow("join rejected",
			"space", identity.Space, "participant", identity.ID, "code", perr.Code)
		conn.closeWith(perr.Code, perr.Message)
		_ = ws.Close()
		return
	}
	defer s.Leave(p.id)

	conn.participant = p
	conn.run()
}

// bearerToken pulls the token from the Authorization header, falling back to
// the token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return r.URL.Query().Get("token")
}
