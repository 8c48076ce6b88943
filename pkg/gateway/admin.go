// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mewproto/mew/pkg/capability"
	"github.com/mewproto/mew/pkg/logger"
	"github.com/mewproto/mew/pkg/protocol"
)

// adminRoutes is the operator API: space inspection and capability updates.
type adminRoutes struct {
	gateway *Gateway
}

func adminRouter(g *Gateway) http.Handler {
	routes := adminRoutes{gateway: g}

	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))
	r.Get("/spaces", routes.listSpaces)
	r.Get("/spaces/{space}/participants", routes.listParticipants)
	r.Put("/spaces/{space}/participants/{id}/capabilities", routes.updateCapabilities)
	return r
}

// spaceSummary describes one configured space and its live counters.
type spaceSummary struct {
	Name         string `json:"name"`
	Participants int    `json:"participants"`
	Streams      int    `json:"streams"`
	Proposals    int    `json:"proposals"`
}

// participantSummary describes one live participant, including the
// gateway-side view of its pause state and held queue.
type participantSummary struct {
	ID           string                 `json:"id"`
	Capabilities []protocol.Capability  `json:"capabilities"`
	Status       protocol.StatusPayload `json:"status"`
}

// updateCapabilitiesRequest replaces a participant's grant.
type updateCapabilitiesRequest struct {
	Capabilities []protocol.Capability `json:"capabilities"`
}

func (a *adminRoutes) listSpaces(w http.ResponseWriter, _ *http.Request) {
	summaries := make([]spaceSummary, 0, len(a.gateway.cfg.Spaces))
	for _, name := range a.gateway.cfg.SpaceNames() {
		summary := spaceSummary{Name: name}
		if s, ok := a.gateway.peek(name); ok {
			summary.Participants = s.Size()
			summary.Streams = s.streams.size()
			summary.Proposals = s.proposals.size()
		}
		summaries = append(summaries, summary)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summaries); err != nil {
		http.Error(w, "Failed to encode space list", http.StatusInternalServerError)
	}
}

func (a *adminRoutes) listParticipants(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "space")
	if _, ok := a.gateway.cfg.Spaces[name]; !ok {
		http.Error(w, "Space not found", http.StatusNotFound)
		return
	}

	summaries := []participantSummary{}
	if s, ok := a.gateway.peek(name); ok {
		s.mu.RLock()
		members := make([]*Participant, 0, len(s.participants))
		for _, p := range s.participants {
			members = append(members, p)
		}
		s.mu.RUnlock()

		for _, p := range members {
			summaries = append(summaries, participantSummary{
				ID:           p.id,
				Capabilities: p.Capabilities(),
				Status:       p.statusPayload(),
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summaries); err != nil {
		http.Error(w, "Failed to encode participant list", http.StatusInternalServerError)
	}
}

func (a *adminRoutes) updateCapabilities(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "space")
	id := chi.URLParam(r, "id")

	var req updateCapabilitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Errorf("Failed to decode request body: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	for _, c := range req.Capabilities {
		if err := capability.CheckPattern(c); err != nil {
			http.Error(w, "Invalid capability: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	s, ok := a.gateway.peek(name)
	if !ok {
		http.Error(w, "Space not found", http.StatusNotFound)
		return
	}
	if err := s.UpdateCapabilities(id, req.Capabilities); err != nil {
		http.Error(w, "Participant not found", http.StatusNotFound)
		return
	}

	logger.Infow("capabilities updated", "space", name, "participant", id, "capabilities", len(req.Capabilities))
	w.WriteHeader(http.StatusNoContent)
}
