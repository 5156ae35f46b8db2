package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/savantaudio/internal/mediaplayer"
	"github.com/nerrad567/savantaudio/internal/registry"
)

// entityResponse pairs a zone's live state with its registry entry.
type entityResponse struct {
	mediaplayer.State
	Registry *registry.Entity `json:"registry,omitempty"`
}

// handleListEntities returns the state of every loaded zone.
func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	zones := s.zones.Zones()
	states := make([]mediaplayer.State, 0, len(zones))
	for _, z := range zones {
		states = append(states, z.Snapshot())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
	writeJSON(w, http.StatusOK, map[string]any{"entities": states, "count": len(states)})
}

// handleGetEntity returns one zone's state.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")

	z, err := s.zones.Zone(entityID)
	if err != nil {
		writeDomainError(w, err, "failed to get entity")
		return
	}

	resp := entityResponse{State: z.Snapshot()}
	if s.entities != nil {
		reg, err := s.entities.Get(r.Context(), entityID)
		switch {
		case err == nil:
			resp.Registry = reg
		case !errors.Is(err, registry.ErrEntityNotFound):
			s.logger.Warn("entity registry lookup failed", "entity_id", entityID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCallService runs a media player service against one zone and
// returns the zone's state afterwards. The body holds the service
// parameters and may be empty.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")
	service := chi.URLParam(r, "service")

	params := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	z, err := s.zones.Zone(entityID)
	if err != nil {
		writeDomainError(w, err, "failed to get entity")
		return
	}

	if err := mediaplayer.CallService(r.Context(), z, service, params); err != nil {
		s.logger.Warn("service call failed",
			"entity_id", entityID,
			"service", service,
			"error", err,
		)
		writeDomainError(w, err, "service call failed")
		return
	}
	writeJSON(w, http.StatusOK, z.Snapshot())
}
