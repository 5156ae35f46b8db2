package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListEntries returns every config entry with its runtime state.
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.entries.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list config entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleGetEntry returns a single config entry by ID.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, err := s.entries.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get config entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleRemoveEntry unloads and deletes a config entry.
func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.entries.Remove(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to remove config entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReloadEntry unloads and sets up a config entry again.
func (s *Server) handleReloadEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.entries.Reload(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to reload config entry")
		return
	}
	e, err := s.entries.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get config entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}
