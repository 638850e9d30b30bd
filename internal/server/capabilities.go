package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/store"
)

// CapabilityRequest creates a capability over one of the caller's zones.
type CapabilityRequest struct {
	Zone       string           `json:"zone"`
	Permission store.Permission `json:"permission"`
}

func (s *Server) handleCreateCapability(w http.ResponseWriter, r *http.Request) {
	var req CapabilityRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.session(r).CreateCapability(r.Context(), req.Zone, req.Permission)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleFindCapability answers 404 when the caller has no live capability
// over the zone.
func (s *Server) handleFindCapability(w http.ResponseWriter, r *http.Request) {
	zone := r.URL.Query().Get("zone")
	if zone == "" {
		s.writeError(w, r, cloud.ErrInvalid)
		return
	}
	c, ok, err := s.session(r).FindCapability(r.Context(), zone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, cloud.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	c, err := s.session(r).Capability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRevokeCapability(w http.ResponseWriter, r *http.Request) {
	if err := s.session(r).RevokeCapability(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcceptCapability(w http.ResponseWriter, r *http.Request) {
	c, err := s.session(r).AcceptCapability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
