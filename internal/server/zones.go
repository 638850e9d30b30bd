package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/heirloom/internal/cloud"
)

// PushRequest is the body of a record push.
type PushRequest struct {
	Records []cloud.PushRecord `json:"records"`
}

// PushResponse reports the per-record outcome of a push.
type PushResponse struct {
	Results []cloud.PushResult `json:"results"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.session(r).Push(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "zone"), req.Records)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PushResponse{Results: results})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("since %q: %w", v, cloud.ErrInvalid))
			return
		}
		since = n
	}
	changes, err := s.session(r).Changes(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "zone"), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}
