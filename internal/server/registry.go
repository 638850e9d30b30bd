package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/registry"
)

// ClaimRequest maps a code to its redemption target.
type ClaimRequest struct {
	Target string `json:"target"`
}

// CodeResponse is a resolved code.
type CodeResponse struct {
	Code   string `json:"code"`
	Target string `json:"target"`
}

// AtRequest carries the time of a guardian event.
type AtRequest struct {
	At time.Time `json:"at"`
}

// StampRequest is a compare-and-set of the weekly release time.
type StampRequest struct {
	Prev *time.Time `json:"prev"`
	At   time.Time  `json:"at"`
}

func codeParam(r *http.Request) (string, error) {
	code := chi.URLParam(r, "code")
	if !registry.ValidCode(code) {
		return "", fmt.Errorf("code %q: %w", code, cloud.ErrInvalid)
	}
	return code, nil
}

func (s *Server) handleClaimCode(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ClaimRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Target == "" {
		s.writeError(w, r, fmt.Errorf("empty target: %w", cloud.ErrInvalid))
		return
	}
	if err := s.registry.ClaimCode(r.Context(), code, req.Target); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CodeResponse{Code: code, Target: req.Target})
}

func (s *Server) handleLookupCode(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := s.registry.LookupCode(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CodeResponse{Code: code, Target: target})
}

func (s *Server) handleCreateGuardian(w http.ResponseWriter, r *http.Request) {
	var rec registry.GuardianRecord
	if err := decode(r, &rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !registry.ValidCode(rec.Code) || rec.OwnerID == "" {
		s.writeError(w, r, fmt.Errorf("guardian record: %w", cloud.ErrInvalid))
		return
	}
	if err := s.registry.CreateGuardian(r.Context(), rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetGuardian(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.registry.Guardian(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// guardianUpdate runs fn against the code in the URL and answers with the
// record as it stands afterwards.
func (s *Server) guardianUpdate(w http.ResponseWriter, r *http.Request, body any, fn func(code string) error) {
	code, err := codeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if body != nil {
		if err := decode(r, body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := fn(code); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.registry.Guardian(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTouchGuardian(w http.ResponseWriter, r *http.Request) {
	var req AtRequest
	s.guardianUpdate(w, r, &req, func(code string) error {
		return s.registry.TouchGuardian(r.Context(), code, req.At)
	})
}

func (s *Server) handleStartGrace(w http.ResponseWriter, r *http.Request) {
	var req AtRequest
	s.guardianUpdate(w, r, &req, func(code string) error {
		return s.registry.StartGrace(r.Context(), code, req.At)
	})
}

func (s *Server) handleEnableWeekly(w http.ResponseWriter, r *http.Request) {
	s.guardianUpdate(w, r, nil, func(code string) error {
		return s.registry.EnableWeeklyRelease(r.Context(), code)
	})
}

func (s *Server) handleStamp(w http.ResponseWriter, r *http.Request) {
	var req StampRequest
	s.guardianUpdate(w, r, &req, func(code string) error {
		return s.registry.StampWeeklyRelease(r.Context(), code, req.Prev, req.At)
	})
}

func (s *Server) handleConfigureGuardian(w http.ResponseWriter, r *http.Request) {
	var req registry.GuardianSettings
	s.guardianUpdate(w, r, &req, func(code string) error {
		return s.registry.ConfigureGuardian(r.Context(), code, req)
	})
}
