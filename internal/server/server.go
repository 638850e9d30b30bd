// Package server is the heirloom remote service: record replication,
// capability exchange and the world-readable code and guardian registry.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/registry"
)

// IdentityHeader carries the caller's asserted identity.
const IdentityHeader = "X-Heirloom-Identity"

// Server is the heirloom HTTP API server.
type Server struct {
	db       *cloud.DB
	registry registry.Registry
	metrics  *metrics.Metrics
	log      zerolog.Logger
	router   chi.Router
	version  string
	started  time.Time
}

// New creates a Server over db. reg backs the code and guardian registry;
// pass db itself to keep the registry in the same SQLite file.
func New(db *cloud.DB, reg registry.Registry, m *metrics.Metrics, log zerolog.Logger, version string) *Server {
	s := &Server{
		db:       db,
		registry: reg,
		metrics:  m,
		log:      log.With().Str("component", "server").Logger(),
		version:  version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.observe)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/zones/{owner}/{zone}", func(r chi.Router) {
			r.Post("/records", s.handlePush)
			r.Get("/changes", s.handleChanges)
		})

		r.Route("/capabilities", func(r chi.Router) {
			r.Post("/", s.handleCreateCapability)
			r.Get("/", s.handleFindCapability)
			r.Get("/{id}", s.handleGetCapability)
			r.Delete("/{id}", s.handleRevokeCapability)
			r.Post("/{id}/accept", s.handleAcceptCapability)
		})

		r.Route("/codes/{code}", func(r chi.Router) {
			r.Put("/", s.handleClaimCode)
			r.Get("/", s.handleLookupCode)
		})

		r.Route("/guardians", func(r chi.Router) {
			r.Post("/", s.handleCreateGuardian)
			r.Get("/{code}", s.handleGetGuardian)
			r.Post("/{code}/active", s.handleTouchGuardian)
			r.Post("/{code}/grace", s.handleStartGrace)
			r.Post("/{code}/weekly", s.handleEnableWeekly)
			r.Post("/{code}/stamp", s.handleStamp)
			r.Post("/{code}/settings", s.handleConfigureGuardian)
		})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	s.router = r
}

// observe logs each request and records it against its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), start)
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

// session returns the service as seen by the request's asserted identity.
func (s *Server) session(r *http.Request) *cloud.Session {
	return s.db.As(r.Header.Get(IdentityHeader))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried in ErrorBody.Code.
const (
	CodeNotFound  = "not_found"
	CodeForbidden = "forbidden"
	CodeRevoked   = "revoked"
	CodeInvalid   = "invalid"
	CodeTaken     = "code_taken"
	CodeStale     = "stale"
	CodeInternal  = "internal"
)

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, cloud.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, cloud.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, cloud.ErrRevoked):
		return http.StatusGone, CodeRevoked
	case errors.Is(err, cloud.ErrInvalid):
		return http.StatusBadRequest, CodeInvalid
	case errors.Is(err, registry.ErrCodeTaken):
		return http.StatusConflict, CodeTaken
	case errors.Is(err, registry.ErrStale):
		return http.StatusPreconditionFailed, CodeStale
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, ErrorBody{Error: err.Error(), Code: code})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(cloud.ErrInvalid, err)
	}
	return nil
}
