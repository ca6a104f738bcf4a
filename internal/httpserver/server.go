// Package httpserver exposes the credits engine over REST.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clinicore/credits-engine/internal/catalog"
	"github.com/clinicore/credits-engine/internal/health"
	"github.com/clinicore/credits-engine/internal/ledger"
	"github.com/clinicore/credits-engine/internal/metering"
	"github.com/clinicore/credits-engine/internal/packages"
	"github.com/clinicore/credits-engine/internal/suggestion"
)

// Server exposes REST endpoints for the credits engine.
type Server struct {
	catalog     catalog.Reader
	ledger      ledger.Store
	meter       *metering.Gateway
	packages    *packages.Service
	suggestions *suggestion.Service
	checker     *health.Checker
	logger      *log.Logger
}

// Options bundles Server dependencies. Packages, Suggestions and Checker may
// be nil; their routes return 503 / a static healthy status respectively.
type Options struct {
	Catalog     catalog.Reader
	Ledger      ledger.Store
	Meter       *metering.Gateway
	Packages    *packages.Service
	Suggestions *suggestion.Service
	Checker     *health.Checker
	Logger      *log.Logger
}

// New constructs the HTTP server.
func New(opts Options) *Server {
	return &Server{
		catalog:     opts.Catalog,
		ledger:      opts.Ledger,
		meter:       opts.Meter,
		packages:    opts.Packages,
		suggestions: opts.Suggestions,
		checker:     opts.Checker,
		logger:      opts.Logger,
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/resources", s.handleResources)

		api.Post("/accounts", s.handleAccountCreate)
		api.Get("/accounts/{id}", s.handleAccountGet)
		api.Post("/accounts/{id}/consume", s.handleConsume)
		api.Post("/accounts/{id}/credits", s.handleAddCredits)
		api.Get("/accounts/{id}/ledger", s.handleLedger)

		api.Get("/packages", s.handlePackages)
		api.Post("/purchases", s.handlePurchase)
		api.Post("/purchases/verify", s.handlePurchaseVerify)

		api.Post("/suggestions/generate", s.handleSuggestionGenerate)
		api.Post("/suggestions/approve", s.handleSuggestionApprove)
		api.Post("/suggestions/reject", s.handleSuggestionReject)
		api.Get("/suggestion-cache/{scope}/{digest}", s.handleSuggestionCacheGet)
		api.Put("/suggestion-cache/{scope}/{digest}", s.handleSuggestionCachePut)
		api.Delete("/suggestion-cache/{scope}/{digest}", s.handleSuggestionCacheInvalidate)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": health.StatusHealthy})
		return
	}
	status := s.checker.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.catalog.ListActive(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondConflict answers a retries-exhausted ledger conflict. Retry-After
// tells the caller the condition is transient.
func (s *Server) respondConflict(w http.ResponseWriter, err error) {
	w.Header().Set("Retry-After", "1")
	s.respondError(w, http.StatusConflict, err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return false
	}
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
