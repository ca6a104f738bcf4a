package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinicore/credits-engine/internal/ledger"
	"github.com/clinicore/credits-engine/internal/suggestion"
)

func (s *Server) handleSuggestionGenerate(w http.ResponseWriter, r *http.Request) {
	if s.suggestions == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("suggestions not configured"))
		return
	}
	var req struct {
		Scope  string         `json:"scope"`
		Inputs map[string]any `json:"inputs"`
		Actor  string         `json:"actor"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	entry, hit, err := s.suggestions.Generate(r.Context(), req.Scope, req.Inputs, req.Actor)
	if err != nil {
		if errors.Is(err, suggestion.ErrInvalidInput) {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		s.respondError(w, http.StatusBadGateway, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"entry":     entry,
		"cache_hit": hit,
	})
}

func (s *Server) handleSuggestionApprove(w http.ResponseWriter, r *http.Request) {
	if s.suggestions == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("suggestions not configured"))
		return
	}
	var req struct {
		AccountID int64  `json:"account_id"`
		Scope     string `json:"scope"`
		Digest    string `json:"digest"`
		SubUnitID string `json:"sub_unit_id"`
		Actor     string `json:"actor"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	unit, err := s.suggestions.Approve(r.Context(), req.AccountID, req.Scope, req.Digest, req.SubUnitID, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, suggestion.ErrEntryNotFound), errors.Is(err, suggestion.ErrSubUnitNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, suggestion.ErrAlreadyReviewed):
			s.respondError(w, http.StatusConflict, err)
		case errors.Is(err, ledger.ErrInsufficientFunds):
			s.respondError(w, http.StatusPaymentRequired, err)
		case errors.Is(err, ledger.ErrAccountNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, ledger.ErrConflict):
			s.respondConflict(w, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, unit)
}

func (s *Server) handleSuggestionReject(w http.ResponseWriter, r *http.Request) {
	if s.suggestions == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("suggestions not configured"))
		return
	}
	var req struct {
		Scope     string `json:"scope"`
		Digest    string `json:"digest"`
		SubUnitID string `json:"sub_unit_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	unit, err := s.suggestions.Reject(r.Context(), req.Scope, req.Digest, req.SubUnitID)
	if err != nil {
		switch {
		case errors.Is(err, suggestion.ErrEntryNotFound), errors.Is(err, suggestion.ErrSubUnitNotFound):
			s.respondError(w, http.StatusNotFound, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, unit)
}

func (s *Server) handleSuggestionCacheGet(w http.ResponseWriter, r *http.Request) {
	if s.suggestions == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("suggestions not configured"))
		return
	}
	scope := chi.URLParam(r, "scope")
	digest := chi.URLParam(r, "digest")

	entry, err := s.suggestions.Get(r.Context(), scope, digest)
	if err != nil {
		if errors.Is(err, suggestion.ErrEntryNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSuggestionCachePut(w http.ResponseWriter, r *http.Request) {
	if s.suggestions == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("suggestions not configured"))
		return
	}
	var req struct {
		Payload   suggestion.Payload `json:"payload"`
		CreatedBy string             `json:"created_by"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	entry, err := s.suggestions.Put(r.Context(), suggestion.Entry{
		Scope:     chi.URLParam(r, "scope"),
		Digest:    chi.URLParam(r, "digest"),
		Payload:   req.Payload,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSuggestionCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.suggestions == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("suggestions not configured"))
		return
	}
	scope := chi.URLParam(r, "scope")
	digest := chi.URLParam(r, "digest")

	if err := s.suggestions.Invalidate(r.Context(), scope, digest); err != nil {
		if errors.Is(err, suggestion.ErrEntryNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}
