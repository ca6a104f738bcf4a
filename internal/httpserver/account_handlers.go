package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/clinicore/credits-engine/internal/ledger"
	"github.com/clinicore/credits-engine/internal/metering"
)

func (s *Server) accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid account id"))
		return 0, false
	}
	return id, true
}

func (s *Server) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanType         ledger.PlanType `json:"plan_type"`
		CreditMultiplier float64         `json:"credit_multiplier"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.PlanType == "" {
		req.PlanType = ledger.PlanBronze
	}
	if !ledger.ValidPlan(req.PlanType) {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid plan type"))
		return
	}
	if req.CreditMultiplier == 0 {
		req.CreditMultiplier = 1.0
	}
	if req.CreditMultiplier < 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("credit multiplier must not be negative"))
		return
	}

	account, err := s.ledger.CreateAccount(r.Context(), req.PlanType, req.CreditMultiplier)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.logf("account created id=%d plan=%s", account.ID, account.PlanType)
	s.respondJSON(w, http.StatusCreated, account)
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountID(w, r)
	if !ok {
		return
	}
	account, err := s.ledger.Account(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, account)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountID(w, r)
	if !ok {
		return
	}
	var req struct {
		Resource    string `json:"resource"`
		Amount      int64  `json:"amount"`
		Actor       string `json:"actor"`
		Description string `json:"description"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.meter.TryConsume(r.Context(), metering.ConsumeRequest{
		AccountID:   id,
		Resource:    req.Resource,
		Amount:      req.Amount,
		Actor:       req.Actor,
		Description: req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			s.respondError(w, http.StatusPaymentRequired, err)
		case errors.Is(err, ledger.ErrAccountNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, ledger.ErrInvalidAmount):
			s.respondError(w, http.StatusBadRequest, err)
		case errors.Is(err, ledger.ErrConflict):
			s.respondConflict(w, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount      int64                  `json:"amount"`
		Description string                 `json:"description"`
		Type        ledger.TransactionType `json:"type"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	balance, err := s.meter.AddCredits(r.Context(), id, req.Amount, req.Description, req.Type)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			s.respondError(w, http.StatusBadRequest, err)
		case errors.Is(err, ledger.ErrAccountNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, ledger.ErrConflict):
			s.respondConflict(w, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountID(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	if _, err := s.ledger.Account(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	entries, err := s.ledger.Transactions(r.Context(), id, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []ledger.Transaction{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
