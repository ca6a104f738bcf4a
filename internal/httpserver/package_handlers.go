package httpserver

import (
	"errors"
	"net/http"

	"github.com/clinicore/credits-engine/internal/ledger"
	"github.com/clinicore/credits-engine/internal/packages"
	"github.com/clinicore/credits-engine/internal/payment"
)

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	if s.packages == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("purchases not configured"))
		return
	}
	plan := ledger.PlanType(r.URL.Query().Get("plan"))
	if plan == "" {
		plan = ledger.PlanBronze
	}
	priced, err := s.packages.ListForPlan(plan)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"packages": priced})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if s.packages == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("purchases not configured"))
		return
	}
	var req struct {
		AccountID int64  `json:"account_id"`
		PackageID string `json:"package_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.AccountID <= 0 || req.PackageID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("account_id and package_id required"))
		return
	}

	checkout, err := s.packages.Purchase(r.Context(), req.AccountID, req.PackageID)
	if err != nil {
		switch {
		case errors.Is(err, packages.ErrPackageNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, ledger.ErrAccountNotFound):
			s.respondError(w, http.StatusNotFound, err)
		default:
			s.respondError(w, http.StatusBadGateway, err)
		}
		return
	}
	s.respondJSON(w, http.StatusCreated, checkout)
}

func (s *Server) handlePurchaseVerify(w http.ResponseWriter, r *http.Request) {
	if s.packages == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("purchases not configured"))
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("session_id required"))
		return
	}

	result, err := s.packages.VerifyPayment(r.Context(), req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, packages.ErrReconciliationRequired):
			s.respondJSON(w, http.StatusConflict, map[string]any{
				"error":                   err.Error(),
				"reconciliation_required": true,
			})
		case errors.Is(err, payment.ErrSessionNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, ledger.ErrConflict):
			s.respondConflict(w, err)
		default:
			s.respondError(w, http.StatusBadGateway, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}
