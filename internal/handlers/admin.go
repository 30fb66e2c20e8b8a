package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/pool"
)

type PoolAdmin interface {
	Status(ctx context.Context, provider string) (*pool.Status, error)
	TopUp(ctx context.Context, provider string, providerCredits int64) (*pool.Status, error)
}

type PolicyLister interface {
	Policies() []models.RefundPolicy
}

// AdminHandler serves /admin endpoints. Routes are wrapped in RequireRole(admin).
type AdminHandler struct {
	pools    PoolAdmin
	policies PolicyLister
	log      *slog.Logger
}

func NewAdminHandler(pools PoolAdmin, policies PolicyLister, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{pools: pools, policies: policies, log: log}
}

func (h *AdminHandler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.pools.Status(r.Context(), r.PathValue("provider"))
	if err != nil {
		h.poolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type topUpRequest struct {
	ProviderCredits int64 `json:"providerCredits"`
}

func (h *AdminHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	provider := r.PathValue("provider")
	st, err := h.pools.TopUp(r.Context(), provider, req.ProviderCredits)
	if err != nil {
		h.poolError(w, err)
		return
	}
	h.log.Info("pool topped up", "provider", provider, "provider_credits", req.ProviderCredits, "available_balance", st.AvailableBalance)
	writeJSON(w, http.StatusOK, st)
}

func (h *AdminHandler) RefundPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": h.policies.Policies()})
}

func (h *AdminHandler) poolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrPoolNotFound):
		writeError(w, http.StatusNotFound, "credit pool not found")
	case errors.Is(err, pool.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("admin pool request", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
