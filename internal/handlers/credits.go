package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/makerlane/backend/internal/ledger"
	"github.com/makerlane/backend/internal/middleware"
	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/pool"
	"github.com/makerlane/backend/internal/validate"
)

// CreditLedger is the part of the user ledger the credits endpoints use.
type CreditLedger interface {
	Purchase(ctx context.Context, req ledger.PurchaseRequest) (*ledger.PurchaseResult, error)
	Balance(ctx context.Context, userID uuid.UUID) (*models.UserCredit, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
	Catalog() *ledger.Catalog
	Provider() string
}

// CapacityReader reports pool capacity for the package listing.
type CapacityReader interface {
	Status(ctx context.Context, provider string) (*pool.Status, error)
	Ratio() int64
}

// CreditsHandler serves /credits endpoints.
type CreditsHandler struct {
	ledger    CreditLedger
	capacity  CapacityReader
	validator BodyValidator
	log       *slog.Logger
}

func NewCreditsHandler(l CreditLedger, c CapacityReader, v BodyValidator, log *slog.Logger) *CreditsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CreditsHandler{ledger: l, capacity: c, validator: v, log: log}
}

type purchaseRequest struct {
	PackageID   string          `json:"packageId"`
	UserCredits int64           `json:"userCredits"`
	PriceUSD    decimal.Decimal `json:"priceUsd"`
}

type purchaseResponse struct {
	NewBalance     int64        `json:"newBalance"`
	PlatformStatus *pool.Status `json:"platformStatus,omitempty"`
}

type capacityErrorResponse struct {
	Error            string `json:"error"`
	AvailableCredits int64  `json:"availableCredits"`
	RequestedCredits int64  `json:"requestedCredits"`
}

// Purchase handles POST /credits/purchase.
func (h *CreditsHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req purchaseRequest
	if !decodeValidated(w, r, h.validator, validate.Purchase, &req) {
		return
	}

	res, err := h.ledger.Purchase(r.Context(), ledger.PurchaseRequest{
		UserID:      userID,
		PackageID:   req.PackageID,
		UserCredits: req.UserCredits,
		PriceUSD:    req.PriceUSD,
	})
	if err != nil {
		var capErr *pool.CapacityError
		switch {
		case errors.As(err, &capErr):
			writeJSON(w, http.StatusServiceUnavailable, capacityErrorResponse{
				Error:            "credits temporarily unavailable, try a smaller package",
				AvailableCredits: capErr.MaxSellable,
				RequestedCredits: capErr.Requested,
			})
		case errors.Is(err, ledger.ErrInvalidPurchase), errors.Is(err, pool.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("purchase failed", "user_id", userID, "package_id", req.PackageID, "error", err)
			writeError(w, http.StatusInternalServerError, "purchase failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, purchaseResponse{NewBalance: res.NewBalance, PlatformStatus: res.PlatformStatus})
}

type packageOption struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Credits   int64           `json:"credits"`
	PriceUSD  decimal.Decimal `json:"priceUsd"`
	Available bool            `json:"available"`
	Warning   bool            `json:"warning"`
}

type platformCapacity struct {
	Provider         string `json:"provider"`
	AvailableCredits int64  `json:"availableCredits"`
	Status           string `json:"status"`
}

type packagesResponse struct {
	Packages         []packageOption  `json:"packages"`
	PlatformCapacity platformCapacity `json:"platformCapacity"`
}

// Packages handles GET /credits/purchase.
func (h *CreditsHandler) Packages(w http.ResponseWriter, r *http.Request) {
	provider := h.ledger.Provider()
	st, err := h.capacity.Status(r.Context(), provider)
	if err != nil {
		if !errors.Is(err, pool.ErrPoolNotFound) {
			h.log.Error("pool status", "provider", provider, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		st = &pool.Status{Provider: provider, State: pool.StateDepleted}
	}
	writeJSON(w, http.StatusOK, packagesResponse{
		Packages: annotatePackages(h.ledger.Catalog().List(), st, h.capacity.Ratio()),
		PlatformCapacity: platformCapacity{
			Provider:         st.Provider,
			AvailableCredits: st.MaxSellable,
			Status:           st.State,
		},
	})
}

// annotatePackages marks each package as sellable and warns when a sale would
// leave the pool under its refill threshold.
func annotatePackages(pkgs []ledger.Package, st *pool.Status, ratio int64) []packageOption {
	out := make([]packageOption, 0, len(pkgs))
	for _, p := range pkgs {
		available := p.Credits <= st.MaxSellable
		out = append(out, packageOption{
			ID:        p.ID,
			Name:      p.Name,
			Credits:   p.Credits,
			PriceUSD:  p.PriceUSD,
			Available: available,
			Warning:   available && st.AvailableBalance-p.Credits*ratio < st.Threshold,
		})
	}
	return out
}

// Balance handles GET /credits/balance.
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	uc, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("balance", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, uc)
}

// Transactions handles GET /credits/transactions?limit=N.
func (h *CreditsHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("transactions", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": list})
}
