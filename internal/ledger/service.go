// Package ledger owns user credit balances and the append-only credit
// transaction log. Balances are only changed through guarded store operations.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/makerlane/backend/internal/metrics"
	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/pool"
)

var (
	ErrInvalidPurchase     = errors.New("invalid purchase")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	// ErrAlreadyRefunded means a refund for the task already exists. Callers treat it as success.
	ErrAlreadyRefunded = errors.New("task already refunded")
)

const defaultHistoryLimit = 50

// Store persists balances and transactions. Each method is a single store
// transaction.
type Store interface {
	// CreditPurchase adds credits to the user's balance and appends a purchase row.
	CreditPurchase(ctx context.Context, userID uuid.UUID, credits int64, provider string, metadata json.RawMessage) (int64, error)
	// DebitCredits subtracts credits only if the balance covers them, returning
	// ErrInsufficientBalance otherwise, and appends a consume row for taskID.
	DebitCredits(ctx context.Context, userID uuid.UUID, credits int64, provider string, taskID uuid.UUID) (int64, error)
	// CreditRefund appends the refund row for taskID and adds amount to the
	// balance. It returns ErrAlreadyRefunded if the task already has a refund.
	CreditRefund(ctx context.Context, userID, taskID uuid.UUID, amount int64, provider string, metadata json.RawMessage) (int64, error)
	GetUserCredit(ctx context.Context, userID uuid.UUID) (*models.UserCredit, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
	ResetMonthlyConsumption(ctx context.Context) (int64, error)
}

// Reserver is the capacity side of a purchase.
type Reserver interface {
	CheckCapacity(ctx context.Context, provider string, requested int64) (pool.Capacity, error)
	Reserve(ctx context.Context, provider string, requested int64) (*pool.Reservation, error)
	Status(ctx context.Context, provider string) (*pool.Status, error)
}

type PurchaseRequest struct {
	UserID      uuid.UUID
	PackageID   string
	UserCredits int64
	PriceUSD    decimal.Decimal
}

type PurchaseResult struct {
	NewBalance     int64             `json:"newBalance"`
	Reservation    *pool.Reservation `json:"reservation"`
	PlatformStatus *pool.Status      `json:"platformStatus,omitempty"`
}

type Service struct {
	store    Store
	pool     Reserver
	catalog  *Catalog
	provider string
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewService(store Store, reserver Reserver, catalog *Catalog, provider string, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, pool: reserver, catalog: catalog, provider: provider, metrics: m, log: log}
}

func (s *Service) Catalog() *Catalog { return s.catalog }

func (s *Service) Provider() string { return s.provider }

// Purchase reserves pool capacity and then credits the user. A capacity
// shortfall is returned as *pool.CapacityError before the package is checked
// and before anything is credited.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if req.UserID == uuid.Nil {
		s.metrics.ObservePurchase("invalid", 0)
		return nil, fmt.Errorf("%w: user id required", ErrInvalidPurchase)
	}
	if req.UserCredits <= 0 {
		s.metrics.ObservePurchase("invalid", 0)
		return nil, fmt.Errorf("%w: user credits must be positive, got %d", ErrInvalidPurchase, req.UserCredits)
	}

	capacity, err := s.pool.CheckCapacity(ctx, s.provider, req.UserCredits)
	if err != nil {
		s.metrics.ObservePurchase("error", 0)
		return nil, fmt.Errorf("check capacity: %w", err)
	}
	if !capacity.Available {
		s.metrics.ObservePurchase("insufficient_capacity", 0)
		return nil, &pool.CapacityError{Provider: s.provider, Requested: req.UserCredits, MaxSellable: capacity.MaxSellable}
	}

	pkg, err := s.validatePackage(req)
	if err != nil {
		s.metrics.ObservePurchase("invalid", 0)
		return nil, err
	}

	// the guarded decrement still decides races lost since CheckCapacity
	res, err := s.pool.Reserve(ctx, s.provider, req.UserCredits)
	if err != nil {
		if errors.Is(err, pool.ErrInsufficientCapacity) {
			s.metrics.ObservePurchase("insufficient_capacity", 0)
		} else {
			s.metrics.ObservePurchase("error", 0)
		}
		return nil, err
	}

	meta, err := json.Marshal(map[string]any{
		"package_id":     pkg.ID,
		"price_usd":      pkg.PriceUSD.StringFixed(2),
		"reservation_id": res.ID,
		"provider_cost":  res.ProviderCost,
	})
	if err != nil {
		s.metrics.ObservePurchase("error", 0)
		s.log.Error("encode purchase metadata after reservation, needs reconciliation",
			"user_id", req.UserID, "reservation_id", res.ID, "error", err)
		return nil, fmt.Errorf("encode purchase metadata: %w", err)
	}
	balance, err := s.store.CreditPurchase(ctx, req.UserID, req.UserCredits, s.provider, meta)
	if err != nil {
		s.metrics.ObservePurchase("error", 0)
		s.log.Error("credit purchase failed after reservation, needs reconciliation",
			"user_id", req.UserID, "reservation_id", res.ID, "user_credits", req.UserCredits,
			"provider_cost", res.ProviderCost, "error", err)
		return nil, fmt.Errorf("credit purchase: %w", err)
	}
	s.metrics.ObservePurchase("success", req.UserCredits)
	s.log.Info("credits purchased", "user_id", req.UserID, "package_id", pkg.ID,
		"user_credits", req.UserCredits, "new_balance", balance, "reservation_id", res.ID)

	out := &PurchaseResult{NewBalance: balance, Reservation: res}
	if st, err := s.pool.Status(ctx, s.provider); err == nil {
		out.PlatformStatus = st
	} else {
		s.log.Warn("pool status after purchase", "error", err)
	}
	return out, nil
}

func (s *Service) validatePackage(req PurchaseRequest) (Package, error) {
	pkg, ok := s.catalog.Get(req.PackageID)
	if !ok {
		return Package{}, fmt.Errorf("%w: unknown package %q", ErrInvalidPurchase, req.PackageID)
	}
	if req.UserCredits != pkg.Credits {
		return Package{}, fmt.Errorf("%w: package %s has %d credits, got %d", ErrInvalidPurchase, pkg.ID, pkg.Credits, req.UserCredits)
	}
	if !req.PriceUSD.Equal(pkg.PriceUSD) {
		return Package{}, fmt.Errorf("%w: package %s costs %s, got %s", ErrInvalidPurchase, pkg.ID, pkg.PriceUSD.StringFixed(2), req.PriceUSD.String())
	}
	return pkg, nil
}

// Consume debits credits for taskID.
func (s *Service) Consume(ctx context.Context, userID uuid.UUID, credits int64, taskID uuid.UUID) (int64, error) {
	if credits <= 0 {
		return 0, fmt.Errorf("consume: credits must be positive")
	}
	balance, err := s.store.DebitCredits(ctx, userID, credits, s.provider, taskID)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.metrics.ObserveConsumption("insufficient_balance")
			return 0, err
		}
		s.metrics.ObserveConsumption("error")
		return 0, fmt.Errorf("consume credits: %w", err)
	}
	s.metrics.ObserveConsumption("success")
	s.log.Info("credits consumed", "user_id", userID, "task_id", taskID, "credits", credits, "new_balance", balance)
	return balance, nil
}

// Refund returns amount credits for taskID at most once. A second call for the
// same task returns ErrAlreadyRefunded and changes nothing.
func (s *Service) Refund(ctx context.Context, userID, taskID uuid.UUID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("refund: amount must be positive")
	}
	meta, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return 0, fmt.Errorf("encode refund metadata: %w", err)
	}
	balance, err := s.store.CreditRefund(ctx, userID, taskID, amount, s.provider, meta)
	if err != nil {
		if errors.Is(err, ErrAlreadyRefunded) {
			s.metrics.ObserveRefund("already_refunded", 0)
			return 0, err
		}
		s.metrics.ObserveRefund("failed", 0)
		return 0, fmt.Errorf("refund credits: %w", err)
	}
	s.metrics.ObserveRefund("refunded", amount)
	s.log.Info("credits refunded", "user_id", userID, "task_id", taskID, "amount", amount, "reason", reason, "new_balance", balance)
	return balance, nil
}

func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*models.UserCredit, error) {
	return s.store.GetUserCredit(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// ResetMonthlyConsumption zeroes consumed_this_month for every user.
func (s *Service) ResetMonthlyConsumption(ctx context.Context) (int64, error) {
	n, err := s.store.ResetMonthlyConsumption(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset monthly consumption: %w", err)
	}
	s.log.Info("monthly consumption reset", "users", n)
	return n, nil
}
