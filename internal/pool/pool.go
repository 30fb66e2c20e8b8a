// Package pool rations the platform's finite balance of upstream provider
// credits across user purchases.
//
// The pool row is the single point of contention between concurrent
// purchasers, so it is only ever mutated through Store.DecrementIfAvailable,
// a guarded decrement that checks and updates in one statement.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/makerlane/backend/internal/metrics"
	"github.com/makerlane/backend/internal/models"
)

// ErrInsufficientCapacity is returned when the pool cannot cover a requested sale.
var ErrInsufficientCapacity = errors.New("insufficient platform capacity")

// ErrPoolNotFound is returned when no pool row exists for the provider.
var ErrPoolNotFound = errors.New("credit pool not found")

// ErrInvalidAmount is returned for non-positive reservation or top-up amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// Pool states reported by Status.
const (
	StateHealthy  = "healthy"
	StateLow      = "low"
	StateDepleted = "depleted"
)

const defaultAlertTimeout = 5 * time.Second

// CapacityError carries the sellable amount at the time a reservation was refused.
type CapacityError struct {
	Provider    string
	Requested   int64
	MaxSellable int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: requested %d user credits, %d sellable", ErrInsufficientCapacity, e.Requested, e.MaxSellable)
}

func (e *CapacityError) Unwrap() error { return ErrInsufficientCapacity }

// Store is the persistence the pool needs.
type Store interface {
	GetPool(ctx context.Context, provider string) (*models.CreditPool, error)
	// DecrementIfAvailable subtracts cost from available_balance (and adds it to
	// total_consumed) only if available_balance >= cost. It reports whether the
	// row was updated and returns the row after the update.
	DecrementIfAvailable(ctx context.Context, provider string, cost int64) (*models.CreditPool, bool, error)
	AddBalance(ctx context.Context, provider string, amount int64) (*models.CreditPool, error)
}

// LowBalanceAlert is emitted when a reservation leaves the pool under its refill threshold.
type LowBalanceAlert struct {
	Provider         string    `json:"provider"`
	AvailableBalance int64     `json:"available_balance"`
	Threshold        int64     `json:"threshold"`
	MaxSellable      int64     `json:"max_sellable"`
	At               time.Time `json:"at"`
}

// AlertSink receives low-balance alerts.
type AlertSink interface {
	PoolLow(ctx context.Context, alert LowBalanceAlert) error
}

// Capacity is the result of CheckCapacity.
type Capacity struct {
	Available   bool  `json:"available"`
	Requested   int64 `json:"requested"`
	MaxSellable int64 `json:"max_sellable"`
}

// Reservation records a successful guarded decrement.
type Reservation struct {
	ID               uuid.UUID `json:"id"`
	Provider         string    `json:"provider"`
	UserCredits      int64     `json:"user_credits"`
	ProviderCost     int64     `json:"provider_cost"`
	RemainingBalance int64     `json:"remaining_balance"`
	MaxSellable      int64     `json:"max_sellable"`
	ReservedAt       time.Time `json:"reserved_at"`
}

// Status summarises a pool for clients and operators.
type Status struct {
	Provider         string `json:"provider"`
	AvailableBalance int64  `json:"available_balance"`
	Threshold        int64  `json:"auto_refill_threshold"`
	TotalConsumed    int64  `json:"total_consumed"`
	MaxSellable      int64  `json:"max_sellable"`
	State            string `json:"state"`
}

type Service struct {
	store        Store
	ratio        int64
	alerts       AlertSink
	alertTimeout time.Duration
	metrics      *metrics.Metrics
	log          *slog.Logger
}

// NewService returns a pool service. ratio is the number of provider credits
// behind one user credit; it must be positive.
func NewService(store Store, ratio int64, alerts AlertSink, m *metrics.Metrics, log *slog.Logger) (*Service, error) {
	if ratio <= 0 {
		return nil, fmt.Errorf("credit ratio must be positive, got %d", ratio)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:        store,
		ratio:        ratio,
		alerts:       alerts,
		alertTimeout: defaultAlertTimeout,
		metrics:      m,
		log:          log,
	}, nil
}

// Ratio is the number of provider credits per user credit.
func (s *Service) Ratio() int64 { return s.ratio }

// MaxSellable converts a provider-credit balance into whole user credits.
func MaxSellable(balance, ratio int64) int64 {
	if balance <= 0 || ratio <= 0 {
		return 0
	}
	return balance / ratio
}

// CheckCapacity reports whether requested user credits could be sold right now. It does not mutate.
func (s *Service) CheckCapacity(ctx context.Context, provider string, requested int64) (Capacity, error) {
	p, err := s.store.GetPool(ctx, provider)
	if err != nil {
		return Capacity{}, err
	}
	maxSellable := MaxSellable(p.AvailableBalance, s.ratio)
	return Capacity{
		Available:   requested <= maxSellable,
		Requested:   requested,
		MaxSellable: maxSellable,
	}, nil
}

// Reserve takes requested*ratio provider credits out of the pool, or fails with
// a *CapacityError and leaves the pool untouched.
func (s *Service) Reserve(ctx context.Context, provider string, requested int64) (*Reservation, error) {
	if requested <= 0 {
		return nil, ErrInvalidAmount
	}
	cost := requested * s.ratio

	p, ok, err := s.store.DecrementIfAvailable(ctx, provider, cost)
	if err != nil {
		s.metrics.ObserveReservation(provider, "error")
		return nil, fmt.Errorf("reserve pool credits: %w", err)
	}
	if !ok {
		s.metrics.ObserveReservation(provider, "insufficient")
		var maxSellable int64
		if p != nil {
			maxSellable = MaxSellable(p.AvailableBalance, s.ratio)
		}
		return nil, &CapacityError{Provider: provider, Requested: requested, MaxSellable: maxSellable}
	}

	s.metrics.ObserveReservation(provider, "reserved")
	s.metrics.SetPoolBalance(provider, p.AvailableBalance)

	res := &Reservation{
		ID:               uuid.New(),
		Provider:         provider,
		UserCredits:      requested,
		ProviderCost:     cost,
		RemainingBalance: p.AvailableBalance,
		MaxSellable:      MaxSellable(p.AvailableBalance, s.ratio),
		ReservedAt:       time.Now().UTC(),
	}
	s.log.Info("pool credits reserved",
		"provider", provider, "reservation_id", res.ID,
		"user_credits", requested, "provider_cost", cost, "remaining", p.AvailableBalance)

	if p.AvailableBalance < p.AutoRefillThreshold {
		s.emitLowBalance(ctx, p)
	}
	return res, nil
}

// emitLowBalance hands the alert to the sink without blocking the caller.
func (s *Service) emitLowBalance(ctx context.Context, p *models.CreditPool) {
	if s.alerts == nil {
		return
	}
	alert := LowBalanceAlert{
		Provider:         p.Provider,
		AvailableBalance: p.AvailableBalance,
		Threshold:        p.AutoRefillThreshold,
		MaxSellable:      MaxSellable(p.AvailableBalance, s.ratio),
		At:               time.Now().UTC(),
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.alertTimeout)
	go func() {
		defer cancel()
		if err := s.alerts.PoolLow(alertCtx, alert); err != nil {
			s.metrics.ObserveLowAlert("failed")
			s.log.Warn("low balance alert failed",
				"provider", alert.Provider, "available_balance", alert.AvailableBalance, "error", err)
			return
		}
		s.metrics.ObserveLowAlert("sent")
	}()
}

// Status returns the pool summary for provider.
func (s *Service) Status(ctx context.Context, provider string) (*Status, error) {
	p, err := s.store.GetPool(ctx, provider)
	if err != nil {
		return nil, err
	}
	return s.statusOf(p), nil
}

func (s *Service) statusOf(p *models.CreditPool) *Status {
	maxSellable := MaxSellable(p.AvailableBalance, s.ratio)
	state := StateHealthy
	switch {
	case maxSellable == 0:
		state = StateDepleted
	case p.AvailableBalance < p.AutoRefillThreshold:
		state = StateLow
	}
	return &Status{
		Provider:         p.Provider,
		AvailableBalance: p.AvailableBalance,
		Threshold:        p.AutoRefillThreshold,
		TotalConsumed:    p.TotalConsumed,
		MaxSellable:      maxSellable,
		State:            state,
	}
}

// TopUp adds providerCredits to the pool after an upstream refill.
func (s *Service) TopUp(ctx context.Context, provider string, providerCredits int64) (*Status, error) {
	if providerCredits <= 0 {
		return nil, ErrInvalidAmount
	}
	p, err := s.store.AddBalance(ctx, provider, providerCredits)
	if err != nil {
		return nil, fmt.Errorf("top up pool: %w", err)
	}
	s.metrics.SetPoolBalance(provider, p.AvailableBalance)
	s.log.Info("pool topped up", "provider", provider, "added", providerCredits, "available_balance", p.AvailableBalance)
	return s.statusOf(p), nil
}
