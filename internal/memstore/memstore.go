// Package memstore is an in-memory implementation of the credit stores. It
// mirrors the guarded updates and the unique refund constraint of the
// PostgreSQL repositories and is used by tests and local tooling.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makerlane/backend/internal/ledger"
	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/pool"
	"github.com/makerlane/backend/internal/tasks"
)

type Store struct {
	mu       sync.Mutex
	pools    map[string]*models.CreditPool
	credits  map[uuid.UUID]*models.UserCredit
	txs      []*models.CreditTransaction
	refunded map[uuid.UUID]bool
	tasks    map[uuid.UUID]*models.EnhancementTask
	apiIndex map[string]uuid.UUID
	policies []models.RefundPolicy
}

func New() *Store {
	return &Store{
		pools:    make(map[string]*models.CreditPool),
		credits:  make(map[uuid.UUID]*models.UserCredit),
		refunded: make(map[uuid.UUID]bool),
		tasks:    make(map[uuid.UUID]*models.EnhancementTask),
		apiIndex: make(map[string]uuid.UUID),
	}
}

// SeedPool creates or replaces a pool row.
func (s *Store) SeedPool(provider string, balance, threshold int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[provider] = &models.CreditPool{
		Provider:            provider,
		AvailableBalance:    balance,
		AutoRefillThreshold: threshold,
		UpdatedAt:           time.Now().UTC(),
	}
}

// SeedUser creates or replaces a user credit row.
func (s *Store) SeedUser(userID uuid.UUID, balance, allowance, consumed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[userID] = &models.UserCredit{
		UserID:            userID,
		CurrentBalance:    balance,
		MonthlyAllowance:  allowance,
		ConsumedThisMonth: consumed,
		UpdatedAt:         time.Now().UTC(),
	}
}

func (s *Store) SetPolicies(p []models.RefundPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = append([]models.RefundPolicy(nil), p...)
}

// Transactions returns a copy of the log, optionally filtered by type.
func (s *Store) Transactions(txType string) []models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditTransaction
	for _, tx := range s.txs {
		if txType == "" || tx.Type == txType {
			out = append(out, *tx)
		}
	}
	return out
}

// --- pool.Store ---

func (s *Store) GetPool(_ context.Context, provider string) (*models.CreditPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[provider]
	if !ok {
		return nil, pool.ErrPoolNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) DecrementIfAvailable(_ context.Context, provider string, cost int64) (*models.CreditPool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[provider]
	if !ok {
		return nil, false, pool.ErrPoolNotFound
	}
	if p.AvailableBalance < cost {
		cp := *p
		return &cp, false, nil
	}
	p.AvailableBalance -= cost
	p.TotalConsumed += cost
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, true, nil
}

func (s *Store) AddBalance(_ context.Context, provider string, amount int64) (*models.CreditPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[provider]
	if !ok {
		return nil, pool.ErrPoolNotFound
	}
	p.AvailableBalance += amount
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

// --- ledger.Store ---

func (s *Store) userLocked(userID uuid.UUID) *models.UserCredit {
	uc, ok := s.credits[userID]
	if !ok {
		uc = &models.UserCredit{UserID: userID}
		s.credits[userID] = uc
	}
	return uc
}

func (s *Store) appendLocked(userID uuid.UUID, txType string, amount int64, provider string, taskID *uuid.UUID, meta json.RawMessage) {
	s.txs = append(s.txs, &models.CreditTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      txType,
		Amount:    amount,
		Provider:  provider,
		Status:    models.TxStatusCompleted,
		TaskID:    taskID,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Store) CreditPurchase(_ context.Context, userID uuid.UUID, credits int64, provider string, metadata json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uc := s.userLocked(userID)
	uc.CurrentBalance += credits
	uc.UpdatedAt = time.Now().UTC()
	s.appendLocked(userID, models.TxTypePurchase, credits, provider, nil, metadata)
	return uc.CurrentBalance, nil
}

func (s *Store) DebitCredits(_ context.Context, userID uuid.UUID, credits int64, provider string, taskID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uc, ok := s.credits[userID]
	if !ok || uc.CurrentBalance < credits {
		return 0, ledger.ErrInsufficientBalance
	}
	uc.CurrentBalance -= credits
	uc.ConsumedThisMonth += credits
	uc.UpdatedAt = time.Now().UTC()
	tid := taskID
	s.appendLocked(userID, models.TxTypeConsume, -credits, provider, &tid, nil)
	return uc.CurrentBalance, nil
}

func (s *Store) CreditRefund(_ context.Context, userID, taskID uuid.UUID, amount int64, provider string, metadata json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refunded[taskID] {
		return 0, ledger.ErrAlreadyRefunded
	}
	s.refunded[taskID] = true
	uc := s.userLocked(userID)
	uc.CurrentBalance += amount
	uc.ConsumedThisMonth -= amount
	if uc.ConsumedThisMonth < 0 {
		uc.ConsumedThisMonth = 0
	}
	uc.UpdatedAt = time.Now().UTC()
	tid := taskID
	s.appendLocked(userID, models.TxTypeRefund, amount, provider, &tid, metadata)
	return uc.CurrentBalance, nil
}

func (s *Store) GetUserCredit(_ context.Context, userID uuid.UUID) (*models.UserCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uc, ok := s.credits[userID]
	if !ok {
		return &models.UserCredit{UserID: userID}, nil
	}
	cp := *uc
	return &cp, nil
}

func (s *Store) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CreditTransaction
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.txs[i].UserID == userID {
			cp := *s.txs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ResetMonthlyConsumption(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, uc := range s.credits {
		if uc.ConsumedThisMonth != 0 {
			uc.ConsumedThisMonth = 0
			n++
		}
	}
	return n, nil
}

// --- tasks.Store ---

func (s *Store) InsertTask(_ context.Context, t *models.EnhancementTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return errDuplicate
	}
	if t.APITaskID != nil {
		if _, ok := s.apiIndex[*t.APITaskID]; ok {
			return errDuplicate
		}
		s.apiIndex[*t.APITaskID] = t.ID
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTaskByAPITaskID(_ context.Context, apiTaskID string) (*models.EnhancementTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.apiIndex[apiTaskID]
	if !ok {
		return nil, tasks.ErrTaskNotFound
	}
	cp := *s.tasks[id]
	return &cp, nil
}

func (s *Store) GetTaskByID(_ context.Context, id uuid.UUID) (*models.EnhancementTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, tasks.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) CompareAndSetStatus(_ context.Context, id uuid.UUID, from, to string, u tasks.Update) (*models.EnhancementTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false, tasks.ErrTaskNotFound
	}
	if t.Status != from {
		cp := *t
		return &cp, false, nil
	}
	t.Status = to
	if u.ErrorType != nil {
		t.ErrorType = u.ErrorType
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = u.ErrorMessage
	}
	if u.ResultURL != nil {
		t.ResultURL = u.ResultURL
	}
	if u.SourceResultURL != nil {
		t.SourceResultURL = u.SourceResultURL
	}
	if u.CompletedAt != nil {
		t.CompletedAt = u.CompletedAt
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, true, nil
}

func (s *Store) SetAPITaskID(_ context.Context, id uuid.UUID, apiTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return tasks.ErrTaskNotFound
	}
	if t.APITaskID != nil {
		return errDuplicate
	}
	if _, taken := s.apiIndex[apiTaskID]; taken {
		return errDuplicate
	}
	api := apiTaskID
	t.APITaskID = &api
	t.UpdatedAt = time.Now().UTC()
	s.apiIndex[apiTaskID] = id
	return nil
}

func (s *Store) ListStaleTasks(_ context.Context, status string, olderThan time.Time, limit int) ([]*models.EnhancementTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EnhancementTask
	for _, t := range s.tasks {
		if t.Status == status && t.CreatedAt.Before(olderThan) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- refund.PolicySource ---

func (s *Store) ListRefundPolicies(context.Context) ([]models.RefundPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RefundPolicy(nil), s.policies...), nil
}
