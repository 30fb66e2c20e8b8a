package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makerlane/backend/internal/ledger"
	"github.com/makerlane/backend/internal/models"
)

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(p *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: p}
}

var _ ledger.Store = (*LedgerRepo)(nil)

func insertTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, txType string, amount int64, provider string, taskID *uuid.UUID, metadata json.RawMessage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, provider, status, task_id, metadata)
		VALUES ($1, $2, $3, $4, 'completed', $5, $6)
	`, userID, txType, amount, provider, taskID, metadata)
	return err
}

// CreditPurchase upserts the user's balance and appends the purchase row in one transaction.
func (r *LedgerRepo) CreditPurchase(ctx context.Context, userID uuid.UUID, credits int64, provider string, metadata json.RawMessage) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `
		INSERT INTO user_credits (user_id, current_balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET current_balance = user_credits.current_balance + EXCLUDED.current_balance, updated_at = now()
		RETURNING current_balance
	`, userID, credits).Scan(&balance)
	if err != nil {
		return 0, err
	}
	if err := insertTx(ctx, tx, userID, models.TxTypePurchase, credits, provider, nil, metadata); err != nil {
		return 0, err
	}
	return balance, tx.Commit(ctx)
}

// DebitCredits subtracts credits guarded by current_balance >= credits.
func (r *LedgerRepo) DebitCredits(ctx context.Context, userID uuid.UUID, credits int64, provider string, taskID uuid.UUID) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE user_credits
		SET current_balance = current_balance - $2, consumed_this_month = consumed_this_month + $2, updated_at = now()
		WHERE user_id = $1 AND current_balance >= $2
		RETURNING current_balance
	`, userID, credits).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrInsufficientBalance
	}
	if err != nil {
		return 0, err
	}
	if err := insertTx(ctx, tx, userID, models.TxTypeConsume, -credits, provider, &taskID, nil); err != nil {
		return 0, err
	}
	return balance, tx.Commit(ctx)
}

// CreditRefund relies on the unique (task_id) WHERE type = 'refund' index: the
// insert is a no-op for a task that already has a refund, and then nothing is credited.
func (r *LedgerRepo) CreditRefund(ctx context.Context, userID, taskID uuid.UUID, amount int64, provider string, metadata json.RawMessage) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, provider, status, task_id, metadata)
		VALUES ($1, 'refund', $2, $3, 'completed', $4, $5)
		ON CONFLICT (task_id) WHERE type = 'refund' DO NOTHING
	`, userID, amount, provider, taskID, metadata)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ledger.ErrAlreadyRefunded
	}

	var balance int64
	err = tx.QueryRow(ctx, `
		INSERT INTO user_credits (user_id, current_balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET current_balance = user_credits.current_balance + EXCLUDED.current_balance,
		    consumed_this_month = GREATEST(user_credits.consumed_this_month - EXCLUDED.current_balance, 0),
		    updated_at = now()
		RETURNING current_balance
	`, userID, amount).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, tx.Commit(ctx)
}

// GetUserCredit returns a zero row for users who never bought credits.
func (r *LedgerRepo) GetUserCredit(ctx context.Context, userID uuid.UUID) (*models.UserCredit, error) {
	uc := models.UserCredit{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT current_balance, monthly_allowance, consumed_this_month, updated_at
		FROM user_credits WHERE user_id = $1
	`, userID).Scan(&uc.CurrentBalance, &uc.MonthlyAllowance, &uc.ConsumedThisMonth, &uc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &uc, nil
	}
	if err != nil {
		return nil, err
	}
	return &uc, nil
}

func (r *LedgerRepo) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, provider, status, task_id, metadata, created_at
		FROM credit_transactions WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Provider, &t.Status, &t.TaskID, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

func (r *LedgerRepo) ResetMonthlyConsumption(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_credits SET consumed_this_month = 0, updated_at = now()
		WHERE consumed_this_month <> 0
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetMonthlyAllowance is used by operators; zero disables the allowance check.
func (r *LedgerRepo) SetMonthlyAllowance(ctx context.Context, userID uuid.UUID, allowance int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_credits (user_id, monthly_allowance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET monthly_allowance = EXCLUDED.monthly_allowance, updated_at = now()
	`, userID, allowance)
	return err
}
