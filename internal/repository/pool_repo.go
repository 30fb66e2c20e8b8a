package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/pool"
)

type PoolRepo struct {
	pool *pgxpool.Pool
}

func NewPoolRepo(p *pgxpool.Pool) *PoolRepo {
	return &PoolRepo{pool: p}
}

var _ pool.Store = (*PoolRepo)(nil)

const poolColumns = `provider, available_balance, auto_refill_threshold, total_consumed, updated_at`

func scanPool(row pgx.Row) (*models.CreditPool, error) {
	var p models.CreditPool
	if err := row.Scan(&p.Provider, &p.AvailableBalance, &p.AutoRefillThreshold, &p.TotalConsumed, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pool.ErrPoolNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PoolRepo) GetPool(ctx context.Context, provider string) (*models.CreditPool, error) {
	return scanPool(r.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM credit_pools WHERE provider = $1`, provider))
}

// DecrementIfAvailable checks and subtracts in one statement, so concurrent
// purchasers can never drive the balance below zero.
func (r *PoolRepo) DecrementIfAvailable(ctx context.Context, provider string, cost int64) (*models.CreditPool, bool, error) {
	p, err := scanPool(r.pool.QueryRow(ctx, `
		UPDATE credit_pools
		SET available_balance = available_balance - $2, total_consumed = total_consumed + $2, updated_at = now()
		WHERE provider = $1 AND available_balance >= $2
		RETURNING `+poolColumns, provider, cost))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pool.ErrPoolNotFound) {
		return nil, false, err
	}
	// Guard failed or the row is missing; report the current balance.
	current, err := r.GetPool(ctx, provider)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *PoolRepo) AddBalance(ctx context.Context, provider string, amount int64) (*models.CreditPool, error) {
	return scanPool(r.pool.QueryRow(ctx, `
		UPDATE credit_pools
		SET available_balance = available_balance + $2, updated_at = now()
		WHERE provider = $1
		RETURNING `+poolColumns, provider, amount))
}

func (r *PoolRepo) ListPools(ctx context.Context) ([]*models.CreditPool, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+poolColumns+` FROM credit_pools ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
