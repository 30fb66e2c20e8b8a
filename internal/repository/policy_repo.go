package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makerlane/backend/internal/models"
)

type PolicyRepo struct {
	pool *pgxpool.Pool
}

func NewPolicyRepo(pool *pgxpool.Pool) *PolicyRepo {
	return &PolicyRepo{pool: pool}
}

func (r *PolicyRepo) ListRefundPolicies(ctx context.Context) ([]models.RefundPolicy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT error_type, should_refund, refund_percentage FROM refund_policies ORDER BY error_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RefundPolicy
	for rows.Next() {
		var p models.RefundPolicy
		if err := rows.Scan(&p.ErrorType, &p.ShouldRefund, &p.RefundPercentage); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
