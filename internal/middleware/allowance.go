package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/makerlane/backend/internal/models"
)

// BalanceLookup returns the caller's credit row.
type BalanceLookup interface {
	Balance(ctx context.Context, userID uuid.UUID) (*models.UserCredit, error)
}

// AllowanceCheck rejects a request that would take the user past a non-zero
// monthly allowance. It must run after BearerAuth.
func AllowanceCheck(balances BalanceLookup, cost int64, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromCtx(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			uc, err := balances.Balance(r.Context(), userID)
			if err != nil {
				log.Error("allowance lookup failed", "user_id", userID, "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if uc.MonthlyAllowance > 0 && uc.ConsumedThisMonth+cost > uc.MonthlyAllowance {
				writeError(w, http.StatusForbidden, "monthly allowance exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
