package router

import (
	"net/http"

	"github.com/makerlane/backend/internal/auth"
	"github.com/makerlane/backend/internal/handlers"
	"github.com/makerlane/backend/internal/middleware"
	"github.com/makerlane/backend/internal/models"
)

// Deps carries everything the routes need. Metrics may be nil.
type Deps struct {
	Auth         *auth.Handler
	Credits      *handlers.CreditsHandler
	Callback     http.Handler
	Enhancements *handlers.EnhancementHandler
	Admin        *handlers.AdminHandler
	Tokens       middleware.TokenValidator
	Balances     middleware.BalanceLookup
	// EnhancementCost is checked against the monthly allowance before submission.
	EnhancementCost int64
	Metrics         http.Handler
	Health          http.HandlerFunc
}

// New returns the service's http.Handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	authed := middleware.BearerAuth(d.Tokens)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(middleware.RequireRole(models.RoleAdmin)(h))
	}

	mux.HandleFunc("POST /auth/register", d.Auth.Register)
	mux.HandleFunc("POST /auth/login", d.Auth.Login)

	mux.HandleFunc("GET /credits/purchase", d.Credits.Packages)
	mux.Handle("POST /credits/purchase", authed(http.HandlerFunc(d.Credits.Purchase)))
	mux.Handle("GET /credits/balance", authed(http.HandlerFunc(d.Credits.Balance)))
	mux.Handle("GET /credits/transactions", authed(http.HandlerFunc(d.Credits.Transactions)))

	// No auth: the provider cannot present a bearer token.
	mux.Handle("POST /provider/callback", d.Callback)

	allowance := middleware.AllowanceCheck(d.Balances, d.EnhancementCost, nil)
	mux.Handle("POST /enhancements", authed(allowance(http.HandlerFunc(d.Enhancements.Submit))))
	mux.Handle("GET /enhancements/{id}", authed(http.HandlerFunc(d.Enhancements.Get)))

	mux.Handle("GET /admin/credit-pools/{provider}", admin(d.Admin.PoolStatus))
	mux.Handle("POST /admin/credit-pools/{provider}/topup", admin(d.Admin.TopUp))
	mux.Handle("GET /admin/refund-policies", admin(d.Admin.RefundPolicies))

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	health := d.Health
	if health == nil {
		health = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}
	}
	mux.HandleFunc("GET /healthz", health)
	return mux
}
