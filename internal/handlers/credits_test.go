package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerlane/backend/internal/ledger"
	"github.com/makerlane/backend/internal/memstore"
	"github.com/makerlane/backend/internal/middleware"
	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/pool"
	"github.com/makerlane/backend/internal/validate"
)

type creditsFixture struct {
	store *memstore.Store
	pool  *pool.Service
	h     *CreditsHandler
	user  uuid.UUID
}

func newCreditsFixture(t *testing.T, balance, threshold int64) *creditsFixture {
	t.Helper()
	store := memstore.New()
	store.SeedPool("kie", balance, threshold)
	ps, err := pool.NewService(store, 4, nil, nil, nil)
	require.NoError(t, err)
	cat, err := ledger.NewCatalog(ledger.DefaultPackages())
	require.NoError(t, err)
	v, err := validate.New()
	require.NoError(t, err)
	led := ledger.NewService(store, ps, cat, "kie", nil, nil)
	return &creditsFixture{store: store, pool: ps, h: NewCreditsHandler(led, ps, v, nil), user: uuid.New()}
}

func asUser(r *http.Request, userID uuid.UUID) *http.Request {
	return r.WithContext(middleware.WithUser(r.Context(), userID, models.RoleMember))
}

func (f *creditsFixture) purchase(body string) *httptest.ResponseRecorder {
	req := asUser(httptest.NewRequest(http.MethodPost, "/credits/purchase", strings.NewReader(body)), f.user)
	rec := httptest.NewRecorder()
	f.h.Purchase(rec, req)
	return rec
}

func TestPurchase_CapacityMath(t *testing.T) {
	f := newCreditsFixture(t, 40, 0)

	rec := f.purchase(`{"packageId":"starter","userCredits":10,"priceUsd":"4.99"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ok purchaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	assert.Equal(t, int64(10), ok.NewBalance)
	require.NotNil(t, ok.PlatformStatus)
	assert.Equal(t, int64(0), ok.PlatformStatus.AvailableBalance)

	rec = f.purchase(`{"packageId":"starter","userCredits":10,"priceUsd":4.99}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	var shortfall capacityErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shortfall))
	assert.Equal(t, int64(0), shortfall.AvailableCredits)
	assert.Equal(t, int64(10), shortfall.RequestedCredits)
	assert.NotEmpty(t, shortfall.Error)

	rec = f.purchase(`{"packageId":"starter","userCredits":1,"priceUsd":"4.99"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	shortfall = capacityErrorResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shortfall))
	assert.Equal(t, int64(0), shortfall.AvailableCredits)
	assert.Equal(t, int64(1), shortfall.RequestedCredits)

	uc, err := f.store.GetUserCredit(context.Background(), f.user)
	require.NoError(t, err)
	assert.Equal(t, int64(10), uc.CurrentBalance)
}

func TestPurchase_BadRequests(t *testing.T) {
	f := newCreditsFixture(t, 4000, 0)
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing price", `{"packageId":"starter","userCredits":10}`},
		{"unknown field", `{"packageId":"starter","userCredits":10,"priceUsd":"4.99","discount":1}`},
		{"zero credits", `{"packageId":"starter","userCredits":0,"priceUsd":"4.99"}`},
		{"unknown package", `{"packageId":"mega","userCredits":10,"priceUsd":"4.99"}`},
		{"price mismatch", `{"packageId":"starter","userCredits":10,"priceUsd":"0.99"}`},
		{"credit mismatch", `{"packageId":"starter","userCredits":11,"priceUsd":"4.99"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.purchase(tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	p, err := f.store.GetPool(context.Background(), "kie")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), p.AvailableBalance)
}

func TestPurchase_Unauthenticated(t *testing.T) {
	f := newCreditsFixture(t, 40, 0)
	rec := httptest.NewRecorder()
	f.h.Purchase(rec, httptest.NewRequest(http.MethodPost, "/credits/purchase",
		strings.NewReader(`{"packageId":"starter","userCredits":10,"priceUsd":"4.99"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPackages_AnnotatesCapacity(t *testing.T) {
	// 240 provider credits at ratio 4 sell 60 user credits; threshold 100.
	f := newCreditsFixture(t, 240, 100)
	rec := httptest.NewRecorder()
	f.h.Packages(rec, httptest.NewRequest(http.MethodGet, "/credits/purchase", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp packagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(60), resp.PlatformCapacity.AvailableCredits)
	assert.Equal(t, pool.StateHealthy, resp.PlatformCapacity.Status)

	byID := map[string]packageOption{}
	for _, p := range resp.Packages {
		byID[p.ID] = p
	}
	assert.True(t, byID["starter"].Available)
	assert.False(t, byID["starter"].Warning, "240-40 stays above the threshold")
	assert.True(t, byID["creator"].Available)
	assert.True(t, byID["creator"].Warning, "240-200 drops under the threshold")
	assert.False(t, byID["studio"].Available)
	assert.False(t, byID["studio"].Warning)
}

func TestPackages_MissingPool(t *testing.T) {
	f := newCreditsFixture(t, 40, 0)
	led := ledger.NewService(f.store, f.pool, f.h.ledger.Catalog(), "absent", nil, nil)
	h := NewCreditsHandler(led, f.pool, f.h.validator, nil)

	rec := httptest.NewRecorder()
	h.Packages(rec, httptest.NewRequest(http.MethodGet, "/credits/purchase", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp packagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pool.StateDepleted, resp.PlatformCapacity.Status)
	for _, p := range resp.Packages {
		assert.False(t, p.Available, p.ID)
	}
}

func TestBalanceAndTransactions(t *testing.T) {
	f := newCreditsFixture(t, 400, 0)
	require.Equal(t, http.StatusOK, f.purchase(`{"packageId":"starter","userCredits":10,"priceUsd":"4.99"}`).Code)

	rec := httptest.NewRecorder()
	f.h.Balance(rec, asUser(httptest.NewRequest(http.MethodGet, "/credits/balance", nil), f.user))
	require.Equal(t, http.StatusOK, rec.Code)
	var uc models.UserCredit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uc))
	assert.Equal(t, int64(10), uc.CurrentBalance)

	rec = httptest.NewRecorder()
	f.h.Transactions(rec, asUser(httptest.NewRequest(http.MethodGet, "/credits/transactions?limit=5", nil), f.user))
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Transactions []models.CreditTransaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Transactions, 1)
	assert.Equal(t, models.TxTypePurchase, hist.Transactions[0].Type)
	assert.Equal(t, int64(10), hist.Transactions[0].Amount)

	rec = httptest.NewRecorder()
	f.h.Transactions(rec, asUser(httptest.NewRequest(http.MethodGet, "/credits/transactions?limit=x", nil), f.user))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
