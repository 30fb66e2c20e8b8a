package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerlane/backend/internal/auth"
	"github.com/makerlane/backend/internal/callback"
	"github.com/makerlane/backend/internal/enhance"
	"github.com/makerlane/backend/internal/handlers"
	"github.com/makerlane/backend/internal/ledger"
	"github.com/makerlane/backend/internal/memstore"
	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/pool"
	"github.com/makerlane/backend/internal/provider"
	"github.com/makerlane/backend/internal/refund"
	"github.com/makerlane/backend/internal/router"
	"github.com/makerlane/backend/internal/tasks"
	"github.com/makerlane/backend/internal/validate"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (m *memUsers) CreateUser(_ context.Context, email, hash, name, role string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return nil, auth.ErrDuplicateEmail
	}
	u := &models.User{ID: uuid.New(), Email: email, DisplayName: name, PasswordHash: hash, Role: role}
	m.users[email] = u
	return u, nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[email], nil
}

// applyNow runs the apply phase inline instead of through the job queue.
type applyNow struct {
	proc *callback.Processor
	t    *testing.T
}

func (a applyNow) EnqueueApply(ctx context.Context, p callback.Payload) error {
	_, err := a.proc.Apply(context.Background(), p)
	assert.NoError(a.t, err)
	return err
}

type fixedProvider struct{ next int }

func (f *fixedProvider) CreateTask(context.Context, provider.CreateTaskRequest) (string, error) {
	f.next++
	return "kie-" + strconv.Itoa(f.next), nil
}

type env struct {
	srv    *httptest.Server
	store  *memstore.Store
	tokens auth.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	store.SeedPool("kie", 40, 0)

	ps, err := pool.NewService(store, 4, nil, nil, nil)
	require.NoError(t, err)
	cat, err := ledger.NewCatalog(ledger.DefaultPackages())
	require.NoError(t, err)
	led := ledger.NewService(store, ps, cat, "kie", nil, nil)
	eng, err := refund.NewEngine(refund.DefaultPolicies())
	require.NoError(t, err)
	v, err := validate.New()
	require.NoError(t, err)
	reg := tasks.NewRegistry(store, nil)
	proc := callback.NewProcessor(v, reg, led, nil, eng, nil, nil)
	authSvc := auth.NewService(&memUsers{users: map[string]*models.User{}}, "router-test")

	h := router.New(router.Deps{
		Auth:            auth.NewHandler(authSvc, nil),
		Credits:         handlers.NewCreditsHandler(led, ps, v, nil),
		Callback:        handlers.NewCallbackHandler(proc, applyNow{proc: proc, t: t}, time.Second, nil, nil),
		Enhancements:    handlers.NewEnhancementHandler(enhance.NewService(led, reg, &fixedProvider{}, eng, 1, "kie", nil), v, nil),
		Admin:           handlers.NewAdminHandler(ps, eng, nil),
		Tokens:          authSvc,
		Balances:        led,
		EnhancementCost: 1,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store, tokens: authSvc}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *env) login(t *testing.T, email string) string {
	t.Helper()
	code, _ := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": email, "password": "password123"})
	require.Equal(t, http.StatusCreated, code)
	code, body := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": "password123"})
	require.Equal(t, http.StatusOK, code)
	var lr auth.LoginResponse
	require.NoError(t, json.Unmarshal(body, &lr))
	return lr.Token
}

func TestPurchaseEnhanceAndRefundFlow(t *testing.T) {
	e := newEnv(t)
	token := e.login(t, "maker@example.com")

	code, _ := e.do(t, http.MethodPost, "/credits/purchase", "", `{"packageId":"starter","userCredits":10,"priceUsd":"4.99"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := e.do(t, http.MethodPost, "/credits/purchase", token, `{"packageId":"starter","userCredits":10,"priceUsd":"4.99"}`)
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = e.do(t, http.MethodPost, "/credits/purchase", token, `{"packageId":"starter","userCredits":10,"priceUsd":"4.99"}`)
	require.Equal(t, http.StatusServiceUnavailable, code)
	assert.JSONEq(t, `{"error":"credits temporarily unavailable, try a smaller package","availableCredits":0,"requestedCredits":10}`, string(body))

	code, body = e.do(t, http.MethodPost, "/credits/purchase", token, `{"packageId":"starter","userCredits":1,"priceUsd":"4.99"}`)
	require.Equal(t, http.StatusServiceUnavailable, code, string(body))
	assert.JSONEq(t, `{"error":"credits temporarily unavailable, try a smaller package","availableCredits":0,"requestedCredits":1}`, string(body))

	code, body = e.do(t, http.MethodPost, "/enhancements", token, `{"imageUrl":"https://img.example/a.png"}`)
	require.Equal(t, http.StatusAccepted, code, string(body))
	var task models.EnhancementTask
	require.NoError(t, json.Unmarshal(body, &task))

	// content policy violation, delivered twice
	cb := map[string]any{"code": 400, "msg": "blocked", "data": map[string]any{"taskId": *task.APITaskID}}
	for i := 0; i < 2; i++ {
		code, body = e.do(t, http.MethodPost, "/provider/callback", "", cb)
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"received":true}`, string(body))
	}

	code, body = e.do(t, http.MethodGet, "/enhancements/"+task.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorType)
	assert.Equal(t, models.ErrorTypeContentPolicy, *task.ErrorType)

	code, body = e.do(t, http.MethodGet, "/credits/balance", token, nil)
	require.Equal(t, http.StatusOK, code)
	var uc models.UserCredit
	require.NoError(t, json.Unmarshal(body, &uc))
	assert.Equal(t, int64(10), uc.CurrentBalance)
	assert.Len(t, e.store.Transactions(models.TxTypeRefund), 1)
}

func TestCallbackAlwaysOK(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/provider/callback", "", `not json at all`)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"received":true}`, string(body))

	// unknown task ids are dropped by the apply phase
	code, _ = e.do(t, http.MethodPost, "/provider/callback", "", `{"code":200,"data":{"taskId":"never-issued"}}`)
	assert.Equal(t, http.StatusOK, code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	e := newEnv(t)
	member := e.login(t, "member@example.com")

	code, _ := e.do(t, http.MethodGet, "/admin/credit-pools/kie", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = e.do(t, http.MethodGet, "/admin/credit-pools/kie", member, nil)
	assert.Equal(t, http.StatusForbidden, code)

	admin, err := e.tokens.IssueToken(uuid.New(), models.RoleAdmin)
	require.NoError(t, err)
	code, body := e.do(t, http.MethodPost, "/admin/credit-pools/kie/topup", admin, `{"providerCredits":60}`)
	require.Equal(t, http.StatusOK, code, string(body))
	var st pool.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, int64(100), st.AvailableBalance)
	assert.Equal(t, int64(25), st.MaxSellable)

	code, _ = e.do(t, http.MethodGet, "/admin/refund-policies", admin, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAllowanceBlocksSubmission(t *testing.T) {
	e := newEnv(t)
	token := e.login(t, "capped@example.com")
	id, _, err := e.tokens.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	e.store.SeedUser(id, 5, 3, 3)

	code, _ := e.do(t, http.MethodPost, "/enhancements", token, `{"imageUrl":"https://img.example/a.png"}`)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
