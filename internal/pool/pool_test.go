package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerlane/backend/internal/memstore"
	"github.com/makerlane/backend/internal/metrics"
	"github.com/makerlane/backend/internal/pool"
)

const provider = "kie"

type recordingSink struct {
	mu     sync.Mutex
	alerts []pool.LowBalanceAlert
	err    error
	done   chan struct{}
}

func newRecordingSink(err error) *recordingSink {
	return &recordingSink{err: err, done: make(chan struct{}, 16)}
}

func (r *recordingSink) PoolLow(_ context.Context, a pool.LowBalanceAlert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	r.done <- struct{}{}
	return r.err
}

func newService(t *testing.T, store pool.Store, sink pool.AlertSink) *pool.Service {
	t.Helper()
	svc, err := pool.NewService(store, 4, sink, metrics.New(prometheus.NewRegistry()), nil)
	require.NoError(t, err)
	return svc
}

func TestCapacityMath(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedPool(provider, 40, 0)
	svc := newService(t, store, nil)

	c, err := svc.CheckCapacity(ctx, provider, 10)
	require.NoError(t, err)
	assert.True(t, c.Available)
	assert.Equal(t, int64(10), c.MaxSellable)

	res, err := svc.Reserve(ctx, provider, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.ProviderCost)
	assert.Equal(t, int64(0), res.RemainingBalance)

	p, err := store.GetPool(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.AvailableBalance)
	assert.Equal(t, int64(40), p.TotalConsumed)

	_, err = svc.Reserve(ctx, provider, 1)
	require.ErrorIs(t, err, pool.ErrInsufficientCapacity)
	var capErr *pool.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, int64(0), capErr.MaxSellable)
	assert.Equal(t, int64(1), capErr.Requested)
}

func TestReserve_RefusalLeavesPoolUntouched(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedPool(provider, 10, 0)
	svc := newService(t, store, nil)

	_, err := svc.Reserve(ctx, provider, 3)
	var capErr *pool.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, int64(2), capErr.MaxSellable)

	p, _ := store.GetPool(ctx, provider)
	assert.Equal(t, int64(10), p.AvailableBalance)
	assert.Equal(t, int64(0), p.TotalConsumed)
}

func TestReserve_InvalidAmount(t *testing.T) {
	store := memstore.New()
	store.SeedPool(provider, 100, 0)
	svc := newService(t, store, nil)

	_, err := svc.Reserve(context.Background(), provider, 0)
	assert.ErrorIs(t, err, pool.ErrInvalidAmount)
	_, err = svc.Reserve(context.Background(), provider, -2)
	assert.ErrorIs(t, err, pool.ErrInvalidAmount)
}

func TestReserve_UnknownPool(t *testing.T) {
	svc := newService(t, memstore.New(), nil)
	_, err := svc.Reserve(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, pool.ErrPoolNotFound)
}

func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	ctx := context.Background()
	const initial = 1000
	store := memstore.New()
	store.SeedPool(provider, initial, 0)
	svc := newService(t, store, nil)

	var reserved atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			if _, err := svc.Reserve(ctx, provider, n); err == nil {
				reserved.Add(n * svc.Ratio())
			}
		}(int64(i%7 + 1))
	}
	wg.Wait()

	p, err := store.GetPool(ctx, provider)
	require.NoError(t, err)
	assert.LessOrEqual(t, reserved.Load(), int64(initial))
	assert.GreaterOrEqual(t, p.AvailableBalance, int64(0))
	assert.Equal(t, int64(initial), p.AvailableBalance+reserved.Load())
}

func TestReserve_LowBalanceAlert(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedPool(provider, 100, 50)
	sink := newRecordingSink(errors.New("sink down"))
	svc := newService(t, store, sink)

	// 100 -> 60, still above threshold
	_, err := svc.Reserve(ctx, provider, 10)
	require.NoError(t, err)

	// 60 -> 20, below threshold; sink failure must not undo the reservation
	res, err := svc.Reserve(ctx, provider, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.RemainingBalance)

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a low balance alert")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, int64(20), sink.alerts[0].AvailableBalance)
	assert.Equal(t, int64(50), sink.alerts[0].Threshold)
	assert.Equal(t, int64(5), sink.alerts[0].MaxSellable)

	p, _ := store.GetPool(ctx, provider)
	assert.Equal(t, int64(20), p.AvailableBalance)
}

func TestStatusAndTopUp(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedPool(provider, 3, 100)
	svc := newService(t, store, nil)

	st, err := svc.Status(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, pool.StateDepleted, st.State)
	assert.Equal(t, int64(0), st.MaxSellable)

	st, err = svc.TopUp(ctx, provider, 57)
	require.NoError(t, err)
	assert.Equal(t, int64(60), st.AvailableBalance)
	assert.Equal(t, int64(15), st.MaxSellable)
	assert.Equal(t, pool.StateLow, st.State)

	st, err = svc.TopUp(ctx, provider, 100)
	require.NoError(t, err)
	assert.Equal(t, pool.StateHealthy, st.State)

	_, err = svc.TopUp(ctx, provider, 0)
	assert.ErrorIs(t, err, pool.ErrInvalidAmount)
}

func TestNewService_RejectsBadRatio(t *testing.T) {
	_, err := pool.NewService(memstore.New(), 0, nil, nil, nil)
	assert.Error(t, err)
}

func TestMaxSellable(t *testing.T) {
	assert.Equal(t, int64(10), pool.MaxSellable(40, 4))
	assert.Equal(t, int64(9), pool.MaxSellable(39, 4))
	assert.Equal(t, int64(0), pool.MaxSellable(3, 4))
	assert.Equal(t, int64(0), pool.MaxSellable(-4, 4))
}
