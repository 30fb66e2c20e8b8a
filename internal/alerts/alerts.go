// Package alerts delivers low-balance notifications for the credit pool.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makerlane/backend/internal/metrics"
	"github.com/makerlane/backend/internal/pool"
)

const DefaultSubject = "credits.pool.low"

// MessageBus is satisfied by *nats.Conn.
type MessageBus interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes alerts as JSON on a subject.
type NATSSink struct {
	bus     MessageBus
	subject string
}

func NewNATSSink(bus MessageBus, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{bus: bus, subject: subject}
}

func (s *NATSSink) PoolLow(ctx context.Context, a pool.LowBalanceAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(s.subject+"."+a.Provider, data); err != nil {
		return fmt.Errorf("publish low balance alert: %w", err)
	}
	return nil
}

// LogSink writes alerts to the log. Used when no bus is configured.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) PoolLow(_ context.Context, a pool.LowBalanceAlert) error {
	s.log.Warn("credit pool below refill threshold",
		"provider", a.Provider, "available_balance", a.AvailableBalance,
		"threshold", a.Threshold, "max_sellable", a.MaxSellable)
	return nil
}

// Locker is satisfied by *redis.Client.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Throttled forwards at most one alert per provider per window across all
// instances, using a Redis key as the window marker. If Redis is unreachable
// the alert is forwarded anyway.
type Throttled struct {
	next    pool.AlertSink
	locker  Locker
	window  time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewThrottled(next pool.AlertSink, locker Locker, window time.Duration, m *metrics.Metrics, log *slog.Logger) *Throttled {
	if log == nil {
		log = slog.Default()
	}
	return &Throttled{next: next, locker: locker, window: window, metrics: m, log: log}
}

func (t *Throttled) PoolLow(ctx context.Context, a pool.LowBalanceAlert) error {
	ok, err := t.locker.SetNX(ctx, "alerts:pool-low:"+a.Provider, a.AvailableBalance, t.window).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		t.log.Warn("alert throttle unavailable, sending anyway", "provider", a.Provider, "error", err)
		return t.next.PoolLow(ctx, a)
	}
	if !ok {
		t.metrics.ObserveLowAlert("throttled")
		return nil
	}
	return t.next.PoolLow(ctx, a)
}

// Multi fans an alert out to several sinks and joins their errors.
type Multi []pool.AlertSink

func (m Multi) PoolLow(ctx context.Context, a pool.LowBalanceAlert) error {
	var errs []error
	for _, s := range m {
		if err := s.PoolLow(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
