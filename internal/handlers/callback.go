package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/makerlane/backend/internal/callback"
	"github.com/makerlane/backend/internal/metrics"
)

const (
	maxCallbackBytes   = 1 << 20
	defaultAckBudget   = 10 * time.Second
	callbackAckPayload = `{"received":true}`
)

// Acknowledger parses and validates a provider delivery.
type Acknowledger interface {
	Acknowledge(body []byte) callback.AckResult
}

// CallbackHandler serves POST /provider/callback. The provider treats anything
// but a fast 200 as a reason to retry, so every path answers 200.
type CallbackHandler struct {
	ack     Acknowledger
	queue   callback.Enqueuer
	budget  time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewCallbackHandler(a Acknowledger, q callback.Enqueuer, budget time.Duration, m *metrics.Metrics, log *slog.Logger) *CallbackHandler {
	if log == nil {
		log = slog.Default()
	}
	if budget <= 0 {
		budget = defaultAckBudget
	}
	return &CallbackHandler{ack: a, queue: q, budget: budget, metrics: m, log: log}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result := h.handle(r)
	h.metrics.ObserveAck(result, time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, callbackAckPayload)
}

// handle returns the metrics label for the delivery.
func (h *CallbackHandler) handle(r *http.Request) (result string) {
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("callback ack panicked", "panic", p)
			result = "panic"
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		h.log.Warn("callback body unreadable", "error", err)
		return "unreadable"
	}

	ack := h.ack.Acknowledge(body)
	if !ack.Accepted {
		h.log.Warn("callback rejected", "reason", ack.Reason, "body", truncate(body, 2048))
		return "rejected"
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.budget)
	defer cancel()
	if err := h.queue.EnqueueApply(ctx, ack.Payload); err != nil {
		h.log.Error("callback enqueue failed, replay manually",
			"provider_task_id", ack.Payload.Data.TaskID, "code", ack.Payload.Code,
			"body", string(body), "error", err)
		return "enqueue_failed"
	}
	return "accepted"
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
