package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerlane/backend/internal/callback"
	"github.com/makerlane/backend/internal/metrics"
	"github.com/makerlane/backend/internal/validate"
)

type recordingQueue struct {
	mu       sync.Mutex
	payloads []callback.Payload
	err      error
	deadline bool
}

func (q *recordingQueue) EnqueueApply(ctx context.Context, p callback.Payload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, q.deadline = ctx.Deadline()
	if q.err != nil {
		return q.err
	}
	q.payloads = append(q.payloads, p)
	return nil
}

type panickingAck struct{}

func (panickingAck) Acknowledge([]byte) callback.AckResult { panic("boom") }

func newCallbackHandler(t *testing.T, q callback.Enqueuer) (*CallbackHandler, *metrics.Metrics) {
	t.Helper()
	v, err := validate.New()
	require.NoError(t, err)
	proc := callback.NewProcessor(v, nil, nil, nil, nil, nil, nil)
	m := metrics.New(prometheus.NewRegistry())
	return NewCallbackHandler(proc, q, time.Second, m, nil), m
}

func deliver(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/provider/callback", strings.NewReader(body)))
	return rec
}

func TestCallback_AcceptedIsQueued(t *testing.T) {
	q := &recordingQueue{}
	h, m := newCallbackHandler(t, q)

	rec := deliver(h, `{"code":200,"msg":"success","data":{"taskId":"t1","info":{"resultImageUrl":"https://cdn.example/r.png"}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	require.Len(t, q.payloads, 1)
	assert.Equal(t, "t1", q.payloads[0].Data.TaskID)
	assert.Equal(t, "https://cdn.example/r.png", q.payloads[0].ResultURL())
	assert.True(t, q.deadline, "enqueue runs under the ack budget")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallbackAcks.WithLabelValues("accepted")))
}

func TestCallback_AlwaysAnswers200(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
	}{
		{"not json", `<html>`, nil},
		{"empty body", ``, nil},
		{"missing task id", `{"code":400,"data":{}}`, nil},
		{"code not a number", `{"code":"400","data":{"taskId":"t2"}}`, nil},
		{"queue down", `{"code":400,"data":{"taskId":"t2"}}`, errors.New("connection refused")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &recordingQueue{err: tc.err}
			h, _ := newCallbackHandler(t, q)
			rec := deliver(h, tc.body)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, q.payloads)
		})
	}
}

func TestCallback_PanicStillAcknowledged(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := NewCallbackHandler(panickingAck{}, &recordingQueue{}, 0, m, nil)
	rec := deliver(h, `{"code":200,"data":{"taskId":"t3"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallbackAcks.WithLabelValues("panic")))
}
