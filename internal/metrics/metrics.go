package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the credit economy collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	PoolReservations   *prometheus.CounterVec // result: reserved/insufficient/error
	PoolBalance        *prometheus.GaugeVec   // provider-credit units left, per provider
	PoolLowAlerts      *prometheus.CounterVec // result: sent/throttled/failed
	Purchases          *prometheus.CounterVec // result: success/insufficient_capacity/invalid/error
	PurchasedCredits   prometheus.Counter
	Consumptions       *prometheus.CounterVec // result: success/insufficient_balance/error
	CallbackAcks       *prometheus.CounterVec // result: accepted/rejected/enqueue_failed
	CallbackAckSeconds prometheus.Histogram
	CallbackApplies    *prometheus.CounterVec // outcome
	Refunds            *prometheus.CounterVec // result: refunded/already_refunded/no_policy/declined/failed
	RefundedCredits    prometheus.Counter
	Rehosts            *prometheus.CounterVec // result: stored/fallback
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PoolReservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_pool_reservations_total",
			Help: "Credit pool reservation attempts by result",
		}, []string{"provider", "result"}),
		PoolBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credits_pool_available_balance",
			Help: "Provider credits left in the pool after the last observed mutation",
		}, []string{"provider"}),
		PoolLowAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_pool_low_alerts_total",
			Help: "Low-balance alerts by result",
		}, []string{"result"}),
		Purchases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_purchases_total",
			Help: "Credit purchases by result",
		}, []string{"result"}),
		PurchasedCredits: f.NewCounter(prometheus.CounterOpts{
			Name: "credits_purchased_user_credits_total",
			Help: "User credits sold",
		}),
		Consumptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_consumptions_total",
			Help: "Credit consumption attempts by result",
		}, []string{"result"}),
		CallbackAcks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_callback_acks_total",
			Help: "Provider callbacks acknowledged by result",
		}, []string{"result"}),
		CallbackAckSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "provider_callback_ack_duration_seconds",
			Help:    "Time spent acknowledging a provider callback",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
		CallbackApplies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_callback_applies_total",
			Help: "Provider callbacks applied by outcome",
		}, []string{"outcome"}),
		Refunds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_refunds_total",
			Help: "Refund decisions by result",
		}, []string{"result"}),
		RefundedCredits: f.NewCounter(prometheus.CounterOpts{
			Name: "credits_refunded_user_credits_total",
			Help: "User credits returned by refunds",
		}),
		Rehosts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enhancement_result_rehosts_total",
			Help: "Result asset re-hosting by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveReservation(provider, result string) {
	if m == nil {
		return
	}
	m.PoolReservations.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) SetPoolBalance(provider string, balance int64) {
	if m == nil {
		return
	}
	m.PoolBalance.WithLabelValues(provider).Set(float64(balance))
}

func (m *Metrics) ObserveLowAlert(result string) {
	if m == nil {
		return
	}
	m.PoolLowAlerts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePurchase(result string, credits int64) {
	if m == nil {
		return
	}
	m.Purchases.WithLabelValues(result).Inc()
	if result == "success" {
		m.PurchasedCredits.Add(float64(credits))
	}
}

func (m *Metrics) ObserveConsumption(result string) {
	if m == nil {
		return
	}
	m.Consumptions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAck(result string, seconds float64) {
	if m == nil {
		return
	}
	m.CallbackAcks.WithLabelValues(result).Inc()
	m.CallbackAckSeconds.Observe(seconds)
}

func (m *Metrics) ObserveApply(outcome string) {
	if m == nil {
		return
	}
	m.CallbackApplies.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRefund(result string, credits int64) {
	if m == nil {
		return
	}
	m.Refunds.WithLabelValues(result).Inc()
	if result == "refunded" {
		m.RefundedCredits.Add(float64(credits))
	}
}

func (m *Metrics) ObserveRehost(result string) {
	if m == nil {
		return
	}
	m.Rehosts.WithLabelValues(result).Inc()
}
