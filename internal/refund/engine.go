package refund

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/makerlane/backend/internal/models"
)

// Decision is the outcome of a policy lookup for one failed task.
type Decision struct {
	ErrorType    string `json:"error_type"`
	Matched      bool   `json:"matched"`
	ShouldRefund bool   `json:"should_refund"`
	Percentage   int    `json:"refund_percentage"`
	Amount       int64  `json:"amount"`
}

// PolicySource lists the persisted refund policies.
type PolicySource interface {
	ListRefundPolicies(ctx context.Context) ([]models.RefundPolicy, error)
}

// Engine is an immutable lookup table from error type to refund policy.
// It is safe for concurrent use.
type Engine struct {
	policies map[string]models.RefundPolicy
}

// DefaultPolicies is the table used when no policies are persisted. unknown_error
// has no entry, so unclassified failures are never refunded automatically.
func DefaultPolicies() []models.RefundPolicy {
	return []models.RefundPolicy{
		{ErrorType: models.ErrorTypeContentPolicy, ShouldRefund: true, RefundPercentage: 100},
		{ErrorType: models.ErrorTypeServerError, ShouldRefund: true, RefundPercentage: 100},
		{ErrorType: models.ErrorTypeGenerationFailed, ShouldRefund: true, RefundPercentage: 100},
		{ErrorType: models.ErrorTypeMissingResult, ShouldRefund: true, RefundPercentage: 100},
		{ErrorType: models.ErrorTypeSubmissionFailed, ShouldRefund: true, RefundPercentage: 100},
	}
}

func NewEngine(policies []models.RefundPolicy) (*Engine, error) {
	m := make(map[string]models.RefundPolicy, len(policies))
	for _, p := range policies {
		if p.ErrorType == "" {
			return nil, fmt.Errorf("refund policy with empty error type")
		}
		if p.RefundPercentage < 0 || p.RefundPercentage > 100 {
			return nil, fmt.Errorf("refund policy %s: percentage %d out of range 0..100", p.ErrorType, p.RefundPercentage)
		}
		if _, dup := m[p.ErrorType]; dup {
			return nil, fmt.Errorf("duplicate refund policy %s", p.ErrorType)
		}
		m[p.ErrorType] = p
	}
	return &Engine{policies: m}, nil
}

// Load builds an engine from src, falling back to DefaultPolicies when the
// source is empty.
func Load(ctx context.Context, src PolicySource, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	policies, err := src.ListRefundPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load refund policies: %w", err)
	}
	if len(policies) == 0 {
		log.Warn("no refund policies persisted, using defaults")
		policies = DefaultPolicies()
	}
	e, err := NewEngine(policies)
	if err != nil {
		return nil, err
	}
	log.Info("refund policies loaded", "count", len(e.policies))
	return e, nil
}

// Decide returns the refund for creditsConsumed under errorType's policy.
// Error types without a policy are never refunded.
func (e *Engine) Decide(errorType string, creditsConsumed int64) Decision {
	d := Decision{ErrorType: errorType}
	p, ok := e.policies[errorType]
	if !ok {
		return d
	}
	d.Matched = true
	d.Percentage = p.RefundPercentage
	if !p.ShouldRefund || p.RefundPercentage == 0 || creditsConsumed <= 0 {
		return d
	}
	d.Amount = percentOf(creditsConsumed, p.RefundPercentage)
	d.ShouldRefund = d.Amount > 0
	return d
}

// percentOf rounds credits*pct/100 half away from zero.
func percentOf(credits int64, pct int) int64 {
	return (credits*int64(pct) + 50) / 100
}

// Policies returns the table sorted by error type.
func (e *Engine) Policies() []models.RefundPolicy {
	out := make([]models.RefundPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ErrorType < out[j].ErrorType })
	return out
}
