package refund

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerlane/backend/internal/models"
)

func TestDecide_Amounts(t *testing.T) {
	e, err := NewEngine([]models.RefundPolicy{
		{ErrorType: "full", ShouldRefund: true, RefundPercentage: 100},
		{ErrorType: "half", ShouldRefund: true, RefundPercentage: 50},
		{ErrorType: "third", ShouldRefund: true, RefundPercentage: 33},
		{ErrorType: "off", ShouldRefund: false, RefundPercentage: 100},
		{ErrorType: "zero", ShouldRefund: true, RefundPercentage: 0},
	})
	require.NoError(t, err)

	tests := []struct {
		name       string
		errorType  string
		credits    int64
		wantRefund bool
		wantAmount int64
		wantMatch  bool
	}{
		{"full refund", "full", 1, true, 1, true},
		{"half of odd rounds up", "half", 3, true, 2, true},
		{"half of one rounds up", "half", 1, true, 1, true},
		{"third of ten", "third", 10, true, 3, true},
		{"third of one rounds to zero", "third", 1, false, 0, true},
		{"policy disabled", "off", 5, false, 0, true},
		{"zero percent", "zero", 5, false, 0, true},
		{"no policy", models.ErrorTypeUnknown, 5, false, 0, false},
		{"nothing consumed", "full", 0, false, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Decide(tc.errorType, tc.credits)
			assert.Equal(t, tc.wantRefund, d.ShouldRefund)
			assert.Equal(t, tc.wantAmount, d.Amount)
			assert.Equal(t, tc.wantMatch, d.Matched)
			assert.Equal(t, tc.errorType, d.ErrorType)
		})
	}
}

func TestDefaultPolicies(t *testing.T) {
	e, err := NewEngine(DefaultPolicies())
	require.NoError(t, err)

	for _, et := range []string{
		models.ErrorTypeContentPolicy,
		models.ErrorTypeServerError,
		models.ErrorTypeGenerationFailed,
		models.ErrorTypeMissingResult,
		models.ErrorTypeSubmissionFailed,
	} {
		d := e.Decide(et, 4)
		assert.True(t, d.ShouldRefund, et)
		assert.Equal(t, int64(4), d.Amount, et)
	}
	assert.False(t, e.Decide(models.ErrorTypeUnknown, 4).ShouldRefund)
}

func TestNewEngine_Rejects(t *testing.T) {
	_, err := NewEngine([]models.RefundPolicy{{ErrorType: "x", RefundPercentage: 101}})
	assert.Error(t, err)
	_, err = NewEngine([]models.RefundPolicy{{ErrorType: "x", RefundPercentage: -1}})
	assert.Error(t, err)
	_, err = NewEngine([]models.RefundPolicy{{ErrorType: "", RefundPercentage: 10}})
	assert.Error(t, err)
	_, err = NewEngine([]models.RefundPolicy{{ErrorType: "x"}, {ErrorType: "x"}})
	assert.Error(t, err)
}

type stubSource struct {
	policies []models.RefundPolicy
	err      error
}

func (s stubSource) ListRefundPolicies(context.Context) ([]models.RefundPolicy, error) {
	return s.policies, s.err
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	e, err := Load(ctx, stubSource{}, nil)
	require.NoError(t, err)
	assert.Len(t, e.Policies(), len(DefaultPolicies()))

	e, err = Load(ctx, stubSource{policies: []models.RefundPolicy{
		{ErrorType: models.ErrorTypeServerError, ShouldRefund: true, RefundPercentage: 50},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Decide(models.ErrorTypeServerError, 4).Amount)
	assert.False(t, e.Decide(models.ErrorTypeContentPolicy, 4).Matched)

	_, err = Load(ctx, stubSource{err: errors.New("db down")}, nil)
	assert.Error(t, err)
}

func TestPolicies_Sorted(t *testing.T) {
	e, err := NewEngine(DefaultPolicies())
	require.NoError(t, err)
	p := e.Policies()
	for i := 1; i < len(p); i++ {
		assert.Less(t, p[i-1].ErrorType, p[i].ErrorType)
	}
}
