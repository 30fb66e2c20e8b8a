package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerlane/backend/internal/callback"
)

type stubApplier struct {
	got []callback.Payload
	err error
}

func (s *stubApplier) Apply(_ context.Context, p callback.Payload) (callback.ApplyResult, error) {
	s.got = append(s.got, p)
	return callback.ApplyResult{Outcome: callback.OutcomeFailed}, s.err
}

type stubInserter struct {
	args []river.JobArgs
	dup  bool
	err  error
}

func (s *stubInserter) Insert(_ context.Context, args river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.args = append(s.args, args)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: 7}, UniqueSkippedAsDuplicate: s.dup}, nil
}

type stubResetter struct{ n int64 }

func (s stubResetter) ResetMonthlyConsumption(context.Context) (int64, error) { return s.n, nil }

func job(args ApplyCallbackArgs) *river.Job[ApplyCallbackArgs] {
	return &river.Job[ApplyCallbackArgs]{JobRow: &rivertype.JobRow{ID: 1, Attempt: 1}, Args: args}
}

func TestApplyCallbackWorker(t *testing.T) {
	pl := callback.Payload{Code: 400, Data: callback.PayloadData{TaskID: "t2"}}

	a := &stubApplier{}
	w := NewApplyCallbackWorker(a, nil)
	require.NoError(t, w.Work(context.Background(), job(ApplyCallbackArgs{ProviderTaskID: "t2", Code: 400, Payload: pl})))
	require.Len(t, a.got, 1)
	assert.Equal(t, "t2", a.got[0].Data.TaskID)

	a.err = errors.New("db down")
	err := w.Work(context.Background(), job(ApplyCallbackArgs{ProviderTaskID: "t2", Code: 400, Payload: pl}))
	assert.ErrorIs(t, err, a.err)
}

func TestApplyCallbackArgs_InsertOpts(t *testing.T) {
	opts := ApplyCallbackArgs{}.InsertOpts()
	assert.Equal(t, 12, opts.MaxAttempts)
	assert.True(t, opts.UniqueOpts.ByArgs)
	assert.Equal(t, 24*time.Hour, opts.UniqueOpts.ByPeriod)
	assert.Equal(t, "apply_provider_callback", ApplyCallbackArgs{}.Kind())
}

func TestRiverEnqueuer(t *testing.T) {
	ins := &stubInserter{}
	e := NewRiverEnqueuer(ins, nil)
	pl := callback.Payload{Code: 200, Data: callback.PayloadData{TaskID: "t1"}}

	require.NoError(t, e.EnqueueApply(context.Background(), pl))
	require.Len(t, ins.args, 1)
	args, ok := ins.args[0].(ApplyCallbackArgs)
	require.True(t, ok)
	assert.Equal(t, "t1", args.ProviderTaskID)
	assert.Equal(t, 200, args.Code)

	ins.dup = true
	assert.NoError(t, e.EnqueueApply(context.Background(), pl))

	ins.err = errors.New("pool closed")
	assert.Error(t, e.EnqueueApply(context.Background(), pl))
}

func TestMonthlyReset(t *testing.T) {
	w := NewMonthlyResetWorker(stubResetter{n: 3}, nil)
	err := w.Work(context.Background(), &river.Job[MonthlyResetArgs]{JobRow: &rivertype.JobRow{ID: 2}})
	assert.NoError(t, err)

	jobs, err := PeriodicJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRegisterWorkers(t *testing.T) {
	workers := river.NewWorkers()
	RegisterWorkers(workers, &stubApplier{}, stubResetter{}, nil)
}
