package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
)

// MonthlyResetSchedule runs at midnight UTC on the first of each month.
const MonthlyResetSchedule = "0 0 1 * *"

type MonthlyResetArgs struct{}

func (MonthlyResetArgs) Kind() string { return "reset_monthly_consumption" }

type MonthlyResetter interface {
	ResetMonthlyConsumption(ctx context.Context) (int64, error)
}

type MonthlyResetWorker struct {
	river.WorkerDefaults[MonthlyResetArgs]
	ledger MonthlyResetter
	log    *slog.Logger
}

func NewMonthlyResetWorker(l MonthlyResetter, log *slog.Logger) *MonthlyResetWorker {
	if log == nil {
		log = slog.Default()
	}
	return &MonthlyResetWorker{ledger: l, log: log}
}

func (w *MonthlyResetWorker) Work(ctx context.Context, job *river.Job[MonthlyResetArgs]) error {
	n, err := w.ledger.ResetMonthlyConsumption(ctx)
	if err != nil {
		return err
	}
	w.log.Info("monthly allowance window reset", "job_id", job.ID, "users", n)
	return nil
}

// PeriodicJobs returns the river periodic jobs for the api process.
func PeriodicJobs() ([]*river.PeriodicJob, error) {
	schedule, err := cron.ParseStandard(MonthlyResetSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse monthly reset schedule: %w", err)
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			schedule,
			func() (river.JobArgs, *river.InsertOpts) {
				return MonthlyResetArgs{}, nil
			},
			nil,
		),
	}, nil
}

// RegisterWorkers adds every worker this service runs.
func RegisterWorkers(workers *river.Workers, applier Applier, resetter MonthlyResetter, log *slog.Logger) {
	river.AddWorker(workers, NewApplyCallbackWorker(applier, log))
	river.AddWorker(workers, NewMonthlyResetWorker(resetter, log))
}
