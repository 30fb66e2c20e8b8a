package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/makerlane/backend/internal/callback"
)

const (
	applyMaxAttempts = 12
	applyUniqueFor   = 24 * time.Hour
	applyTimeout     = 2 * time.Minute
)

// ApplyCallbackArgs is one acknowledged provider delivery. Deliveries with the
// same task id and code collapse into one job for 24h.
type ApplyCallbackArgs struct {
	ProviderTaskID string           `json:"provider_task_id" river:"unique"`
	Code           int              `json:"code" river:"unique"`
	Payload        callback.Payload `json:"payload"`
}

func (ApplyCallbackArgs) Kind() string { return "apply_provider_callback" }

func (ApplyCallbackArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: applyMaxAttempts,
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: applyUniqueFor,
		},
	}
}

// Applier is the apply phase of the callback processor.
type Applier interface {
	Apply(ctx context.Context, p callback.Payload) (callback.ApplyResult, error)
}

type ApplyCallbackWorker struct {
	river.WorkerDefaults[ApplyCallbackArgs]
	applier Applier
	log     *slog.Logger
}

func NewApplyCallbackWorker(a Applier, log *slog.Logger) *ApplyCallbackWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ApplyCallbackWorker{applier: a, log: log}
}

func (w *ApplyCallbackWorker) Timeout(*river.Job[ApplyCallbackArgs]) time.Duration {
	return applyTimeout
}

// Work returns the apply error so river retries the delivery with backoff.
func (w *ApplyCallbackWorker) Work(ctx context.Context, job *river.Job[ApplyCallbackArgs]) error {
	_, err := w.applier.Apply(ctx, job.Args.Payload)
	if err != nil {
		w.log.Warn("callback apply failed, will retry",
			"job_id", job.ID, "attempt", job.Attempt, "provider_task_id", job.Args.ProviderTaskID,
			"code", job.Args.Code, "error", err)
		return fmt.Errorf("apply callback for %s: %w", job.Args.ProviderTaskID, err)
	}
	return nil
}

// Inserter is satisfied by *river.Client[pgx.Tx].
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverEnqueuer puts accepted callbacks on the durable queue.
type RiverEnqueuer struct {
	client Inserter
	log    *slog.Logger
}

func NewRiverEnqueuer(client Inserter, log *slog.Logger) *RiverEnqueuer {
	if log == nil {
		log = slog.Default()
	}
	return &RiverEnqueuer{client: client, log: log}
}

func (e *RiverEnqueuer) EnqueueApply(ctx context.Context, p callback.Payload) error {
	res, err := e.client.Insert(ctx, ApplyCallbackArgs{ProviderTaskID: p.Data.TaskID, Code: p.Code, Payload: p}, nil)
	if err != nil {
		return fmt.Errorf("enqueue callback apply: %w", err)
	}
	if res.UniqueSkippedAsDuplicate {
		e.log.Info("duplicate callback already queued", "provider_task_id", p.Data.TaskID, "code", p.Code, "job_id", res.Job.ID)
	}
	return nil
}
