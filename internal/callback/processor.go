// Package callback processes the upstream provider's task webhook in two
// phases. Acknowledge only checks the payload shape and never fails the HTTP
// exchange. Apply performs the task transition, result re-hosting and refund,
// and is safe to run any number of times for the same delivery.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/makerlane/backend/internal/ledger"
	"github.com/makerlane/backend/internal/metrics"
	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/refund"
	"github.com/makerlane/backend/internal/tasks"
	"github.com/makerlane/backend/internal/validate"
)

// Outcome labels the effect of one Apply call.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeHealed       Outcome = "healed"
	OutcomeTaskNotFound Outcome = "task_not_found"
)

// AckResult is the synchronous answer to a delivery. The provider always
// receives 200; Accepted only decides whether the payload is queued.
type AckResult struct {
	Accepted bool
	Payload  Payload
	Reason   string
}

// ApplyResult describes what Apply did.
type ApplyResult struct {
	Outcome   Outcome          `json:"outcome"`
	TaskID    uuid.UUID        `json:"task_id,omitempty"`
	Status    string           `json:"status,omitempty"`
	ErrorType string           `json:"error_type,omitempty"`
	Decision  *refund.Decision `json:"decision,omitempty"`
	Refunded  bool             `json:"refunded"`
	Rehosted  bool             `json:"rehosted"`
}

// Enqueuer hands an accepted payload to the durable apply queue.
type Enqueuer interface {
	EnqueueApply(ctx context.Context, p Payload) error
}

type Validator interface {
	Validate(name string, body []byte) error
}

type TaskRegistry interface {
	Find(ctx context.Context, providerTaskID string) (*models.EnhancementTask, error)
	Transition(ctx context.Context, t *models.EnhancementTask, status string, u tasks.Update) (*models.EnhancementTask, bool, error)
}

type Refunder interface {
	Refund(ctx context.Context, userID, taskID uuid.UUID, amount int64, reason string) (int64, error)
}

type Rehoster interface {
	Rehost(ctx context.Context, userID, taskID uuid.UUID, sourceURL string) (string, error)
}

type PolicyEngine interface {
	Decide(errorType string, creditsConsumed int64) refund.Decision
}

type Processor struct {
	validator Validator
	registry  TaskRegistry
	ledger    Refunder
	rehoster  Rehoster
	policies  PolicyEngine
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// NewProcessor wires the processor. rehoster may be nil, in which case
// results keep the provider URL.
func NewProcessor(v Validator, reg TaskRegistry, l Refunder, rh Rehoster, pe PolicyEngine, m *metrics.Metrics, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{validator: v, registry: reg, ledger: l, rehoster: rh, policies: pe, metrics: m, log: log}
}

// Acknowledge validates the delivery body. It never returns an error.
func (p *Processor) Acknowledge(body []byte) AckResult {
	if err := p.validator.Validate(validate.ProviderCallback, body); err != nil {
		return AckResult{Reason: err.Error()}
	}
	var pl Payload
	if err := json.Unmarshal(body, &pl); err != nil {
		return AckResult{Reason: err.Error()}
	}
	return AckResult{Accepted: true, Payload: pl}
}

// Apply moves the referenced task to its terminal state and settles any
// refund. A non-nil error means the delivery should be retried.
func (p *Processor) Apply(ctx context.Context, pl Payload) (ApplyResult, error) {
	res, err := p.apply(ctx, pl)
	if err == nil {
		p.metrics.ObserveApply(string(res.Outcome))
		p.log.Info("provider callback applied",
			"provider_task_id", pl.Data.TaskID, "code", pl.Code, "outcome", res.Outcome,
			"task_id", res.TaskID, "error_type", res.ErrorType, "refunded", res.Refunded, "rehosted", res.Rehosted)
	}
	return res, err
}

func (p *Processor) apply(ctx context.Context, pl Payload) (ApplyResult, error) {
	task, err := p.registry.Find(ctx, pl.Data.TaskID)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		p.log.Warn("callback for unknown task dropped", "provider_task_id", pl.Data.TaskID, "code", pl.Code)
		return ApplyResult{Outcome: OutcomeTaskNotFound}, nil
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("find task %q: %w", pl.Data.TaskID, err)
	}
	if task.IsTerminal() {
		return p.replay(ctx, task)
	}

	if task.Status == models.TaskStatusPending {
		task, _, err = p.registry.Transition(ctx, task, models.TaskStatusProcessing, tasks.Update{})
		if err != nil {
			return ApplyResult{}, err
		}
		if task.IsTerminal() {
			return p.replay(ctx, task)
		}
	}

	status, errorType := Classify(pl.Code, pl.ResultURL() != "")
	if status == models.TaskStatusCompleted {
		return p.complete(ctx, task, pl.ResultURL())
	}
	return p.fail(ctx, task, errorType, pl.Msg, pl.Code)
}

func (p *Processor) complete(ctx context.Context, task *models.EnhancementTask, sourceURL string) (ApplyResult, error) {
	resultURL := sourceURL
	rehosted := false
	if p.rehoster != nil {
		u, err := p.rehoster.Rehost(ctx, task.UserID, task.ID, sourceURL)
		if err != nil {
			p.log.Warn("result rehost failed, keeping provider url", "task_id", task.ID, "error", err)
		} else {
			resultURL = u
			rehosted = true
		}
	}

	stored, applied, err := p.registry.Transition(ctx, task, models.TaskStatusCompleted, tasks.Update{
		ResultURL:       &resultURL,
		SourceResultURL: &sourceURL,
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if !applied {
		return p.replay(ctx, stored)
	}
	return ApplyResult{
		Outcome:  OutcomeCompleted,
		TaskID:   stored.ID,
		Status:   stored.Status,
		Rehosted: rehosted,
	}, nil
}

func (p *Processor) fail(ctx context.Context, task *models.EnhancementTask, errorType, msg string, code int) (ApplyResult, error) {
	if errorType == models.ErrorTypeUnknown {
		p.log.Warn("unrecognized provider code, task needs manual review", "task_id", task.ID, "code", code, "msg", msg)
	}
	u := tasks.Update{ErrorType: &errorType}
	if msg != "" {
		u.ErrorMessage = &msg
	}
	stored, applied, err := p.registry.Transition(ctx, task, models.TaskStatusFailed, u)
	if err != nil {
		return ApplyResult{}, err
	}
	if !applied {
		return p.replay(ctx, stored)
	}

	res := ApplyResult{Outcome: OutcomeFailed, TaskID: stored.ID, Status: stored.Status, ErrorType: errorType}
	d, refunded, err := p.settleRefund(ctx, stored)
	res.Decision = d
	res.Refunded = refunded
	return res, err
}

// replay handles a delivery for a task that is already terminal. Nothing about
// the task changes; a failed task gets its refund step re-run so a crash
// between transition and refund heals on the next delivery.
func (p *Processor) replay(ctx context.Context, task *models.EnhancementTask) (ApplyResult, error) {
	res := ApplyResult{Outcome: OutcomeDuplicate, TaskID: task.ID, Status: task.Status}
	if task.ErrorType != nil {
		res.ErrorType = *task.ErrorType
	}
	if task.Status != models.TaskStatusFailed {
		p.log.Info("duplicate callback for terminal task", "task_id", task.ID, "status", task.Status)
		return res, nil
	}
	d, refunded, err := p.settleRefund(ctx, task)
	res.Decision = d
	res.Refunded = refunded
	if refunded {
		res.Outcome = OutcomeHealed
	}
	return res, err
}

// settleRefund applies the policy decision for a failed task. It reports
// whether this call created the refund.
func (p *Processor) settleRefund(ctx context.Context, task *models.EnhancementTask) (*refund.Decision, bool, error) {
	errorType := ""
	if task.ErrorType != nil {
		errorType = *task.ErrorType
	}
	d := p.policies.Decide(errorType, task.CreditsConsumed)
	if !d.Matched {
		p.metrics.ObserveRefund("no_policy", 0)
		p.log.Warn("no refund policy for error type, task needs manual review",
			"task_id", task.ID, "error_type", errorType, "credits_consumed", task.CreditsConsumed)
		return &d, false, nil
	}
	if !d.ShouldRefund {
		p.metrics.ObserveRefund("declined", 0)
		return &d, false, nil
	}

	_, err := p.ledger.Refund(ctx, task.UserID, task.ID, d.Amount, errorType)
	if errors.Is(err, ledger.ErrAlreadyRefunded) {
		return &d, false, nil
	}
	if err != nil {
		p.log.Error("refund failed, needs reconciliation",
			"task_id", task.ID, "user_id", task.UserID, "amount", d.Amount, "error_type", errorType, "error", err)
		return &d, false, fmt.Errorf("refund task %s: %w", task.ID, err)
	}
	return &d, true, nil
}
