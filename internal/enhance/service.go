// Package enhance submits image enhancement requests: it charges the user,
// registers the task and hands it to the provider.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/provider"
	"github.com/makerlane/backend/internal/refund"
	"github.com/makerlane/backend/internal/tasks"
)

// ErrSubmissionFailed means the provider did not accept the task. The task is
// recorded as failed and refunded per policy.
var ErrSubmissionFailed = errors.New("enhancement submission failed")

type Request struct {
	ImageURL     string `json:"imageUrl"`
	Prompt       string `json:"prompt,omitempty"`
	OutputFormat string `json:"outputFormat,omitempty"`
}

type Ledger interface {
	Consume(ctx context.Context, userID uuid.UUID, credits int64, taskID uuid.UUID) (int64, error)
	Refund(ctx context.Context, userID, taskID uuid.UUID, amount int64, reason string) (int64, error)
}

type Registry interface {
	Create(ctx context.Context, in tasks.NewTask) (*models.EnhancementTask, error)
	AttachAPITaskID(ctx context.Context, id uuid.UUID, apiTaskID string) error
	Transition(ctx context.Context, t *models.EnhancementTask, status string, u tasks.Update) (*models.EnhancementTask, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*models.EnhancementTask, error)
}

type Provider interface {
	CreateTask(ctx context.Context, req provider.CreateTaskRequest) (string, error)
}

type PolicyEngine interface {
	Decide(errorType string, creditsConsumed int64) refund.Decision
}

type Service struct {
	ledger       Ledger
	registry     Registry
	provider     Provider
	policies     PolicyEngine
	cost         int64
	providerName string
	log          *slog.Logger
}

func NewService(l Ledger, reg Registry, p Provider, pe PolicyEngine, cost int64, providerName string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cost <= 0 {
		cost = 1
	}
	return &Service{ledger: l, registry: reg, provider: p, policies: pe, cost: cost, providerName: providerName, log: log}
}

// Cost is the number of user credits charged per submission.
func (s *Service) Cost() int64 { return s.cost }

// Submit charges the user and submits the task. The task is registered before
// the provider sees it so that an early callback always finds it.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, req Request) (*models.EnhancementTask, error) {
	taskID := uuid.New()
	if _, err := s.ledger.Consume(ctx, userID, s.cost, taskID); err != nil {
		return nil, err
	}

	task, err := s.registry.Create(ctx, tasks.NewTask{
		ID:              taskID,
		UserID:          userID,
		CreditsConsumed: s.cost,
		Provider:        s.providerName,
	})
	if err != nil {
		s.log.Error("register task after charge failed, needs reconciliation",
			"task_id", taskID, "user_id", userID, "credits", s.cost, "error", err)
		return nil, err
	}

	apiTaskID, err := s.provider.CreateTask(ctx, provider.CreateTaskRequest{
		ImageURL:     req.ImageURL,
		Prompt:       req.Prompt,
		OutputFormat: req.OutputFormat,
		ClientTaskID: taskID.String(),
	})
	if err != nil {
		return s.rejectSubmission(ctx, task, err)
	}

	if err := s.registry.AttachAPITaskID(ctx, task.ID, apiTaskID); err != nil {
		// the provider also echoes our id, so callbacks still resolve
		s.log.Error("attach provider task id", "task_id", task.ID, "api_task_id", apiTaskID, "error", err)
	} else {
		task.APITaskID = &apiTaskID
	}
	s.log.Info("enhancement submitted", "task_id", task.ID, "api_task_id", apiTaskID, "user_id", userID)
	return task, nil
}

func (s *Service) rejectSubmission(ctx context.Context, task *models.EnhancementTask, cause error) (*models.EnhancementTask, error) {
	errorType := models.ErrorTypeSubmissionFailed
	msg := cause.Error()
	failed, _, err := s.registry.Transition(ctx, task, models.TaskStatusFailed, tasks.Update{ErrorType: &errorType, ErrorMessage: &msg})
	if err != nil {
		s.log.Error("mark rejected task failed", "task_id", task.ID, "error", err)
		failed = task
	}

	d := s.policies.Decide(errorType, task.CreditsConsumed)
	if d.ShouldRefund {
		if _, err := s.ledger.Refund(ctx, task.UserID, task.ID, d.Amount, errorType); err != nil {
			s.log.Error("refund after rejected submission failed, needs reconciliation",
				"task_id", task.ID, "user_id", task.UserID, "amount", d.Amount, "error", err)
		}
	}
	s.log.Warn("provider rejected enhancement", "task_id", task.ID, "refund", d.Amount, "error", cause)
	return failed, fmt.Errorf("%w: %v", ErrSubmissionFailed, cause)
}

// Get returns the task if it belongs to userID.
func (s *Service) Get(ctx context.Context, userID, taskID uuid.UUID) (*models.EnhancementTask, error) {
	t, err := s.registry.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, tasks.ErrTaskNotFound
	}
	return t, nil
}
