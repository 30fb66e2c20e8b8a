package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/makerlane/backend/internal/models"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Update carries the fields written together with a status change. Nil fields
// are left untouched.
type Update struct {
	ErrorType       *string
	ErrorMessage    *string
	ResultURL       *string
	SourceResultURL *string
	CompletedAt     *time.Time
}

// Store persists enhancement tasks. Lookups return ErrTaskNotFound when no row matches.
type Store interface {
	InsertTask(ctx context.Context, t *models.EnhancementTask) error
	GetTaskByAPITaskID(ctx context.Context, apiTaskID string) (*models.EnhancementTask, error)
	GetTaskByID(ctx context.Context, id uuid.UUID) (*models.EnhancementTask, error)
	// CompareAndSetStatus moves the task from `from` to `to` only if its stored
	// status is still `from`. It returns the stored row and whether it changed.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to string, u Update) (*models.EnhancementTask, bool, error)
	// SetAPITaskID records the provider id on a task that has none yet.
	SetAPITaskID(ctx context.Context, id uuid.UUID, apiTaskID string) error
	ListStaleTasks(ctx context.Context, status string, olderThan time.Time, limit int) ([]*models.EnhancementTask, error)
}

// NewTask is the input to Create. ID may be zero, in which case one is generated.
type NewTask struct {
	ID              uuid.UUID
	APITaskID       string
	UserID          uuid.UUID
	CreditsConsumed int64
	Provider        string
}

type Registry struct {
	store Store
	log   *slog.Logger
}

func NewRegistry(store Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: store, log: log}
}

// Create registers a submitted task as processing.
func (r *Registry) Create(ctx context.Context, in NewTask) (*models.EnhancementTask, error) {
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("create task: user id required")
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	t := &models.EnhancementTask{
		ID:              in.ID,
		UserID:          in.UserID,
		Status:          models.TaskStatusProcessing,
		CreditsConsumed: in.CreditsConsumed,
		Provider:        in.Provider,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.APITaskID != "" {
		api := in.APITaskID
		t.APITaskID = &api
	}
	if err := r.store.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// Find resolves an identifier echoed by the provider. It matches api_task_id
// first and then the internal id, since providers echo either.
func (r *Registry) Find(ctx context.Context, providerTaskID string) (*models.EnhancementTask, error) {
	if providerTaskID == "" {
		return nil, ErrTaskNotFound
	}
	t, err := r.store.GetTaskByAPITaskID(ctx, providerTaskID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}
	id, perr := uuid.Parse(providerTaskID)
	if perr != nil {
		return nil, ErrTaskNotFound
	}
	return r.store.GetTaskByID(ctx, id)
}

// AttachAPITaskID stores the provider's id once the provider accepts a task
// that was registered before submission.
func (r *Registry) AttachAPITaskID(ctx context.Context, id uuid.UUID, apiTaskID string) error {
	if apiTaskID == "" {
		return fmt.Errorf("attach api task id: empty id")
	}
	if err := r.store.SetAPITaskID(ctx, id, apiTaskID); err != nil {
		return fmt.Errorf("attach api task id to %s: %w", id, err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.EnhancementTask, error) {
	return r.store.GetTaskByID(ctx, id)
}

// validNext lists the forward edges of the task state machine.
var validNext = map[string][]string{
	models.TaskStatusPending:    {models.TaskStatusProcessing},
	models.TaskStatusProcessing: {models.TaskStatusCompleted, models.TaskStatusFailed},
}

func canTransition(from, to string) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves t to status with the given fields. A task that is already
// terminal, or that became terminal concurrently, is left as stored and
// applied is false.
func (r *Registry) Transition(ctx context.Context, t *models.EnhancementTask, status string, u Update) (*models.EnhancementTask, bool, error) {
	if t.IsTerminal() {
		return t, false, nil
	}
	if !canTransition(t.Status, status) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}
	if models.IsTerminalStatus(status) && u.CompletedAt == nil {
		now := time.Now().UTC()
		u.CompletedAt = &now
	}
	stored, applied, err := r.store.CompareAndSetStatus(ctx, t.ID, t.Status, status, u)
	if err != nil {
		return nil, false, fmt.Errorf("transition task %s: %w", t.ID, err)
	}
	if !applied {
		r.log.Info("task transition lost race", "task_id", t.ID, "from", t.Status, "to", status, "stored_status", stored.Status)
	}
	return stored, applied, nil
}

// ListStale returns tasks still processing that were created before olderThan.
func (r *Registry) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*models.EnhancementTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.store.ListStaleTasks(ctx, models.TaskStatusProcessing, time.Now().UTC().Add(-olderThan), limit)
}
