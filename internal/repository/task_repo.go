package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/tasks"
)

// ErrDuplicateTask is returned when a task id or provider task id is already taken.
var ErrDuplicateTask = errors.New("duplicate task")

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

var _ tasks.Store = (*TaskRepo)(nil)

const taskColumns = `id, api_task_id, user_id, status, credits_consumed, provider, error_type, error_message, result_url, source_result_url, created_at, updated_at, completed_at`

func scanTask(row pgx.Row) (*models.EnhancementTask, error) {
	var t models.EnhancementTask
	err := row.Scan(&t.ID, &t.APITaskID, &t.UserID, &t.Status, &t.CreditsConsumed, &t.Provider,
		&t.ErrorType, &t.ErrorMessage, &t.ResultURL, &t.SourceResultURL, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tasks.ErrTaskNotFound
		}
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *TaskRepo) InsertTask(ctx context.Context, t *models.EnhancementTask) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO enhancement_tasks (id, api_task_id, user_id, status, credits_consumed, provider)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, t.ID, t.APITaskID, t.UserID, t.Status, t.CreditsConsumed, t.Provider).Scan(&t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	return err
}

func (r *TaskRepo) GetTaskByAPITaskID(ctx context.Context, apiTaskID string) (*models.EnhancementTask, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM enhancement_tasks WHERE api_task_id = $1`, apiTaskID))
}

func (r *TaskRepo) GetTaskByID(ctx context.Context, id uuid.UUID) (*models.EnhancementTask, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM enhancement_tasks WHERE id = $1`, id))
}

// CompareAndSetStatus only updates a row whose status is still `from`; on a
// lost race it returns the row as stored.
func (r *TaskRepo) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to string, u tasks.Update) (*models.EnhancementTask, bool, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `
		UPDATE enhancement_tasks
		SET status = $3,
		    error_type = COALESCE($4, error_type),
		    error_message = COALESCE($5, error_message),
		    result_url = COALESCE($6, result_url),
		    source_result_url = COALESCE($7, source_result_url),
		    completed_at = COALESCE($8, completed_at),
		    updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+taskColumns,
		id, from, to, u.ErrorType, u.ErrorMessage, u.ResultURL, u.SourceResultURL, u.CompletedAt))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, tasks.ErrTaskNotFound) {
		return nil, false, err
	}
	current, err := r.GetTaskByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *TaskRepo) SetAPITaskID(ctx context.Context, id uuid.UUID, apiTaskID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE enhancement_tasks SET api_task_id = $2, updated_at = now()
		WHERE id = $1 AND api_task_id IS NULL
	`, id, apiTaskID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: api task id %s", ErrDuplicateTask, apiTaskID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetTaskByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s already has a provider id", ErrDuplicateTask, id)
	}
	return nil
}

func (r *TaskRepo) ListStaleTasks(ctx context.Context, status string, olderThan time.Time, limit int) ([]*models.EnhancementTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM enhancement_tasks WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, status, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EnhancementTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
