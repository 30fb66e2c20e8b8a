package models

import (
	"time"

	"github.com/google/uuid"
)

// Enhancement task statuses. Completed and failed are terminal.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Failure classifications recorded in enhancement_tasks.error_type and used as
// keys of the refund policy table.
const (
	ErrorTypeContentPolicy    = "content_policy_violation"
	ErrorTypeServerError      = "server_error"
	ErrorTypeGenerationFailed = "generation_failed"
	ErrorTypeMissingResult    = "missing_result"
	ErrorTypeSubmissionFailed = "submission_failed"
	ErrorTypeUnknown          = "unknown_error"
)

// EnhancementTask tracks one asynchronous generation request. APITaskID is issued
// by the provider and may be nil until the provider accepts the request.
type EnhancementTask struct {
	ID              uuid.UUID  `json:"id"`
	APITaskID       *string    `json:"api_task_id,omitempty"`
	UserID          uuid.UUID  `json:"user_id"`
	Status          string     `json:"status"`
	CreditsConsumed int64      `json:"credits_consumed"`
	Provider        string     `json:"provider"`
	ErrorType       *string    `json:"error_type,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	ResultURL       *string    `json:"result_url,omitempty"`
	SourceResultURL *string    `json:"source_result_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// IsTerminalStatus reports whether status admits no further transitions.
func IsTerminalStatus(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed
}

// IsTerminal reports whether the task has reached completed or failed.
func (t *EnhancementTask) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}
