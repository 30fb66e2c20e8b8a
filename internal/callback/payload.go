package callback

import (
	"strings"

	"github.com/makerlane/backend/internal/models"
)

// Provider status codes.
const (
	CodeSuccess          = 200
	CodeContentPolicy    = 400
	CodeServerError      = 500
	CodeGenerationFailed = 501
)

// Payload is the provider's webhook body.
type Payload struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data PayloadData `json:"data"`
}

type PayloadData struct {
	TaskID string      `json:"taskId"`
	Info   *ResultInfo `json:"info,omitempty"`
}

type ResultInfo struct {
	ResultImageURL *string `json:"resultImageUrl,omitempty"`
}

// ResultURL returns the trimmed result URL, or "" when absent.
func (p Payload) ResultURL() string {
	if p.Data.Info == nil || p.Data.Info.ResultImageURL == nil {
		return ""
	}
	return strings.TrimSpace(*p.Data.Info.ResultImageURL)
}

// Classify maps a provider code to the task's terminal status and, for
// failures, its error type.
func Classify(code int, hasResult bool) (status, errorType string) {
	switch code {
	case CodeSuccess:
		if hasResult {
			return models.TaskStatusCompleted, ""
		}
		return models.TaskStatusFailed, models.ErrorTypeMissingResult
	case CodeContentPolicy:
		return models.TaskStatusFailed, models.ErrorTypeContentPolicy
	case CodeServerError:
		return models.TaskStatusFailed, models.ErrorTypeServerError
	case CodeGenerationFailed:
		return models.TaskStatusFailed, models.ErrorTypeGenerationFailed
	default:
		return models.TaskStatusFailed, models.ErrorTypeUnknown
	}
}
