package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/makerlane/backend/internal/enhance"
	"github.com/makerlane/backend/internal/ledger"
	"github.com/makerlane/backend/internal/middleware"
	"github.com/makerlane/backend/internal/models"
	"github.com/makerlane/backend/internal/tasks"
	"github.com/makerlane/backend/internal/validate"
)

type Enhancer interface {
	Submit(ctx context.Context, userID uuid.UUID, req enhance.Request) (*models.EnhancementTask, error)
	Get(ctx context.Context, userID, taskID uuid.UUID) (*models.EnhancementTask, error)
}

// EnhancementHandler serves /enhancements endpoints.
type EnhancementHandler struct {
	svc       Enhancer
	validator BodyValidator
	log       *slog.Logger
}

func NewEnhancementHandler(svc Enhancer, v BodyValidator, log *slog.Logger) *EnhancementHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EnhancementHandler{svc: svc, validator: v, log: log}
}

type failedSubmissionResponse struct {
	Error string                  `json:"error"`
	Task  *models.EnhancementTask `json:"task,omitempty"`
}

// Submit handles POST /enhancements.
func (h *EnhancementHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req enhance.Request
	if !decodeValidated(w, r, h.validator, validate.Enhancement, &req) {
		return
	}

	task, err := h.svc.Submit(r.Context(), userID, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, task)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, enhance.ErrSubmissionFailed):
		writeJSON(w, http.StatusBadGateway, failedSubmissionResponse{Error: "generation failed", Task: task})
	default:
		h.log.Error("submit enhancement", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Get handles GET /enhancements/{id}.
func (h *EnhancementHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := h.svc.Get(r.Context(), userID, taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.log.Error("get enhancement", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, task)
}
