package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/lifecycle"
	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/store"
)

// TaskHandler exposes task submission, status query and the agent status
// report endpoint.
type TaskHandler struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	logger    *zap.Logger
}

// NewTaskHandler creates a task handler.
func NewTaskHandler(st store.Store, lm *lifecycle.Manager, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		store:     st,
		lifecycle: lm,
		logger:    logger.Named("task_handler"),
	}
}

// Routes returns the chi router for /tasks.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.submit)
	r.Get("/", h.list)
	r.Get("/{taskID}", h.get)
	r.Post("/{taskID}/status", h.reportStatus)
	return r
}

func (h *TaskHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, "Invalid JSON payload", err)
		return
	}
	if err := req.Validate(); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	task := models.NewTask(req.OwnerID, req.Image)
	task.InputRef = req.InputRef
	task.ScriptRef = req.ScriptRef
	task.OutputRef = req.OutputRef
	task.Env = req.Env

	if err := h.store.CreateTask(r.Context(), task); err != nil {
		respondWithError(h.logger, w, http.StatusServiceUnavailable, "Failed to queue task", err)
		return
	}

	h.logger.Info("Task submitted",
		zap.String("task_id", task.ID.String()),
		zap.String("owner_id", task.OwnerID),
		zap.String("image", task.Image),
	)
	respondWithJSON(h.logger, w, http.StatusCreated, map[string]string{
		"task_id": task.ID.String(),
		"message": "Task submitted and queued.",
	})
}

func (h *TaskHandler) get(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			respondWithError(h.logger, w, http.StatusNotFound, "Task not found", nil)
			return
		}
		respondWithError(h.logger, w, http.StatusInternalServerError, "Failed to get task", err)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, task)
}

func (h *TaskHandler) list(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		respondWithError(h.logger, w, http.StatusBadRequest, "Unknown status filter", nil)
		return
	}

	tasks, err := h.store.ListTasks(r.Context(), status)
	if err != nil {
		respondWithError(h.logger, w, http.StatusInternalServerError, "Failed to list tasks", err)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, tasks)
}

// reportStatus is the agent's feedback channel; it shares transport with
// polling so a provider needs exactly one outbound connection.
func (h *TaskHandler) reportStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	var report models.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, "Invalid JSON payload", err)
		return
	}

	task, err := h.lifecycle.Report(r.Context(), taskID, &report)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTaskNotFound):
			respondWithError(h.logger, w, http.StatusNotFound, "Task not found", nil)
		case errors.Is(err, models.ErrInvalidStatus):
			respondWithError(h.logger, w, http.StatusBadRequest, err.Error(), nil)
		default:
			respondWithError(h.logger, w, http.StatusInternalServerError, "Failed to apply status report", err)
		}
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, map[string]string{
		"message": "Task status updated.",
		"status":  string(task.Status),
	})
}
