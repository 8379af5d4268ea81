// Package handler implements the HTTP handlers of the script runner API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loopbreaker/scriptrunner/internal/api/response"
	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

const (
	defaultListLimit = 50
	maxRequestBody   = 1 << 20
)

// Dispatcher validates and starts jobs.
type Dispatcher interface {
	Validate(req models.JobRequest) error
	Dispatch(id uuid.UUID, req models.JobRequest)
}

// Jobs serves the /jobs resource.
type Jobs struct {
	manager       *jobs.Manager
	dispatcher    Dispatcher
	maxConcurrent int
}

// NewJobs creates the job handlers. maxConcurrent bounds the number of
// running jobs across all script types.
func NewJobs(manager *jobs.Manager, dispatcher Dispatcher, maxConcurrent int) *Jobs {
	return &Jobs{manager: manager, dispatcher: dispatcher, maxConcurrent: maxConcurrent}
}

type jobListResponse struct {
	Jobs  []*models.Job `json:"jobs"`
	Total int           `json:"total"`
}

// Create handles POST /jobs. The job is returned in pending state and runs in
// the background.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if err := h.dispatcher.Validate(req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	// The checks and Create are not atomic; two simultaneous requests can
	// both pass them.
	if running := h.manager.RunningJobs(req.ScriptType); len(running) > 0 {
		response.Error(w, http.StatusConflict, "JOB_ALREADY_RUNNING",
			fmt.Sprintf("A %s job is already running. Job ID: %s", req.ScriptType, running[0].ID),
			map[string]string{"job_id": running[0].ID.String()})
		return
	}
	if h.maxConcurrent > 0 && len(h.manager.RunningJobs("")) >= h.maxConcurrent {
		response.Error(w, http.StatusConflict, "TOO_MANY_JOBS",
			fmt.Sprintf("%d jobs are already running", h.maxConcurrent), nil)
		return
	}

	id := h.manager.Create(r.Context(), req.ScriptType)
	job, err := h.manager.Get(id)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	h.dispatcher.Dispatch(id, req)

	slog.Info("job created", "job_id", id, "script_type", req.ScriptType, "dry_run", req.DryRun)
	response.Created(w, job)
}

// List handles GET /jobs?limit=N.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	list := h.manager.List(limit)
	response.JSON(w, jobListResponse{Jobs: list, Total: len(list)})
}

// Get handles GET /jobs/{jobID}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.manager.Get(id)
	if errors.Is(err, jobs.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	response.JSON(w, job)
}

// Cancel handles POST /jobs/{jobID}/cancel. Only running jobs can be
// cancelled; the executor stops at its next checkpoint.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.manager.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrNotRunning):
		current, _ := h.manager.Get(id)
		status := "unknown"
		if current != nil {
			status = string(current.Status)
		}
		response.Error(w, http.StatusBadRequest, "JOB_NOT_RUNNING",
			fmt.Sprintf("Cannot cancel job with status '%s'. Only running jobs can be cancelled.", status), nil)
	case err != nil:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
	default:
		slog.Info("job cancelled", "job_id", id, "script_type", job.ScriptType)
		response.JSON(w, job)
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
		return uuid.Nil, false
	}
	return id, true
}
