package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// FetchHandler handles fetch job submission and retrieval
type FetchHandler struct {
	queue    interfaces.JobQueue
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewFetchHandler creates a new fetch handler
func NewFetchHandler(queue interfaces.JobQueue, logger arbor.ILogger) *FetchHandler {
	return &FetchHandler{
		queue:    queue,
		validate: validator.New(),
		logger:   logger,
	}
}

// SubmitHandler handles POST /api/fetch
// Accepts a fetch request and queues it; returns the job id immediately.
func (h *FetchHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.FetchRequest
	dec := json.NewDecoder(r.Body)
	// Unknown option fields are rejected rather than silently dropped.
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.CreatedAt = time.Now()
	payload, err := json.Marshal(&req)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to serialize request")
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), "fetch", payload)
	if err != nil {
		h.logger.Error().Err(err).Str("url", req.URL).Msg("Failed to enqueue fetch job")
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("url", req.URL).
		Str("strategy", string(req.Strategy)).
		Msg("Fetch job queued")

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued",
		"job_id": jobID,
	})
}

// StatusHandler handles GET /api/fetch/{id}
func (h *FetchHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := pathSegment(r, 2) // /api/fetch/{id}
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.queue.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	response := map[string]interface{}{
		"job_id":       job.ID,
		"status":       job.Status,
		"enqueue_time": job.EnqueueTime,
	}
	if job.StartTime != nil {
		response["start_time"] = job.StartTime
	}
	if job.FinishTime != nil {
		response["finish_time"] = job.FinishTime
	}
	if job.Error != "" {
		response["error"] = job.Error
	}

	WriteJSON(w, http.StatusOK, response)
}

// ResultHandler handles GET /api/fetch/{id}/result
// The result is only available once the job is complete; retrieval is
// idempotent.
func (h *FetchHandler) ResultHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := pathSegment(r, 2) // /api/fetch/{id}/result
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	result, err := h.queue.Result(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found or not complete")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job result")
		WriteError(w, http.StatusInternalServerError, "Failed to load result")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"status": result.DerivedStatus(),
		"result": result,
	})
}

// CancelHandler handles DELETE /api/fetch/{id}
func (h *FetchHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}

	jobID := pathSegment(r, 2)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	err := h.queue.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		h.logger.Info().Str("job_id", jobID).Msg("Fetch job cancelled")
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, models.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, models.ErrJobConflict):
		WriteError(w, http.StatusConflict, "Job is already running or finished")
	default:
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
		WriteError(w, http.StatusInternalServerError, "Failed to cancel job")
	}
}
