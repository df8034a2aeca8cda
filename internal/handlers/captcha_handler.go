package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
	"github.com/ternarybob/venator/internal/services/captcha"
)

// CaptchaHandler exposes the manual-solve task board
type CaptchaHandler struct {
	captcha interfaces.CaptchaTaskService
	logger  arbor.ILogger
}

// NewCaptchaHandler creates a new captcha handler
func NewCaptchaHandler(service interfaces.CaptchaTaskService, logger arbor.ILogger) *CaptchaHandler {
	return &CaptchaHandler{
		captcha: service,
		logger:  logger,
	}
}

// ListTasksHandler handles GET /api/captcha/tasks
// Supports status, domain, limit and offset query parameters. Tasks come
// back ordered by (priority desc, created_at asc).
func (h *CaptchaHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	filter := interfaces.TaskFilter{
		Status: models.TaskStatus(r.URL.Query().Get("status")),
		Domain: r.URL.Query().Get("domain"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	tasks, total, err := h.captcha.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list captcha tasks")
		WriteError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": total,
	})
}

type createTaskRequest struct {
	URL           string `json:"url"`
	ChallengeType string `json:"challenge_type"`
	ProxyURL      string `json:"proxy_url,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	Priority      int    `json:"priority,omitempty"`
}

// CreateTaskHandler handles POST /api/captcha/tasks
func (h *CaptchaHandler) CreateTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.URL == "" {
		WriteError(w, http.StatusBadRequest, "url is required")
		return
	}

	task, err := h.captcha.Create(r.Context(), interfaces.CreateTaskInput{
		URL:           req.URL,
		ChallengeType: models.ChallengeType(req.ChallengeType),
		ProxyURL:      req.ProxyURL,
		UserAgent:     req.UserAgent,
		Priority:      req.Priority,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("url", req.URL).Msg("Failed to create captcha task")
		WriteError(w, http.StatusInternalServerError, "Failed to create task")
		return
	}

	WriteJSON(w, http.StatusCreated, task)
}

// GetTaskHandler handles GET /api/captcha/tasks/{uuid}
func (h *CaptchaHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	taskUUID := pathSegment(r, 3) // /api/captcha/tasks/{uuid}
	if taskUUID == "" {
		WriteError(w, http.StatusBadRequest, "Task UUID is required")
		return
	}

	task, err := h.captcha.Get(r.Context(), taskUUID)
	if err != nil {
		h.writeTaskError(w, taskUUID, err)
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// AssignTaskHandler handles POST /api/captcha/tasks/{uuid}/assign
// Assignment is atomic: a concurrent second assign gets a conflict.
func (h *CaptchaHandler) AssignTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	taskUUID := pathSegment(r, 3)
	if taskUUID == "" {
		WriteError(w, http.StatusBadRequest, "Task UUID is required")
		return
	}

	var req struct {
		OperatorID string `json:"operator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.OperatorID == "" {
		WriteError(w, http.StatusBadRequest, "operator_id is required")
		return
	}

	task, err := h.captcha.Assign(r.Context(), taskUUID, req.OperatorID)
	if err != nil {
		h.writeTaskError(w, taskUUID, err)
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

type submitSolutionRequest struct {
	Type    models.SolutionType `json:"type"`
	Payload solutionPayload     `json:"payload"`
}

type solutionPayload struct {
	Cookies   []models.Cookie `json:"cookies,omitempty"`
	Token     string          `json:"token,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// SubmitSolutionHandler handles POST /api/captcha/tasks/{uuid}/solve
// A cookie-bearing solution is cached as a golden ticket for the domain.
func (h *CaptchaHandler) SubmitSolutionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	taskUUID := pathSegment(r, 3)
	if taskUUID == "" {
		WriteError(w, http.StatusBadRequest, "Task UUID is required")
		return
	}

	var req submitSolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	switch req.Type {
	case models.SolutionCookie, models.SolutionToken, models.SolutionSession:
	default:
		WriteError(w, http.StatusBadRequest, "solution type must be cookie, token or session")
		return
	}

	solution := models.SolverResult{
		Type:      req.Type,
		Cookies:   req.Payload.Cookies,
		Token:     req.Payload.Token,
		UserAgent: req.Payload.UserAgent,
		ExpiresAt: req.Payload.ExpiresAt,
	}

	task, err := h.captcha.SubmitSolution(r.Context(), taskUUID, &solution)
	if err != nil {
		h.writeTaskError(w, taskUUID, err)
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// MarkUnsolvableHandler handles POST /api/captcha/tasks/{uuid}/mark-unsolvable
func (h *CaptchaHandler) MarkUnsolvableHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	taskUUID := pathSegment(r, 3)
	if taskUUID == "" {
		WriteError(w, http.StatusBadRequest, "Task UUID is required")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	task, err := h.captcha.MarkUnsolvable(r.Context(), taskUUID, req.Reason)
	if err != nil {
		h.writeTaskError(w, taskUUID, err)
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// GetSessionHandler handles GET /api/captcha/sessions/{domain}
// Returns the cached golden ticket for a domain, if still fresh.
func (h *CaptchaHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	domain := pathSegment(r, 3) // /api/captcha/sessions/{domain}
	if domain == "" {
		WriteError(w, http.StatusBadRequest, "Domain is required")
		return
	}

	ticket, err := h.captcha.GetCachedSession(r.Context(), domain)
	if err != nil {
		h.logger.Error().Err(err).Str("domain", domain).Msg("Failed to load cached session")
		WriteError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if ticket == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"has_session": false})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"has_session": true,
		"session":     ticket,
	})
}

// writeTaskError maps task service errors onto HTTP status codes.
func (h *CaptchaHandler) writeTaskError(w http.ResponseWriter, taskUUID string, err error) {
	switch {
	case errors.Is(err, captcha.ErrTaskNotFound):
		WriteError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, models.ErrTaskNotAssignable),
		errors.Is(err, models.ErrTaskNotSolvable),
		errors.Is(err, models.ErrTaskTerminal):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Str("task_uuid", taskUUID).Msg("Captcha task operation failed")
		WriteError(w, http.StatusInternalServerError, "Task operation failed")
	}
}
