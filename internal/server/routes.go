package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket routes
	mux.HandleFunc("/ws/events", s.app.EventsHandler.StreamHandler)
	mux.HandleFunc("/ws/hitl/", s.app.HITLHandler.StreamHandler) // /ws/hitl/{session_id}

	// API routes - Fetch jobs
	mux.HandleFunc("/api/fetch", s.app.FetchHandler.SubmitHandler) // POST - submit fetch job
	mux.HandleFunc("/api/fetch/", s.handleFetchRoutes)             // GET/DELETE /{id}, GET /{id}/result

	// API routes - CAPTCHA task board
	mux.HandleFunc("/api/captcha/tasks", s.handleTaskCollection)          // GET (list), POST (create)
	mux.HandleFunc("/api/captcha/tasks/", s.handleTaskRoutes)             // /{uuid} and subpaths
	mux.HandleFunc("/api/captcha/sessions/", s.app.CaptchaHandler.GetSessionHandler) // GET /{domain}

	// API routes - HITL sessions
	mux.HandleFunc("/api/hitl/sessions", s.app.HITLHandler.ListSessionsHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.StatusHandler.NotFoundHandler)

	return mux
}

// handleFetchRoutes routes job-related requests to the appropriate handler
func (s *Server) handleFetchRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// GET /api/fetch/{id}/result
	if r.Method == http.MethodGet && strings.HasSuffix(path, "/result") {
		s.app.FetchHandler.ResultHandler(w, r)
		return
	}

	// GET /api/fetch/{id}
	if r.Method == http.MethodGet {
		s.app.FetchHandler.StatusHandler(w, r)
		return
	}

	// DELETE /api/fetch/{id}
	if r.Method == http.MethodDelete {
		s.app.FetchHandler.CancelHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleTaskCollection routes the task collection endpoint by method
func (s *Server) handleTaskCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.CaptchaHandler.ListTasksHandler(w, r)
	case http.MethodPost:
		s.app.CaptchaHandler.CreateTaskHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskRoutes routes per-task requests to the appropriate handler
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == http.MethodPost {
		// POST /api/captcha/tasks/{uuid}/assign
		if strings.HasSuffix(path, "/assign") {
			s.app.CaptchaHandler.AssignTaskHandler(w, r)
			return
		}
		// POST /api/captcha/tasks/{uuid}/solve
		if strings.HasSuffix(path, "/solve") {
			s.app.CaptchaHandler.SubmitSolutionHandler(w, r)
			return
		}
		// POST /api/captcha/tasks/{uuid}/mark-unsolvable
		if strings.HasSuffix(path, "/mark-unsolvable") {
			s.app.CaptchaHandler.MarkUnsolvableHandler(w, r)
			return
		}
	}

	// GET /api/captcha/tasks/{uuid}
	if r.Method == http.MethodGet {
		s.app.CaptchaHandler.GetTaskHandler(w, r)
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}
