package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/orchestrator"
)

// ticketLister is the slice of the ticket service the status page needs.
type ticketLister interface {
	Domains(ctx context.Context) ([]string, error)
}

// StatusHandler serves health, version and runtime status endpoints
type StatusHandler struct {
	orchestrator *orchestrator.Orchestrator
	hitl         interfaces.HITLService
	tickets      ticketLister
	startTime    time.Time
	logger       arbor.ILogger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(orch *orchestrator.Orchestrator, hitl interfaces.HITLService, tickets ticketLister, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		orchestrator: orch,
		hitl:         hitl,
		tickets:      tickets,
		startTime:    time.Now(),
		logger:       logger,
	}
}

// HealthHandler handles GET /api/health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// VersionHandler handles GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
	})
}

// GetStatusHandler handles GET /api/status
// Reports the registered tier ladder, per-tier attempt counters, active
// HITL sessions and domains with a cached ticket.
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ladder := []string{}
	for _, level := range h.orchestrator.Ladder() {
		ladder = append(ladder, level.String())
	}

	status := map[string]interface{}{
		"version":        common.GetVersion(),
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"ladder":         ladder,
		"tiers":          h.orchestrator.Metrics().Snapshot(),
	}

	if h.hitl != nil {
		status["active_hitl_sessions"] = len(h.hitl.Sessions())
	}
	if h.tickets != nil {
		if domains, err := h.tickets.Domains(r.Context()); err == nil {
			status["cached_ticket_domains"] = domains
		}
	}

	WriteJSON(w, http.StatusOK, status)
}

// NotFoundHandler handles unmatched /api/ routes
func (h *StatusHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "Endpoint not found")
}
