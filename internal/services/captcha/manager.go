// Package captcha manages manual-solve tasks: creation when a tier hits a
// CAPTCHA, atomic assignment to operators, solution intake, and the sweep
// that expires overdue tasks.
package captcha

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
	"github.com/ternarybob/venator/internal/services/tickets"
)

// ErrTaskNotFound is returned for lookups of unknown task uuids.
var ErrTaskNotFound = fmt.Errorf("captcha task not found")

// Manager implements CaptchaTaskService.
type Manager struct {
	tasks   interfaces.TaskStore
	locks   interfaces.LockStore
	tickets *tickets.Service
	events  interfaces.EventService
	logger  arbor.ILogger

	taskTTL      time.Duration
	lockTTL      time.Duration
	solutionWait time.Duration
}

// NewManager creates a new captcha task manager
func NewManager(
	tasks interfaces.TaskStore,
	locks interfaces.LockStore,
	ticketService *tickets.Service,
	events interfaces.EventService,
	logger arbor.ILogger,
	taskTTL, lockTTL, solutionWait time.Duration,
) *Manager {
	return &Manager{
		tasks:        tasks,
		locks:        locks,
		tickets:      ticketService,
		events:       events,
		logger:       logger,
		taskTTL:      taskTTL,
		lockTTL:      lockTTL,
		solutionWait: solutionWait,
	}
}

var _ interfaces.CaptchaTaskService = (*Manager)(nil)

// Create registers a new pending task for the URL's domain.
func (m *Manager) Create(ctx context.Context, input interfaces.CreateTaskInput) (*models.CaptchaTask, error) {
	domain := common.Domain(input.URL)
	if domain == "" {
		return nil, fmt.Errorf("url %q has no host", input.URL)
	}

	priority := input.Priority
	if priority < 1 || priority > 10 {
		priority = 5
	}

	now := time.Now()
	task := &models.CaptchaTask{
		UUID:          common.NewTaskUUID(),
		URL:           input.URL,
		Domain:        domain,
		Status:        models.TaskPending,
		Priority:      priority,
		ChallengeType: input.ChallengeType,
		ProxyURL:      input.ProxyURL,
		UserAgent:     input.UserAgent,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.taskTTL),
	}

	if err := m.tasks.Insert(ctx, task); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("task_uuid", task.UUID).
		Str("domain", domain).
		Str("challenge_type", string(input.ChallengeType)).
		Int("priority", priority).
		Msg("CAPTCHA task created")

	m.publish(ctx, interfaces.EventTaskCreated, task, nil)
	return task, nil
}

// Get returns a task by uuid.
func (m *Manager) Get(ctx context.Context, taskUUID string) (*models.CaptchaTask, error) {
	task, err := m.tasks.GetByUUID(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// Assign claims the task for an operator. The per-task lock makes a
// concurrent second assign lose; at most one operator holds a non-expired
// assignment at any moment. The lock stays held for the lock TTL, so an
// abandoned assignment becomes reclaimable once the TTL lapses.
func (m *Manager) Assign(ctx context.Context, taskUUID, operatorID string) (*models.CaptchaTask, error) {
	acquired, err := m.locks.Acquire(ctx, "task:"+taskUUID, operatorID, m.lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, models.ErrTaskNotAssignable
	}

	task, err := m.Get(ctx, taskUUID)
	if err != nil {
		m.locks.Release(ctx, "task:"+taskUUID, operatorID)
		return nil, err
	}

	if err := task.Assign(operatorID); err != nil {
		m.locks.Release(ctx, "task:"+taskUUID, operatorID)
		return nil, err
	}
	if err := m.tasks.Update(ctx, task); err != nil {
		m.locks.Release(ctx, "task:"+taskUUID, operatorID)
		return nil, err
	}

	m.logger.Info().
		Str("task_uuid", taskUUID).
		Str("operator", operatorID).
		Msg("CAPTCHA task assigned")

	m.publish(ctx, interfaces.EventTaskAssigned, task, map[string]any{"operator_id": operatorID})
	return task, nil
}

// SubmitSolution records the solution, derives a golden ticket and
// publishes a solved event. Submitting to an already solved task is
// rejected before any event fires, so there is no double-publish.
func (m *Manager) SubmitSolution(ctx context.Context, taskUUID string, solution *models.SolverResult) (*models.CaptchaTask, error) {
	if solution == nil {
		return nil, fmt.Errorf("nil solution")
	}

	task, err := m.Get(ctx, taskUUID)
	if err != nil {
		return nil, err
	}

	operator := task.AssignedTo
	if err := task.Solve(solution); err != nil {
		return nil, err
	}
	if err := m.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	if operator != "" {
		m.locks.Release(ctx, "task:"+taskUUID, operator)
	}

	// A cookie-bearing solution becomes a replayable ticket.
	if len(solution.Cookies) > 0 {
		ticket := ticketFromSolution(task, solution)
		if err := m.tickets.Store(ctx, ticket); err != nil {
			m.logger.Warn().Err(err).Str("domain", task.Domain).Msg("Failed to cache solution ticket")
		}
	}

	m.logger.Info().
		Str("task_uuid", taskUUID).
		Str("domain", task.Domain).
		Str("solution_type", string(solution.Type)).
		Msg("CAPTCHA task solved")

	m.publish(ctx, interfaces.EventSolved, task, map[string]any{
		"solution_type": string(solution.Type),
	})
	return task, nil
}

// MarkUnsolvable transitions the task to its absorbing state.
func (m *Manager) MarkUnsolvable(ctx context.Context, taskUUID, reason string) (*models.CaptchaTask, error) {
	task, err := m.Get(ctx, taskUUID)
	if err != nil {
		return nil, err
	}

	operator := task.AssignedTo
	if err := task.MarkUnsolvable(reason); err != nil {
		return nil, err
	}
	if err := m.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	if operator != "" {
		m.locks.Release(ctx, "task:"+taskUUID, operator)
	}

	m.logger.Info().
		Str("task_uuid", taskUUID).
		Str("reason", reason).
		Msg("CAPTCHA task marked unsolvable")

	m.publish(ctx, interfaces.EventUnsolvable, task, map[string]any{"reason": reason})
	return task, nil
}

// List returns tasks ordered by (priority desc, created_at asc).
func (m *Manager) List(ctx context.Context, filter interfaces.TaskFilter) ([]*models.CaptchaTask, int, error) {
	return m.tasks.List(ctx, filter)
}

// ExpireDue sweeps non-terminal tasks past their deadline to expired.
func (m *Manager) ExpireDue(ctx context.Context) (int, error) {
	due, err := m.tasks.FindDue(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, task := range due {
		operator := task.AssignedTo
		if err := task.Expire(); err != nil {
			continue
		}
		if err := m.tasks.Update(ctx, task); err != nil {
			m.logger.Warn().Err(err).Str("task_uuid", task.UUID).Msg("Failed to persist expired task")
			continue
		}
		if operator != "" {
			m.locks.Release(ctx, "task:"+task.UUID, operator)
		}
		m.publish(ctx, interfaces.EventExpired, task, nil)
		expired++
	}

	if expired > 0 {
		m.logger.Info().Int("count", expired).Msg("Expired overdue CAPTCHA tasks")
	}
	return expired, nil
}

// GetCachedSession returns the stored ticket for a domain, if fresh.
func (m *Manager) GetCachedSession(ctx context.Context, domain string) (*models.GoldenTicket, error) {
	return m.tickets.Get(ctx, domain)
}

// WaitForSolution blocks until a solved or session_cached event for the
// domain arrives, then returns the cached ticket. Returns nil on timeout.
func (m *Manager) WaitForSolution(ctx context.Context, domain string, timeout time.Duration) (*models.GoldenTicket, error) {
	if timeout <= 0 {
		timeout = m.solutionWait
	}

	// Subscribe first, then check the cache: a solve landing between the
	// two is caught either way.
	sub := m.events.SubscribeFiltered(interfaces.CaptchaChannel, domain,
		interfaces.EventSolved, interfaces.EventSessionCached)
	defer sub.Close()

	if ticket, err := m.tickets.Get(ctx, domain); err == nil && ticket != nil {
		return ticket, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return nil, nil
			}
			return m.tickets.Get(ctx, domain)
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) publish(ctx context.Context, eventType interfaces.EventType, task *models.CaptchaTask, extra map[string]any) {
	payload := map[string]any{
		"task_uuid": task.UUID,
		"domain":    task.Domain,
		"status":    string(task.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	event := interfaces.Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := m.events.Publish(ctx, interfaces.CaptchaChannel, event); err != nil {
		m.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish task event")
	}
}

// ticketFromSolution builds a golden ticket replaying the exact context
// the challenge was solved in.
func ticketFromSolution(task *models.CaptchaTask, solution *models.SolverResult) *models.GoldenTicket {
	ttl := 0
	if !solution.ExpiresAt.IsZero() {
		ttl = int(time.Until(solution.ExpiresAt).Seconds())
	}

	userAgent := solution.UserAgent
	if userAgent == "" {
		userAgent = task.UserAgent
	}

	return &models.GoldenTicket{
		Domain:        task.Domain,
		SourceURL:     task.URL,
		HarvestedAt:   time.Now(),
		TTLSeconds:    ttl,
		Cookies:       solution.Cookies,
		UserAgent:     userAgent,
		ProxyURL:      task.ProxyURL,
		ChallengeType: task.ChallengeType,
	}
}
