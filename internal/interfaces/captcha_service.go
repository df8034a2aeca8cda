package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/venator/internal/models"
)

// TaskFilter narrows a task listing.
type TaskFilter struct {
	Status models.TaskStatus
	Domain string
	Limit  int
	Offset int
}

// CreateTaskInput carries the context a challenge was encountered in. Proxy
// and user agent must be replayed identically by the solver.
type CreateTaskInput struct {
	URL           string
	ChallengeType models.ChallengeType
	ProxyURL      string
	UserAgent     string
	Priority      int // 1..10, default 5
}

// CaptchaTaskService manages the lifecycle of manual-solve tasks.
type CaptchaTaskService interface {
	// Create registers a new pending task for the URL's domain.
	Create(ctx context.Context, input CreateTaskInput) (*models.CaptchaTask, error)

	// Get returns a task by uuid.
	Get(ctx context.Context, taskUUID string) (*models.CaptchaTask, error)

	// Assign claims the task for an operator. Atomic: a concurrent second
	// assign fails with models.ErrTaskNotAssignable.
	Assign(ctx context.Context, taskUUID, operatorID string) (*models.CaptchaTask, error)

	// SubmitSolution records the solution, stores a golden ticket derived
	// from it and publishes a solved event. Submitting to an already
	// solved task is rejected and does not double-publish.
	SubmitSolution(ctx context.Context, taskUUID string, solution *models.SolverResult) (*models.CaptchaTask, error)

	// MarkUnsolvable transitions the task to its absorbing state.
	MarkUnsolvable(ctx context.Context, taskUUID, reason string) (*models.CaptchaTask, error)

	// List returns tasks ordered by (priority desc, created_at asc) and
	// the total count before pagination.
	List(ctx context.Context, filter TaskFilter) ([]*models.CaptchaTask, int, error)

	// ExpireDue sweeps non-terminal tasks past their deadline to expired
	// and publishes an event per task. Returns the number expired.
	ExpireDue(ctx context.Context) (int, error)

	// GetCachedSession returns the stored ticket for a domain, if fresh.
	GetCachedSession(ctx context.Context, domain string) (*models.GoldenTicket, error)

	// WaitForSolution blocks until a solve or cached-session event for the
	// domain arrives, then returns the cached ticket. Returns nil on
	// timeout.
	WaitForSolution(ctx context.Context, domain string, timeout time.Duration) (*models.GoldenTicket, error)
}
