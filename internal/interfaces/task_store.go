package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/venator/internal/models"
)

// TaskStore persists CAPTCHA tasks. Implementations assign the numeric
// key; callers address tasks by uuid.
type TaskStore interface {
	// Insert persists a new task, assigning its sequence ID.
	Insert(ctx context.Context, task *models.CaptchaTask) error

	// GetByUUID returns the task, or models.ErrJobNotFound-style nil when
	// absent.
	GetByUUID(ctx context.Context, taskUUID string) (*models.CaptchaTask, error)

	// Update overwrites an existing task.
	Update(ctx context.Context, task *models.CaptchaTask) error

	// List returns tasks matching the filter ordered by (priority desc,
	// created_at asc), plus the total match count before pagination.
	List(ctx context.Context, filter TaskFilter) ([]*models.CaptchaTask, int, error)

	// FindDue returns non-terminal tasks whose deadline is at or before
	// the given instant.
	FindDue(ctx context.Context, now time.Time) ([]*models.CaptchaTask, error)
}

// JobStore persists job records for the queue.
type JobStore interface {
	Save(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
}
