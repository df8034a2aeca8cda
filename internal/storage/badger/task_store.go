package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// TaskStore implements CAPTCHA task persistence on badgerhold.
type TaskStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStore creates a new TaskStore instance
func NewTaskStore(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStore {
	return &TaskStore{
		db:     db,
		logger: logger,
	}
}

// Insert persists a new task, assigning its sequence ID.
func (s *TaskStore) Insert(ctx context.Context, task *models.CaptchaTask) error {
	if task.UUID == "" {
		return fmt.Errorf("task UUID is required")
	}
	if err := s.db.Store().Insert(badgerhold.NextSequence(), task); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetByUUID returns the task, or nil when absent.
func (s *TaskStore) GetByUUID(ctx context.Context, taskUUID string) (*models.CaptchaTask, error) {
	var tasks []models.CaptchaTask
	if err := s.db.Store().Find(&tasks, badgerhold.Where("UUID").Eq(taskUUID).Index("UUID")); err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskUUID, err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// Update overwrites an existing task.
func (s *TaskStore) Update(ctx context.Context, task *models.CaptchaTask) error {
	if err := s.db.Store().Update(task.ID, task); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("task %s not found", task.UUID)
		}
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// List returns tasks matching the filter ordered by (priority desc,
// created_at asc), plus the total match count before pagination.
// BadgerHold's SortBy cannot express the mixed ordering, so matches are
// sorted in memory; task boards are small enough for that.
func (s *TaskStore) List(ctx context.Context, filter interfaces.TaskFilter) ([]*models.CaptchaTask, int, error) {
	query := badgerhold.Where("ID").Gt(uint64(0))
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.Domain != "" {
		query = query.And("Domain").Eq(filter.Domain)
	}

	var tasks []models.CaptchaTask
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	total := len(tasks)

	// Pagination after sorting
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	page := tasks[start:end]

	result := make([]*models.CaptchaTask, len(page))
	for i := range page {
		result[i] = &page[i]
	}
	return result, total, nil
}

// FindDue returns non-terminal tasks whose deadline is at or before now.
func (s *TaskStore) FindDue(ctx context.Context, now time.Time) ([]*models.CaptchaTask, error) {
	var tasks []models.CaptchaTask
	query := badgerhold.Where("Status").In(
		models.TaskPending, models.TaskAssigned, models.TaskSolving, models.TaskFailed,
	).And("ExpiresAt").Le(now)

	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to find due tasks: %w", err)
	}

	result := make([]*models.CaptchaTask, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}
