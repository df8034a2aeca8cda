package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// TaskStore is a map-backed TaskStore for tests.
type TaskStore struct {
	mu     sync.Mutex
	nextID uint64
	tasks  map[string]*models.CaptchaTask // keyed by uuid
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*models.CaptchaTask)}
}

var _ interfaces.TaskStore = (*TaskStore)(nil)

func (s *TaskStore) Insert(ctx context.Context, task *models.CaptchaTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	task.ID = s.nextID
	copied := *task
	s.tasks[task.UUID] = &copied
	return nil
}

func (s *TaskStore) GetByUUID(ctx context.Context, taskUUID string) (*models.CaptchaTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskUUID]
	if !ok {
		return nil, nil
	}
	copied := *task
	return &copied, nil
}

func (s *TaskStore) Update(ctx context.Context, task *models.CaptchaTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *task
	s.tasks[task.UUID] = &copied
	return nil
}

func (s *TaskStore) List(ctx context.Context, filter interfaces.TaskFilter) ([]*models.CaptchaTask, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.CaptchaTask
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Domain != "" && task.Domain != filter.Domain {
			continue
		}
		copied := *task
		matched = append(matched, &copied)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

func (s *TaskStore) FindDue(ctx context.Context, now time.Time) ([]*models.CaptchaTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.CaptchaTask
	for _, task := range s.tasks {
		if task.IsDue(now) {
			copied := *task
			due = append(due, &copied)
		}
	}
	return due, nil
}
