package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// JobStore is a map-backed JobStore for tests.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

// NewJobStore creates an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*models.Job)}
}

var _ interfaces.JobStore = (*JobStore)(nil)

func (s *JobStore) Save(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *JobStore) List(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.Job
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		copied := *job
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].EnqueueTime.After(result[j].EnqueueTime)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
