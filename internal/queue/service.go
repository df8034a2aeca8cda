package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// Service implements JobQueue: durable job records in the job store,
// message transport through the broker, results written at most once.
type Service struct {
	broker Broker
	jobs   interfaces.JobStore
	logger arbor.ILogger

	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration

	mu       sync.RWMutex
	handlers map[string]interfaces.JobHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new job queue service
func NewService(broker Broker, jobs interfaces.JobStore, logger arbor.ILogger, concurrency int, pollInterval, jobTimeout time.Duration) *Service {
	if concurrency <= 0 {
		concurrency = 4
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		broker:       broker,
		jobs:         jobs,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
		handlers:     make(map[string]interfaces.JobHandler),
		ctx:          ctx,
		cancel:       cancel,
	}
}

var _ interfaces.JobQueue = (*Service)(nil)

// Enqueue persists a job record and queues it for the named handler.
func (s *Service) Enqueue(ctx context.Context, function string, payload []byte) (string, error) {
	s.mu.RLock()
	_, registered := s.handlers[function]
	s.mu.RUnlock()
	if !registered {
		return "", fmt.Errorf("no handler registered for function %q", function)
	}

	job := &models.Job{
		ID:          common.NewJobID(),
		Function:    function,
		Payload:     string(payload),
		Status:      models.JobQueued,
		EnqueueTime: time.Now(),
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	msg := models.QueueMessage{
		JobID:    job.ID,
		Function: function,
		Payload:  json.RawMessage(payload),
	}
	if err := s.broker.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("function", function).
		Msg("Job enqueued")
	return job.ID, nil
}

// Status returns the job record.
func (s *Service) Status(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobs.Get(ctx, jobID)
}

// Result returns the stored result for a completed job.
func (s *Service) Result(ctx context.Context, jobID string) (*models.TierResult, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobComplete {
		return nil, models.ErrJobNotFound
	}
	return job.DecodeResult()
}

// Cancel cancels a queued job. The queue message is left in place; the
// worker that eventually receives it sees the cancelled status and drops
// it without executing.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobQueued {
		return models.ErrJobConflict
	}

	now := time.Now()
	job.Status = models.JobCancelled
	job.FinishTime = &now
	if err := s.jobs.Save(ctx, job); err != nil {
		return err
	}

	s.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	return nil
}

// RegisterHandler binds a handler to a function name. Must be called
// before Start.
func (s *Service) RegisterHandler(function string, handler interfaces.JobHandler) {
	s.mu.Lock()
	s.handlers[function] = handler
	s.mu.Unlock()
	s.logger.Debug().Str("function", function).Msg("Job handler registered")
}

// Start launches the worker pool.
func (s *Service) Start() error {
	s.logger.Info().
		Int("concurrency", s.concurrency).
		Dur("poll_interval", s.pollInterval).
		Msg("Starting worker pool")

	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return nil
}

// Stop drains the worker pool.
func (s *Service) Stop() error {
	s.logger.Info().Msg("Stopping worker pool")
	s.cancel()
	s.wg.Wait()
	return nil
}

// worker is the main polling loop.
func (s *Service) worker(workerID int) {
	defer s.wg.Done()

	// Stagger worker starts to spread polls across the interval
	staggerDelay := (s.pollInterval / time.Duration(s.concurrency)) * time.Duration(workerID)
	select {
	case <-time.After(staggerDelay):
	case <-s.ctx.Done():
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug().Int("worker_id", workerID).Msg("Worker stopped")
			return
		case <-ticker.C:
			if err := s.processMessage(workerID); err != nil && err != models.ErrNoMessage {
				s.logger.Warn().
					Err(err).
					Int("worker_id", workerID).
					Msg("Error processing message")
			}
		}
	}
}

// processMessage receives and runs a single job.
func (s *Service) processMessage(workerID int) error {
	msg, deleteFn, err := s.broker.Receive(s.ctx)
	if err != nil {
		return err
	}

	job, err := s.jobs.Get(s.ctx, msg.JobID)
	if err != nil {
		// Record gone: nothing to run, drop the message
		if delErr := deleteFn(); delErr != nil {
			s.logger.Warn().Err(delErr).Str("job_id", msg.JobID).Msg("Failed to delete orphaned message")
		}
		return err
	}

	// Cancelled while queued: drop without executing
	if job.Status != models.JobQueued {
		if delErr := deleteFn(); delErr != nil {
			s.logger.Warn().Err(delErr).Str("job_id", job.ID).Msg("Failed to delete skipped message")
		}
		return nil
	}

	s.mu.RLock()
	handler, exists := s.handlers[msg.Function]
	s.mu.RUnlock()
	if !exists {
		s.finishJob(job, nil, fmt.Errorf("no handler for function %q", msg.Function))
		if delErr := deleteFn(); delErr != nil {
			s.logger.Warn().Err(delErr).Str("job_id", job.ID).Msg("Failed to delete unroutable message")
		}
		return nil
	}

	now := time.Now()
	job.Status = models.JobInProgress
	job.StartTime = &now
	if err := s.jobs.Save(s.ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark job in progress")
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("function", msg.Function).
		Int("worker_id", workerID).
		Msg("Processing job")

	jobCtx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	start := time.Now()
	result, handlerErr := handler(jobCtx, job.ID, msg.Payload)
	cancel()
	duration := time.Since(start)

	s.finishJob(job, result, handlerErr)

	if handlerErr != nil {
		s.logger.Error().
			Err(handlerErr).
			Str("job_id", job.ID).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Job handler failed")
	} else {
		s.logger.Info().
			Str("job_id", job.ID).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Job completed")
	}

	if err := deleteFn(); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to acknowledge message")
		return err
	}
	return nil
}

// finishJob writes the terminal job state. The result is written at most
// once: a job already in a terminal state is left untouched.
func (s *Service) finishJob(job *models.Job, result *models.TierResult, handlerErr error) {
	current, err := s.jobs.Get(s.ctx, job.ID)
	if err == nil && current.Status.IsTerminal() {
		return
	}

	now := time.Now()
	job.FinishTime = &now

	if handlerErr != nil {
		job.Status = models.JobFailed
		job.Error = handlerErr.Error()
	} else {
		job.Status = models.JobComplete
		if result != nil {
			if data, err := json.Marshal(result); err == nil {
				job.Result = string(data)
			} else {
				job.Status = models.JobFailed
				job.Error = fmt.Sprintf("failed to serialize result: %v", err)
			}
		}
	}

	if err := s.jobs.Save(s.ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist job result")
	}
}
