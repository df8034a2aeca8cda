package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/models"
	"github.com/ternarybob/venator/internal/storage/memory"
)

// memoryBroker is an in-process Broker for worker pool tests.
type memoryBroker struct {
	mu       sync.Mutex
	messages []models.QueueMessage
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{}
}

func (b *memoryBroker) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return nil
}

func (b *memoryBroker) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return nil, nil, models.ErrNoMessage
	}
	msg := b.messages[0]
	b.messages = b.messages[1:]
	return &msg, func() error { return nil }, nil
}

func (b *memoryBroker) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return nil
}

func (b *memoryBroker) Close() error { return nil }

func newTestQueue(t *testing.T, concurrency int) *Service {
	t.Helper()
	svc := NewService(
		newMemoryBroker(),
		memory.NewJobStore(),
		common.GetLogger(),
		concurrency,
		20*time.Millisecond,
		time.Second,
	)
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func waitForStatus(t *testing.T, svc *Service, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.Status(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := svc.Status(context.Background(), jobID)
	t.Fatalf("job %s never reached %q (currently %v)", jobID, want, job)
	return nil
}

func TestEnqueueRequiresHandler(t *testing.T) {
	svc := newTestQueue(t, 1)

	if _, err := svc.Enqueue(context.Background(), "missing", []byte(`{}`)); err == nil {
		t.Fatal("enqueue without handler should fail")
	}
}

func TestEnqueueProcessResult(t *testing.T) {
	svc := newTestQueue(t, 2)

	svc.RegisterHandler("fetch", func(ctx context.Context, jobID string, payload json.RawMessage) (*models.TierResult, error) {
		return &models.TierResult{
			Success:    true,
			Content:    "<html>ok</html>",
			StatusCode: 200,
			TierUsed:   models.TierRequest,
		}, nil
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	jobID, err := svc.Enqueue(context.Background(), "fetch", []byte(`{"url":"https://example.com"}`))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	waitForStatus(t, svc, jobID, models.JobComplete)

	result, err := svc.Result(context.Background(), jobID)
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	if !result.Success || result.Content != "<html>ok</html>" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHandlerErrorFailsJob(t *testing.T) {
	svc := newTestQueue(t, 1)

	svc.RegisterHandler("fetch", func(ctx context.Context, jobID string, payload json.RawMessage) (*models.TierResult, error) {
		return nil, errors.New("boom")
	})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}

	jobID, err := svc.Enqueue(context.Background(), "fetch", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}

	job := waitForStatus(t, svc, jobID, models.JobFailed)
	if job.Error != "boom" {
		t.Errorf("error = %q", job.Error)
	}

	// Results for failed jobs are not retrievable.
	if _, err := svc.Result(context.Background(), jobID); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("result for failed job: %v", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	svc := newTestQueue(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	svc.RegisterHandler("fetch", func(ctx context.Context, jobID string, payload json.RawMessage) (*models.TierResult, error) {
		close(started)
		<-release
		return &models.TierResult{Success: true}, nil
	})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}

	// First job occupies the single worker.
	if _, err := svc.Enqueue(context.Background(), "fetch", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	<-started

	// Second job is still queued and cancellable.
	queuedID, err := svc.Enqueue(context.Background(), "fetch", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Cancel(context.Background(), queuedID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	close(release)
	job := waitForStatus(t, svc, queuedID, models.JobCancelled)
	if job.Result != "" {
		t.Error("cancelled job has a result")
	}

	// Cancelling a terminal job conflicts.
	if err := svc.Cancel(context.Background(), queuedID); !errors.Is(err, models.ErrJobConflict) {
		t.Errorf("second cancel = %v", err)
	}
}

func TestCancelInProgressConflicts(t *testing.T) {
	svc := newTestQueue(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	svc.RegisterHandler("fetch", func(ctx context.Context, jobID string, payload json.RawMessage) (*models.TierResult, error) {
		close(started)
		<-release
		return &models.TierResult{Success: true}, nil
	})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}

	jobID, err := svc.Enqueue(context.Background(), "fetch", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := svc.Cancel(context.Background(), jobID); !errors.Is(err, models.ErrJobConflict) {
		t.Errorf("cancel of running job = %v", err)
	}
	close(release)
	waitForStatus(t, svc, jobID, models.JobComplete)
}

func TestCancelUnknownJob(t *testing.T) {
	svc := newTestQueue(t, 1)

	if err := svc.Cancel(context.Background(), "job_missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("cancel unknown = %v", err)
	}
}

func TestConcurrentJobsAllComplete(t *testing.T) {
	svc := newTestQueue(t, 4)

	var mu sync.Mutex
	processed := map[string]int{}
	svc.RegisterHandler("fetch", func(ctx context.Context, jobID string, payload json.RawMessage) (*models.TierResult, error) {
		mu.Lock()
		processed[jobID]++
		mu.Unlock()
		return &models.TierResult{Success: true, TierUsed: models.TierRequest}, nil
	})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 12; i++ {
		id, err := svc.Enqueue(context.Background(), "fetch", []byte(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitForStatus(t, svc, id, models.JobComplete)
	}

	mu.Lock()
	defer mu.Unlock()
	for id, count := range processed {
		if count != 1 {
			t.Errorf("job %s processed %d times", id, count)
		}
	}
	if len(processed) != len(ids) {
		t.Errorf("processed %d distinct jobs, want %d", len(processed), len(ids))
	}
}
