package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/venator/internal/models"
)

// JobHandler processes one dequeued job. The returned TierResult is stored
// as the job result; a non-nil error fails the job.
type JobHandler func(ctx context.Context, jobID string, payload json.RawMessage) (*models.TierResult, error)

// JobQueue is a durable FIFO of submitted fetch requests with out-of-order
// result retrieval. Delivery is at-most-once-in-flight: a received message
// stays invisible until its visibility timeout lapses or it is deleted.
type JobQueue interface {
	// Enqueue persists a job record and queues it for the named handler
	// function. Returns the job id.
	Enqueue(ctx context.Context, function string, payload []byte) (string, error)

	// Status returns the job record.
	Status(ctx context.Context, jobID string) (*models.Job, error)

	// Result returns the stored result; models.ErrJobNotFound when the
	// job is unknown or not complete.
	Result(ctx context.Context, jobID string) (*models.TierResult, error)

	// Cancel cancels a queued job. In-progress jobs return
	// models.ErrJobConflict; finished jobs likewise.
	Cancel(ctx context.Context, jobID string) error

	// RegisterHandler binds a handler to a function name. Must be called
	// before Start.
	RegisterHandler(function string, handler JobHandler)

	// Start launches the worker pool; Stop drains it.
	Start() error
	Stop() error
}
