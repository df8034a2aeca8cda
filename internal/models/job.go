package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned when the queue has no visible messages.
var ErrNoMessage = errors.New("no messages in queue")

// ErrJobNotFound is returned for lookups of unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrJobConflict is returned when a cancel targets a job that is already
// running or finished.
var ErrJobConflict = errors.New("job cannot be cancelled in its current state")

// JobStatus is the state of a submitted fetch job.
//
//	queued → in_progress → {complete, failed, cancelled}
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the job finished.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobComplete, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is the durable record of one submitted fetch request. The result is
// written at most once; retrieval is idempotent.
type Job struct {
	ID       string    `json:"job_id" badgerhold:"key"`
	Function string    `json:"function"` // registered handler name, e.g. "fetch"
	Payload  string    `json:"payload"`  // serialized FetchRequest
	Status   JobStatus `json:"status" badgerholdIndex:"Status"`

	EnqueueTime time.Time  `json:"enqueue_time"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	FinishTime  *time.Time `json:"finish_time,omitempty"`

	// Result is the serialized TierResult, set on complete. Error holds a
	// concise description when the job failed.
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DecodeResult unmarshals the stored result, or returns nil when absent.
func (j *Job) DecodeResult() (*TierResult, error) {
	if j.Result == "" {
		return nil, nil
	}
	var res TierResult
	if err := json.Unmarshal([]byte(j.Result), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// QueueMessage is the structure stored in the queue. Keep it small: just
// enough to route the job to its handler.
type QueueMessage struct {
	JobID    string          `json:"job_id"`
	Function string          `json:"function"`
	Payload  json.RawMessage `json:"payload"`
}
