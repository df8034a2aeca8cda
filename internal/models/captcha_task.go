package models

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the state of a manual-solve work item.
//
// State machine:
//
//	pending → assigned → solving → {solved | failed | unsolvable | expired}
//
// A task is assignable from pending or failed, solvable until it reaches a
// terminal success state, and unsolvable is absorbing.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskSolving    TaskStatus = "solving"
	TaskSolved     TaskStatus = "solved"
	TaskFailed     TaskStatus = "failed"
	TaskUnsolvable TaskStatus = "unsolvable"
	TaskExpired    TaskStatus = "expired"
)

// IsTerminal reports whether the status admits no further transitions
// except re-assignment from failed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSolved, TaskUnsolvable, TaskExpired:
		return true
	}
	return false
}

var (
	// ErrTaskNotAssignable is returned when assign is called on a task
	// outside {pending, failed}.
	ErrTaskNotAssignable = errors.New("task is not assignable")
	// ErrTaskNotSolvable is returned when a solution is submitted for a
	// task outside {pending, assigned, solving, failed}.
	ErrTaskNotSolvable = errors.New("task is not solvable")
	// ErrTaskTerminal is returned when any write targets an absorbing state.
	ErrTaskTerminal = errors.New("task is in a terminal state")
)

// SolutionType identifies the shape of a submitted solution payload.
type SolutionType string

const (
	SolutionCookie  SolutionType = "cookie"
	SolutionToken   SolutionType = "token"
	SolutionSession SolutionType = "session"
)

// SolverResult is the canonical representation of harvested credentials.
// There is exactly one shape regardless of how the challenge was solved.
type SolverResult struct {
	Type      SolutionType `json:"type"`
	Cookies   []Cookie     `json:"cookies,omitempty"`
	Token     string       `json:"token,omitempty"`
	UserAgent string       `json:"user_agent,omitempty"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// CaptchaTask is a manual-solve work item persisted until an operator (or
// the HITL flow) resolves it.
type CaptchaTask struct {
	ID     uint64 `json:"id" badgerhold:"key"`
	UUID   string `json:"uuid" badgerholdIndex:"UUID"`
	URL    string `json:"url"`
	Domain string `json:"domain" badgerholdIndex:"Domain"`

	Status   TaskStatus `json:"status" badgerholdIndex:"Status"`
	Priority int        `json:"priority" badgerholdIndex:"Priority"` // 1..10, higher first

	AssignedTo    string        `json:"assigned_to,omitempty"`
	ChallengeType ChallengeType `json:"challenge_type,omitempty"`
	SolverResult  *SolverResult `json:"solver_result,omitempty"`

	// ProxyURL and UserAgent capture the context the challenge was
	// encountered in. The solve must replay them identically.
	ProxyURL  string `json:"proxy_url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SolvedAt  *time.Time `json:"solved_at,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`

	Attempts int `json:"attempts"`

	// Annotations stores small amounts of free-form diagnostic data.
	Annotations map[string]any `json:"annotations,omitempty"`
}

// IsAssignable reports whether an operator may claim the task.
func (t *CaptchaTask) IsAssignable() bool {
	return t.Status == TaskPending || t.Status == TaskFailed
}

// IsSolvable reports whether a solution may still be submitted.
func (t *CaptchaTask) IsSolvable() bool {
	switch t.Status {
	case TaskPending, TaskAssigned, TaskSolving, TaskFailed:
		return true
	}
	return false
}

// Assign transitions the task to assigned for the given operator.
func (t *CaptchaTask) Assign(operatorID string) error {
	if t.Status == TaskUnsolvable {
		return ErrTaskTerminal
	}
	if !t.IsAssignable() {
		return fmt.Errorf("%w: status %s", ErrTaskNotAssignable, t.Status)
	}
	t.Status = TaskAssigned
	t.AssignedTo = operatorID
	t.Attempts++
	t.UpdatedAt = time.Now()
	return nil
}

// StartSolving transitions an assigned task to solving.
func (t *CaptchaTask) StartSolving() error {
	if t.Status != TaskAssigned {
		return fmt.Errorf("cannot start solving from status %s", t.Status)
	}
	t.Status = TaskSolving
	t.UpdatedAt = time.Now()
	return nil
}

// Solve records the solution and transitions the task to solved.
func (t *CaptchaTask) Solve(result *SolverResult) error {
	if t.Status == TaskUnsolvable {
		return ErrTaskTerminal
	}
	if !t.IsSolvable() {
		return fmt.Errorf("%w: status %s", ErrTaskNotSolvable, t.Status)
	}
	now := time.Now()
	t.Status = TaskSolved
	t.SolverResult = result
	t.SolvedAt = &now
	t.UpdatedAt = now
	return nil
}

// Fail marks the attempt failed. The task stays assignable.
func (t *CaptchaTask) Fail(reason string) error {
	if t.Status.IsTerminal() {
		return ErrTaskTerminal
	}
	t.Status = TaskFailed
	t.AssignedTo = ""
	t.setAnnotation("failure_reason", reason)
	t.UpdatedAt = time.Now()
	return nil
}

// MarkUnsolvable transitions to the absorbing unsolvable state.
func (t *CaptchaTask) MarkUnsolvable(reason string) error {
	if t.Status == TaskSolved || t.Status == TaskUnsolvable {
		return ErrTaskTerminal
	}
	t.Status = TaskUnsolvable
	t.AssignedTo = ""
	t.setAnnotation("unsolvable_reason", reason)
	t.UpdatedAt = time.Now()
	return nil
}

// Expire transitions a non-terminal task whose deadline passed to expired
// and clears the assignment.
func (t *CaptchaTask) Expire() error {
	if t.Status.IsTerminal() {
		return ErrTaskTerminal
	}
	t.Status = TaskExpired
	t.AssignedTo = ""
	t.UpdatedAt = time.Now()
	return nil
}

// IsDue reports whether the task should be swept to expired at the given
// instant. A task exactly at its deadline is due.
func (t *CaptchaTask) IsDue(now time.Time) bool {
	return !t.Status.IsTerminal() && !t.ExpiresAt.After(now)
}

func (t *CaptchaTask) setAnnotation(key string, value any) {
	if t.Annotations == nil {
		t.Annotations = make(map[string]any)
	}
	t.Annotations[key] = value
}
