package models

import (
	"fmt"
	"time"
)

// HITLStatus is the state of a human-in-the-loop session.
//
//	waiting_admin → in_progress → {solved | failed | expired}
type HITLStatus string

const (
	HITLWaitingAdmin HITLStatus = "waiting_admin"
	HITLInProgress   HITLStatus = "in_progress"
	HITLSolved       HITLStatus = "solved"
	HITLFailed       HITLStatus = "failed"
	HITLExpired      HITLStatus = "expired"
)

// IsTerminal reports whether the session reached a final state.
func (s HITLStatus) IsTerminal() bool {
	switch s {
	case HITLSolved, HITLFailed, HITLExpired:
		return true
	}
	return false
}

// HITLSession couples a running browser to a human operator for one task.
// Sessions are in-memory; their lifecycle is tied to the task they serve.
type HITLSession struct {
	SessionID string     `json:"session_id"`
	TaskUUID  string     `json:"task_uuid"`
	URL       string     `json:"url"`
	Domain    string     `json:"domain"`
	Status    HITLStatus `json:"status"`

	CreatedAt        time.Time  `json:"created_at"`
	AdminConnectedAt *time.Time `json:"admin_connected_at,omitempty"`
	SolvedAt         *time.Time `json:"solved_at,omitempty"`

	// AdminConnectTimeout bounds the wait for a human to connect;
	// SolveTimeout bounds the time the connected human has.
	AdminConnectTimeout time.Duration `json:"-"`
	SolveTimeout        time.Duration `json:"-"`
}

// AdminConnected transitions the session to in_progress once an operator
// attaches to the streaming channel.
func (s *HITLSession) AdminConnected() error {
	if s.Status != HITLWaitingAdmin {
		return fmt.Errorf("cannot connect admin from status %s", s.Status)
	}
	now := time.Now()
	s.Status = HITLInProgress
	s.AdminConnectedAt = &now
	return nil
}

// MarkSolved finalises a successful session.
func (s *HITLSession) MarkSolved() error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("session already terminal: %s", s.Status)
	}
	now := time.Now()
	s.Status = HITLSolved
	s.SolvedAt = &now
	return nil
}

// MarkFailed finalises a failed session (admin never connected, harvest
// failure, browser crash).
func (s *HITLSession) MarkFailed() {
	if !s.Status.IsTerminal() {
		s.Status = HITLFailed
	}
}

// MarkExpired finalises a session whose solve window elapsed.
func (s *HITLSession) MarkExpired() {
	if !s.Status.IsTerminal() {
		s.Status = HITLExpired
	}
}
