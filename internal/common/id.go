package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewTaskUUID generates a unique captcha task identifier
func NewTaskUUID() string {
	return uuid.New().String()
}

// NewSessionID generates a unique HITL session ID with the "hitl_" prefix
// Format: hitl_<uuid>
func NewSessionID() string {
	return "hitl_" + uuid.New().String()
}
