package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a single GenerationTask.
type TaskStatus string

// Generation task states. Succeeded and Failed are terminal.
const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether the task has finished, successfully or not.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// GenerationTask is one unit of fan-out work: producing a draft answer for
// a single extracted question. The (RunID, QuestionID, ContextDigest)
// triple is the idempotency key for the external generation call.
type GenerationTask struct {
	RunID         uuid.UUID  `json:"run_id"`
	QuestionID    uuid.UUID  `json:"question_id"`
	ContextDigest string     `json:"context_digest"`
	Status        TaskStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	Answer        string     `json:"answer,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
