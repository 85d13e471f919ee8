// Package types provides type definitions for structured data used throughout the apply-agent system.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"time"

	"github.com/google/uuid"
)

// Stage identifies a step in a pipeline run's state machine.
type Stage string

// Pipeline stages, in execution order. Complete and Failed are terminal.
const (
	StageFetch            Stage = "FETCH"
	StageExtract          Stage = "EXTRACT"
	StagePersistQuestions Stage = "PERSIST_QUESTIONS"
	StageGenerate         Stage = "GENERATE"
	StagePersistAnswers   Stage = "PERSIST_ANSWERS"
	StageComplete         Stage = "COMPLETE"
	StageFailed           Stage = "FAILED"
)

// stageOrder holds the forward progression of non-terminal stages.
var stageOrder = []Stage{
	StageFetch,
	StageExtract,
	StagePersistQuestions,
	StageGenerate,
	StagePersistAnswers,
	StageComplete,
}

// Next returns the stage that follows s in the forward progression.
// Terminal stages return themselves.
func (s Stage) Next() Stage {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return s
}

// ActiveStages returns the non-terminal stages in execution order. A run
// recorded at any of these still has work pending.
func ActiveStages() []Stage {
	active := make([]Stage, 0, len(stageOrder)-1)
	for _, stage := range stageOrder {
		if !stage.Terminal() {
			active = append(active, stage)
		}
	}
	return active
}

// Terminal reports whether the stage ends the run.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Valid reports whether s is a known stage value.
func (s Stage) Valid() bool {
	switch s {
	case StageFetch, StageExtract, StagePersistQuestions, StageGenerate,
		StagePersistAnswers, StageComplete, StageFailed:
		return true
	}
	return false
}

// PipelineRun is the durable record of one end-to-end pipeline execution
// for a single submitted URL. Its ID doubles as the idempotency key for
// the whole run.
type PipelineRun struct {
	ID              uuid.UUID     `json:"run_id"`
	UserID          uuid.UUID     `json:"user_id"`
	SourceURL       string        `json:"source_url"`
	Stage           Stage         `json:"stage"`
	Attempts        map[Stage]int `json:"attempts"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// AttemptCount returns the recorded attempt count for a stage.
func (r *PipelineRun) AttemptCount(stage Stage) int {
	if r.Attempts == nil {
		return 0
	}
	return r.Attempts[stage]
}

// RunStatus is the progress view exposed through the status boundary.
type RunStatus struct {
	RunID              uuid.UUID        `json:"run_id"`
	SourceURL          string           `json:"source_url"`
	Stage              Stage            `json:"stage"`
	QuestionsExtracted int              `json:"questions_extracted"`
	AnswersGenerated   int              `json:"answers_generated"`
	AnswersFailed      int              `json:"answers_failed"`
	FailureReason      string           `json:"failure_reason,omitempty"`
	Questions          []QuestionStatus `json:"questions,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// QuestionStatus is the per-question breakdown inside a RunStatus.
type QuestionStatus struct {
	QuestionID uuid.UUID    `json:"question_id"`
	Text       string       `json:"question_text"`
	Kind       QuestionKind `json:"question_type"`
	Required   bool         `json:"is_required"`
	Order      int          `json:"order"`
	TaskStatus TaskStatus   `json:"task_status"`
	Answer     string       `json:"answer,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}
