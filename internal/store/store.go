// Package store persists pipeline runs, extracted questions, generation
// tasks, and answers. Two implementations are provided: an in-memory store
// for the one-shot CLI path and tests, and a PostgreSQL store for the
// service.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jonathan/apply-agent/internal/types"
)

// ErrNotFound is returned when a run, question, or task does not exist.
var ErrNotFound = errors.New("store: not found")

// RunFilter narrows ListRuns results. Zero values mean "no filter".
type RunFilter struct {
	UserID uuid.UUID
	Stage  types.Stage
	Limit  int
}

// Store is the persistence boundary for the pipeline. Workers crash and
// resume, so every stage transition goes through a conditional write:
// AdvanceStage and FailRun only apply when the run is still at the stage
// the caller observed, and report whether they won.
type Store interface {
	// CreateRun inserts a new run at the fetch stage.
	CreateRun(ctx context.Context, userID uuid.UUID, sourceURL string) (*types.PipelineRun, error)
	// LoadRun returns the run or ErrNotFound.
	LoadRun(ctx context.Context, runID uuid.UUID) (*types.PipelineRun, error)
	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*types.PipelineRun, error)
	// AdvanceStage moves the run from expected to next. Returns false
	// without error when the run has already moved past expected.
	AdvanceStage(ctx context.Context, runID uuid.UUID, expected, next types.Stage) (bool, error)
	// RecordAttempt increments and returns the attempt count for a stage.
	RecordAttempt(ctx context.Context, runID uuid.UUID, stage types.Stage) (int, error)
	// FailRun moves the run from expected to the failed stage, recording
	// the reason. Conditional like AdvanceStage.
	FailRun(ctx context.Context, runID uuid.UUID, expected types.Stage, reason string) (bool, error)
	// RequestCancel flags the run for cooperative cancellation.
	RequestCancel(ctx context.Context, runID uuid.UUID) error

	// SaveContent stores the fetched page text for a run.
	SaveContent(ctx context.Context, runID uuid.UUID, content string) error
	// LoadContent returns the stored page text or ErrNotFound.
	LoadContent(ctx context.Context, runID uuid.UUID) (string, error)

	// SaveExtraction stores the raw extraction output so a worker that
	// crashes between extraction and question persistence can resume
	// without another model call.
	SaveExtraction(ctx context.Context, runID uuid.UUID, questions []types.ExtractedQuestion) error
	// LoadExtraction returns the stored extraction output or ErrNotFound.
	LoadExtraction(ctx context.Context, runID uuid.UUID) ([]types.ExtractedQuestion, error)

	// SaveQuestions persists the extracted questions for a run, assigning
	// IDs. Calling it again for the same run replaces nothing and returns
	// the existing rows, so a worker that crashed after persisting does
	// not duplicate questions on resume.
	SaveQuestions(ctx context.Context, runID uuid.UUID, questions []types.ExtractedQuestion) ([]types.ExtractedQuestion, error)
	// ListQuestions returns the run's questions in display order.
	ListQuestions(ctx context.Context, runID uuid.UUID) ([]types.ExtractedQuestion, error)

	// CreateTasks ensures one pending generation task per question.
	// Existing tasks are left untouched.
	CreateTasks(ctx context.Context, runID uuid.UUID, contextDigest string, questionIDs []uuid.UUID) error
	// ListTasks returns the run's generation tasks.
	ListTasks(ctx context.Context, runID uuid.UUID) ([]types.GenerationTask, error)
	// ClaimTask marks a task running and increments its attempt count.
	// Pending tasks and tasks left running by a crashed worker can both
	// be claimed; succeeded and failed tasks cannot.
	ClaimTask(ctx context.Context, runID, questionID uuid.UUID) (bool, error)
	// CompleteTask records the terminal outcome of a claimed task.
	CompleteTask(ctx context.Context, runID, questionID uuid.UUID, status types.TaskStatus, answer, lastError string) error
	// ResetTask returns a failed task to pending for a user-requested
	// retry. Returns false when the task is not in the failed state.
	ResetTask(ctx context.Context, runID, questionID uuid.UUID) (bool, error)

	// RunStatus assembles the externally visible view of a run.
	RunStatus(ctx context.Context, runID uuid.UUID) (*types.RunStatus, error)
}
