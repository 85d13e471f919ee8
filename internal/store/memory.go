package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/apply-agent/internal/types"
)

// MemoryStore keeps everything in process memory behind one mutex. State
// is lost on restart, which is fine for the one-shot CLI and tests.
type MemoryStore struct {
	mu          sync.Mutex
	runs        map[uuid.UUID]*types.PipelineRun
	contents    map[uuid.UUID]string
	extractions map[uuid.UUID][]types.ExtractedQuestion
	questions   map[uuid.UUID][]types.ExtractedQuestion
	tasks       map[uuid.UUID]map[uuid.UUID]*types.GenerationTask
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[uuid.UUID]*types.PipelineRun),
		contents:    make(map[uuid.UUID]string),
		extractions: make(map[uuid.UUID][]types.ExtractedQuestion),
		questions:   make(map[uuid.UUID][]types.ExtractedQuestion),
		tasks:       make(map[uuid.UUID]map[uuid.UUID]*types.GenerationTask),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, userID uuid.UUID, sourceURL string) (*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	run := &types.PipelineRun{
		ID:        uuid.New(),
		UserID:    userID,
		SourceURL: sourceURL,
		Stage:     types.StageFetch,
		Attempts:  make(map[types.Stage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.runs[run.ID] = run
	return copyRun(run), nil
}

func (s *MemoryStore) LoadRun(_ context.Context, runID uuid.UUID) (*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.PipelineRun
	for _, run := range s.runs {
		if filter.UserID != uuid.Nil && run.UserID != filter.UserID {
			continue
		}
		if filter.Stage != "" && run.Stage != filter.Stage {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AdvanceStage(_ context.Context, runID uuid.UUID, expected, next types.Stage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	if run.Stage != expected {
		return false, nil
	}
	run.Stage = next
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, runID uuid.UUID, stage types.Stage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return 0, ErrNotFound
	}
	if run.Attempts == nil {
		run.Attempts = make(map[types.Stage]int)
	}
	run.Attempts[stage]++
	run.UpdatedAt = time.Now().UTC()
	return run.Attempts[stage], nil
}

func (s *MemoryStore) FailRun(_ context.Context, runID uuid.UUID, expected types.Stage, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	if run.Stage != expected {
		return false, nil
	}
	run.Stage = types.StageFailed
	run.FailureReason = reason
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.CancelRequested = true
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SaveContent(_ context.Context, runID uuid.UUID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	s.contents[runID] = content
	return nil
}

func (s *MemoryStore) LoadContent(_ context.Context, runID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, ok := s.contents[runID]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

func (s *MemoryStore) SaveExtraction(_ context.Context, runID uuid.UUID, questions []types.ExtractedQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	s.extractions[runID] = copyQuestions(questions)
	return nil
}

func (s *MemoryStore) LoadExtraction(_ context.Context, runID uuid.UUID) ([]types.ExtractedQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	questions, ok := s.extractions[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyQuestions(questions), nil
}

func (s *MemoryStore) SaveQuestions(_ context.Context, runID uuid.UUID, questions []types.ExtractedQuestion) ([]types.ExtractedQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	if existing, ok := s.questions[runID]; ok {
		return copyQuestions(existing), nil
	}

	saved := copyQuestions(questions)
	for i := range saved {
		saved[i].ID = uuid.New()
		saved[i].RunID = runID
		saved[i].Order = i
	}
	s.questions[runID] = saved
	return copyQuestions(saved), nil
}

func (s *MemoryStore) ListQuestions(_ context.Context, runID uuid.UUID) ([]types.ExtractedQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	return copyQuestions(s.questions[runID]), nil
}

func (s *MemoryStore) CreateTasks(_ context.Context, runID uuid.UUID, contextDigest string, questionIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	byQuestion, ok := s.tasks[runID]
	if !ok {
		byQuestion = make(map[uuid.UUID]*types.GenerationTask)
		s.tasks[runID] = byQuestion
	}
	for _, qid := range questionIDs {
		if _, exists := byQuestion[qid]; exists {
			continue
		}
		byQuestion[qid] = &types.GenerationTask{
			RunID:         runID,
			QuestionID:    qid,
			ContextDigest: contextDigest,
			Status:        types.TaskPending,
			UpdatedAt:     time.Now().UTC(),
		}
	}
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, runID uuid.UUID) ([]types.GenerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	var out []types.GenerationTask
	for _, task := range s.tasks[runID] {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QuestionID.String() < out[j].QuestionID.String()
	})
	return out, nil
}

func (s *MemoryStore) ClaimTask(_ context.Context, runID, questionID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskLocked(runID, questionID)
	if err != nil {
		return false, err
	}
	if task.Status != types.TaskPending && task.Status != types.TaskRunning {
		return false, nil
	}
	task.Status = types.TaskRunning
	task.Attempts++
	task.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, runID, questionID uuid.UUID, status types.TaskStatus, answer, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskLocked(runID, questionID)
	if err != nil {
		return err
	}
	task.Status = status
	task.Answer = answer
	task.LastError = lastError
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ResetTask(_ context.Context, runID, questionID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskLocked(runID, questionID)
	if err != nil {
		return false, err
	}
	if task.Status != types.TaskFailed {
		return false, nil
	}
	task.Status = types.TaskPending
	task.LastError = ""
	task.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) RunStatus(_ context.Context, runID uuid.UUID) (*types.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}

	status := &types.RunStatus{
		RunID:         run.ID,
		SourceURL:     run.SourceURL,
		Stage:         run.Stage,
		FailureReason: run.FailureReason,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}

	byQuestion := s.tasks[runID]
	for _, q := range s.questions[runID] {
		qs := types.QuestionStatus{
			QuestionID: q.ID,
			Text:       q.Text,
			Kind:       q.Kind,
			Required:   q.Required,
			Order:      q.Order,
			TaskStatus: types.TaskPending,
		}
		if task, ok := byQuestion[q.ID]; ok {
			qs.TaskStatus = task.Status
			qs.Answer = task.Answer
			qs.LastError = task.LastError
			switch task.Status {
			case types.TaskSucceeded:
				status.AnswersGenerated++
			case types.TaskFailed:
				status.AnswersFailed++
			}
		}
		status.Questions = append(status.Questions, qs)
	}
	status.QuestionsExtracted = len(status.Questions)
	sort.Slice(status.Questions, func(i, j int) bool {
		return status.Questions[i].Order < status.Questions[j].Order
	})
	return status, nil
}

func (s *MemoryStore) taskLocked(runID, questionID uuid.UUID) (*types.GenerationTask, error) {
	byQuestion, ok := s.tasks[runID]
	if !ok {
		return nil, ErrNotFound
	}
	task, ok := byQuestion[questionID]
	if !ok {
		return nil, ErrNotFound
	}
	return task, nil
}

func copyRun(run *types.PipelineRun) *types.PipelineRun {
	out := *run
	out.Attempts = make(map[types.Stage]int, len(run.Attempts))
	for k, v := range run.Attempts {
		out.Attempts[k] = v
	}
	return &out
}

func copyQuestions(questions []types.ExtractedQuestion) []types.ExtractedQuestion {
	if questions == nil {
		return nil
	}
	out := make([]types.ExtractedQuestion, len(questions))
	copy(out, questions)
	return out
}
