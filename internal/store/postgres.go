package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathan/apply-agent/internal/types"
)

// pgxPool is the slice of pgxpool.Pool the store uses, narrow enough for
// pgxmock to stand in during tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store over PostgreSQL.
type PostgresStore struct {
	pool pgxPool
}

// Connect opens a pool against the database URL and verifies it.
func Connect(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool. Used by tests.
func NewPostgresStoreWithPool(pool pgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) CreateRun(ctx context.Context, userID uuid.UUID, sourceURL string) (*types.PipelineRun, error) {
	run := &types.PipelineRun{
		UserID:    userID,
		SourceURL: sourceURL,
		Stage:     types.StageFetch,
		Attempts:  make(map[types.Stage]int),
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_runs (user_id, source_url, stage)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		userID, sourceURL, types.StageFetch,
	).Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) LoadRun(ctx context.Context, runID uuid.UUID) (*types.PipelineRun, error) {
	run := &types.PipelineRun{}
	var attemptsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, source_url, stage, attempts, failure_reason, cancel_requested, created_at, updated_at
		 FROM pipeline_runs WHERE id = $1`,
		runID,
	).Scan(&run.ID, &run.UserID, &run.SourceURL, &run.Stage, &attemptsJSON,
		&run.FailureReason, &run.CancelRequested, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	run.Attempts = make(map[types.Stage]int)
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &run.Attempts); err != nil {
			return nil, fmt.Errorf("failed to decode attempts: %w", err)
		}
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*types.PipelineRun, error) {
	query := `SELECT id, user_id, source_url, stage, attempts, failure_reason, cancel_requested, created_at, updated_at
	          FROM pipeline_runs WHERE 1=1`
	var args []any
	if filter.UserID != uuid.Nil {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Stage != "" {
		args = append(args, filter.Stage)
		query += fmt.Sprintf(" AND stage = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.PipelineRun
	for rows.Next() {
		run := &types.PipelineRun{}
		var attemptsJSON []byte
		if err := rows.Scan(&run.ID, &run.UserID, &run.SourceURL, &run.Stage, &attemptsJSON,
			&run.FailureReason, &run.CancelRequested, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Attempts = make(map[types.Stage]int)
		if len(attemptsJSON) > 0 {
			if err := json.Unmarshal(attemptsJSON, &run.Attempts); err != nil {
				return nil, fmt.Errorf("failed to decode attempts: %w", err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) AdvanceStage(ctx context.Context, runID uuid.UUID, expected, next types.Stage) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET stage = $1, updated_at = NOW() WHERE id = $2 AND stage = $3`,
		next, runID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance stage: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, runID uuid.UUID, stage types.Stage) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE pipeline_runs
		 SET attempts = jsonb_set(COALESCE(attempts, '{}'::jsonb), ARRAY[$1::text],
		                          to_jsonb(COALESCE((attempts->>$1::text)::int, 0) + 1)),
		     updated_at = NOW()
		 WHERE id = $2
		 RETURNING (attempts->>$1::text)::int`,
		string(stage), runID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID uuid.UUID, expected types.Stage, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET stage = $1, failure_reason = $2, updated_at = NOW()
		 WHERE id = $3 AND stage = $4`,
		types.StageFailed, reason, runID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to fail run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, runID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1`,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const (
	artifactContent    = "page_content"
	artifactExtraction = "extraction"
)

func (s *PostgresStore) saveArtifact(ctx context.Context, runID uuid.UUID, kind string, content []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_artifacts (run_id, kind, content)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, kind) DO UPDATE SET content = $3, created_at = NOW()`,
		runID, kind, content,
	)
	if err != nil {
		return fmt.Errorf("failed to save %s artifact: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) loadArtifact(ctx context.Context, runID uuid.UUID, kind string) ([]byte, error) {
	var content []byte
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM run_artifacts WHERE run_id = $1 AND kind = $2`,
		runID, kind,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s artifact: %w", kind, err)
	}
	return content, nil
}

func (s *PostgresStore) SaveContent(ctx context.Context, runID uuid.UUID, content string) error {
	return s.saveArtifact(ctx, runID, artifactContent, []byte(content))
}

func (s *PostgresStore) LoadContent(ctx context.Context, runID uuid.UUID) (string, error) {
	content, err := s.loadArtifact(ctx, runID, artifactContent)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func (s *PostgresStore) SaveExtraction(ctx context.Context, runID uuid.UUID, questions []types.ExtractedQuestion) error {
	data, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("failed to marshal extraction: %w", err)
	}
	return s.saveArtifact(ctx, runID, artifactExtraction, data)
}

func (s *PostgresStore) LoadExtraction(ctx context.Context, runID uuid.UUID) ([]types.ExtractedQuestion, error) {
	data, err := s.loadArtifact(ctx, runID, artifactExtraction)
	if err != nil {
		return nil, err
	}
	var questions []types.ExtractedQuestion
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extraction: %w", err)
	}
	return questions, nil
}

func (s *PostgresStore) SaveQuestions(ctx context.Context, runID uuid.UUID, questions []types.ExtractedQuestion) ([]types.ExtractedQuestion, error) {
	existing, err := s.ListQuestions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	saved := make([]types.ExtractedQuestion, len(questions))
	copy(saved, questions)
	for i := range saved {
		saved[i].RunID = runID
		saved[i].Order = i
		err := s.pool.QueryRow(ctx,
			`INSERT INTO questions (run_id, question_text, question_type, is_required, display_order)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			runID, saved[i].Text, saved[i].Kind, saved[i].Required, i,
		).Scan(&saved[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert question: %w", err)
		}
	}
	return saved, nil
}

func (s *PostgresStore) ListQuestions(ctx context.Context, runID uuid.UUID) ([]types.ExtractedQuestion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, question_text, question_type, is_required, display_order
		 FROM questions WHERE run_id = $1 ORDER BY display_order`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()

	var questions []types.ExtractedQuestion
	for rows.Next() {
		var q types.ExtractedQuestion
		if err := rows.Scan(&q.ID, &q.RunID, &q.Text, &q.Kind, &q.Required, &q.Order); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *PostgresStore) CreateTasks(ctx context.Context, runID uuid.UUID, contextDigest string, questionIDs []uuid.UUID) error {
	for _, qid := range questionIDs {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO generation_tasks (run_id, question_id, context_digest, status)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (run_id, question_id) DO NOTHING`,
			runID, qid, contextDigest, types.TaskPending,
		)
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, runID uuid.UUID) ([]types.GenerationTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, question_id, context_digest, status, attempts, COALESCE(answer, ''), COALESCE(last_error, ''), updated_at
		 FROM generation_tasks WHERE run_id = $1 ORDER BY question_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.GenerationTask
	for rows.Next() {
		var t types.GenerationTask
		if err := rows.Scan(&t.RunID, &t.QuestionID, &t.ContextDigest, &t.Status,
			&t.Attempts, &t.Answer, &t.LastError, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) ClaimTask(ctx context.Context, runID, questionID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_tasks
		 SET status = $1, attempts = attempts + 1, updated_at = NOW()
		 WHERE run_id = $2 AND question_id = $3 AND status IN ($4, $5)`,
		types.TaskRunning, runID, questionID, types.TaskPending, types.TaskRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, runID, questionID uuid.UUID, status types.TaskStatus, answer, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_tasks
		 SET status = $1, answer = $2, last_error = $3, updated_at = NOW()
		 WHERE run_id = $4 AND question_id = $5`,
		status, answer, lastError, runID, questionID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if status == types.TaskSucceeded {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO answers (run_id, question_id, answer)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (run_id, question_id) DO UPDATE SET answer = $3, created_at = NOW()`,
			runID, questionID, answer,
		)
		if err != nil {
			return fmt.Errorf("failed to save answer: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ResetTask(ctx context.Context, runID, questionID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_tasks
		 SET status = $1, last_error = '', updated_at = NOW()
		 WHERE run_id = $2 AND question_id = $3 AND status = $4`,
		types.TaskPending, runID, questionID, types.TaskFailed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reset task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RunStatus(ctx context.Context, runID uuid.UUID) (*types.RunStatus, error) {
	run, err := s.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	questions, err := s.ListQuestions(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}

	byQuestion := make(map[uuid.UUID]types.GenerationTask, len(tasks))
	for _, t := range tasks {
		byQuestion[t.QuestionID] = t
	}

	status := &types.RunStatus{
		RunID:         run.ID,
		SourceURL:     run.SourceURL,
		Stage:         run.Stage,
		FailureReason: run.FailureReason,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}
	for _, q := range questions {
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
	return status, nil
}
