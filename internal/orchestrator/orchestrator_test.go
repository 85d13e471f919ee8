package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonathan/apply-agent/internal/fetch"
	"github.com/jonathan/apply-agent/internal/generation"
	"github.com/jonathan/apply-agent/internal/llm"
	"github.com/jonathan/apply-agent/internal/profile"
	"github.com/jonathan/apply-agent/internal/store"
	"github.com/jonathan/apply-agent/internal/types"
)

type fakeFetcher struct {
	mu      sync.Mutex
	content string
	errs    []error
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (string, fetch.Method, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", fetch.MethodStatic, err
		}
	}
	return f.content, fetch.MethodStatic, nil
}

type fakeExtractor struct {
	questions []types.ExtractedQuestion
	err       error
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) ([]types.ExtractedQuestion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.questions, nil
}

// fakeGenerator answers by question text; entries in fail are answered
// with the configured error instead.
type fakeGenerator struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{fail: make(map[string]error), calls: make(map[string]int)}
}

func (f *fakeGenerator) Answer(_ context.Context, q *types.ExtractedQuestion, _ *types.ContextBundle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[q.Text]++
	if err, ok := f.fail[q.Text]; ok {
		return "", err
	}
	return "answer to: " + q.Text, nil
}

func (f *fakeGenerator) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fixture struct {
	store     *store.MemoryStore
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	generator *fakeGenerator
	cache     generation.Cache
	orch      *Orchestrator
}

func threeQuestions() []types.ExtractedQuestion {
	return []types.ExtractedQuestion{
		{Text: "Why do you deserve this scholarship?", Kind: types.KindEssay, Required: true},
		{Text: "Describe your leadership experience.", Kind: types.KindExperience},
		{Text: "List your technical skills.", Kind: types.KindSkills},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemoryStore(),
		fetcher:   &fakeFetcher{content: "Scholarship application: please answer the following."},
		extractor: &fakeExtractor{questions: threeQuestions()},
		generator: newFakeGenerator(),
		cache:     generation.NewMemoryCache(),
	}
	provider := &profile.Static{Bundle: &types.ContextBundle{Name: "Jordan", Skills: []string{"Go"}}}
	f.orch = New(f.store, f.fetcher, f.extractor, provider, f.generator, f.cache,
		Config{MaxConcurrentGenerations: 4, TaskAttemptCeiling: 3, CallTimeout: 5 * time.Second},
		zap.NewNop(), nil)
	// No real delays in tests.
	f.orch.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f
}

func (f *fixture) submit(t *testing.T) *types.PipelineRun {
	t.Helper()
	run, err := f.store.CreateRun(context.Background(), uuid.New(), "https://example.com/apply")
	require.NoError(t, err)
	return run
}

func TestDriveHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))

	status, err := f.store.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageComplete, status.Stage)
	assert.Equal(t, 3, status.QuestionsExtracted)
	assert.Equal(t, 3, status.AnswersGenerated)
	assert.Equal(t, 0, status.AnswersFailed)
	for _, q := range status.Questions {
		assert.Equal(t, types.TaskSucceeded, q.TaskStatus)
		assert.Equal(t, "answer to: "+q.Text, q.Answer)
	}
}

func TestDrivePartialFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.generator.fail["Describe your leadership experience."] = &generation.Error{
		Message: "policy rejection", Retryable: false, Cause: &llm.PolicyError{Reason: "SAFETY"},
	}
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))

	status, err := f.store.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageComplete, status.Stage)
	assert.Equal(t, 2, status.AnswersGenerated)
	assert.Equal(t, 1, status.AnswersFailed)

	var failed *types.QuestionStatus
	for i := range status.Questions {
		if status.Questions[i].TaskStatus == types.TaskFailed {
			failed = &status.Questions[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "Describe your leadership experience.", failed.Text)
	assert.Contains(t, failed.LastError, "policy rejection")

	// Permanent task errors are not retried.
	assert.Equal(t, 1, f.generator.calls["Describe your leadership experience."])
}

func TestDrivePermanentFetchFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.errs = []error{&fetch.Error{URL: "https://example.com/apply", Message: "content empty after static and rendered fetch"}}
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))

	loaded, err := f.store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, loaded.Stage)
	assert.Contains(t, loaded.FailureReason, "content empty")
	assert.Equal(t, 1, f.fetcher.calls)
}

func TestDriveTransientFetchRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.errs = []error{
		&fetch.Error{Message: "status 503", Retryable: true},
		&fetch.Error{Message: "status 503", Retryable: true},
	}
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))

	loaded, err := f.store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageComplete, loaded.Stage)
	assert.Equal(t, 3, f.fetcher.calls)
	assert.Equal(t, 3, loaded.Attempts[types.StageFetch])
}

func TestDriveTransientExhaustionFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.errs = []error{
		&fetch.Error{Message: "status 503", Retryable: true},
		&fetch.Error{Message: "status 503", Retryable: true},
		&fetch.Error{Message: "status 503", Retryable: true},
		&fetch.Error{Message: "status 503", Retryable: true},
		&fetch.Error{Message: "status 503", Retryable: true},
	}
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))

	loaded, err := f.store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, loaded.Stage)
	assert.Equal(t, 5, f.fetcher.calls)
	assert.Equal(t, 5, loaded.Attempts[types.StageFetch])
}

func TestDriveGenerateReentryMakesNoNewCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))
	callsAfterFirst := f.generator.totalCalls()
	assert.Equal(t, 3, callsAfterFirst)

	// Simulate a crash-replay: rewind the run to GENERATE with every
	// task already terminal.
	ok, err := f.store.AdvanceStage(ctx, run.ID, types.StageComplete, types.StageGenerate)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.orch.Drive(ctx, run.ID))
	assert.Equal(t, callsAfterFirst, f.generator.totalCalls())

	loaded, err := f.store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageComplete, loaded.Stage)
}

func TestDriveAnswerCacheSharedAcrossRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.submit(t)
	require.NoError(t, f.orch.Drive(ctx, first.ID))
	assert.Equal(t, 3, f.generator.totalCalls())

	// Same questions, same user context: every answer comes from cache.
	second := f.submit(t)
	require.NoError(t, f.orch.Drive(ctx, second.ID))
	assert.Equal(t, 3, f.generator.totalCalls())

	status, err := f.store.RunStatus(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.AnswersGenerated)
}

func TestDriveCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.submit(t)

	require.NoError(t, f.store.RequestCancel(ctx, run.ID))
	require.NoError(t, f.orch.Drive(ctx, run.ID))

	loaded, err := f.store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, loaded.Stage)
	assert.Equal(t, cancelReason, loaded.FailureReason)
	assert.Equal(t, 0, f.fetcher.calls)
}

func TestRetryQuestionAfterComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.generator.fail["List your technical skills."] = &generation.Error{Message: "model returned an empty answer", Retryable: true}
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))
	status, err := f.store.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, status.AnswersFailed)

	var failedID uuid.UUID
	for _, q := range status.Questions {
		if q.TaskStatus == types.TaskFailed {
			failedID = q.QuestionID
		}
	}
	require.NotEqual(t, uuid.Nil, failedID)

	// The model recovers; the user retries just that question.
	delete(f.generator.fail, "List your technical skills.")
	require.NoError(t, f.orch.RetryQuestion(ctx, run.ID, failedID))

	require.NoError(t, f.orch.Drive(ctx, run.ID))

	status, err = f.store.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageComplete, status.Stage)
	assert.Equal(t, 3, status.AnswersGenerated)
	assert.Equal(t, 0, status.AnswersFailed)
}

func TestRetryQuestionReopensRunAtPersistAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.generator.fail["List your technical skills."] = &generation.Error{Message: "model returned an empty answer", Retryable: true}
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))
	status, err := f.store.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, status.AnswersFailed)

	var failedID uuid.UUID
	for _, q := range status.Questions {
		if q.TaskStatus == types.TaskFailed {
			failedID = q.QuestionID
		}
	}
	require.NotEqual(t, uuid.Nil, failedID)

	// The run is observed between fan-in and completion.
	ok, err := f.store.AdvanceStage(ctx, run.ID, types.StageComplete, types.StagePersistAnswers)
	require.NoError(t, err)
	require.True(t, ok)

	delete(f.generator.fail, "List your technical skills.")
	require.NoError(t, f.orch.RetryQuestion(ctx, run.ID, failedID))

	// The retry must reopen generation, or the pending task would fail
	// the fan-in check and take the whole run down.
	loaded, err := f.store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, types.StageGenerate, loaded.Stage)

	require.NoError(t, f.orch.Drive(ctx, run.ID))
	status, err = f.store.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageComplete, status.Stage)
	assert.Equal(t, 3, status.AnswersGenerated)
	assert.Equal(t, 0, status.AnswersFailed)
}

func TestRetryQuestionRejectsNonFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))
	status, err := f.store.RunStatus(ctx, run.ID)
	require.NoError(t, err)

	err = f.orch.RetryQuestion(ctx, run.ID, status.Questions[0].QuestionID)
	assert.ErrorContains(t, err, "no failed answer")
}

func TestDriveZeroQuestionsCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.extractor.questions = nil
	run := f.submit(t)

	require.NoError(t, f.orch.Drive(ctx, run.ID))

	status, err := f.store.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageComplete, status.Stage)
	assert.Equal(t, 0, status.QuestionsExtracted)
	assert.Equal(t, 0, f.generator.totalCalls())
}

func TestRunnerDrivesSubmittedRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	runner := NewRunner(f.orch, 2, 8, zap.NewNop())
	runner.Start(ctx)

	run := f.submit(t)
	require.NoError(t, runner.Submit(run.ID))

	require.Eventually(t, func() bool {
		loaded, err := f.store.LoadRun(context.Background(), run.ID)
		return err == nil && loaded.Stage == types.StageComplete
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	runner.Wait()
}

func TestRecoverResumesInterruptedRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	// A run left at EXTRACT, as after a crash between stages.
	interrupted := f.submit(t)
	require.NoError(t, f.store.SaveContent(ctx, interrupted.ID, "Scholarship application content"))
	ok, err := f.store.AdvanceStage(ctx, interrupted.ID, types.StageFetch, types.StageExtract)
	require.NoError(t, err)
	require.True(t, ok)

	// A finished run must not be re-queued.
	done := f.submit(t)
	require.NoError(t, f.orch.Drive(ctx, done.ID))
	callsBefore := f.generator.totalCalls()
	fetchesBefore := f.fetcher.calls

	runner := NewRunner(f.orch, 2, 8, zap.NewNop())
	runner.Start(ctx)
	recovered, err := runner.Recover(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	require.Eventually(t, func() bool {
		loaded, err := f.store.LoadRun(context.Background(), interrupted.ID)
		return err == nil && loaded.Stage == types.StageComplete
	}, 5*time.Second, 10*time.Millisecond)

	// The recovered run resumes at EXTRACT: no refetch, and every
	// answer comes from the cache warmed by the finished run.
	assert.Equal(t, fetchesBefore, f.fetcher.calls)
	assert.Equal(t, callsBefore, f.generator.totalCalls())

	cancel()
	runner.Wait()
}

func TestRecoverReclaimsRunningTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	// A run that crashed mid-generation: questions saved, one task
	// claimed but never completed.
	run := f.submit(t)
	require.NoError(t, f.store.SaveContent(ctx, run.ID, "content"))
	questions, err := f.store.SaveQuestions(ctx, run.ID, threeQuestions())
	require.NoError(t, err)
	ids := make([]uuid.UUID, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
	}
	require.NoError(t, f.store.CreateTasks(ctx, run.ID, "digest", ids))
	_, err = f.store.ClaimTask(ctx, run.ID, ids[0])
	require.NoError(t, err)
	ok, err := f.store.AdvanceStage(ctx, run.ID, types.StageFetch, types.StageGenerate)
	require.NoError(t, err)
	require.True(t, ok)

	runner := NewRunner(f.orch, 1, 8, zap.NewNop())
	runner.Start(ctx)
	recovered, err := runner.Recover(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	require.Eventually(t, func() bool {
		status, err := f.store.RunStatus(context.Background(), run.ID)
		return err == nil && status.Stage == types.StageComplete && status.AnswersGenerated == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	runner.Wait()
}

func TestRunnerQueueFull(t *testing.T) {
	f := newFixture(t)
	runner := NewRunner(f.orch, 1, 1, zap.NewNop())
	// Not started: the single queue slot fills immediately.
	require.NoError(t, runner.Submit(uuid.New()))
	assert.ErrorIs(t, runner.Submit(uuid.New()), ErrQueueFull)
}

func TestConfigTaskBackoff(t *testing.T) {
	st := store.NewMemoryStore()

	// A zero config falls back to the default per-task schedule.
	o := New(st, &fakeFetcher{}, &fakeExtractor{}, &profile.Static{}, newFakeGenerator(),
		generation.NewMemoryCache(), Config{}, zap.NewNop(), nil)
	assert.Equal(t, DefaultConfig().TaskBackoff, o.cfg.TaskBackoff)

	// A custom schedule is kept as given.
	custom := Policy{BaseDelay: 250 * time.Millisecond, Multiplier: 3, MaxDelay: 2 * time.Second, JitterFrac: 0.1}
	o = New(st, &fakeFetcher{}, &fakeExtractor{}, &profile.Static{}, newFakeGenerator(),
		generation.NewMemoryCache(), Config{TaskBackoff: custom}, zap.NewNop(), nil)
	assert.Equal(t, custom, o.cfg.TaskBackoff)
}
