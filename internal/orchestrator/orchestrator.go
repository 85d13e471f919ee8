// Package orchestrator drives pipeline runs through their stages: fetch,
// extract, persist questions, fan-out generation, persist answers. Stage
// transitions go through conditional store writes so that a crashed worker
// whose run was picked up elsewhere cannot clobber newer state.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jonathan/apply-agent/internal/fetch"
	"github.com/jonathan/apply-agent/internal/generation"
	"github.com/jonathan/apply-agent/internal/metrics"
	"github.com/jonathan/apply-agent/internal/profile"
	"github.com/jonathan/apply-agent/internal/store"
	"github.com/jonathan/apply-agent/internal/types"
)

// cancelReason is recorded when a run fails because the user asked for it.
const cancelReason = "canceled by user request"

// ContentFetcher retrieves page text for a posting URL.
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (string, fetch.Method, error)
}

// QuestionExtractor turns page text into structured questions.
type QuestionExtractor interface {
	Extract(ctx context.Context, content string) ([]types.ExtractedQuestion, error)
}

// AnswerGenerator answers a single question given the user's bundle.
type AnswerGenerator interface {
	Answer(ctx context.Context, q *types.ExtractedQuestion, bundle *types.ContextBundle) (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrentGenerations bounds in-flight generation calls across
	// all runs, not per run.
	MaxConcurrentGenerations int64
	// TaskAttemptCeiling is the per-question generation attempt limit.
	TaskAttemptCeiling int
	// CallTimeout bounds each external call (fetch, extract, generate).
	CallTimeout time.Duration
	// TaskBackoff schedules the delays between generation attempts for
	// one task.
	TaskBackoff Policy
}

// DefaultConfig returns the operational defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentGenerations: 8,
		TaskAttemptCeiling:       3,
		CallTimeout:              60 * time.Second,
		TaskBackoff: Policy{
			BaseDelay:  time.Second,
			Multiplier: 2,
			MaxDelay:   10 * time.Second,
			JitterFrac: 0.2,
		},
	}
}

// Orchestrator sequences the stages of pipeline runs.
type Orchestrator struct {
	store     store.Store
	fetcher   ContentFetcher
	extractor QuestionExtractor
	profiles  profile.Provider
	generator AnswerGenerator
	cache     generation.Cache
	policies  map[types.Stage]Policy
	sem       *semaphore.Weighted
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// sleep is replaced in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an Orchestrator. metrics may be nil.
func New(
	st store.Store,
	fetcher ContentFetcher,
	extractor QuestionExtractor,
	profiles profile.Provider,
	generator AnswerGenerator,
	cache generation.Cache,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	if cfg.MaxConcurrentGenerations <= 0 {
		cfg.MaxConcurrentGenerations = DefaultConfig().MaxConcurrentGenerations
	}
	if cfg.TaskAttemptCeiling <= 0 {
		cfg.TaskAttemptCeiling = DefaultConfig().TaskAttemptCeiling
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.TaskBackoff.BaseDelay <= 0 {
		cfg.TaskBackoff = DefaultConfig().TaskBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     st,
		fetcher:   fetcher,
		extractor: extractor,
		profiles:  profiles,
		generator: generator,
		cache:     cache,
		policies:  StagePolicies(),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentGenerations),
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Drive advances a run until it reaches a terminal stage. It is safe to
// call for a run at any stage, including one resumed after a crash: each
// stage re-executes idempotently and the conditional advance guarantees
// the run moves forward exactly once per stage.
func (o *Orchestrator) Drive(ctx context.Context, runID uuid.UUID) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		run, err := o.store.LoadRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("loading run %s: %w", runID, err)
		}
		if run.Stage.Terminal() {
			return nil
		}
		if run.CancelRequested {
			won, err := o.store.FailRun(ctx, runID, run.Stage, cancelReason)
			if err != nil {
				return err
			}
			if won {
				o.logger.Info("run canceled",
					zap.String("run_id", runID.String()),
					zap.String("stage", string(run.Stage)))
				if o.metrics != nil {
					o.metrics.RunsFailed.Inc()
				}
			}
			continue
		}
		if err := o.runStage(ctx, run); err != nil {
			return err
		}
	}
}

// runStage executes the run's current stage under its retry policy and
// applies the resulting transition. A nil return means the run record
// reflects the outcome, whatever it was; errors are reserved for the
// store or context breaking underneath us.
func (o *Orchestrator) runStage(ctx context.Context, run *types.PipelineRun) error {
	stage := run.Stage
	policy := o.policies[stage]

	for {
		attempt, err := o.store.RecordAttempt(ctx, run.ID, stage)
		if err != nil {
			return fmt.Errorf("recording attempt: %w", err)
		}

		start := time.Now()
		stageErr := o.executeStage(ctx, run)
		if o.metrics != nil {
			o.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		}

		if stageErr == nil {
			won, err := o.store.AdvanceStage(ctx, run.ID, stage, stage.Next())
			if err != nil {
				return fmt.Errorf("advancing stage: %w", err)
			}
			if !won {
				o.logger.Warn("stage already advanced elsewhere",
					zap.String("run_id", run.ID.String()),
					zap.String("stage", string(stage)))
			}
			if o.metrics != nil && stage.Next() == types.StageComplete {
				o.metrics.RunsCompleted.Inc()
			}
			return nil
		}

		class := Classify(stageErr)
		o.logger.Warn("stage attempt failed",
			zap.String("run_id", run.ID.String()),
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempt),
			zap.String("class", class.String()),
			zap.Error(stageErr))

		if class == ClassPermanent || policy.Exhausted(attempt) {
			if _, err := o.store.FailRun(ctx, run.ID, stage, stageErr.Error()); err != nil {
				return fmt.Errorf("recording failure: %w", err)
			}
			if o.metrics != nil {
				o.metrics.RunsFailed.Inc()
			}
			return nil
		}

		if o.metrics != nil {
			o.metrics.StageRetries.WithLabelValues(string(stage)).Inc()
		}
		if err := o.sleep(ctx, policy.Backoff(attempt)); err != nil {
			return err
		}

		// The run may have been canceled or moved while we backed off.
		current, err := o.store.LoadRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if current.Stage != stage || current.CancelRequested {
			return nil
		}
	}
}

func (o *Orchestrator) executeStage(ctx context.Context, run *types.PipelineRun) error {
	switch run.Stage {
	case types.StageFetch:
		return o.fetchStage(ctx, run)
	case types.StageExtract:
		return o.extractStage(ctx, run)
	case types.StagePersistQuestions:
		return o.persistQuestionsStage(ctx, run)
	case types.StageGenerate:
		return o.generateStage(ctx, run)
	case types.StagePersistAnswers:
		return o.persistAnswersStage(ctx, run)
	default:
		return fmt.Errorf("no executor for stage %s", run.Stage)
	}
}

func (o *Orchestrator) fetchStage(ctx context.Context, run *types.PipelineRun) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	content, method, err := o.fetcher.Fetch(callCtx, run.SourceURL)
	if err != nil {
		return err
	}
	o.logger.Info("fetched posting",
		zap.String("run_id", run.ID.String()),
		zap.String("method", string(method)),
		zap.Int("content_length", len(content)))
	return o.store.SaveContent(ctx, run.ID, content)
}

func (o *Orchestrator) extractStage(ctx context.Context, run *types.PipelineRun) error {
	content, err := o.store.LoadContent(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("loading fetched content: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	questions, err := o.extractor.Extract(callCtx, content)
	if err != nil {
		return err
	}
	o.logger.Info("extracted questions",
		zap.String("run_id", run.ID.String()),
		zap.Int("count", len(questions)))
	return o.store.SaveExtraction(ctx, run.ID, questions)
}

func (o *Orchestrator) persistQuestionsStage(ctx context.Context, run *types.PipelineRun) error {
	questions, err := o.store.LoadExtraction(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("loading extraction: %w", err)
	}
	if _, err := o.store.SaveQuestions(ctx, run.ID, questions); err != nil {
		return fmt.Errorf("persisting questions: %w", err)
	}
	return nil
}

// persistAnswersStage is the fan-in checkpoint: answers were written as
// each task completed, so all that remains is confirming every task
// reached a terminal state before the run is declared complete.
func (o *Orchestrator) persistAnswersStage(ctx context.Context, run *types.PipelineRun) error {
	tasks, err := o.store.ListTasks(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return fmt.Errorf("task for question %s still %s", task.QuestionID, task.Status)
		}
	}
	return nil
}

// RetryQuestion returns a single failed question to the pending state and,
// when the run already completed, reopens the generation stage so the run
// can be driven again. The caller resubmits the run for driving.
func (o *Orchestrator) RetryQuestion(ctx context.Context, runID, questionID uuid.UUID) error {
	run, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Stage == types.StageFailed {
		return fmt.Errorf("run %s failed before answers were generated", runID)
	}

	reset, err := o.store.ResetTask(ctx, runID, questionID)
	if err != nil {
		return err
	}
	if !reset {
		return fmt.Errorf("question %s has no failed answer to retry", questionID)
	}

	// A run past GENERATE must be reopened, or the pending task would
	// starve behind the fan-in check. Covers both the completed run and
	// one observed between fan-in and completion.
	if run.Stage == types.StageComplete || run.Stage == types.StagePersistAnswers {
		if _, err := o.store.AdvanceStage(ctx, runID, run.Stage, types.StageGenerate); err != nil {
			return err
		}
	}
	return nil
}
