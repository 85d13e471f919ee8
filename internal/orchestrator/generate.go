package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/apply-agent/internal/generation"
	"github.com/jonathan/apply-agent/internal/profile"
	"github.com/jonathan/apply-agent/internal/types"
)

// generateStage fans out one generation task per question across the
// shared worker pool and waits for all of them to reach a terminal state.
// Individual task failures do not fail the stage: the run completes with
// the failed answers visible in its status. The stage itself only errors
// when the store or context breaks.
func (o *Orchestrator) generateStage(ctx context.Context, run *types.PipelineRun) error {
	questions, err := o.store.ListQuestions(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing questions: %w", err)
	}
	if len(questions) == 0 {
		return nil
	}

	bundle, err := o.profiles.ContextBundle(ctx, run.UserID)
	if err != nil {
		return fmt.Errorf("loading user context: %w", err)
	}
	digest := profile.Digest(bundle)

	ids := make([]uuid.UUID, len(questions))
	byID := make(map[uuid.UUID]types.ExtractedQuestion, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
		byID[q.ID] = q
	}
	if err := o.store.CreateTasks(ctx, run.ID, digest, ids); err != nil {
		return fmt.Errorf("creating tasks: %w", err)
	}

	tasks, err := o.store.ListTasks(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	launched := 0
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		task := task
		question, ok := byID[task.QuestionID]
		if !ok {
			continue
		}
		launched++
		g.Go(func() error {
			if err := o.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer o.sem.Release(1)
			return o.runTask(gctx, run, question, task, bundle)
		})
	}
	if launched == 0 {
		// Re-entry with every task already terminal: nothing to do, and
		// critically, zero new model calls.
		return nil
	}
	return g.Wait()
}

// runTask drives one generation task to a terminal state. Transient model
// errors are retried up to the per-task ceiling; permanent errors and an
// exhausted ceiling mark the task failed without touching its siblings.
func (o *Orchestrator) runTask(ctx context.Context, run *types.PipelineRun, question types.ExtractedQuestion, task types.GenerationTask, bundle *types.ContextBundle) error {
	claimed, err := o.store.ClaimTask(ctx, run.ID, task.QuestionID)
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}
	if !claimed {
		return nil
	}

	key := generation.Key(question.Text, question.Kind, task.ContextDigest)
	if answer, hit, err := o.cache.Get(ctx, key); err == nil && hit {
		if o.metrics != nil {
			o.metrics.AnswerCacheHits.Inc()
		}
		return o.finishTask(ctx, run.ID, task.QuestionID, types.TaskSucceeded, answer, "")
	}
	if o.metrics != nil {
		o.metrics.AnswerCacheMiss.Inc()
	}

	taskPolicy := o.cfg.TaskBackoff
	var lastErr error
	for attempt := 1; attempt <= o.cfg.TaskAttemptCeiling; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		answer, err := o.generator.Answer(callCtx, &question, bundle)
		cancel()

		if err == nil {
			canceled, cErr := o.cancelRequested(ctx, run.ID)
			if cErr != nil {
				return cErr
			}
			if canceled {
				// The call was allowed to finish; the result is dropped
				// and the task left for the cancellation path.
				o.logger.Info("discarding answer for canceled run",
					zap.String("run_id", run.ID.String()),
					zap.String("question_id", task.QuestionID.String()))
				return nil
			}
			if err := o.cache.Set(ctx, key, answer); err != nil {
				o.logger.Warn("answer cache write failed", zap.Error(err))
			}
			return o.finishTask(ctx, run.ID, task.QuestionID, types.TaskSucceeded, answer, "")
		}

		lastErr = err
		if Classify(err) == ClassPermanent {
			break
		}
		if attempt < o.cfg.TaskAttemptCeiling {
			if err := o.sleep(ctx, taskPolicy.Backoff(attempt)); err != nil {
				return err
			}
		}
	}

	o.logger.Warn("generation task failed",
		zap.String("run_id", run.ID.String()),
		zap.String("question_id", task.QuestionID.String()),
		zap.Error(lastErr))
	return o.finishTask(ctx, run.ID, task.QuestionID, types.TaskFailed, "", lastErr.Error())
}

func (o *Orchestrator) finishTask(ctx context.Context, runID, questionID uuid.UUID, status types.TaskStatus, answer, lastError string) error {
	if err := o.store.CompleteTask(ctx, runID, questionID, status, answer, lastError); err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	if o.metrics != nil {
		outcome := "succeeded"
		if status == types.TaskFailed {
			outcome = "failed"
		}
		o.metrics.TasksCompleted.WithLabelValues(outcome).Inc()
	}
	return nil
}

func (o *Orchestrator) cancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	run, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.CancelRequested, nil
}
