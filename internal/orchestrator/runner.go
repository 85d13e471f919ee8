package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/apply-agent/internal/store"
	"github.com/jonathan/apply-agent/internal/types"
)

// ErrQueueFull is returned by Submit when the run queue has no room.
var ErrQueueFull = errors.New("orchestrator: run queue is full")

// Runner feeds queued runs to a fixed set of driver workers. Each worker
// drives one run at a time end to end; generation concurrency inside a run
// is governed separately by the orchestrator's shared semaphore.
type Runner struct {
	orch    *Orchestrator
	queue   chan uuid.UUID
	workers int
	logger  *zap.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewRunner creates a Runner with the given worker count and queue depth.
func NewRunner(orch *Orchestrator, workers, queueDepth int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		orch:    orch,
		queue:   make(chan uuid.UUID, queueDepth),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the worker goroutines. Workers exit when ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.work(ctx, i)
		}
	})
}

// Submit enqueues a run for driving without blocking.
func (r *Runner) Submit(runID uuid.UUID) error {
	select {
	case r.queue <- runID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Wait blocks until all workers have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Recover enqueues every run stuck at a non-terminal stage, so runs
// interrupted by a crash resume at their last recorded stage when the
// process restarts. Returns how many runs were re-queued.
func (r *Runner) Recover(ctx context.Context, st store.Store) (int, error) {
	recovered := 0
	for _, stage := range types.ActiveStages() {
		runs, err := st.ListRuns(ctx, store.RunFilter{Stage: stage})
		if err != nil {
			return recovered, fmt.Errorf("listing %s runs: %w", stage, err)
		}
		for _, run := range runs {
			if err := r.Submit(run.ID); err != nil {
				return recovered, fmt.Errorf("re-queueing run %s: %w", run.ID, err)
			}
			r.logger.Info("resuming interrupted run",
				zap.String("run_id", run.ID.String()),
				zap.String("stage", string(stage)))
			recovered++
		}
	}
	return recovered, nil
}

func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-r.queue:
			if err := r.orch.Drive(ctx, runID); err != nil {
				// Store or context trouble; the run record keeps its
				// current stage and can be resubmitted.
				log.Error("driving run aborted",
					zap.String("run_id", runID.String()),
					zap.Error(err))
			}
		}
	}
}
