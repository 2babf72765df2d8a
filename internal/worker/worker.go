package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"strategy-pipeline/internal/backtest"
	"strategy-pipeline/internal/cache"
	"strategy-pipeline/internal/checkpoint"
	"strategy-pipeline/internal/database"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/pipeline"
	"strategy-pipeline/internal/queue"
)

// Engine executes stage runs and scheduled jobs. *backtest.Executor is the
// reference implementation.
type Engine interface {
	ExecuteStage(ctx context.Context, in backtest.StageInput) (*backtest.Result, error)
	ExecuteJob(ctx context.Context, runID string, spec backtest.JobSpec) (*backtest.Result, error)
}

// CompletionHandler consumes stage completions. *pipeline.Service implements it.
type CompletionHandler interface {
	OnStageCompleted(ctx context.Context, c pipeline.StageCompletion) (*pipeline.Pipeline, error)
}

// ErrRunBusy is returned when another delivery of the same run is still
// executing. The job stays pending and is retried later.
var ErrRunBusy = errors.New("run is already executing")

// RunLocker serializes executions of one run. *cache.RedisLocker and
// *cache.LocalLocker implement it.
type RunLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Worker executes queued jobs
type Worker struct {
	runs        RunStore
	engine      Engine
	pipelines   CompletionHandler
	queue       queue.Queue
	flags       CancelFlags
	runLocks    RunLocker
	lockWait    time.Duration
	maxAttempts int
	logger      *logging.Logger
}

// NewWorker creates a worker. maxAttempts should match the queue's so the
// last delivery of a failing job fails its run instead of leaving it stuck.
func NewWorker(runs RunStore, engine Engine, pipelines CompletionHandler, q queue.Queue, flags CancelFlags, maxAttempts int, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultOptions().MaxAttempts
	}
	return &Worker{
		runs:        runs,
		engine:      engine,
		pipelines:   pipelines,
		queue:       q,
		flags:       flags,
		runLocks:    cache.NewLocalLocker(),
		lockWait:    2 * time.Second,
		maxAttempts: maxAttempts,
		logger:      logger.WithComponent("worker"),
	}
}

// SetRunLocker replaces the in-process run lock, e.g. with a Redis lock
// shared by every worker process
func (w *Worker) SetRunLocker(l RunLocker) {
	w.runLocks = l
}

// Run consumes jobs until ctx is done
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")
	return w.queue.Consume(ctx, w.Handle)
}

// Handle routes a job to its handler
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobStageRun:
		return w.handleStageRun(ctx, job)
	case queue.JobStageCompleted:
		return w.handleStageCompleted(ctx, job)
	case queue.JobBacktestRun:
		return w.handleBacktestRun(ctx, job)
	}
	return queue.Permanent(fmt.Errorf("unknown job type %q", job.Type))
}

// ============================================================================
// STAGE RUNS
// ============================================================================

func (w *Worker) handleStageRun(ctx context.Context, job *queue.Job) error {
	var p StageRunPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	req := p.Request
	log := logging.PipelineContext(req.PipelineID, string(req.Stage)).WithField("run_id", p.RunID)

	unlock, err := w.claimRun(ctx, p.RunID)
	if err != nil {
		log.Debug("stage run not claimed", "error", err)
		return err
	}
	defer unlock()

	run, err := w.runs.GetRun(ctx, p.RunID)
	if errors.Is(err, database.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("stage run %s: %w", p.RunID, err))
	}
	if err != nil {
		return err
	}

	switch run.Status {
	case database.RunStatusCompleted, database.RunStatusFailed:
		// Redelivered after the run finished: the completion may not have
		// been enqueued, and the pipeline ignores a duplicate.
		log.Debug("run already finished, re-reporting completion", "status", string(run.Status))
		var metrics pipeline.StageMetrics
		if run.Metrics != nil {
			metrics = *run.Metrics
		}
		return w.report(ctx, p, runStatusFor(run.Status), metrics, run.Error)
	case database.RunStatusCancelled:
		return nil
	case database.RunStatusCancelRequested:
		log.Info("run cancelled before it started")
		return w.runs.CompleteRun(ctx, p.RunID, database.RunStatusCancelled, nil, "cancelled")
	}

	if err := w.runs.MarkRunStarted(ctx, p.RunID); err != nil {
		return err
	}

	strategy, err := w.runs.GetStrategyConfig(ctx, req.StrategyConfigID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return w.failStageRun(ctx, p, fmt.Sprintf("strategy config %s not found", req.StrategyConfigID))
	}
	if err != nil {
		return err
	}

	res, err := w.engine.ExecuteStage(ctx, backtest.StageInput{
		RunID:     p.RunID,
		Request:   req,
		Strategy:  strategy,
		Cancelled: w.cancelled(p.RunID),
	})
	switch {
	case errors.Is(err, checkpoint.ErrCancelled):
		log.Info("stage run cancelled")
		return w.runs.CompleteRun(ctx, p.RunID, database.RunStatusCancelled, nil, "cancelled")
	case errors.Is(err, backtest.ErrInvalidInput):
		return w.failStageRun(ctx, p, err.Error())
	case err != nil:
		if ctx.Err() != nil {
			// Shutting down; the checkpoint lets the next delivery resume
			return err
		}
		if job.Attempt >= w.maxAttempts {
			log.WithError(err).Error("stage run failed on its last attempt")
			return w.failStageRun(ctx, p, err.Error())
		}
		return err
	}

	if res.Outcome != nil && res.Outcome.FailedWrites > 0 {
		log.Warn("stage run finished with failed checkpoint writes", "failed_writes", res.Outcome.FailedWrites)
	}
	metrics := res.Metrics
	if err := w.runs.CompleteRun(ctx, p.RunID, database.RunStatusCompleted, &metrics, ""); err != nil {
		return err
	}
	log.Info("stage run completed", "trades", metrics.TradeCount, "sharpe", metrics.SharpeRatio)
	return w.report(ctx, p, pipeline.RunCompleted, metrics, "")
}

func (w *Worker) failStageRun(ctx context.Context, p StageRunPayload, reason string) error {
	if err := w.runs.CompleteRun(ctx, p.RunID, database.RunStatusFailed, nil, reason); err != nil {
		return err
	}
	return w.report(ctx, p, pipeline.RunFailed, pipeline.StageMetrics{}, reason)
}

// report enqueues the completion so the pipeline applies it under its own lock
func (w *Worker) report(ctx context.Context, p StageRunPayload, status pipeline.RunStatus, metrics pipeline.StageMetrics, errMsg string) error {
	_, err := w.queue.Enqueue(ctx, queue.JobStageCompleted, pipeline.StageCompletion{
		PipelineID: p.Request.PipelineID,
		Stage:      p.Request.Stage,
		RunID:      p.RunID,
		Status:     status,
		Metrics:    metrics,
		Error:      errMsg,
	})
	return err
}

func (w *Worker) handleStageCompleted(ctx context.Context, job *queue.Job) error {
	var c pipeline.StageCompletion
	if err := job.Decode(&c); err != nil {
		return err
	}

	_, err := w.pipelines.OnStageCompleted(ctx, c)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, pipeline.ErrInvalidTransition):
		return queue.Permanent(err)
	}
	return err
}

// cancelled checks the shared flag first and the run record second
func (w *Worker) cancelled(runID string) checkpoint.CancelFunc {
	return func(ctx context.Context) bool {
		if w.flags != nil {
			if set, err := w.flags.Exists(ctx, cache.RunCancelKey(runID)); err == nil && set {
				return true
			}
		}
		requested, err := w.runs.IsRunCancelRequested(ctx, runID)
		if err != nil {
			w.logger.WithError(err).Warn("failed to check cancellation", "run_id", runID)
			return false
		}
		return requested
	}
}

// ============================================================================
// SCHEDULED JOBS
// ============================================================================

func (w *Worker) handleBacktestRun(ctx context.Context, job *queue.Job) error {
	var p BacktestRunPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := w.logger.WithField("run_id", p.RunID)

	unlock, err := w.claimRun(ctx, p.RunID)
	if err != nil {
		log.Debug("scheduled run not claimed", "error", err)
		return err
	}
	defer unlock()

	run, err := w.runs.GetRun(ctx, p.RunID)
	if errors.Is(err, database.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("scheduled run %s: %w", p.RunID, err))
	}
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		log.Debug("ignoring redelivered job for finished run", "status", string(run.Status))
		return nil
	}
	if run.Status == database.RunStatusCancelRequested {
		return w.runs.CompleteRun(ctx, run.ID, database.RunStatusCancelled, nil, "cancelled")
	}

	spec, err := jobSpec(run)
	if err != nil {
		return w.runs.CompleteRun(ctx, run.ID, database.RunStatusFailed, nil, err.Error())
	}
	if err := w.runs.MarkRunStarted(ctx, run.ID); err != nil {
		return err
	}

	res, err := w.engine.ExecuteJob(ctx, run.ID, spec)
	switch {
	case errors.Is(err, backtest.ErrInvalidInput):
		log.WithError(err).Warn("scheduled job rejected")
		return w.runs.CompleteRun(ctx, run.ID, database.RunStatusFailed, nil, err.Error())
	case err != nil:
		if ctx.Err() == nil && job.Attempt >= w.maxAttempts {
			log.WithError(err).Error("scheduled job failed on its last attempt")
			return w.runs.CompleteRun(ctx, run.ID, database.RunStatusFailed, nil, err.Error())
		}
		return err
	}

	metrics := res.Metrics
	if err := w.runs.CompleteRun(ctx, run.ID, database.RunStatusCompleted, &metrics, ""); err != nil {
		return err
	}
	log.Info("scheduled job completed", "algorithm", run.Algorithm,
		"baseline", metrics.BaselineScore, "best", metrics.BestScore)
	return nil
}

// claimRun takes the execution lock of a run. The status checks that follow
// it see the outcome of any execution that finished before.
func (w *Worker) claimRun(ctx context.Context, runID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, w.lockWait)
	defer cancel()

	unlock, err := w.runLocks.Lock(lockCtx, "run:"+runID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRunBusy, runID)
		}
		return nil, fmt.Errorf("failed to lock run %s: %w", runID, err)
	}
	return unlock, nil
}

// jobSpec decodes the scheduler's run parameters
func jobSpec(run *database.BacktestRun) (backtest.JobSpec, error) {
	var spec backtest.JobSpec
	data, err := json.Marshal(run.Params)
	if err != nil {
		return spec, fmt.Errorf("invalid job params: %w", err)
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("invalid job params: %w", err)
	}
	spec.Algorithm = run.Algorithm
	return spec, nil
}

func runStatusFor(s database.RunStatus) pipeline.RunStatus {
	if s == database.RunStatusCompleted {
		return pipeline.RunCompleted
	}
	return pipeline.RunFailed
}
