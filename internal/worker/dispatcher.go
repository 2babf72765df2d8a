// Package worker connects the pipeline state machine to the job queue: the
// Dispatcher starts stage runs by enqueueing them, and the Worker executes
// queued jobs and reports completed stages back to the pipeline.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"strategy-pipeline/internal/cache"
	"strategy-pipeline/internal/database"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/pipeline"
	"strategy-pipeline/internal/queue"
)

// RunStore is the run persistence the worker needs
type RunStore interface {
	CreateRun(ctx context.Context, run *database.BacktestRun) error
	GetRun(ctx context.Context, id string) (*database.BacktestRun, error)
	MarkRunStarted(ctx context.Context, id string) error
	CompleteRun(ctx context.Context, id string, status database.RunStatus, metrics *pipeline.StageMetrics, errMsg string) error
	RequestRunCancel(ctx context.Context, id string) error
	IsRunCancelRequested(ctx context.Context, id string) (bool, error)
	GetStrategyConfig(ctx context.Context, id string) (*pipeline.StrategyConfig, error)
}

// CancelFlags is a fast shared flag store for cancellation requests.
// *cache.CacheService satisfies it.
type CancelFlags interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// StageRunPayload is the payload of a stage.run job. The pipeline id travels
// with the job, never with the run record.
type StageRunPayload struct {
	RunID   string                `json:"run_id"`
	Request pipeline.StageRequest `json:"request"`
}

// BacktestRunPayload is the payload of a scheduled backtest.run job
type BacktestRunPayload struct {
	RunID string `json:"run_id"`
}

// Dispatcher implements pipeline.StageRunner on top of the job queue
type Dispatcher struct {
	runs   RunStore
	queue  queue.Queue
	flags  CancelFlags
	logger *logging.Logger
}

// NewDispatcher creates a dispatcher. flags may be nil.
func NewDispatcher(runs RunStore, q queue.Queue, flags CancelFlags, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		runs:   runs,
		queue:  q,
		flags:  flags,
		logger: logger.WithComponent("dispatcher"),
	}
}

// RunStage records a queued run for the stage and enqueues its execution
func (d *Dispatcher) RunStage(ctx context.Context, req pipeline.StageRequest) (string, error) {
	algorithm := "bar_replay"
	if req.Stage == pipeline.StageOptimize {
		algorithm = req.Config.Optimization.Algorithm
		if algorithm == "" {
			algorithm = "grid_search"
		}
	}

	run := &database.BacktestRun{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Algorithm: algorithm,
		Kind:      database.RunKindForStage(req.Stage),
		Params: map[string]interface{}{
			"stage":              string(req.Stage),
			"strategy_config_id": req.StrategyConfigID,
		},
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("failed to create %s run: %w", req.Stage, err)
	}

	if _, err := d.queue.Enqueue(ctx, queue.JobStageRun, StageRunPayload{RunID: run.ID, Request: req}); err != nil {
		// The pipeline never learns this run id, so close the record out
		if cerr := d.runs.CompleteRun(ctx, run.ID, database.RunStatusFailed, nil, "enqueue failed: "+err.Error()); cerr != nil {
			d.logger.WithError(cerr).Warn("failed to mark orphaned run", "run_id", run.ID)
		}
		return "", fmt.Errorf("failed to enqueue %s run: %w", req.Stage, err)
	}

	d.logger.Info("stage run dispatched", "pipeline_id", req.PipelineID, "stage", string(req.Stage), "run_id", run.ID)
	return run.ID, nil
}

// CancelStage asks a running stage to stop at its next checkpoint
func (d *Dispatcher) CancelStage(ctx context.Context, runID string) error {
	if err := d.runs.RequestRunCancel(ctx, runID); err != nil {
		return err
	}
	if d.flags != nil {
		if err := d.flags.Set(ctx, cache.RunCancelKey(runID), "1", cache.DefaultCancelTTL); err != nil {
			d.logger.WithError(err).Warn("failed to set cancel flag, workers fall back to the database", "run_id", runID)
		}
	}
	return nil
}
