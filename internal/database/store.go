package database

import (
	"context"
	"time"

	"strategy-pipeline/internal/checkpoint"
	"strategy-pipeline/internal/pipeline"
)

// Store is the full persistence surface, implemented by the Postgres
// Repository and by MemoryStore.
type Store interface {
	pipeline.Repository
	pipeline.StrategyConfigStore
	checkpoint.Store

	HealthCheck(ctx context.Context) error

	SaveStrategyConfig(ctx context.Context, sc *pipeline.StrategyConfig) error
	ListStageRuns(ctx context.Context, pipelineID string) ([]StageRun, error)
	PipelineForRun(ctx context.Context, runID string) (*StageRun, error)

	CreateJob(ctx context.Context, run *BacktestRun) error
	CreateRun(ctx context.Context, run *BacktestRun) error
	LatestJob(ctx context.Context, userID, algorithm string, since time.Time) (*BacktestRun, error)
	GetRun(ctx context.Context, id string) (*BacktestRun, error)
	MarkRunStarted(ctx context.Context, id string) error
	CompleteRun(ctx context.Context, id string, status RunStatus, metrics *pipeline.StageMetrics, errMsg string) error
	RequestRunCancel(ctx context.Context, id string) error
	IsRunCancelRequested(ctx context.Context, id string) (bool, error)

	UpsertUser(ctx context.Context, user *User) error
	ListAlgoTradingEnabledUsers(ctx context.Context) ([]string, error)
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
