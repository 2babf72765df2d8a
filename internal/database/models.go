package database

import (
	"errors"
	"time"

	"strategy-pipeline/internal/pipeline"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateJob is returned when a scheduler job already exists for the
	// same user, algorithm and dedup bucket
	ErrDuplicateJob = errors.New("duplicate scheduled job")
)

// RunSource identifies who created a run
type RunSource string

const (
	RunSourceScheduler RunSource = "scheduler" // Automated orchestration pass
	RunSourcePipeline  RunSource = "pipeline"  // Validation pipeline stage
)

// RunKind is the type of work a run performs
type RunKind string

const (
	RunKindBacktest     RunKind = "backtest"
	RunKindOptimization RunKind = "optimization"
	RunKindReplay       RunKind = "replay"
	RunKindPaper        RunKind = "paper"
)

// RunKindForStage maps a pipeline stage to the kind of run that executes it
func RunKindForStage(stage pipeline.Stage) RunKind {
	switch stage {
	case pipeline.StageOptimize:
		return RunKindOptimization
	case pipeline.StageLiveReplay:
		return RunKindReplay
	case pipeline.StagePaperTrade:
		return RunKindPaper
	}
	return RunKindBacktest
}

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunStatusQueued          RunStatus = "QUEUED"
	RunStatusRunning         RunStatus = "RUNNING"
	RunStatusCompleted       RunStatus = "COMPLETED"
	RunStatusFailed          RunStatus = "FAILED"
	RunStatusCancelRequested RunStatus = "CANCEL_REQUESTED"
	RunStatusCancelled       RunStatus = "CANCELLED"
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// BacktestRun is a backtest, optimization, replay or paper-trading run.
// Runs never reference a pipeline; pipeline_stage_runs maps pipelines to runs.
type BacktestRun struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	Algorithm   string                 `json:"algorithm"`
	Source      RunSource              `json:"source"`
	Kind        RunKind                `json:"kind"`
	Status      RunStatus              `json:"status"`
	DedupBucket int64                  `json:"dedup_bucket"`
	Params      map[string]interface{} `json:"params,omitempty"`

	// Checkpoint progress. The encoded state itself is only read by the checkpoint store.
	ProcessedTimestampCount int64      `json:"processed_timestamp_count"`
	TotalTimestampCount     int64      `json:"total_timestamp_count"`
	LastCheckpointAt        *time.Time `json:"last_checkpoint_at,omitempty"`

	Metrics *pipeline.StageMetrics `json:"metrics,omitempty"`
	Error   string                 `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress returns the processed share of the run in percent
func (r *BacktestRun) Progress() float64 {
	if r.TotalTimestampCount <= 0 {
		return 0
	}
	return float64(r.ProcessedTimestampCount) / float64(r.TotalTimestampCount) * 100
}

// DedupBucket returns the dedup bucket of t for a window. Two scheduler jobs
// of the same user and algorithm may not share a bucket.
func DedupBucket(t time.Time, window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return t.Unix()
	}
	return t.Unix() / secs
}

// User is the slice of the platform user record the pipeline needs
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	AlgoTradingEnabled bool      `json:"algo_trading_enabled"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// StageRun is one row of the pipeline-to-run lookup index
type StageRun struct {
	PipelineID string         `json:"pipeline_id"`
	Stage      pipeline.Stage `json:"stage"`
	RunID      string         `json:"run_id"`
}
