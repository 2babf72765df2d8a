package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"strategy-pipeline/internal/checkpoint"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/pipeline"
)

const uniqueViolation = "23505"

const runColumns = `
	id, user_id, algorithm, source, kind, status, dedup_bucket, params,
	processed_timestamp_count, total_timestamp_count, last_checkpoint_at,
	metrics, error, created_at, started_at, completed_at`

// CreateJob inserts a scheduler job. A second job for the same user,
// algorithm and dedup bucket fails with ErrDuplicateJob.
func (r *Repository) CreateJob(ctx context.Context, run *BacktestRun) error {
	run.Source = RunSourceScheduler
	return r.insertRun(ctx, run)
}

// CreateRun inserts a pipeline stage run
func (r *Repository) CreateRun(ctx context.Context, run *BacktestRun) error {
	run.Source = RunSourcePipeline
	return r.insertRun(ctx, run)
}

func (r *Repository) insertRun(ctx context.Context, run *BacktestRun) error {
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	params, err := marshalJSON(run.Params)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO backtest_runs (id, user_id, algorithm, source, kind, status, dedup_bucket, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		run.ID, run.UserID, run.Algorithm, string(run.Source), string(run.Kind), string(run.Status),
		run.DedupBucket, params, run.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			logging.DatabaseContext("insert", "backtest_runs").Debug("dedup bucket already taken",
				"user_id", run.UserID, "algorithm", run.Algorithm, "dedup_bucket", run.DedupBucket)
			return fmt.Errorf("%w: user %s algorithm %s", ErrDuplicateJob, run.UserID, run.Algorithm)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// LatestJob returns the most recent run of a user and algorithm created at or
// after since, or nil when there is none.
func (r *Repository) LatestJob(ctx context.Context, userID, algorithm string, since time.Time) (*BacktestRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM backtest_runs
		WHERE user_id = $1 AND algorithm = $2 AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	run, err := scanRun(r.db.Pool.QueryRow(ctx, query, userID, algorithm, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (r *Repository) GetRun(ctx context.Context, id string) (*BacktestRun, error) {
	query := `SELECT ` + runColumns + ` FROM backtest_runs WHERE id = $1`
	run, err := scanRun(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// MarkRunStarted moves a queued run to RUNNING. Redelivered jobs of a run that
// is already running keep the original start time.
func (r *Repository) MarkRunStarted(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs
		SET status = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ($3, $2)
	`, id, string(RunStatusRunning), string(RunStatusQueued))
	if err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s is not runnable", ErrNotFound, id)
	}
	return nil
}

// CompleteRun records the terminal status and metrics of a run
func (r *Repository) CompleteRun(ctx context.Context, id string, status RunStatus, metrics *pipeline.StageMetrics, errMsg string) error {
	data, err := marshalJSON(metrics)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs
		SET status = $2, metrics = $3, error = $4, completed_at = NOW()
		WHERE id = $1
	`, id, string(status), data, nullString(errMsg))
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// RequestRunCancel flags a non-terminal run for cooperative cancellation
func (r *Repository) RequestRunCancel(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs SET status = $2
		WHERE id = $1 AND status IN ($3, $4)
	`, id, string(RunStatusCancelRequested), string(RunStatusQueued), string(RunStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to request run cancel: %w", err)
	}
	return nil
}

// IsRunCancelRequested reports whether a cancel was requested for the run
func (r *Repository) IsRunCancelRequested(ctx context.Context, id string) (bool, error) {
	var status string
	err := r.db.Pool.QueryRow(ctx, `SELECT status FROM backtest_runs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read run status: %w", err)
	}
	s := RunStatus(status)
	return s == RunStatusCancelRequested || s == RunStatusCancelled, nil
}

// ============================================================================
// CHECKPOINTS
// ============================================================================

// SaveCheckpoint overwrites the checkpoint of a run
func (r *Repository) SaveCheckpoint(ctx context.Context, runID string, state []byte, processed, total int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs
		SET checkpoint_state = $2, processed_timestamp_count = $3, total_timestamp_count = $4,
			last_checkpoint_at = NOW()
		WHERE id = $1
	`, runID, state, processed, total)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint of a run, or nil when it has none
func (r *Repository) LoadCheckpoint(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	var (
		cp     checkpoint.Checkpoint
		lastAt *time.Time
	)
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, checkpoint_state, processed_timestamp_count, total_timestamp_count, last_checkpoint_at
		FROM backtest_runs
		WHERE id = $1 AND checkpoint_state IS NOT NULL
	`, runID).Scan(&cp.RunID, &cp.State, &cp.ProcessedTimestampCount, &cp.TotalTimestampCount, &lastAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if lastAt != nil {
		cp.LastCheckpointAt = *lastAt
	}
	return &cp, nil
}

// ClearCheckpoint drops the checkpoint state of a run. Progress counters are
// kept for display.
func (r *Repository) ClearCheckpoint(ctx context.Context, runID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs SET checkpoint_state = NULL WHERE id = $1
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (*BacktestRun, error) {
	var (
		run                  BacktestRun
		source, kind, status string
		params, metrics      []byte
		errMsg               *string
	)
	err := row.Scan(
		&run.ID, &run.UserID, &run.Algorithm, &source, &kind, &status, &run.DedupBucket, &params,
		&run.ProcessedTimestampCount, &run.TotalTimestampCount, &run.LastCheckpointAt,
		&metrics, &errMsg, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Source = RunSource(source)
	run.Kind = RunKind(kind)
	run.Status = RunStatus(status)
	run.Error = derefString(errMsg)
	if err := unmarshalJSON(params, &run.Params); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metrics, &run.Metrics); err != nil {
		return nil, err
	}
	return &run, nil
}
