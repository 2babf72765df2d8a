package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"strategy-pipeline/internal/pipeline"
)

const pipelineColumns = `
	id, user_id, strategy_config_id, exchange_key_id, status, current_stage,
	optimization_run_id, historical_backtest_id, live_replay_backtest_id, paper_trading_session_id,
	stage_config, progression_rules, optimized_parameters, stage_results, pending_completion,
	pending_review, recommendation, summary_report, failure_reason,
	created_at, started_at, completed_at, updated_at`

// pipelineRow holds the encoded JSONB columns of a pipeline
type pipelineRow struct {
	stageConfig         []byte
	progressionRules    []byte
	optimizedParameters []byte
	stageResults        []byte
	pendingCompletion   []byte
	summaryReport       []byte
}

func encodePipeline(p *pipeline.Pipeline) (*pipelineRow, error) {
	var (
		row pipelineRow
		err error
	)
	if row.stageConfig, err = marshalJSON(p.StageConfig); err != nil {
		return nil, err
	}
	if row.progressionRules, err = marshalJSON(p.ProgressionRules); err != nil {
		return nil, err
	}
	if row.optimizedParameters, err = marshalJSON(p.OptimizedParameters); err != nil {
		return nil, err
	}
	results := p.StageResults
	if results == nil {
		results = map[pipeline.Stage]*pipeline.StageResult{}
	}
	if row.stageResults, err = marshalJSON(results); err != nil {
		return nil, err
	}
	if row.pendingCompletion, err = marshalJSON(p.PendingCompletion); err != nil {
		return nil, err
	}
	if row.summaryReport, err = marshalJSON(p.SummaryReport); err != nil {
		return nil, err
	}
	return &row, nil
}

// CreatePipeline inserts a new pipeline
func (r *Repository) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	row, err := encodePipeline(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pipelines (` + pipelineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		p.ID, p.UserID, p.StrategyConfigID, p.ExchangeKeyID, string(p.Status), string(p.CurrentStage),
		p.OptimizationRunID, p.HistoricalBacktestID, p.LiveReplayBacktestID, p.PaperTradingSessionID,
		row.stageConfig, row.progressionRules, row.optimizedParameters, row.stageResults, row.pendingCompletion,
		p.PendingReview, nullString(string(p.Recommendation)), row.summaryReport, nullString(p.FailureReason),
		p.CreatedAt, p.StartedAt, p.CompletedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pipeline: %w", err)
	}
	return nil
}

// GetPipeline retrieves a pipeline by ID
func (r *Repository) GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = $1`

	p, err := scanPipeline(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return p, nil
}

// UpdatePipeline persists the mutable state of a pipeline and records every
// stage reference in pipeline_stage_runs, in one transaction.
func (r *Repository) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	row, err := encodePipeline(p)
	if err != nil {
		return err
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE pipelines SET
			status = $2, current_stage = $3,
			optimization_run_id = $4, historical_backtest_id = $5,
			live_replay_backtest_id = $6, paper_trading_session_id = $7,
			optimized_parameters = $8, stage_results = $9, pending_completion = $10,
			pending_review = $11, recommendation = $12, summary_report = $13, failure_reason = $14,
			started_at = $15, completed_at = $16, updated_at = $17
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query,
		p.ID, string(p.Status), string(p.CurrentStage),
		p.OptimizationRunID, p.HistoricalBacktestID,
		p.LiveReplayBacktestID, p.PaperTradingSessionID,
		row.optimizedParameters, row.stageResults, row.pendingCompletion,
		p.PendingReview, nullString(string(p.Recommendation)), row.summaryReport, nullString(p.FailureReason),
		p.StartedAt, p.CompletedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", pipeline.ErrNotFound, p.ID)
	}

	for _, stage := range []pipeline.Stage{
		pipeline.StageOptimize, pipeline.StageHistorical, pipeline.StageLiveReplay, pipeline.StagePaperTrade,
	} {
		ref := p.StageRef(stage)
		if ref == nil {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO pipeline_stage_runs (pipeline_id, stage, run_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (pipeline_id, stage) DO NOTHING
		`, p.ID, string(stage), *ref)
		if err != nil {
			return fmt.Errorf("failed to index stage run: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListPipelinesByUser returns the pipelines of a user, newest first
func (r *Repository) ListPipelinesByUser(ctx context.Context, userID string) ([]*pipeline.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// ListStageRuns returns the lookup index entries of a pipeline
func (r *Repository) ListStageRuns(ctx context.Context, pipelineID string) ([]StageRun, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT pipeline_id, stage, run_id FROM pipeline_stage_runs
		WHERE pipeline_id = $1 ORDER BY created_at
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage runs: %w", err)
	}
	defer rows.Close()

	var runs []StageRun
	for rows.Next() {
		var sr StageRun
		var stage string
		if err := rows.Scan(&sr.PipelineID, &stage, &sr.RunID); err != nil {
			return nil, fmt.Errorf("failed to scan stage run: %w", err)
		}
		sr.Stage = pipeline.Stage(stage)
		runs = append(runs, sr)
	}
	return runs, rows.Err()
}

// PipelineForRun resolves the pipeline a run was started for
func (r *Repository) PipelineForRun(ctx context.Context, runID string) (*StageRun, error) {
	var sr StageRun
	var stage string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT pipeline_id, stage, run_id FROM pipeline_stage_runs WHERE run_id = $1
	`, runID).Scan(&sr.PipelineID, &stage, &sr.RunID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up run %s: %w", runID, err)
	}
	sr.Stage = pipeline.Stage(stage)
	return &sr, nil
}

func scanPipeline(row pgx.Row) (*pipeline.Pipeline, error) {
	var (
		p                      pipeline.Pipeline
		status, stage          string
		recommendation, reason *string
		enc                    pipelineRow
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.StrategyConfigID, &p.ExchangeKeyID, &status, &stage,
		&p.OptimizationRunID, &p.HistoricalBacktestID, &p.LiveReplayBacktestID, &p.PaperTradingSessionID,
		&enc.stageConfig, &enc.progressionRules, &enc.optimizedParameters, &enc.stageResults, &enc.pendingCompletion,
		&p.PendingReview, &recommendation, &enc.summaryReport, &reason,
		&p.CreatedAt, &p.StartedAt, &p.CompletedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = pipeline.Status(status)
	p.CurrentStage = pipeline.Stage(stage)
	p.Recommendation = pipeline.Recommendation(derefString(recommendation))
	p.FailureReason = derefString(reason)

	if err := unmarshalJSON(enc.stageConfig, &p.StageConfig); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(enc.progressionRules, &p.ProgressionRules); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(enc.optimizedParameters, &p.OptimizedParameters); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(enc.stageResults, &p.StageResults); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(enc.pendingCompletion, &p.PendingCompletion); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(enc.summaryReport, &p.SummaryReport); err != nil {
		return nil, err
	}
	if p.StageResults == nil {
		p.StageResults = make(map[pipeline.Stage]*pipeline.StageResult)
	}
	return &p, nil
}
