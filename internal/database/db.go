package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"strategy-pipeline/config"
	"strategy-pipeline/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig, logger *logging.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	return NewDBFromDSN(dsn, cfg.MaxConns, logger)
}

// NewDBFromDSN creates a connection pool from a connection string
func NewDBFromDSN(dsn string, maxConns int, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("database")

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	if maxConns <= 0 {
		maxConns = 25
	}
	poolConfig.MaxConns = int32(maxConns)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("connected to PostgreSQL", "database", poolConfig.ConnConfig.Database)
	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info("running database migrations")

	migrations := []string{
		// Users. Only the eligibility flag matters here; the rest of the user
		// record is owned by the platform.
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(255) NOT NULL DEFAULT '',
			algo_trading_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_algo_trading_enabled ON users(id) WHERE algo_trading_enabled`,

		// Strategy configurations
		`CREATE TABLE IF NOT EXISTS strategy_configs (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			name VARCHAR(100) NOT NULL,
			algorithm VARCHAR(50) NOT NULL,
			params JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_configs_user ON strategy_configs(user_id)`,

		// Validation pipelines
		`CREATE TABLE IF NOT EXISTS pipelines (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			strategy_config_id VARCHAR(64) NOT NULL,
			exchange_key_id VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL,
			current_stage VARCHAR(20) NOT NULL,
			optimization_run_id VARCHAR(64),
			historical_backtest_id VARCHAR(64),
			live_replay_backtest_id VARCHAR(64),
			paper_trading_session_id VARCHAR(64),
			stage_config JSONB NOT NULL,
			progression_rules JSONB NOT NULL,
			optimized_parameters JSONB,
			stage_results JSONB NOT NULL DEFAULT '{}',
			pending_completion JSONB,
			pending_review BOOLEAN NOT NULL DEFAULT FALSE,
			recommendation VARCHAR(20),
			summary_report JSONB,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_user ON pipelines(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_status ON pipelines(status)`,

		// Backtest, optimization, replay and paper runs with checkpoint state
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			algorithm VARCHAR(50) NOT NULL,
			source VARCHAR(20) NOT NULL,
			kind VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			dedup_bucket BIGINT NOT NULL DEFAULT 0,
			params JSONB,
			checkpoint_state BYTEA,
			last_checkpoint_at TIMESTAMPTZ,
			processed_timestamp_count BIGINT NOT NULL DEFAULT 0,
			total_timestamp_count BIGINT NOT NULL DEFAULT 0,
			metrics JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_backtest_runs_dedup
			ON backtest_runs(user_id, algorithm, dedup_bucket) WHERE source = 'scheduler'`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_latest ON backtest_runs(user_id, algorithm, created_at DESC)`,

		// Pipeline to run lookup index
		`CREATE TABLE IF NOT EXISTS pipeline_stage_runs (
			pipeline_id VARCHAR(64) NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
			stage VARCHAR(20) NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (pipeline_id, stage)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_stage_runs_run ON pipeline_stage_runs(run_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.logger.Info("database migrations completed", "count", len(migrations))
	return nil
}
