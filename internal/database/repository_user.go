package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"strategy-pipeline/internal/pipeline"
)

// UpsertUser creates or updates the eligibility record of a user
func (r *Repository) UpsertUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, email, algo_trading_enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			algo_trading_enabled = EXCLUDED.algo_trading_enabled,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query, user.ID, user.Email, user.AlgoTradingEnabled).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// ListAlgoTradingEnabledUsers returns the ids of users eligible for automated
// orchestration. Served by the partial index on algo_trading_enabled.
func (r *Repository) ListAlgoTradingEnabledUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM users WHERE algo_trading_enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ============================================================================
// STRATEGY CONFIGS
// ============================================================================

// SaveStrategyConfig creates or replaces a strategy configuration
func (r *Repository) SaveStrategyConfig(ctx context.Context, sc *pipeline.StrategyConfig) error {
	params, err := marshalJSON(sc.Params)
	if err != nil {
		return err
	}
	if params == nil {
		params = []byte("{}")
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO strategy_configs (id, user_id, name, algorithm, params)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			algorithm = EXCLUDED.algorithm,
			params = EXCLUDED.params,
			updated_at = NOW()
	`, sc.ID, sc.UserID, sc.Name, sc.Algorithm, params)
	if err != nil {
		return fmt.Errorf("failed to save strategy config: %w", err)
	}
	return nil
}

// GetStrategyConfig retrieves a strategy configuration by ID
func (r *Repository) GetStrategyConfig(ctx context.Context, id string) (*pipeline.StrategyConfig, error) {
	var (
		sc     pipeline.StrategyConfig
		params []byte
	)
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, name, algorithm, params FROM strategy_configs WHERE id = $1
	`, id).Scan(&sc.ID, &sc.UserID, &sc.Name, &sc.Algorithm, &params)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: strategy config %s", pipeline.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy config: %w", err)
	}
	if err := unmarshalJSON(params, &sc.Params); err != nil {
		return nil, err
	}
	return &sc, nil
}
