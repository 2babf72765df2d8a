package database

import (
	"context"
	"encoding/json"
	"fmt"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// GetDB returns the underlying DB instance
func (r *Repository) GetDB() *DB {
	return r.db
}

// marshalJSON encodes v for a JSONB column, mapping nil to SQL NULL
func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

// unmarshalJSON decodes a JSONB column, leaving v untouched for NULL
func unmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
