package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"Civitas/internal/core/oauth"
)

type postgresAuthStateRepo struct {
	db *sql.DB
}

// NewAuthStateRepository creates a PostgreSQL-backed auth state store
func NewAuthStateRepository(db *sql.DB) oauth.Store {
	return &postgresAuthStateRepo{db: db}
}

// Get returns the stored value for key
func (r *postgresAuthStateRepo) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM auth_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth state %s: %w", key, err)
	}
	return value, nil
}

// Put inserts or replaces the value for key
func (r *postgresAuthStateRepo) Put(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO auth_state (key, value, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("failed to save auth state %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (r *postgresAuthStateRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM auth_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete auth state %s: %w", key, err)
	}
	return nil
}

// Take atomically reads and deletes key, so a pending flow can be consumed only once
func (r *postgresAuthStateRepo) Take(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `DELETE FROM auth_state WHERE key = $1 RETURNING value`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take auth state %s: %w", key, err)
	}
	return value, nil
}
