package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/node-registration/relay/internal/model"
)

// HashAPIKey returns the lowercase hex SHA-256 of a raw API key, the form
// stored in api_keys.key_hash.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKeyRepository provides read access to agent API keys.
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository.
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// LookupAPIKey reports whether keyHash names an active key. Unknown and
// inactive keys both yield model.ErrAPIKeyNotFound.
func (r *APIKeyRepository) LookupAPIKey(ctx context.Context, keyHash string) error {
	query := `SELECT 1 FROM api_keys WHERE key_hash = ? AND is_active = 1 LIMIT 1`

	var found int
	err := r.db.QueryRowContext(ctx, query, keyHash).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrAPIKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up api key: %w", err)
	}
	return nil
}

// EnsureKey inserts rawKey as an active key unless its hash is already
// present. It reports whether a row was inserted.
func (r *APIKeyRepository) EnsureKey(ctx context.Context, rawKey, label string) (bool, error) {
	query := `INSERT OR IGNORE INTO api_keys (key_hash, label, is_active) VALUES (?, ?, 1)`

	result, err := r.db.ExecContext(ctx, query, HashAPIKey(rawKey), label)
	if err != nil {
		return false, fmt.Errorf("failed to seed api key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Deactivate marks the key with keyHash inactive.
func (r *APIKeyRepository) Deactivate(ctx context.Context, keyHash string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE key_hash = ?`, keyHash)
	if err != nil {
		return fmt.Errorf("failed to deactivate api key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrAPIKeyNotFound
	}
	return nil
}
