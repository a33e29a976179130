package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Pipeline represents a row in the pipelines table. A pipeline is a registered
// producer of runs; its API key authorizes ingest calls.
type Pipeline struct {
	ID           string
	Name         string
	APIKeyHash   string
	APIKeyPrefix string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GenerateAPIKey creates a new xrk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "xrk_" + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:8] // "xrk_abcd"
	return fullKey, string(hashBytes), prefix, nil
}

// CreatePipeline inserts a new pipeline. Returns the pipeline and the
// plaintext API key (shown once).
func (s *Store) CreatePipeline(ctx context.Context, name string) (*Pipeline, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreatePipeline: %w", err)
	}

	var p Pipeline
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO pipelines (name, api_key_hash, api_key_prefix)
		VALUES ($1, $2, $3)
		RETURNING id, name, api_key_hash, api_key_prefix, enabled, created_at, updated_at`,
		name, keyHash, keyPrefix,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreatePipeline: %w", err)
	}

	return &p, fullKey, nil
}

// ListPipelines returns all pipelines ordered by created_at DESC.
func (s *Store) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, enabled, created_at, updated_at
		FROM pipelines ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListPipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*Pipeline
	for rows.Next() {
		var p Pipeline
		if err := rows.Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix,
			&p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListPipelines: %w", err)
		}
		pipelines = append(pipelines, &p)
	}
	return pipelines, rows.Err()
}

// GetPipeline returns a pipeline by ID, or nil if not found.
func (s *Store) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	var p Pipeline
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, enabled, created_at, updated_at
		FROM pipelines WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetPipeline: %w", err)
	}
	return &p, nil
}

// LookupByPrefix returns the pipeline whose API key starts with the given
// prefix, or nil if none matches. Used by the auth middleware; the caller
// still verifies the full key against the bcrypt hash.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*Pipeline, error) {
	var p Pipeline
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, enabled, created_at, updated_at
		FROM pipelines WHERE api_key_prefix = $1`, prefix,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return &p, nil
}

// RotateAPIKey generates a new API key for a pipeline.
// Returns the updated pipeline and the plaintext key (shown once).
func (s *Store) RotateAPIKey(ctx context.Context, id string) (*Pipeline, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}

	var p Pipeline
	err = s.db.QueryRowContext(ctx, `
		UPDATE pipelines SET
			api_key_hash   = $2,
			api_key_prefix = $3,
			updated_at     = now()
		WHERE id = $1
		RETURNING id, name, api_key_hash, api_key_prefix, enabled, created_at, updated_at`,
		id, keyHash, keyPrefix,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}
	return &p, fullKey, nil
}

// DeletePipeline deletes a pipeline by ID. Runs cascade.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeletePipeline: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
