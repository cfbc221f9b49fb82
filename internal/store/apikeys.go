package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKey is a tenant-scoped programmatic credential. Only the SHA-256 hash
// and a display prefix are stored; the raw key is shown once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	KeyHash    string     `json:"-"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// NewAPIKey builds an API key record for the given hash material.
func NewAPIKey(tenantID, name, prefix, hash string) *APIKey {
	return &APIKey{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      name,
		KeyPrefix: prefix,
		KeyHash:   hash,
		CreatedAt: time.Now().UTC(),
	}
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key == nil {
		return fmt.Errorf("api key is required")
	}
	if key.TenantID == "" || key.KeyHash == "" {
		return fmt.Errorf("tenant id and key hash are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_prefix, key_hash, last_used_at, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, key.ID, key.TenantID, key.Name, key.KeyPrefix, key.KeyHash, key.LastUsedAt, key.CreatedAt, key.RevokedAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash resolves an unrevoked key by hash. This is the one lookup
// that is not tenant-scoped: it establishes which tenant the caller is.
func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanAPIKey(s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, key_prefix, key_hash, last_used_at, created_at, revoked_at
		FROM api_keys
		WHERE key_hash = $1 AND revoked_at IS NULL
	`, hash))
	if err == pgx.ErrNoRows {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, key_prefix, key_hash, last_used_at, created_at, revoked_at
		FROM api_keys
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, tenantID, id string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = $3
		WHERE tenant_id = $1 AND id = $2 AND revoked_at IS NULL
	`, tenantID, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAPIKeyNotFound, id)
	}
	return nil
}

// TouchAPIKey updates last_used_at. Callers treat failures as advisory.
func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET last_used_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountActiveAPIKeys(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM api_keys WHERE tenant_id = $1 AND revoked_at IS NULL
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active api keys: %w", err)
	}
	return count, nil
}

type apiKeyScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(scanner apiKeyScanner) (*APIKey, error) {
	var key APIKey
	err := scanner.Scan(
		&key.ID,
		&key.TenantID,
		&key.Name,
		&key.KeyPrefix,
		&key.KeyHash,
		&key.LastUsedAt,
		&key.CreatedAt,
		&key.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return &key, nil
}
