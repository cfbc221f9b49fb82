// Package store provides typed read/write operations for tenants, agents,
// API keys, invocations and invocation logs against Postgres. Every
// tenant-owned row is read and written with tenant_id as a mandatory filter;
// the store never relies on a database-level policy layer for isolation.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			settings JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			runtime TEXT NOT NULL,
			config JSONB NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (tenant_id, slug)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_tenant_status ON agents (tenant_id, status)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			name TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys (tenant_id)`,
		`CREATE TABLE IF NOT EXISTS agent_invocations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			agent_id TEXT NOT NULL REFERENCES agents(id),
			external_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			input JSONB NOT NULL DEFAULT '{}',
			output JSONB,
			error_message TEXT,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_by_type TEXT NOT NULL,
			created_by_id TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_tenant_status ON agent_invocations (tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_created ON agent_invocations (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS agent_invocation_logs (
			invocation_id TEXT NOT NULL REFERENCES agent_invocations(id),
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			seq BIGINT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (invocation_id, seq)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
