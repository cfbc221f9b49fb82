package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrTenantNotFound = errors.New("tenant not found")

// Tenant is the isolation unit. Settings is free-form JSON; the limits
// resolver reads the optional "limits" object inside it.
type Tenant struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewTenant builds a tenant with empty settings.
func NewTenant(name, slug string) *Tenant {
	now := time.Now().UTC()
	return &Tenant{
		ID:        uuid.New().String(),
		Name:      name,
		Slug:      slug,
		Settings:  json.RawMessage(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *Tenant) error {
	if tenant == nil {
		return fmt.Errorf("tenant is required")
	}
	if tenant.Name == "" || tenant.Slug == "" {
		return fmt.Errorf("tenant name and slug are required")
	}
	if len(tenant.Settings) == 0 {
		tenant.Settings = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, slug, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tenant.ID, tenant.Name, tenant.Slug, tenant.Settings, tenant.CreatedAt, tenant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var tenant Tenant
	var settings []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, slug, settings, created_at, updated_at
		FROM tenants
		WHERE id = $1
	`, id).Scan(&tenant.ID, &tenant.Name, &tenant.Slug, &settings, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if len(settings) > 0 {
		tenant.Settings = settings
	}
	return &tenant, nil
}

// GetTenantSettings returns the raw settings document for limit resolution.
func (s *PostgresStore) GetTenantSettings(ctx context.Context, id string) (json.RawMessage, error) {
	var settings []byte
	err := s.pool.QueryRow(ctx, `
		SELECT settings FROM tenants WHERE id = $1
	`, id).Scan(&settings)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant settings: %w", err)
	}
	return settings, nil
}
