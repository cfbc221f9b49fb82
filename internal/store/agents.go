package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Agent status values.
type AgentStatus string

const (
	AgentStatusDraft    AgentStatus = "draft"
	AgentStatusActive   AgentStatus = "active"
	AgentStatusPaused   AgentStatus = "paused"
	AgentStatusArchived AgentStatus = "archived"
)

// Agent runtime targets.
type AgentRuntime string

const (
	AgentRuntimeCloudflareWorker AgentRuntime = "cloudflare_worker"
	AgentRuntimeFlyIO            AgentRuntime = "fly_io"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentSlugTaken = errors.New("agent slug already exists")
)

// Agent is a tenant-owned executable registration.
type Agent struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description,omitempty"`
	Status      AgentStatus     `json:"status"`
	Runtime     AgentRuntime    `json:"runtime"`
	Config      json.RawMessage `json:"config"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewAgent builds a draft agent with defaults applied.
func NewAgent(tenantID, name, slug string) *Agent {
	now := time.Now().UTC()
	return &Agent{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      name,
		Slug:      slug,
		Status:    AgentStatusDraft,
		Runtime:   AgentRuntimeCloudflareWorker,
		Config:    json.RawMessage(`{}`),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return fmt.Errorf("agent is required")
	}
	if agent.TenantID == "" || agent.Name == "" || agent.Slug == "" {
		return fmt.Errorf("tenant id, name and slug are required")
	}
	if len(agent.Config) == 0 {
		agent.Config = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (
			id, tenant_id, name, slug, description, status, runtime,
			config, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11
		)
	`, agent.ID, agent.TenantID, agent.Name, agent.Slug, nullIfEmpty(agent.Description),
		string(agent.Status), string(agent.Runtime), agent.Config, agent.Version,
		agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrAgentSlugTaken, agent.Slug)
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

const agentColumns = `
	id, tenant_id, name, slug, description, status, runtime,
	config, version, created_at, updated_at
`

func (s *PostgresStore) GetAgent(ctx context.Context, tenantID, id string) (*Agent, error) {
	agent, err := scanAgent(s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) GetAgentBySlug(ctx context.Context, tenantID, slug string) (*Agent, error) {
	agent, err := scanAgent(s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE tenant_id = $1 AND slug = $2
	`, tenantID, slug))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by slug: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, tenantID string, status AgentStatus, limit int) ([]*Agent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE tenant_id = $1
	`
	args := []any{tenantID}
	if status != "" {
		args = append(args, string(status))
		query += " AND status = $2"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := make([]*Agent, 0, limit)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, tenantID, slug string, status AgentStatus) (*Agent, error) {
	agent, err := scanAgent(s.pool.QueryRow(ctx, `
		UPDATE agents SET
			status = $3,
			updated_at = $4
		WHERE tenant_id = $1 AND slug = $2
		RETURNING `+agentColumns+`
	`, tenantID, slug, string(status), time.Now().UTC()))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("update agent status: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) CountAgents(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM agents WHERE tenant_id = $1
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return count, nil
}

type agentScanner interface {
	Scan(dest ...any) error
}

func scanAgent(scanner agentScanner) (*Agent, error) {
	var agent Agent
	var status, runtime string
	var description *string
	var cfg []byte

	err := scanner.Scan(
		&agent.ID,
		&agent.TenantID,
		&agent.Name,
		&agent.Slug,
		&description,
		&status,
		&runtime,
		&cfg,
		&agent.Version,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	agent.Status = AgentStatus(status)
	agent.Runtime = AgentRuntime(runtime)
	if description != nil {
		agent.Description = *description
	}
	if len(cfg) > 0 {
		agent.Config = cfg
	}
	return &agent, nil
}
