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

// Invocation status values.
type InvocationStatus string

const (
	InvocationStatusQueued    InvocationStatus = "queued"
	InvocationStatusRunning   InvocationStatus = "running"
	InvocationStatusSucceeded InvocationStatus = "succeeded"
	InvocationStatusFailed    InvocationStatus = "failed"
	InvocationStatusTimeout   InvocationStatus = "timeout"
	InvocationStatusCanceled  InvocationStatus = "canceled"
)

// CreatedByType identifies who submitted an invocation.
type CreatedByType string

const (
	CreatedByUser   CreatedByType = "user"
	CreatedByAPIKey CreatedByType = "api_key"
)

var (
	ErrInvocationNotFound = errors.New("invocation not found")
	// ErrInvocationTerminal is returned when a write targets an invocation
	// that already reached a terminal status.
	ErrInvocationTerminal = errors.New("invocation already terminal")
)

// IsTerminal reports whether status permits no further transitions.
func IsTerminal(status InvocationStatus) bool {
	switch status {
	case InvocationStatusSucceeded, InvocationStatusFailed, InvocationStatusTimeout, InvocationStatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether the status machine permits from -> to.
// queued -> running -> {succeeded, failed, timeout}; canceled is reachable
// from queued and running. failed is also reachable straight from queued:
// a dispatch that can never execute (the agent is gone) fails without a
// running phase.
func CanTransition(from, to InvocationStatus) bool {
	if IsTerminal(from) {
		return false
	}
	switch from {
	case InvocationStatusQueued:
		switch to {
		case InvocationStatusRunning, InvocationStatusCanceled, InvocationStatusFailed:
			return true
		}
	case InvocationStatusRunning:
		switch to {
		case InvocationStatusSucceeded, InvocationStatusFailed, InvocationStatusTimeout, InvocationStatusCanceled:
			return true
		}
	}
	return false
}

// Invocation is one asynchronous execution request against an agent.
type Invocation struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	AgentID       string           `json:"agent_id"`
	ExternalID    string           `json:"external_id"`
	Status        InvocationStatus `json:"status"`
	Input         json.RawMessage  `json:"input"`
	Output        json.RawMessage  `json:"output,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	Metadata      json.RawMessage  `json:"metadata,omitempty"`
	CreatedByType CreatedByType    `json:"created_by_type"`
	CreatedByID   string           `json:"created_by_id,omitempty"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// NewInvocation builds a queued invocation with defaults applied.
func NewInvocation(tenantID, agentID, externalID string, input, metadata json.RawMessage) *Invocation {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return &Invocation{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		AgentID:       agentID,
		ExternalID:    externalID,
		Status:        InvocationStatusQueued,
		Input:         input,
		Metadata:      metadata,
		CreatedByType: CreatedByUser,
		CreatedAt:     time.Now().UTC(),
	}
}

func (s *PostgresStore) CreateInvocation(ctx context.Context, inv *Invocation) error {
	if inv == nil {
		return fmt.Errorf("invocation is required")
	}
	if inv.TenantID == "" || inv.AgentID == "" || inv.ExternalID == "" {
		return fmt.Errorf("tenant id, agent id and external id are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_invocations (
			id, tenant_id, agent_id, external_id, status, input, output,
			error_message, metadata, created_by_type, created_by_id,
			started_at, completed_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14
		)
	`, inv.ID, inv.TenantID, inv.AgentID, inv.ExternalID, string(inv.Status), inv.Input, inv.Output,
		nullIfEmpty(inv.ErrorMessage), inv.Metadata, string(inv.CreatedByType), nullIfEmpty(inv.CreatedByID),
		inv.StartedAt, inv.CompletedAt, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("create invocation: %w", err)
	}
	return nil
}

const invocationColumns = `
	id, tenant_id, agent_id, external_id, status, input, output,
	error_message, metadata, created_by_type, created_by_id,
	started_at, completed_at, created_at
`

// GetInvocationByExternalID resolves the public identifier within a tenant.
// An external id owned by another tenant resolves as not found.
func (s *PostgresStore) GetInvocationByExternalID(ctx context.Context, tenantID, externalID string) (*Invocation, error) {
	inv, err := scanInvocation(s.pool.QueryRow(ctx, `
		SELECT `+invocationColumns+`
		FROM agent_invocations
		WHERE tenant_id = $1 AND external_id = $2
	`, tenantID, externalID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrInvocationNotFound, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation by external id: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) GetInvocation(ctx context.Context, tenantID, id string) (*Invocation, error) {
	inv, err := scanInvocation(s.pool.QueryRow(ctx, `
		SELECT `+invocationColumns+`
		FROM agent_invocations
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrInvocationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

// CountInFlightInvocations returns the tenant's queued plus running count.
func (s *PostgresStore) CountInFlightInvocations(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM agent_invocations
		WHERE tenant_id = $1 AND status IN ('queued', 'running')
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count in-flight invocations: %w", err)
	}
	return count, nil
}

// MarkInvocationRunning performs the queued -> running transition and stamps
// started_at. It returns false without error when the row is already past
// queued, which makes duplicate dispatch deliveries a safe no-op.
func (s *PostgresStore) MarkInvocationRunning(ctx context.Context, tenantID, id string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE agent_invocations SET
			status = 'running',
			started_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status = 'queued'
	`, tenantID, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark invocation running: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// completionSources lists the statuses CompleteInvocation may move from to
// reach the given terminal status. Derived from CanTransition so the SQL
// guard and the status machine cannot drift apart.
func completionSources(to InvocationStatus) []string {
	sources := make([]string, 0, 2)
	for _, from := range []InvocationStatus{InvocationStatusQueued, InvocationStatusRunning} {
		if CanTransition(from, to) {
			sources = append(sources, string(from))
		}
	}
	return sources
}

// CompleteInvocation writes a terminal status, output and error text, and
// stamps completed_at. Only rows whose current status may legally transition
// to the target are touched; rows already terminal are reported via
// ErrInvocationTerminal, missing rows via ErrInvocationNotFound.
func (s *PostgresStore) CompleteInvocation(ctx context.Context, tenantID, id string, status InvocationStatus, output json.RawMessage, errMsg string) error {
	if !IsTerminal(status) {
		return fmt.Errorf("complete invocation: %q is not a terminal status", status)
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE agent_invocations SET
			status = $3,
			output = $4,
			error_message = $5,
			completed_at = $6
		WHERE tenant_id = $1 AND id = $2
		  AND status = ANY($7)
	`, tenantID, id, string(status), output, nullIfEmpty(errMsg), time.Now().UTC(), completionSources(status))
	if err != nil {
		return fmt.Errorf("complete invocation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var current string
		scanErr := s.pool.QueryRow(ctx, `
			SELECT status FROM agent_invocations WHERE tenant_id = $1 AND id = $2
		`, tenantID, id).Scan(&current)
		if scanErr == pgx.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrInvocationNotFound, id)
		}
		if scanErr != nil {
			return fmt.Errorf("complete invocation lookup: %w", scanErr)
		}
		if IsTerminal(InvocationStatus(current)) {
			return fmt.Errorf("%w: %s (%s)", ErrInvocationTerminal, id, current)
		}
		return fmt.Errorf("complete invocation %s: transition %s -> %s not allowed", id, current, status)
	}
	return nil
}

// CancelInvocation moves a queued or running invocation to canceled.
// Extension point: no REST route triggers this yet.
func (s *PostgresStore) CancelInvocation(ctx context.Context, tenantID, id string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE agent_invocations SET
			status = 'canceled',
			completed_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status IN ('queued', 'running')
	`, tenantID, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancel invocation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrInvocationNotFound, id)
	}
	return nil
}

// ListStuckQueuedInvocations returns invocations still queued after cutoff,
// oldest first. Used by the reconciliation sweep; results span tenants, and
// each row carries its tenant_id for scoped re-dispatch.
func (s *PostgresStore) ListStuckQueuedInvocations(ctx context.Context, cutoff time.Time, limit int) ([]*Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+invocationColumns+`
		FROM agent_invocations
		WHERE status = 'queued' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck queued invocations: %w", err)
	}
	defer rows.Close()

	out := make([]*Invocation, 0, limit)
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stuck queued invocations rows: %w", err)
	}
	return out, nil
}

type invocationScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(scanner invocationScanner) (*Invocation, error) {
	var inv Invocation
	var status, createdByType string
	var input, output, metadata []byte
	var errorMessage, createdByID *string

	err := scanner.Scan(
		&inv.ID,
		&inv.TenantID,
		&inv.AgentID,
		&inv.ExternalID,
		&status,
		&input,
		&output,
		&errorMessage,
		&metadata,
		&createdByType,
		&createdByID,
		&inv.StartedAt,
		&inv.CompletedAt,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Status = InvocationStatus(status)
	inv.CreatedByType = CreatedByType(createdByType)
	if len(input) > 0 {
		inv.Input = input
	}
	if len(output) > 0 {
		inv.Output = output
	}
	if len(metadata) > 0 {
		inv.Metadata = metadata
	}
	if errorMessage != nil {
		inv.ErrorMessage = *errorMessage
	}
	if createdByID != nil {
		inv.CreatedByID = *createdByID
	}
	return &inv, nil
}
