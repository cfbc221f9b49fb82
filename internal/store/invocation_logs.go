package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// InvocationLogEntry is one immutable log line owned by an invocation.
// Sequence numbers are strictly increasing per invocation; readers tolerate
// gaps but the writer assigns them densely.
type InvocationLogEntry struct {
	InvocationID string          `json:"invocation_id"`
	TenantID     string          `json:"tenant_id"`
	Seq          int64           `json:"seq"`
	Level        string          `json:"level"`
	Message      string          `json:"message"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AppendInvocationLog writes the next log entry for an invocation. The
// sequence number is assigned inside the insert so it stays monotonic
// without a separate counter row.
func (s *PostgresStore) AppendInvocationLog(ctx context.Context, tenantID, invocationID, level, message string, payload json.RawMessage) error {
	if level == "" {
		level = "info"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_invocation_logs (invocation_id, tenant_id, seq, level, message, payload, created_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6
		FROM agent_invocation_logs
		WHERE invocation_id = $1 AND tenant_id = $2
	`, invocationID, tenantID, level, message, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append invocation log: %w", err)
	}
	return nil
}

// ListInvocationLogs returns an invocation's log trail ordered by sequence
// ascending.
func (s *PostgresStore) ListInvocationLogs(ctx context.Context, tenantID, invocationID string) ([]*InvocationLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT invocation_id, tenant_id, seq, level, message, payload, created_at
		FROM agent_invocation_logs
		WHERE tenant_id = $1 AND invocation_id = $2
		ORDER BY seq ASC
	`, tenantID, invocationID)
	if err != nil {
		return nil, fmt.Errorf("list invocation logs: %w", err)
	}
	defer rows.Close()

	var out []*InvocationLogEntry
	for rows.Next() {
		var entry InvocationLogEntry
		var payload []byte
		if err := rows.Scan(&entry.InvocationID, &entry.TenantID, &entry.Seq, &entry.Level, &entry.Message, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invocation log: %w", err)
		}
		if len(payload) > 0 {
			entry.Payload = payload
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list invocation logs rows: %w", err)
	}
	return out, nil
}
