// Package queue moves dispatch messages from submission to the worker
// invoker endpoint. Delivery is at-least-once with bounded retries; the
// invoker's queued->running guard absorbs duplicates.
//
// Implementations:
//   - RedisTransport: durable Redis list plus pub/sub wakeup, drained by a
//     Consumer pool that POSTs each message to the invoker endpoint
//   - DirectTransport: degraded fallback that POSTs straight to the invoker
//     endpoint, for single-instance and development deployments
//   - NoopTransport: logs and drops; invocations stay queued
//
// The transport is selected by configuration as a strategy, so callers hold
// only the Transport interface.
package queue

import (
	"context"
	"encoding/json"
)

// DispatchMessage is the opaque payload handed from submission to the
// worker-invocation boundary.
type DispatchMessage struct {
	InternalID string          `json:"internal_id"`
	ExternalID string          `json:"external_id"`
	TenantID   string          `json:"tenant_id"`
	AgentID    string          `json:"agent_id"`
	Input      json.RawMessage `json:"input"`
}

// Transport delivers dispatch messages to the worker invoker.
type Transport interface {
	Enqueue(ctx context.Context, msg *DispatchMessage) error
	Close() error
}
