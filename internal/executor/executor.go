// Package executor reaches the external agent execution worker. Agent code
// never runs in this process; the worker is an opaque network peer behind
// the AgentExecutor interface so tests can substitute canned behavior.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is the payload sent to the external worker.
type Request struct {
	TenantID string          `json:"tenant_id"`
	AgentID  string          `json:"agent_id"`
	Input    json.RawMessage `json:"input"`
	Config   json.RawMessage `json:"config"`
}

// AgentExecutor executes one agent invocation against the external worker.
// The returned payload is passed through verbatim as the invocation output.
// Implementations must honor ctx cancellation and deadlines.
type AgentExecutor interface {
	Execute(ctx context.Context, req *Request) (json.RawMessage, error)
}

// ExecError is a non-success response from the worker, carrying the HTTP
// status and response body for the invocation's error text.
type ExecError struct {
	StatusCode int
	Body       string
}

func (e *ExecError) Error() string {
	if e.Body != "" {
		return e.Body
	}
	return fmt.Sprintf("worker returned status %d", e.StatusCode)
}
