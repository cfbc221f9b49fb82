// Package worker hosts the invoker: the internal endpoint that takes a
// dispatch message, drives the invocation through running to a terminal
// status, and calls the external execution worker under the tenant's
// timeout. It is the only writer of post-queued status transitions.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agnxi/agnxi/internal/executor"
	"github.com/agnxi/agnxi/internal/limits"
	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/metrics"
	"github.com/agnxi/agnxi/internal/observability"
	"github.com/agnxi/agnxi/internal/queue"
	"github.com/agnxi/agnxi/internal/store"
)

// ErrAlreadyDispatched reports a duplicate delivery: the invocation was
// already moved past queued by an earlier delivery. Safe to acknowledge.
var ErrAlreadyDispatched = errors.New("invocation already dispatched")

// Store is the slice of the metadata store the invoker needs.
type Store interface {
	GetAgent(ctx context.Context, tenantID, id string) (*store.Agent, error)
	MarkInvocationRunning(ctx context.Context, tenantID, id string) (bool, error)
	CompleteInvocation(ctx context.Context, tenantID, id string, status store.InvocationStatus, output json.RawMessage, errMsg string) error
	AppendInvocationLog(ctx context.Context, tenantID, invocationID, level, message string, payload json.RawMessage) error
}

// LimitsResolver re-resolves tenant limits at execution time, so a timeout
// change between submission and execution takes effect.
type LimitsResolver interface {
	Resolve(ctx context.Context, tenantID string) (limits.TenantLimits, error)
}

// Invoker processes dispatch messages. A nil exec means no external worker
// is configured and execution is simulated.
type Invoker struct {
	store  Store
	limits LimitsResolver
	exec   executor.AgentExecutor
}

func NewInvoker(s Store, l LimitsResolver, exec executor.AgentExecutor) *Invoker {
	return &Invoker{store: s, limits: l, exec: exec}
}

// Handle drives one dispatch message to a terminal status.
//
// Client-caused failures (missing agent) are recorded onto the invocation
// and reported as a terminal status, not as an error: redelivering the
// message cannot fix them. An error return means the attempt did not reach
// a decision and the delivery may be retried; the queued->running guard
// keeps retries from double-executing.
func (inv *Invoker) Handle(ctx context.Context, msg *queue.DispatchMessage) (store.InvocationStatus, error) {
	ctx, span := observability.StartSpan(ctx, "worker.invoke",
		observability.AttrTenantID.String(msg.TenantID),
		observability.AttrInvocationID.String(msg.InternalID),
		observability.AttrExternalID.String(msg.ExternalID),
	)
	defer span.End()

	status, err := inv.handle(ctx, msg)
	if err != nil && !errors.Is(err, ErrAlreadyDispatched) {
		observability.SetSpanError(span, err)
	} else if err == nil {
		span.SetAttributes(observability.AttrStatus.String(string(status)))
	}
	return status, err
}

func (inv *Invoker) handle(ctx context.Context, msg *queue.DispatchMessage) (store.InvocationStatus, error) {
	log := logging.Op().With(
		"tenant_id", msg.TenantID,
		"invocation_id", msg.InternalID,
		"external_id", msg.ExternalID,
	)

	agent, err := inv.store.GetAgent(ctx, msg.TenantID, msg.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			log.Error("agent missing for dispatched invocation", "agent_id", msg.AgentID)
			return inv.complete(ctx, log, msg, store.InvocationStatusFailed, nil, "agent not found", time.Time{})
		}
		return "", fmt.Errorf("lookup agent %s: %w", msg.AgentID, err)
	}

	moved, err := inv.store.MarkInvocationRunning(ctx, msg.TenantID, msg.InternalID)
	if err != nil {
		return "", fmt.Errorf("mark invocation running: %w", err)
	}
	if !moved {
		// Duplicate delivery; the first one owns this invocation.
		log.Info("duplicate dispatch delivery ignored")
		return "", ErrAlreadyDispatched
	}
	startedAt := time.Now()

	log.Info("invocation running", "agent", agent.Slug)
	inv.appendLog(ctx, msg, "info", "invocation started", nil)

	lim, err := inv.limits.Resolve(ctx, msg.TenantID)
	if err != nil {
		// The invocation is running and must not be stranded there.
		log.Error("resolve limits failed", "error", err)
		return inv.complete(ctx, log, msg, store.InvocationStatusFailed, nil, fmt.Sprintf("resolve tenant limits: %v", err), startedAt)
	}

	if inv.exec == nil {
		output := simulatedOutput(msg.Input)
		log.Info("no executor configured; invocation simulated")
		inv.appendLog(ctx, msg, "info", "no executor configured; execution simulated", nil)
		return inv.complete(ctx, log, msg, store.InvocationStatusSucceeded, output, "", startedAt)
	}

	timeout := time.Duration(lim.InvocationTimeoutSec) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, execErr := inv.exec.Execute(execCtx, &executor.Request{
		TenantID: msg.TenantID,
		AgentID:  msg.AgentID,
		Input:    msg.Input,
		Config:   agent.Config,
	})

	status, output, errMsg := classify(raw, execErr, lim.InvocationTimeoutSec)
	if errMsg != "" {
		log.Error("invocation execution failed", "status", status, "error", errMsg)
		inv.appendLog(ctx, msg, "error", errMsg, nil)
	}
	return inv.complete(ctx, log, msg, status, output, errMsg, startedAt)
}

// classify maps an executor result to a terminal status, output and error
// text.
func classify(raw json.RawMessage, execErr error, timeoutSec int) (store.InvocationStatus, json.RawMessage, string) {
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			return store.InvocationStatusTimeout, nil, fmt.Sprintf("invocation timed out after %ds", timeoutSec)
		}
		return store.InvocationStatusFailed, nil, execErr.Error()
	}
	return store.InvocationStatusSucceeded, normalizeOutput(raw), ""
}

// normalizeOutput passes structured objects through verbatim and wraps
// anything else under a fixed key so the output column is always an object.
func normalizeOutput(raw json.RawMessage) json.RawMessage {
	trimmed := trimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	if trimmed[0] == '{' && json.Valid(trimmed) {
		return trimmed
	}
	var wrapped []byte
	if json.Valid(trimmed) {
		wrapped, _ = json.Marshal(map[string]json.RawMessage{"result": trimmed})
	} else {
		wrapped, _ = json.Marshal(map[string]string{"result": string(trimmed)})
	}
	return wrapped
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t' || b[start] == '\n' || b[start] == '\r') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\n' || b[end-1] == '\r') {
		end--
	}
	return b[start:end]
}

// simulatedOutput is the placeholder success payload for deployments without
// a configured executor. Tagged so it can never be mistaken for real output.
func simulatedOutput(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	out, _ := json.Marshal(map[string]any{
		"simulated": true,
		"message":   "no agent executor configured; invocation simulated",
		"input":     input,
	})
	return out
}

// complete writes the terminal transition. The write is attempted on every
// path out of Handle so no invocation is left in running.
func (inv *Invoker) complete(ctx context.Context, log *slog.Logger, msg *queue.DispatchMessage, status store.InvocationStatus, output json.RawMessage, errMsg string, startedAt time.Time) (store.InvocationStatus, error) {
	if err := inv.store.CompleteInvocation(ctx, msg.TenantID, msg.InternalID, status, output, errMsg); err != nil {
		if errors.Is(err, store.ErrInvocationTerminal) {
			// Lost a race with another terminal writer; the row wins.
			log.Info("terminal write skipped; invocation already terminal")
			return status, nil
		}
		log.Error("terminal write failed", "status", status, "error", err)
		return "", fmt.Errorf("complete invocation: %w", err)
	}

	durationMS := float64(0)
	if !startedAt.IsZero() {
		durationMS = float64(time.Since(startedAt).Milliseconds())
	}
	metrics.RecordInvocation(string(status), durationMS)
	inv.appendLog(ctx, msg, levelFor(status), fmt.Sprintf("invocation %s", status), nil)
	log.Info("invocation completed", "status", status, "duration_ms", durationMS)
	return status, nil
}

func levelFor(status store.InvocationStatus) string {
	if status == store.InvocationStatusSucceeded {
		return "info"
	}
	return "error"
}

// appendLog writes to the invocation's log trail; failures are advisory.
func (inv *Invoker) appendLog(ctx context.Context, msg *queue.DispatchMessage, level, message string, payload json.RawMessage) {
	if err := inv.store.AppendInvocationLog(ctx, msg.TenantID, msg.InternalID, level, message, payload); err != nil {
		logging.Op().Debug("append invocation log failed", "invocation_id", msg.InternalID, "error", err)
	}
}
