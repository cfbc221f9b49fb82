// Package dispatch accepts validated invocation requests, performs
// admission control, persists the queued record and hands it to the queue
// transport. Submission never blocks on execution.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agnxi/agnxi/internal/ids"
	"github.com/agnxi/agnxi/internal/limits"
	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/metrics"
	"github.com/agnxi/agnxi/internal/observability"
	"github.com/agnxi/agnxi/internal/queue"
	"github.com/agnxi/agnxi/internal/store"
)

// ErrAgentNotInvocable covers both a missing agent and one that exists but
// is not active; callers see the same not-found answer for both.
var ErrAgentNotInvocable = errors.New("agent not found or not active")

// PayloadTooLargeError rejects a submission over the tenant's body ceiling.
type PayloadTooLargeError struct {
	MaxBytes int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds limit of %d bytes", e.MaxBytes)
}

// QuotaExceededError rejects a submission over the tenant's concurrency
// quota, disclosing the observed count and the limit.
type QuotaExceededError struct {
	Current int
	Limit   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("too many concurrent invocations: %d/%d", e.Current, e.Limit)
}

// Store is the slice of the metadata store the dispatcher needs.
type Store interface {
	GetAgentBySlug(ctx context.Context, tenantID, slug string) (*store.Agent, error)
	CreateInvocation(ctx context.Context, inv *store.Invocation) error
}

// Admission resolves limits and performs the concurrency check.
type Admission interface {
	Resolve(ctx context.Context, tenantID string) (limits.TenantLimits, error)
	CheckConcurrency(ctx context.Context, tenantID string) (limits.Decision, error)
}

// SubmitRequest is a validated submission. DeclaredBytes is the caller's
// Content-Length (0 when absent); ActualBytes is the decoded body length.
// Both are checked against the tenant ceiling since the declared value can
// be absent or wrong.
type SubmitRequest struct {
	TenantID      string
	AgentSlug     string
	Input         json.RawMessage
	Metadata      json.RawMessage
	DeclaredBytes int64
	ActualBytes   int64
	CreatedByType store.CreatedByType
	CreatedByID   string
}

// Receipt is returned to the submitter; execution progress is observed by
// polling the invocation.
type Receipt struct {
	ExternalID string
	Status     store.InvocationStatus
}

type Dispatcher struct {
	store     Store
	admission Admission
	transport queue.Transport
}

func New(s Store, a Admission, t queue.Transport) *Dispatcher {
	return &Dispatcher{store: s, admission: a, transport: t}
}

// Submit runs the admission pipeline and persists the queued invocation
// before any enqueue attempt, so a record exists for every id ever handed
// out. An enqueue failure is not rolled back: the row stays queued for the
// reconciliation sweep.
func (d *Dispatcher) Submit(ctx context.Context, req *SubmitRequest) (*Receipt, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.submit",
		observability.AttrTenantID.String(req.TenantID),
		observability.AttrAgentSlug.String(req.AgentSlug),
	)
	defer span.End()

	receipt, err := d.submit(ctx, req)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(observability.AttrExternalID.String(receipt.ExternalID))
	return receipt, nil
}

func (d *Dispatcher) submit(ctx context.Context, req *SubmitRequest) (*Receipt, error) {
	lim, err := d.admission.Resolve(ctx, req.TenantID)
	if err != nil {
		metrics.RecordSubmission("error")
		return nil, fmt.Errorf("resolve tenant limits: %w", err)
	}
	if req.DeclaredBytes > lim.MaxRequestBodyBytes || req.ActualBytes > lim.MaxRequestBodyBytes {
		metrics.RecordSubmission("payload_too_large")
		return nil, &PayloadTooLargeError{MaxBytes: lim.MaxRequestBodyBytes}
	}

	agent, err := d.store.GetAgentBySlug(ctx, req.TenantID, req.AgentSlug)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			metrics.RecordSubmission("agent_not_found")
			return nil, ErrAgentNotInvocable
		}
		metrics.RecordSubmission("error")
		return nil, fmt.Errorf("lookup agent %s: %w", req.AgentSlug, err)
	}
	if agent.Status != store.AgentStatusActive {
		metrics.RecordSubmission("agent_not_found")
		return nil, ErrAgentNotInvocable
	}

	decision, err := d.admission.CheckConcurrency(ctx, req.TenantID)
	if err != nil {
		// Admission failures fail closed; "allowed" is never assumed.
		metrics.RecordSubmission("error")
		return nil, fmt.Errorf("admission check: %w", err)
	}
	if !decision.Allowed {
		metrics.RecordSubmission("quota_exceeded")
		return nil, &QuotaExceededError{Current: decision.Current, Limit: decision.Limit}
	}

	inv := store.NewInvocation(req.TenantID, agent.ID, ids.NewExternalID(), req.Input, req.Metadata)
	if req.CreatedByType != "" {
		inv.CreatedByType = req.CreatedByType
	}
	inv.CreatedByID = req.CreatedByID

	if err := d.store.CreateInvocation(ctx, inv); err != nil {
		metrics.RecordSubmission("error")
		return nil, fmt.Errorf("persist invocation: %w", err)
	}

	if err := d.transport.Enqueue(ctx, &queue.DispatchMessage{
		InternalID: inv.ID,
		ExternalID: inv.ExternalID,
		TenantID:   inv.TenantID,
		AgentID:    inv.AgentID,
		Input:      inv.Input,
	}); err != nil {
		// The row is already durable; the sweep will re-dispatch it.
		logging.Op().Error("enqueue failed; invocation left queued",
			"tenant_id", inv.TenantID, "external_id", inv.ExternalID, "error", err)
	}

	metrics.RecordSubmission("accepted")
	logging.Op().Info("invocation queued",
		"tenant_id", inv.TenantID, "agent", agent.Slug, "external_id", inv.ExternalID)

	return &Receipt{ExternalID: inv.ExternalID, Status: inv.Status}, nil
}
