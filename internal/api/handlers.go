// Package api exposes the public REST surface: agent invocation, invocation
// inspection, agent and API key management, tenant limits, and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/agnxi/agnxi/internal/auth"
	"github.com/agnxi/agnxi/internal/dispatch"
	"github.com/agnxi/agnxi/internal/ids"
	"github.com/agnxi/agnxi/internal/limits"
	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/metrics"
	"github.com/agnxi/agnxi/internal/store"
)

// maxInvokeBodyBytes caps how much of a request body is ever read. Tenant
// ceilings are enforced below this in the dispatcher.
const maxInvokeBodyBytes = 8 << 20

// Store is the slice of the metadata store the HTTP handlers need.
type Store interface {
	GetInvocationByExternalID(ctx context.Context, tenantID, externalID string) (*store.Invocation, error)
	ListInvocationLogs(ctx context.Context, tenantID, invocationID string) ([]*store.InvocationLogEntry, error)
	CountInFlightInvocations(ctx context.Context, tenantID string) (int, error)

	CreateAgent(ctx context.Context, agent *store.Agent) error
	GetAgentBySlug(ctx context.Context, tenantID, slug string) (*store.Agent, error)
	ListAgents(ctx context.Context, tenantID string, status store.AgentStatus, limit int) ([]*store.Agent, error)
	UpdateAgentStatus(ctx context.Context, tenantID, slug string, status store.AgentStatus) (*store.Agent, error)
	CountAgents(ctx context.Context, tenantID string) (int, error)

	CreateAPIKey(ctx context.Context, key *store.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID string) ([]*store.APIKey, error)
	RevokeAPIKey(ctx context.Context, tenantID, id string) error
	CountActiveAPIKeys(ctx context.Context, tenantID string) (int, error)

	Ping(ctx context.Context) error
}

// Handler handles the public REST routes.
type Handler struct {
	Store      Store
	Dispatcher *dispatch.Dispatcher
	Limits     *limits.Resolver
}

// RegisterRoutes registers all public routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Invocations
	mux.HandleFunc("POST /v1/agents/{slug}/invoke", h.InvokeAgent)
	mux.HandleFunc("GET /v1/invocations/{id}", h.GetInvocation)
	mux.HandleFunc("GET /v1/invocations/{id}/logs", h.GetInvocationLogs)

	// Agents
	mux.HandleFunc("POST /v1/agents", h.CreateAgent)
	mux.HandleFunc("GET /v1/agents", h.ListAgents)
	mux.HandleFunc("GET /v1/agents/{slug}", h.GetAgent)
	mux.HandleFunc("POST /v1/agents/{slug}/status", h.UpdateAgentStatus)

	// API keys
	mux.HandleFunc("POST /v1/api-keys", h.CreateAPIKey)
	mux.HandleFunc("GET /v1/api-keys", h.ListAPIKeys)
	mux.HandleFunc("DELETE /v1/api-keys/{id}", h.RevokeAPIKey)

	// Limits
	mux.HandleFunc("GET /v1/limits", h.GetLimits)

	// Health probes
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)

	// Observability
	mux.Handle("GET /metrics/prometheus", metrics.Handler())
}

type invokeResponse struct {
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

// InvokeAgent handles POST /v1/agents/{slug}/invoke. Accepted submissions
// return 202 with the public invocation id; execution is observed by polling.
func (h *Handler) InvokeAgent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	slug := r.PathValue("slug")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}
	if int64(len(body)) > maxInvokeBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return
	}

	var req struct {
		Input    json.RawMessage `json:"input"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
			return
		}
	}

	sub := &dispatch.SubmitRequest{
		TenantID:      tenantID,
		AgentSlug:     slug,
		Input:         req.Input,
		Metadata:      req.Metadata,
		DeclaredBytes: r.ContentLength,
		ActualBytes:   int64(len(body)),
		CreatedByType: store.CreatedByUser,
	}
	if id := auth.GetIdentity(r.Context()); id != nil && id.APIKeyID != "" {
		sub.CreatedByType = store.CreatedByAPIKey
		sub.CreatedByID = id.APIKeyID
	}

	receipt, err := h.Dispatcher.Submit(r.Context(), sub)
	if err != nil {
		var tooLarge *dispatch.PayloadTooLargeError
		var quota *dispatch.QuotaExceededError
		switch {
		case errors.Is(err, store.ErrTenantNotFound):
			writeError(w, http.StatusUnauthorized, "unknown_tenant", "tenant not found")
		case errors.Is(err, dispatch.ErrAgentNotInvocable):
			writeError(w, http.StatusNotFound, "agent_not_found", "agent not found or not active")
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", tooLarge.Error())
		case errors.As(err, &quota):
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":   "concurrency_limit_exceeded",
				"message": quota.Error(),
				"current": quota.Current,
				"limit":   quota.Limit,
			})
		default:
			logging.Op().Error("invocation submit failed", "tenant_id", tenantID, "agent_slug", slug, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to submit invocation")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, invokeResponse{
		ExternalID: receipt.ExternalID,
		Status:     string(receipt.Status),
	})
}

// GetInvocation handles GET /v1/invocations/{id}. The id is the public
// external id; internal row ids are never accepted here.
func (h *Handler) GetInvocation(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	externalID := r.PathValue("id")
	if !ids.IsExternalID(externalID) {
		writeError(w, http.StatusNotFound, "invocation_not_found", "invocation not found")
		return
	}

	inv, err := h.Store.GetInvocationByExternalID(r.Context(), tenantID, externalID)
	if err != nil {
		if errors.Is(err, store.ErrInvocationNotFound) {
			writeError(w, http.StatusNotFound, "invocation_not_found", "invocation not found")
			return
		}
		logging.Op().Error("invocation lookup failed", "tenant_id", tenantID, "external_id", externalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load invocation")
		return
	}

	writeJSON(w, http.StatusOK, invocationView(inv))
}

// GetInvocationLogs handles GET /v1/invocations/{id}/logs, returning the
// ordered log trail for an invocation.
func (h *Handler) GetInvocationLogs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	externalID := r.PathValue("id")
	if !ids.IsExternalID(externalID) {
		writeError(w, http.StatusNotFound, "invocation_not_found", "invocation not found")
		return
	}

	inv, err := h.Store.GetInvocationByExternalID(r.Context(), tenantID, externalID)
	if err != nil {
		if errors.Is(err, store.ErrInvocationNotFound) {
			writeError(w, http.StatusNotFound, "invocation_not_found", "invocation not found")
			return
		}
		logging.Op().Error("invocation lookup failed", "tenant_id", tenantID, "external_id", externalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load invocation")
		return
	}

	entries, err := h.Store.ListInvocationLogs(r.Context(), tenantID, inv.ID)
	if err != nil {
		logging.Op().Error("invocation logs lookup failed", "tenant_id", tenantID, "invocation_id", inv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load invocation logs")
		return
	}
	if entries == nil {
		entries = []*store.InvocationLogEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"external_id": inv.ExternalID,
		"status":      inv.Status,
		"logs":        entries,
	})
}

// GetLimits handles GET /v1/limits, returning the effective limits and the
// tenant's current usage against them.
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	lim, err := h.Limits.Resolve(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown_tenant", "tenant not found")
			return
		}
		logging.Op().Error("limits resolve failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve limits")
		return
	}

	inFlight, err := h.Store.CountInFlightInvocations(r.Context(), tenantID)
	if err != nil {
		logging.Op().Error("in-flight count failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load usage")
		return
	}
	agents, err := h.Store.CountAgents(r.Context(), tenantID)
	if err != nil {
		logging.Op().Error("agent count failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load usage")
		return
	}
	keys, err := h.Store.CountActiveAPIKeys(r.Context(), tenantID)
	if err != nil {
		logging.Op().Error("api key count failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"limits": lim,
		"usage": map[string]int{
			"agents":                agents,
			"active_api_keys":       keys,
			"in_flight_invocations": inFlight,
		},
	})
}

// Health handles GET /health - detailed status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	pgOK := h.Store.Ping(ctx) == nil
	status := "ok"
	code := http.StatusOK
	if !pgOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]bool{
			"postgres": pgOK,
		},
	})
}

// HealthLive handles GET /health/live - liveness probe.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady handles GET /health/ready - readiness probe.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "postgres unavailable: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// tenant resolves the caller's tenant from the authenticated identity, with
// an X-Agnxi-Tenant header fallback for deployments running with auth
// disabled. Writes a 401 and returns ok=false when neither is present.
func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := auth.GetIdentity(r.Context()); id != nil && id.TenantID != "" {
		return id.TenantID, true
	}
	if t := r.Header.Get("X-Agnxi-Tenant"); t != "" {
		return t, true
	}
	writeError(w, http.StatusUnauthorized, "unauthorized", "tenant could not be determined")
	return "", false
}

// invocationView strips internal row ids from the public representation.
func invocationView(inv *store.Invocation) map[string]any {
	v := map[string]any{
		"id":         inv.ExternalID,
		"status":     inv.Status,
		"input":      inv.Input,
		"created_at": inv.CreatedAt,
	}
	if len(inv.Output) > 0 {
		v["output"] = inv.Output
	}
	if inv.ErrorMessage != "" {
		v["error_message"] = inv.ErrorMessage
	}
	if len(inv.Metadata) > 0 && string(inv.Metadata) != "{}" {
		v["metadata"] = inv.Metadata
	}
	if inv.StartedAt != nil {
		v["started_at"] = inv.StartedAt
	}
	if inv.CompletedAt != nil {
		v["completed_at"] = inv.CompletedAt
	}
	if inv.StartedAt != nil && inv.CompletedAt != nil {
		v["duration_ms"] = inv.CompletedAt.Sub(*inv.StartedAt).Milliseconds()
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
