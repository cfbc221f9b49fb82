package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

type createAgentRequest struct {
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description"`
	Runtime     string          `json:"runtime"`
	Config      json.RawMessage `json:"config"`
}

// CreateAgent handles POST /v1/agents. New agents start in draft and must be
// activated before they can be invoked.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if !slugPattern.MatchString(req.Slug) {
		writeError(w, http.StatusBadRequest, "invalid_request", "slug must be 3-64 lowercase alphanumeric characters or hyphens")
		return
	}

	decision, err := h.Limits.CheckMaxAgents(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown_tenant", "tenant not found")
			return
		}
		logging.Op().Error("agent quota check failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check agent quota")
		return
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   "agent_limit_exceeded",
			"message": fmt.Sprintf("agent limit reached: %d/%d", decision.Current, decision.Limit),
			"current": decision.Current,
			"limit":   decision.Limit,
		})
		return
	}

	agent := store.NewAgent(tenantID, req.Name, req.Slug)
	agent.Description = req.Description
	if req.Runtime != "" {
		switch store.AgentRuntime(req.Runtime) {
		case store.AgentRuntimeCloudflareWorker, store.AgentRuntimeFlyIO:
			agent.Runtime = store.AgentRuntime(req.Runtime)
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown runtime: "+req.Runtime)
			return
		}
	}
	if len(req.Config) > 0 {
		agent.Config = req.Config
	}

	if err := h.Store.CreateAgent(r.Context(), agent); err != nil {
		if errors.Is(err, store.ErrAgentSlugTaken) {
			writeError(w, http.StatusConflict, "slug_taken", "an agent with this slug already exists")
			return
		}
		logging.Op().Error("agent create failed", "tenant_id", tenantID, "slug", req.Slug, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create agent")
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

// ListAgents handles GET /v1/agents. Supports ?status= and ?limit= filters.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var status store.AgentStatus
	if s := r.URL.Query().Get("status"); s != "" {
		switch store.AgentStatus(s) {
		case store.AgentStatusDraft, store.AgentStatusActive, store.AgentStatusPaused, store.AgentStatusArchived:
			status = store.AgentStatus(s)
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown status: "+s)
			return
		}
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	agents, err := h.Store.ListAgents(r.Context(), tenantID, status, limit)
	if err != nil {
		logging.Op().Error("agent list failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list agents")
		return
	}
	if agents == nil {
		agents = []*store.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// GetAgent handles GET /v1/agents/{slug}.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	slug := r.PathValue("slug")

	agent, err := h.Store.GetAgentBySlug(r.Context(), tenantID, slug)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
			return
		}
		logging.Op().Error("agent lookup failed", "tenant_id", tenantID, "slug", slug, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load agent")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// UpdateAgentStatus handles POST /v1/agents/{slug}/status, moving an agent
// between draft, active, paused and archived.
func (h *Handler) UpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	slug := r.PathValue("slug")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}
	status := store.AgentStatus(req.Status)
	switch status {
	case store.AgentStatusDraft, store.AgentStatusActive, store.AgentStatusPaused, store.AgentStatusArchived:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown status: "+req.Status)
		return
	}

	agent, err := h.Store.UpdateAgentStatus(r.Context(), tenantID, slug, status)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
			return
		}
		logging.Op().Error("agent status update failed", "tenant_id", tenantID, "slug", slug, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update agent status")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}
