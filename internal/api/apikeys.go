package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/agnxi/agnxi/internal/ids"
	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/store"
)

type createAPIKeyResponse struct {
	*store.APIKey
	// Key is the raw credential, returned exactly once at creation.
	Key string `json:"key"`
}

// CreateAPIKey handles POST /v1/api-keys. The raw key is returned only in
// this response; afterwards only its hash and display prefix exist.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	decision, err := h.Limits.CheckMaxAPIKeys(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown_tenant", "tenant not found")
			return
		}
		logging.Op().Error("api key quota check failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check api key quota")
		return
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   "api_key_limit_exceeded",
			"message": fmt.Sprintf("api key limit reached: %d/%d", decision.Current, decision.Limit),
			"current": decision.Current,
			"limit":   decision.Limit,
		})
		return
	}

	raw, prefix, hash := ids.NewAPIKey()
	key := store.NewAPIKey(tenantID, req.Name, prefix, hash)
	if err := h.Store.CreateAPIKey(r.Context(), key); err != nil {
		logging.Op().Error("api key create failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create api key")
		return
	}

	writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: key, Key: raw})
}

// ListAPIKeys handles GET /v1/api-keys. Hashes are never included.
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	keys, err := h.Store.ListAPIKeys(r.Context(), tenantID)
	if err != nil {
		logging.Op().Error("api key list failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list api keys")
		return
	}
	if keys == nil {
		keys = []*store.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

// RevokeAPIKey handles DELETE /v1/api-keys/{id}. Revocation is soft and
// idempotent at the HTTP level: revoking an already-revoked key is a 404.
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	if err := h.Store.RevokeAPIKey(r.Context(), tenantID, id); err != nil {
		if errors.Is(err, store.ErrAPIKeyNotFound) {
			writeError(w, http.StatusNotFound, "api_key_not_found", "api key not found")
			return
		}
		logging.Op().Error("api key revoke failed", "tenant_id", tenantID, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
