package worker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/queue"
)

// Handler exposes the invoker as the internal dispatch endpoint. Deliveries
// authenticate with the shared secret as a bearer credential or with the
// transport signature over the body; both are checked before any store
// mutation.
type Handler struct {
	Invoker *Invoker
	Secret  string
	// AllowUnauthenticated accepts deliveries with no credentials when no
	// secret is configured. Development only; without it, a missing secret
	// rejects every delivery.
	AllowUnauthenticated bool
}

// RegisterRoutes registers the worker route on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /internal/worker/invoke", h.HandleInvoke)
}

// HandleInvoke handles POST /internal/worker/invoke.
func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !h.authorized(r, body) {
		logging.Op().Warn("worker invoke: unauthorized delivery rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var msg queue.DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if msg.InternalID == "" || msg.TenantID == "" || msg.AgentID == "" {
		http.Error(w, "missing dispatch fields", http.StatusBadRequest)
		return
	}

	// Execution must not inherit the delivery request's deadline: the
	// deliverer's client timeout bounds the HTTP exchange, not the run.
	// The invoker applies the tenant's execution timeout itself.
	execCtx := context.WithoutCancel(r.Context())

	status, err := h.Invoker.Handle(execCtx, &msg)
	if err != nil {
		if errors.Is(err, ErrAlreadyDispatched) {
			// Acknowledge so the transport does not redeliver.
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":          true,
				"duplicate":   true,
				"external_id": msg.ExternalID,
			})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"status":      status,
		"external_id": msg.ExternalID,
	})
}

func (h *Handler) authorized(r *http.Request, body []byte) bool {
	if h.Secret == "" {
		return h.AllowUnauthenticated
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.Secret)) == 1 {
			return true
		}
	}
	return queue.VerifySignature(h.Secret, r.Header.Get(queue.SignatureHeader), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
