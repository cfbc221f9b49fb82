package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agnxi/agnxi/internal/config"
	"github.com/agnxi/agnxi/internal/dispatch"
	"github.com/agnxi/agnxi/internal/limits"
	"github.com/agnxi/agnxi/internal/queue"
	"github.com/agnxi/agnxi/internal/store"
)

// fakeBackend backs the handler, the dispatcher and the limits resolver in
// one in-memory implementation.
type fakeBackend struct {
	agents      map[string]*store.Agent // by slug
	invocations map[string]*store.Invocation
	logs        map[string][]*store.InvocationLogEntry
	apiKeys     []*store.APIKey
	settings    json.RawMessage
	settingsErr error
	inFlight    int
	enqueued    []*queue.DispatchMessage
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		agents:      make(map[string]*store.Agent),
		invocations: make(map[string]*store.Invocation),
		logs:        make(map[string][]*store.InvocationLogEntry),
	}
}

func (f *fakeBackend) GetInvocationByExternalID(ctx context.Context, tenantID, externalID string) (*store.Invocation, error) {
	inv, ok := f.invocations[externalID]
	if !ok || inv.TenantID != tenantID {
		return nil, store.ErrInvocationNotFound
	}
	return inv, nil
}

func (f *fakeBackend) ListInvocationLogs(ctx context.Context, tenantID, invocationID string) ([]*store.InvocationLogEntry, error) {
	return f.logs[invocationID], nil
}

func (f *fakeBackend) CountInFlightInvocations(ctx context.Context, tenantID string) (int, error) {
	return f.inFlight, nil
}

func (f *fakeBackend) CreateAgent(ctx context.Context, agent *store.Agent) error {
	if _, ok := f.agents[agent.Slug]; ok {
		return store.ErrAgentSlugTaken
	}
	f.agents[agent.Slug] = agent
	return nil
}

func (f *fakeBackend) GetAgentBySlug(ctx context.Context, tenantID, slug string) (*store.Agent, error) {
	a, ok := f.agents[slug]
	if !ok || a.TenantID != tenantID {
		return nil, store.ErrAgentNotFound
	}
	return a, nil
}

func (f *fakeBackend) ListAgents(ctx context.Context, tenantID string, status store.AgentStatus, limit int) ([]*store.Agent, error) {
	var out []*store.Agent
	for _, a := range f.agents {
		if a.TenantID != tenantID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeBackend) UpdateAgentStatus(ctx context.Context, tenantID, slug string, status store.AgentStatus) (*store.Agent, error) {
	a, err := f.GetAgentBySlug(ctx, tenantID, slug)
	if err != nil {
		return nil, err
	}
	a.Status = status
	return a, nil
}

func (f *fakeBackend) CountAgents(ctx context.Context, tenantID string) (int, error) {
	n := 0
	for _, a := range f.agents {
		if a.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) CreateAPIKey(ctx context.Context, key *store.APIKey) error {
	f.apiKeys = append(f.apiKeys, key)
	return nil
}

func (f *fakeBackend) ListAPIKeys(ctx context.Context, tenantID string) ([]*store.APIKey, error) {
	return f.apiKeys, nil
}

func (f *fakeBackend) RevokeAPIKey(ctx context.Context, tenantID, id string) error {
	for _, k := range f.apiKeys {
		if k.ID == id && k.TenantID == tenantID && k.RevokedAt == nil {
			now := k.CreatedAt
			k.RevokedAt = &now
			return nil
		}
	}
	return store.ErrAPIKeyNotFound
}

func (f *fakeBackend) CountActiveAPIKeys(ctx context.Context, tenantID string) (int, error) {
	n := 0
	for _, k := range f.apiKeys {
		if k.TenantID == tenantID && k.RevokedAt == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) Ping(ctx context.Context) error { return nil }

func (f *fakeBackend) GetTenantSettings(ctx context.Context, tenantID string) (json.RawMessage, error) {
	if f.settingsErr != nil {
		return nil, f.settingsErr
	}
	return f.settings, nil
}

func (f *fakeBackend) CreateInvocation(ctx context.Context, inv *store.Invocation) error {
	f.invocations[inv.ExternalID] = inv
	return nil
}

func (f *fakeBackend) Enqueue(ctx context.Context, msg *queue.DispatchMessage) error {
	f.enqueued = append(f.enqueued, msg)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func newMux(f *fakeBackend) *http.ServeMux {
	resolver := limits.NewResolver(f, config.LimitsConfig{
		MaxAgents:                50,
		MaxConcurrentInvocations: 10,
		InvocationTimeoutSec:     300,
		MaxRequestBodyBytes:      1 << 20,
		MaxStorageMB:             100,
		MaxAPIKeys:               20,
	})
	h := &Handler{
		Store:      f,
		Dispatcher: dispatch.New(f, resolver, f),
		Limits:     resolver,
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("X-Agnxi-Tenant", "t1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	var resp map[string]any
	if w.Body.Len() > 0 {
		json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func withActiveAgent(f *fakeBackend, slug string) *store.Agent {
	a := store.NewAgent("t1", slug, slug)
	a.Status = store.AgentStatusActive
	f.agents[slug] = a
	return a
}

func TestInvokeAgent_Accepted(t *testing.T) {
	f := newFakeBackend()
	withActiveAgent(f, "echo")
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodPost, "/v1/agents/echo/invoke", `{"input":{"q":"hi"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	extID, _ := resp["external_id"].(string)
	if !strings.HasPrefix(extID, "agnxi_inv_") {
		t.Errorf("external_id = %q", extID)
	}
	if resp["status"] != "queued" {
		t.Errorf("status = %v, want queued", resp["status"])
	}
	if len(f.enqueued) != 1 {
		t.Errorf("expected 1 enqueued dispatch, got %d", len(f.enqueued))
	}
	if _, ok := f.invocations[extID]; !ok {
		t.Error("invocation not persisted under its external id")
	}
}

func TestInvokeAgent_UnknownAgent(t *testing.T) {
	mux := newMux(newFakeBackend())

	w, _ := doJSON(t, mux, http.MethodPost, "/v1/agents/nope/invoke", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestInvokeAgent_InactiveAgent(t *testing.T) {
	f := newFakeBackend()
	a := withActiveAgent(f, "echo")
	a.Status = store.AgentStatusPaused
	mux := newMux(f)

	w, _ := doJSON(t, mux, http.MethodPost, "/v1/agents/echo/invoke", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestInvokeAgent_QuotaExceeded(t *testing.T) {
	f := newFakeBackend()
	withActiveAgent(f, "echo")
	f.settings = json.RawMessage(`{"limits":{"max_concurrent_invocations":2}}`)
	f.inFlight = 2
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodPost, "/v1/agents/echo/invoke", `{}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if resp["current"] != float64(2) || resp["limit"] != float64(2) {
		t.Errorf("quota disclosure = %v/%v, want 2/2", resp["current"], resp["limit"])
	}
}

func TestInvokeAgent_PayloadTooLarge(t *testing.T) {
	f := newFakeBackend()
	withActiveAgent(f, "echo")
	f.settings = json.RawMessage(`{"limits":{"max_request_body_bytes":16}}`)
	mux := newMux(f)

	w, _ := doJSON(t, mux, http.MethodPost, "/v1/agents/echo/invoke", `{"input":{"data":"this is well over sixteen bytes"}}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestInvokeAgent_InvalidJSON(t *testing.T) {
	f := newFakeBackend()
	withActiveAgent(f, "echo")
	mux := newMux(f)

	w, _ := doJSON(t, mux, http.MethodPost, "/v1/agents/echo/invoke", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestInvokeAgent_NoTenant(t *testing.T) {
	f := newFakeBackend()
	withActiveAgent(f, "echo")
	mux := newMux(f)

	r := httptest.NewRequest(http.MethodPost, "/v1/agents/echo/invoke", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGetInvocation(t *testing.T) {
	f := newFakeBackend()
	inv := store.NewInvocation("t1", "a1", "agnxi_inv_abc123", json.RawMessage(`{"q":"hi"}`), nil)
	f.invocations[inv.ExternalID] = inv
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodGet, "/v1/invocations/agnxi_inv_abc123", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["id"] != "agnxi_inv_abc123" {
		t.Errorf("id = %v, want the external id", resp["id"])
	}
	if resp["status"] != "queued" {
		t.Errorf("status = %v", resp["status"])
	}
	if _, leaked := resp["tenant_id"]; leaked {
		t.Error("tenant id leaked into the public representation")
	}
}

func TestGetInvocation_NotFound(t *testing.T) {
	mux := newMux(newFakeBackend())

	// Internal-looking ids and unknown external ids both 404.
	for _, id := range []string{"agnxi_inv_unknown", "550e8400-e29b-41d4-a716-446655440000"} {
		w, _ := doJSON(t, mux, http.MethodGet, "/v1/invocations/"+id, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("id %s: status = %d, want 404", id, w.Code)
		}
	}
}

func TestGetInvocation_CrossTenantHidden(t *testing.T) {
	f := newFakeBackend()
	inv := store.NewInvocation("t2", "a1", "agnxi_inv_abc123", nil, nil)
	f.invocations[inv.ExternalID] = inv
	mux := newMux(f)

	w, _ := doJSON(t, mux, http.MethodGet, "/v1/invocations/agnxi_inv_abc123", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for another tenant's invocation", w.Code)
	}
}

func TestGetInvocationLogs(t *testing.T) {
	f := newFakeBackend()
	inv := store.NewInvocation("t1", "a1", "agnxi_inv_abc123", nil, nil)
	f.invocations[inv.ExternalID] = inv
	f.logs[inv.ID] = []*store.InvocationLogEntry{
		{InvocationID: inv.ID, Seq: 1, Level: "info", Message: "invocation started"},
		{InvocationID: inv.ID, Seq: 2, Level: "info", Message: "invocation succeeded"},
	}
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodGet, "/v1/invocations/agnxi_inv_abc123/logs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	logs, _ := resp["logs"].([]any)
	if len(logs) != 2 {
		t.Fatalf("logs = %v", resp["logs"])
	}
}

func TestInvokeAgent_UnknownTenant(t *testing.T) {
	f := newFakeBackend()
	withActiveAgent(f, "echo")
	f.settingsErr = store.ErrTenantNotFound
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodPost, "/v1/agents/echo/invoke", `{}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if resp["error"] != "unknown_tenant" {
		t.Errorf("error = %v, want unknown_tenant", resp["error"])
	}
	if len(f.invocations) != 0 {
		t.Error("unknown tenant must not create invocations")
	}
}

func TestGetLimits_UnknownTenant(t *testing.T) {
	f := newFakeBackend()
	f.settingsErr = store.ErrTenantNotFound
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodGet, "/v1/limits", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if resp["error"] != "unknown_tenant" {
		t.Errorf("error = %v, want unknown_tenant", resp["error"])
	}
}

func TestGetLimits(t *testing.T) {
	f := newFakeBackend()
	f.settings = json.RawMessage(`{"limits":{"max_concurrent_invocations":3}}`)
	f.inFlight = 1
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodGet, "/v1/limits", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	lim, _ := resp["limits"].(map[string]any)
	if lim["max_concurrent_invocations"] != float64(3) {
		t.Errorf("limits = %v", lim)
	}
	usage, _ := resp["usage"].(map[string]any)
	if usage["in_flight_invocations"] != float64(1) {
		t.Errorf("usage = %v", usage)
	}
}

func TestCreateAgent(t *testing.T) {
	f := newFakeBackend()
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodPost, "/v1/agents", `{"name":"Echo","slug":"echo"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp["status"] != "draft" {
		t.Errorf("new agent status = %v, want draft", resp["status"])
	}

	// Duplicate slug conflicts.
	w, _ = doJSON(t, mux, http.MethodPost, "/v1/agents", `{"name":"Echo 2","slug":"echo"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate slug: status = %d, want 409", w.Code)
	}
}

func TestCreateAgent_Validation(t *testing.T) {
	mux := newMux(newFakeBackend())

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"slug":"echo"}`},
		{"bad slug", `{"name":"Echo","slug":"Echo Bot!"}`},
		{"unknown runtime", `{"name":"Echo","slug":"echo","runtime":"lambda"}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := doJSON(t, mux, http.MethodPost, "/v1/agents", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestCreateAgent_QuotaExceeded(t *testing.T) {
	f := newFakeBackend()
	f.settings = json.RawMessage(`{"limits":{"max_agents":1}}`)
	withActiveAgent(f, "existing")
	mux := newMux(f)

	w, _ := doJSON(t, mux, http.MethodPost, "/v1/agents", `{"name":"Echo","slug":"echo"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestUpdateAgentStatus(t *testing.T) {
	f := newFakeBackend()
	withActiveAgent(f, "echo")
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodPost, "/v1/agents/echo/status", `{"status":"paused"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["status"] != "paused" {
		t.Errorf("agent status = %v, want paused", resp["status"])
	}

	w, _ = doJSON(t, mux, http.MethodPost, "/v1/agents/echo/status", `{"status":"bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus status: %d, want 400", w.Code)
	}
}

func TestCreateAPIKey_ReturnsRawOnce(t *testing.T) {
	f := newFakeBackend()
	mux := newMux(f)

	w, resp := doJSON(t, mux, http.MethodPost, "/v1/api-keys", `{"name":"ci"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	raw, _ := resp["key"].(string)
	if !strings.HasPrefix(raw, "agnxi_key_") {
		t.Errorf("key = %q", raw)
	}
	if prefix, _ := resp["key_prefix"].(string); !strings.HasPrefix(raw, prefix) || len(prefix) != 12 {
		t.Errorf("key_prefix = %q does not match raw key", prefix)
	}

	// The list endpoint never returns raw keys or hashes.
	w, resp = doJSON(t, mux, http.MethodGet, "/v1/api-keys", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), raw) {
		t.Error("raw key leaked from the list endpoint")
	}
	if strings.Contains(w.Body.String(), f.apiKeys[0].KeyHash) {
		t.Error("key hash leaked from the list endpoint")
	}
}

func TestRevokeAPIKey(t *testing.T) {
	f := newFakeBackend()
	mux := newMux(f)

	_, resp := doJSON(t, mux, http.MethodPost, "/v1/api-keys", `{"name":"ci"}`)
	id, _ := resp["id"].(string)

	w, _ := doJSON(t, mux, http.MethodDelete, "/v1/api-keys/"+id, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}

	// Revoking again is a 404: the key is no longer active.
	w, _ = doJSON(t, mux, http.MethodDelete, "/v1/api-keys/"+id, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second revoke: status = %d, want 404", w.Code)
	}
}

func TestHealth(t *testing.T) {
	mux := newMux(newFakeBackend())

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
