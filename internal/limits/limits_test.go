package limits

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agnxi/agnxi/internal/config"
)

type fakeStore struct {
	settings    json.RawMessage
	settingsErr error
	inFlight    int
	inFlightErr error
	agents      int
	apiKeys     int
}

func (f *fakeStore) GetTenantSettings(ctx context.Context, tenantID string) (json.RawMessage, error) {
	return f.settings, f.settingsErr
}

func (f *fakeStore) CountInFlightInvocations(ctx context.Context, tenantID string) (int, error) {
	return f.inFlight, f.inFlightErr
}

func (f *fakeStore) CountAgents(ctx context.Context, tenantID string) (int, error) {
	return f.agents, nil
}

func (f *fakeStore) CountActiveAPIKeys(ctx context.Context, tenantID string) (int, error) {
	return f.apiKeys, nil
}

func defaultsConfig() config.LimitsConfig {
	return config.LimitsConfig{
		MaxAgents:                50,
		MaxConcurrentInvocations: 10,
		InvocationTimeoutSec:     300,
		MaxRequestBodyBytes:      1 << 20,
		MaxStorageMB:             100,
		MaxAPIKeys:               20,
	}
}

func TestResolve_Defaults(t *testing.T) {
	r := NewResolver(&fakeStore{}, defaultsConfig())

	lim, err := r.Resolve(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lim.MaxAgents != 50 {
		t.Errorf("MaxAgents = %d, want 50", lim.MaxAgents)
	}
	if lim.MaxConcurrentInvocations != 10 {
		t.Errorf("MaxConcurrentInvocations = %d, want 10", lim.MaxConcurrentInvocations)
	}
	if lim.InvocationTimeoutSec != 300 {
		t.Errorf("InvocationTimeoutSec = %d, want 300", lim.InvocationTimeoutSec)
	}
	if lim.MaxRequestBodyBytes != 1<<20 {
		t.Errorf("MaxRequestBodyBytes = %d, want %d", lim.MaxRequestBodyBytes, 1<<20)
	}
	if lim.MaxStorageMB != 100 {
		t.Errorf("MaxStorageMB = %d, want 100", lim.MaxStorageMB)
	}
	if lim.MaxAPIKeys != 20 {
		t.Errorf("MaxAPIKeys = %d, want 20", lim.MaxAPIKeys)
	}
}

func TestResolve_SettingsOverridePerField(t *testing.T) {
	s := &fakeStore{
		settings: json.RawMessage(`{"limits":{"max_concurrent_invocations":2,"invocation_timeout_sec":30}}`),
	}
	r := NewResolver(s, defaultsConfig())

	lim, err := r.Resolve(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lim.MaxConcurrentInvocations != 2 {
		t.Errorf("MaxConcurrentInvocations = %d, want override 2", lim.MaxConcurrentInvocations)
	}
	if lim.InvocationTimeoutSec != 30 {
		t.Errorf("InvocationTimeoutSec = %d, want override 30", lim.InvocationTimeoutSec)
	}
	// Untouched fields keep defaults.
	if lim.MaxAgents != 50 {
		t.Errorf("MaxAgents = %d, want default 50", lim.MaxAgents)
	}
}

func TestResolve_MalformedSettingsKeepDefaults(t *testing.T) {
	s := &fakeStore{settings: json.RawMessage(`not json at all`)}
	r := NewResolver(s, defaultsConfig())

	lim, err := r.Resolve(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lim != r.defaults {
		t.Errorf("malformed settings changed limits: %+v", lim)
	}
}

func TestResolve_NonPositiveOverridesIgnored(t *testing.T) {
	s := &fakeStore{
		settings: json.RawMessage(`{"limits":{"max_agents":0,"max_api_keys":-5}}`),
	}
	r := NewResolver(s, defaultsConfig())

	lim, err := r.Resolve(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lim.MaxAgents != 50 {
		t.Errorf("MaxAgents = %d, zero override should be ignored", lim.MaxAgents)
	}
	if lim.MaxAPIKeys != 20 {
		t.Errorf("MaxAPIKeys = %d, negative override should be ignored", lim.MaxAPIKeys)
	}
}

func TestResolve_StoreErrorFailsClosed(t *testing.T) {
	s := &fakeStore{settingsErr: errors.New("db down")}
	r := NewResolver(s, defaultsConfig())

	if _, err := r.Resolve(context.Background(), "t1"); err == nil {
		t.Fatal("expected error when settings lookup fails")
	}
}

func TestCheckConcurrency(t *testing.T) {
	tests := []struct {
		name        string
		inFlight    int
		limit       int
		wantAllowed bool
	}{
		{"under limit", 1, 10, true},
		{"one below limit", 9, 10, true},
		{"at limit", 10, 10, false},
		{"over limit", 11, 10, false},
		{"zero in flight", 0, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultsConfig()
			cfg.MaxConcurrentInvocations = tt.limit
			r := NewResolver(&fakeStore{inFlight: tt.inFlight}, cfg)

			d, err := r.CheckConcurrency(context.Background(), "t1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", d.Allowed, tt.wantAllowed)
			}
			if d.Current != tt.inFlight {
				t.Errorf("Current = %d, want %d", d.Current, tt.inFlight)
			}
			if d.Limit != tt.limit {
				t.Errorf("Limit = %d, want %d", d.Limit, tt.limit)
			}
		})
	}
}

func TestCheckConcurrency_CountErrorFailsClosed(t *testing.T) {
	r := NewResolver(&fakeStore{inFlightErr: errors.New("db down")}, defaultsConfig())

	if _, err := r.CheckConcurrency(context.Background(), "t1"); err == nil {
		t.Fatal("expected error when count fails")
	}
}

func TestCheckMaxAgents(t *testing.T) {
	cfg := defaultsConfig()
	cfg.MaxAgents = 3
	r := NewResolver(&fakeStore{agents: 3}, cfg)

	d, err := r.CheckMaxAgents(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Errorf("expected rejection at %d/%d", d.Current, d.Limit)
	}
}

func TestCheckMaxAPIKeys(t *testing.T) {
	cfg := defaultsConfig()
	cfg.MaxAPIKeys = 5
	r := NewResolver(&fakeStore{apiKeys: 2}, cfg)

	d, err := r.CheckMaxAPIKeys(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("expected allowed at %d/%d", d.Current, d.Limit)
	}
}
