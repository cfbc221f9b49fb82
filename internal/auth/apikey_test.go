package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agnxi/agnxi/internal/ids"
	"github.com/agnxi/agnxi/internal/store"
)

type fakeKeyStore struct {
	mu      sync.Mutex
	keys    map[string]*store.APIKey // by hash
	touched []string
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[string]*store.APIKey)}
}

func (f *fakeKeyStore) GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[hash]; ok {
		return k, nil
	}
	return nil, store.ErrAPIKeyNotFound
}

func (f *fakeKeyStore) TouchAPIKey(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func TestAPIKeyAuthenticator_ResolvesKey(t *testing.T) {
	raw, prefix, hash := ids.NewAPIKey()
	fs := newFakeKeyStore()
	fs.keys[hash] = store.NewAPIKey("t1", "ci", prefix, hash)
	keyID := fs.keys[hash].ID

	a := NewAPIKeyAuthenticator(fs)
	r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	r.Header.Set("Authorization", "Bearer "+raw)

	id := a.Authenticate(r)
	if id == nil {
		t.Fatal("expected identity")
	}
	if id.TenantID != "t1" {
		t.Errorf("tenant = %s, want t1", id.TenantID)
	}
	if id.APIKeyID != keyID {
		t.Errorf("api key id = %s, want %s", id.APIKeyID, keyID)
	}
	if id.Subject != "apikey:"+keyID {
		t.Errorf("subject = %s", id.Subject)
	}

	// last_used_at bookkeeping runs asynchronously.
	deadline := time.Now().Add(time.Second)
	for {
		fs.mu.Lock()
		n := len(fs.touched)
		fs.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("TouchAPIKey never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAPIKeyAuthenticator_Rejects(t *testing.T) {
	raw, prefix, hash := ids.NewAPIKey()
	fs := newFakeKeyStore()
	fs.keys[hash] = store.NewAPIKey("t1", "ci", prefix, hash)
	a := NewAPIKeyAuthenticator(fs)

	otherRaw, _, _ := ids.NewAPIKey()
	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"wrong scheme token", "Bearer some-jwt-token"},
		{"unknown key", "Bearer " + otherRaw},
		{"truncated key", "Bearer " + raw[:20] + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if id := a.Authenticate(r); id != nil {
				t.Errorf("expected nil identity, got %+v", id)
			}
		})
	}
}
