package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/agnxi/agnxi/internal/ids"
	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/store"
)

const bearerPrefix = "Bearer "

// APIKeyStore is the slice of the metadata store the authenticator needs.
type APIKeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
}

// APIKeyAuthenticator resolves `Authorization: Bearer agnxi_key_<hex>`
// headers to a tenant-bound identity. Keys are matched by SHA-256 hash, so
// no raw key material is ever compared or stored.
type APIKeyAuthenticator struct {
	store APIKeyStore
}

func NewAPIKeyAuthenticator(s APIKeyStore) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{store: s}
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) *Identity {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if !ids.IsAPIKey(raw) {
		return nil
	}

	key, err := a.store.GetAPIKeyByHash(r.Context(), ids.HashAPIKey(raw))
	if err != nil {
		if len(raw) >= ids.APIKeyDisplayLen {
			logging.Op().Warn("api key resolution failed", "prefix", raw[:ids.APIKeyDisplayLen])
		}
		return nil
	}

	// last_used_at bookkeeping must not stall or fail the request.
	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.store.TouchAPIKey(ctx, id); err != nil {
			logging.Op().Debug("touch api key failed", "error", err)
		}
	}(key.ID)

	return &Identity{
		TenantID: key.TenantID,
		Subject:  "apikey:" + key.ID,
		APIKeyID: key.ID,
	}
}
