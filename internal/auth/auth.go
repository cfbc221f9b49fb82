package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity represents an authenticated caller, always bound to one tenant.
type Identity struct {
	TenantID string
	// Subject is "user:<id>" or "apikey:<id>".
	Subject string
	// APIKeyID is set when the caller authenticated with a programmatic key.
	APIKeyID string
	// UserID is set when the caller authenticated as an end user.
	UserID string
}

type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity adds an Identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from context, nil when unauthenticated.
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// Authenticator is the interface for authentication providers.
type Authenticator interface {
	// Authenticate attempts to authenticate the request.
	// Returns an Identity if successful, nil otherwise.
	Authenticate(r *http.Request) *Identity
}

// Middleware creates an HTTP middleware that requires authentication on
// every route except the listed public paths. Authorization failures are
// rejected before any tenant-scoped lookup runs.
func Middleware(authenticators []Authenticator, publicPaths []string) func(http.Handler) http.Handler {
	publicSet := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		publicSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path, publicSet) {
				next.ServeHTTP(w, r)
				return
			}

			for _, a := range authenticators {
				if id := a.Authenticate(r); id != nil {
					ctx := WithIdentity(r.Context(), id)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="agnxi"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
		})
	}
}

// isPublicPath checks if the given path should skip authentication.
func isPublicPath(path string, publicSet map[string]bool) bool {
	if publicSet[path] {
		return true
	}

	// Prefix matches for paths registered as "/prefix/*"
	for p := range publicSet {
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}

	return false
}
