package api

import (
	"net/http"
	"time"

	"github.com/agnxi/agnxi/internal/auth"
	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/observability"
	"github.com/agnxi/agnxi/internal/worker"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Handler *Handler
	// Worker is mounted on the same server in single-process deployments;
	// its endpoint authenticates with the queue secret, not tenant keys.
	Worker      *worker.Handler
	AuthEnabled bool
	APIKeys     auth.APIKeyStore
}

// defaultPublicPaths are reachable without a tenant credential. The worker
// endpoint carries its own delivery authentication.
var defaultPublicPaths = []string{
	"/health",
	"/health/live",
	"/health/ready",
	"/metrics/prometheus",
	"/internal/worker/invoke",
}

// StartHTTPServer creates and starts the HTTP server. The returned server
// is shut down by the caller.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()
	cfg.Handler.RegisterRoutes(mux)
	if cfg.Worker != nil {
		cfg.Worker.RegisterRoutes(mux)
	}

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	if cfg.AuthEnabled && cfg.APIKeys != nil {
		authenticators := []auth.Authenticator{auth.NewAPIKeyAuthenticator(cfg.APIKeys)}
		handler = auth.Middleware(authenticators, defaultPublicPaths)(handler)
		logging.Op().Info("api key authentication enabled")
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
