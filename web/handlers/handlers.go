// Package handlers provides the HTTP surface of the MemBank server: the
// JSON-RPC endpoint, the health check, and the OAuth 2.0 authorization
// and token endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/membank/membank/internal/api/mcp"
	"github.com/membank/membank/internal/auth"
)

// maxRequestBody caps the JSON-RPC request body. Matches the stdio
// transport's frame limit.
const maxRequestBody = 4 * 1024 * 1024

// Handlers wires the RPC dispatcher and the auth broker into HTTP.
type Handlers struct {
	rpc     *mcp.Server
	broker  *auth.Broker
	version string
	logger  *zap.Logger
}

// New creates the HTTP handler set. The broker may be nil, in which case
// the OAuth endpoints are not mounted and /rpc relies on whatever AuthFunc
// the RPC server was built with.
func New(rpc *mcp.Server, broker *auth.Broker, version string, logger *zap.Logger) *Handlers {
	return &Handlers{
		rpc:     rpc,
		broker:  broker,
		version: version,
		logger:  logger,
	}
}

// Router builds the chi router with the standard middleware chain.
// A rateLimitRPS of zero disables rate limiting.
func (h *Handlers) Router(rateLimitRPS float64) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(Logging(h.logger))
	r.Use(middleware.Recoverer)
	if rateLimitRPS > 0 {
		burst := int(rateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		r.Use(RateLimit(rateLimitRPS, burst))
	}

	r.Get("/health", h.Health)
	r.Post("/rpc", h.RPC)

	if h.broker != nil {
		r.Get("/oauth/authorize", h.OAuthAuthorize)
		r.Post("/oauth/token", h.OAuthToken)
	}
	return r
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// writeJSON serializes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
