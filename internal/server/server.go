// Package server implements the HTTP transport layer for the Palantir relay.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/pool"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/traffic"
)

// defaultMaxBody bounds downstream request bodies when the config leaves the
// limit unset.
const defaultMaxBody = 32 << 20

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Engine executes one classified downstream request against a provider.
type Engine interface {
	Execute(ctx context.Context, provider string, req *relay.ProxyRequest) (*relay.ProxyResponse, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth        relay.Authenticator
	Engine      Engine
	Recorder    *traffic.Recorder // nil = no downstream records
	Hub         *events.Hub       // nil = no event broadcast
	Pool        *pool.Pool        // nil disables /admin/pool
	Metrics     *telemetry.Metrics
	ReadyCheck  ReadyChecker // nil = always ready (for tests)
	Prometheus  http.Handler // nil disables /metrics
	ProviderIDs map[string]int64
	MaxBody     int64 // request body cap; 0 = default
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.MaxBody <= 0 {
		deps.MaxBody = defaultMaxBody
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.traceID)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Prometheus != nil {
		r.Method(http.MethodGet, "/metrics", deps.Prometheus)
	}

	// Operator surface (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/admin/events", s.handleEventStream)
		r.Get("/admin/pool", s.handlePoolStats)
	})

	// Relay surface: every dialect route lives under its provider mount.
	// Authentication happens after classification so the OAuth redirect
	// endpoints stay reachable by a browser with no API key.
	r.HandleFunc("/{provider}/*", s.handleRelay)
	r.HandleFunc("/{provider}", s.handleRelay)

	return r
}

type server struct {
	deps Deps
}
