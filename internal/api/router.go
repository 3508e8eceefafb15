// Package api exposes the local tool server over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/whispo/contextd/internal/api/handlers"
	"github.com/whispo/contextd/internal/api/middleware"
)

const DefaultPath = "/mcp"

type Options struct {
	// Path of the protocol endpoint; the event stream is served at
	// Path + "/events".
	Path  string
	Token string

	// AllowedOrigins for browser consumers. Empty means loopback origins only.
	AllowedOrigins []string
}

// NewRouter creates the HTTP router serving the protocol endpoint.
func NewRouter(h *handlers.Handlers, opts Options) http.Handler {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id", "Mcp-Session-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-Trace-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewTokenAuth(opts.Token).Middleware)

	r.Get("/health", h.Health)
	r.Get("/providers", h.ListProviders)

	r.Route(opts.Path, func(r chi.Router) {
		r.Post("/", h.MCPEndpoint)
		r.Get("/events", h.EventsEndpoint)
	})

	return r
}
