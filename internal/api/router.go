package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/radoslaw-sz/guardio/internal/api/handlers"
	"github.com/radoslaw-sz/guardio/internal/api/middleware"
	"github.com/radoslaw-sz/guardio/internal/core"
	"github.com/radoslaw-sz/guardio/internal/mcpgw"
)

// NewRouter creates the HTTP router: admin API under /api, health, and the
// per-provider tool-protocol routes.
func NewRouter(c *core.Core, version string) http.Handler {
	h := handlers.New(c, version)
	auth := middleware.NewAPIKeyAuth()

	r := chi.NewRouter()

	// Global middleware. Compression is limited to /api so event streams
	// are never buffered.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AgentExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id", mcpgw.HeaderAgentID, mcpgw.HeaderAgentName},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.Compress(5))
		r.Use(auth.Middleware)

		r.Get("/connection", h.GetConnection)
		r.Get("/policies", h.ListPolicyTypes)
		r.Get("/tools", h.ListTools)
		r.Get("/events", h.ListEvents)

		r.Route("/policy-instances", func(r chi.Router) {
			r.Get("/", h.ListPolicyInstances)
			r.Post("/", h.CreatePolicyInstance)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetPolicyInstance)
				r.Patch("/", h.UpdatePolicyInstance)
				r.Delete("/", h.DeletePolicyInstance)
			})
		})
	})

	// GET /{name}/sse and POST /{name}/messages
	c.Transport().Mount(r)

	return r
}
