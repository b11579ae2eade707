package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type server struct {
	deps Deps
}

// New builds the full HTTP handler: system endpoints, the public model
// proxy endpoints (one route group per configured endpoint id, each behind
// its own authenticate+rateLimit pair so allowed-endpoint checks and rate
// buckets stay per-endpoint), and the JSON management API.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(securityHeaders)
	r.Use(recovery)
	r.Use(requestID)
	r.Use(logging)
	r.Use(s.metrics)
	r.Use(s.tracing)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.bodyLimit)
		r.Use(s.authenticate("anthropic"))
		r.Use(s.rateLimit)
		r.Post("/anthropic/v1/messages", s.handleAnthropicMessages)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.bodyLimit)
		r.Use(s.authenticate("openai"))
		r.Use(s.rateLimit)
		r.Post("/openai/v1/chat/completions", s.handleOpenAIChatCompletions)
		r.Post("/openai/v1/responses", s.handleOpenAIResponses)
	})

	s.mountCustomEndpoints(r)

	r.Route("/api", func(r chi.Router) {
		s.mountAdmin(r)
	})

	return r
}
