package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ccgw/ccgw/internal/errs"
	"github.com/ccgw/ccgw/internal/pipeline"
)

func (s *server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "anthropic", pipeline.ProtocolAnthropic)
}

func (s *server) handleOpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "openai", pipeline.ProtocolOpenAIChat)
}

func (s *server) handleOpenAIResponses(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "openai", pipeline.ProtocolOpenAIResponses)
}

// mountCustomEndpoints wires one route per enabled custom endpoint path from
// the live config, each behind its own authenticate/rateLimit pair keyed on
// the endpoint id so per-endpoint allow-lists and buckets apply.
func (s *server) mountCustomEndpoints(r chi.Router) {
	for _, ep := range s.deps.Config.Get().CustomEndpoints {
		if !ep.Enabled {
			continue
		}
		ep := ep
		for _, p := range ep.Paths {
			p := p
			r.Group(func(r chi.Router) {
				r.Use(s.bodyLimit)
				r.Use(s.authenticate(ep.ID))
				r.Use(s.rateLimit)
				r.Post(p.Path, func(w http.ResponseWriter, req *http.Request) {
					s.proxy(w, req, ep.ID, p.Protocol)
				})
			})
		}
	}
}

// proxy extracts the caller's credential and body, runs the gateway
// pipeline, and owns the optional non-streaming response cache: a hit
// answers directly, a miss runs the pipeline through a capturing writer so
// a cacheable 200 gets stored afterward.
func (s *server) proxy(w http.ResponseWriter, r *http.Request, endpoint, protocol string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody(errs.KindPayloadTooLarge, "request body exceeds the configured limit"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody(errs.KindInvalidRequest, "failed to read request body"))
		return
	}

	key := apiKeyFromContext(r.Context())
	keyID := ""
	if key != nil {
		keyID = key.ID
	}

	cacheable := s.deps.Cache != nil && isCacheable(body)
	var key2 string
	if cacheable {
		key2 = cacheKey(keyID, endpoint, body)
		if cached, ok := s.cacheLookup(r.Context(), key2); ok {
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}
	}

	in := pipeline.InboundRequest{
		Body:      body,
		Endpoint:  endpoint,
		Protocol:  protocol,
		APIKey:    credential(r),
		IPAddress: clientIP(r),
		SessionID: r.Header.Get("X-Session-Id"),
	}

	if !cacheable {
		s.deps.Pipeline.Run(r.Context(), w, in)
		return
	}

	rc := &responseCapture{ResponseWriter: w}
	s.deps.Pipeline.Run(r.Context(), rc, in)
	s.cacheStore(r.Context(), key2, rc)
}
