// Package router resolves a normalized request to a concrete (provider,
// model) target via explicit overrides, wildcard model-route matching, and
// endpoint default fallbacks. Grounded on internal/app/router.go's
// RouterService (cache shape, priority handling), generalized to the
// glob-route matching and default-tier algorithm a simple alias-lookup
// router doesn't need.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/ccgw/ccgw/internal/config"
	"github.com/ccgw/ccgw/internal/errs"
	"github.com/ccgw/ccgw/internal/model"
)

// resolveCacheTTL is short enough to pick up config changes quickly, long
// enough to remove the glob-matching cost from the hot path.
const resolveCacheTTL = 10 * time.Second

// Target is the resolved (provider, model) pair a request should be sent
// to, plus the token estimate computed along the way for the log record.
type Target struct {
	Provider      model.Provider
	Model         string
	TokenEstimate int
}

// Request is the subset of an inbound call the resolution algorithm needs.
type Request struct {
	Endpoint       string
	RequestedModel string
	Thinking       bool
	TokenEstimate  int
}

// Router resolves requests against the live config snapshot.
type Router struct {
	store *config.Store
	cache *otter.Cache[string, Target]
}

// New returns a Router reading from store.
func New(store *config.Store) *Router {
	cache := otter.Must(&otter.Options[string, Target]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, Target](resolveCacheTTL),
	})
	return &Router{store: store, cache: cache}
}

// Resolve implements the six-step target-resolution algorithm.
func (r *Router) Resolve(ctx context.Context, req Request) (Target, error) {
	cacheKey := fmt.Sprintf("%s|%s|%t|%d", req.Endpoint, req.RequestedModel, req.Thinking, bucketTokens(req.TokenEstimate))
	if cached, ok := r.cache.GetIfPresent(cacheKey); ok {
		cached.TokenEstimate = req.TokenEstimate
		return cached, nil
	}

	cfg := r.store.Get()
	if len(cfg.Providers) == 0 {
		return Target{}, errs.ErrNoProviders
	}

	if t, ok := explicitOverride(cfg, req.RequestedModel); ok {
		t.TokenEstimate = req.TokenEstimate
		r.cache.Set(cacheKey, t)
		return t, nil
	}

	routing := cfg.RoutingFor(req.Endpoint)

	if mapped, ok := matchRoute(routing.ModelRoutes, req.RequestedModel); ok {
		if t, ok := resolveMappedTarget(cfg, mapped, req.RequestedModel); ok {
			t.TokenEstimate = req.TokenEstimate
			r.cache.Set(cacheKey, t)
			return t, nil
		}
		// Falls through to defaults per step 4: an invalid mapped target is
		// not an error.
	}

	defaultSpec := selectDefault(routing.Defaults, req)
	if t, ok := resolveDefaultTarget(cfg, defaultSpec); ok {
		t.TokenEstimate = req.TokenEstimate
		r.cache.Set(cacheKey, t)
		return t, nil
	}

	if cfg.Settings.EnableRoutingFallback {
		if t, ok := firstProviderFallback(cfg); ok {
			t.TokenEstimate = req.TokenEstimate
			r.cache.Set(cacheKey, t)
			return t, nil
		}
	}

	return Target{}, errs.ErrNoMatch
}

// bucketTokens keeps the cache key's cardinality bounded: the cache key only
// needs to distinguish "short" from "long-context" requests, not every
// exact token count.
func bucketTokens(n int) int {
	if n <= 0 {
		return 0
	}
	return (n / 1000) * 1000
}

// explicitOverride implements step 2: "providerId:modelId" in the request
// bypasses routing entirely.
func explicitOverride(cfg config.Config, requestedModel string) (Target, bool) {
	providerID, modelID, ok := strings.Cut(requestedModel, ":")
	if !ok || strings.Contains(modelID, ":") {
		return Target{}, false
	}
	p, ok := cfg.ProviderByID(providerID)
	if !ok {
		return Target{}, false
	}
	return Target{Provider: p, Model: modelID}, true
}

// resolveMappedTarget parses "providerId[:modelId|*]" from a matched route
// value and validates the provider exists, per step 4.
func resolveMappedTarget(cfg config.Config, mapped, requestedModel string) (Target, bool) {
	providerID, modelID, hasModel := strings.Cut(mapped, ":")
	p, ok := cfg.ProviderByID(providerID)
	if !ok {
		return Target{}, false
	}
	if !hasModel || modelID == "*" {
		return Target{Provider: p, Model: requestedModel}, true
	}
	return Target{Provider: p, Model: modelID}, true
}

// selectDefault implements step 5's three-tier precedence.
func selectDefault(d model.EndpointDefaults, req Request) string {
	switch {
	case req.Thinking:
		return d.Reasoning
	case d.LongContextThreshold > 0 && req.TokenEstimate > d.LongContextThreshold:
		return d.Background
	default:
		return d.Completion
	}
}

func resolveDefaultTarget(cfg config.Config, spec string) (Target, bool) {
	if spec == "" {
		return Target{}, false
	}
	providerID, modelID, ok := strings.Cut(spec, ":")
	if !ok {
		return Target{}, false
	}
	p, ok := cfg.ProviderByID(providerID)
	if !ok {
		return Target{}, false
	}
	return Target{Provider: p, Model: modelID}, true
}

// firstProviderFallback implements step 6: the first provider's default
// model, or its first configured model.
func firstProviderFallback(cfg config.Config) (Target, bool) {
	if len(cfg.Providers) == 0 {
		return Target{}, false
	}
	p := cfg.Providers[0]
	if p.DefaultModel != "" {
		return Target{Provider: p, Model: p.DefaultModel}, true
	}
	if len(p.Models) > 0 {
		return Target{Provider: p, Model: p.Models[0].ID}, true
	}
	return Target{}, false
}
