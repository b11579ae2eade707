package router

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ccgw/ccgw/internal/config"
	"github.com/ccgw/ccgw/internal/model"
)

func newTestRouter(t *testing.T, cfg config.Config) *Router {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if err := store.Update(cfg); err != nil {
		t.Fatalf("store.Update: %v", err)
	}
	return New(store)
}

func baseConfig() config.Config {
	return config.Config{
		Providers: []model.Provider{
			{ID: "openai", Label: "OpenAI", Type: model.ProviderOpenAI, DefaultModel: "gpt-4o", Models: []model.Model{{ID: "gpt-4o"}}},
			{ID: "anthropic", Label: "Anthropic", Type: model.ProviderAnthropic, DefaultModel: "claude-sonnet", Models: []model.Model{{ID: "claude-sonnet"}}},
		},
	}
}

func TestResolveExplicitOverrideBypassesRoutes(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, baseConfig())

	target, err := r.Resolve(context.Background(), Request{Endpoint: "anthropic", RequestedModel: "openai:gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Provider.ID != "openai" || target.Model != "gpt-4o-mini" {
		t.Fatalf("got %+v, want openai:gpt-4o-mini", target)
	}
}

func TestResolveExactRouteWinsOverWildcard(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.ModelRoutes = map[string]string{
		"claude-*":      "openai:gpt-4o",
		"claude-sonnet": "anthropic:claude-sonnet",
	}
	r := newTestRouter(t, cfg)

	target, err := r.Resolve(context.Background(), Request{Endpoint: "anthropic", RequestedModel: "claude-sonnet"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Provider.ID != "anthropic" {
		t.Fatalf("got provider %q, want anthropic (exact match should beat wildcard)", target.Provider.ID)
	}
}

func TestResolveMoreSpecificWildcardWins(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.ModelRoutes = map[string]string{
		"claude-*":        "openai:gpt-4o",
		"claude-sonnet-*": "anthropic:claude-sonnet",
	}
	r := newTestRouter(t, cfg)

	target, err := r.Resolve(context.Background(), Request{Endpoint: "anthropic", RequestedModel: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Provider.ID != "anthropic" {
		t.Fatalf("got provider %q, want anthropic (longer literal match should win)", target.Provider.ID)
	}
}

func TestResolveWildcardForwardsOriginalModel(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.ModelRoutes = map[string]string{"gpt-*": "openai:*"}
	r := newTestRouter(t, cfg)

	target, err := r.Resolve(context.Background(), Request{Endpoint: "openai", RequestedModel: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Model != "gpt-4o-mini" {
		t.Fatalf("got model %q, want original model id forwarded", target.Model)
	}
}

func TestResolveInvalidMappedTargetFallsThroughToDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.ModelRoutes = map[string]string{"ghost-model": "nonexistent:foo"}
	cfg.EndpointRouting = map[string]model.EndpointRouting{
		"anthropic": {Defaults: model.EndpointDefaults{Completion: "anthropic:claude-sonnet"}},
	}
	r := newTestRouter(t, cfg)

	target, err := r.Resolve(context.Background(), Request{Endpoint: "anthropic", RequestedModel: "ghost-model"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Provider.ID != "anthropic" {
		t.Fatalf("got provider %q, want fallback to defaults.completion", target.Provider.ID)
	}
}

func TestResolveThinkingUsesReasoningDefault(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.EndpointRouting = map[string]model.EndpointRouting{
		"anthropic": {Defaults: model.EndpointDefaults{
			Completion: "openai:gpt-4o",
			Reasoning:  "anthropic:claude-sonnet",
		}},
	}
	r := newTestRouter(t, cfg)

	target, err := r.Resolve(context.Background(), Request{Endpoint: "anthropic", RequestedModel: "unrouted", Thinking: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Provider.ID != "anthropic" {
		t.Fatalf("got provider %q, want reasoning default for thinking=true", target.Provider.ID)
	}
}

func TestResolveLongContextUsesBackgroundDefault(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.EndpointRouting = map[string]model.EndpointRouting{
		"anthropic": {Defaults: model.EndpointDefaults{
			Completion:           "openai:gpt-4o",
			Background:           "anthropic:claude-sonnet",
			LongContextThreshold: 1000,
		}},
	}
	r := newTestRouter(t, cfg)

	target, err := r.Resolve(context.Background(), Request{Endpoint: "anthropic", RequestedModel: "unrouted", TokenEstimate: 5000})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Provider.ID != "anthropic" {
		t.Fatalf("got provider %q, want background default for long-context request", target.Provider.ID)
	}
}

func TestResolveNoMatchWithoutFallback(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	r := newTestRouter(t, cfg)

	_, err := r.Resolve(context.Background(), Request{Endpoint: "anthropic", RequestedModel: "unrouted"})
	if err == nil {
		t.Fatal("expected NoMatch error when no default resolves and fallback is disabled")
	}
}

func TestResolveLastResortFallback(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Settings.EnableRoutingFallback = true
	r := newTestRouter(t, cfg)

	target, err := r.Resolve(context.Background(), Request{Endpoint: "anthropic", RequestedModel: "unrouted"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.Provider.ID != "openai" {
		t.Fatalf("got provider %q, want first provider's default model", target.Provider.ID)
	}
}

func TestResolveNoProviders(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, config.Config{})

	_, err := r.Resolve(context.Background(), Request{Endpoint: "anthropic", RequestedModel: "anything"})
	if err == nil {
		t.Fatal("expected NoProviders error")
	}
}
