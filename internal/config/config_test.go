package config

import (
	"path/filepath"
	"testing"

	"github.com/ccgw/ccgw/internal/model"
)

func TestLoad_CreatesTemplateOnFirstBoot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg := s.Get()
	if cfg.Settings.Port != 8787 {
		t.Errorf("default port = %d, want 8787", cfg.Settings.Port)
	}
	if cfg.Settings.LogRetentionDays != 30 {
		t.Errorf("default retention = %d, want 30", cfg.Settings.LogRetentionDays)
	}
	if len(cfg.Providers) != 0 {
		t.Errorf("default providers = %d, want 0", len(cfg.Providers))
	}

	s2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s2.Get().Settings.Port != cfg.Settings.Port {
		t.Error("reloading the written template should round-trip the same settings")
	}
}

func TestStore_UpdateValidatesAndPersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	next := s.Get()
	next.Providers = append(next.Providers, model.Provider{ID: "openai", Type: model.ProviderOpenAI})
	if err := s.Update(next); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Get().Providers) != 1 {
		t.Fatalf("providers after reload = %d, want 1", len(reloaded.Get().Providers))
	}
}

func TestStore_UpdateRejectsDuplicateProviderID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	next := s.Get()
	next.Providers = []model.Provider{
		{ID: "dup", Type: model.ProviderOpenAI},
		{ID: "dup", Type: model.ProviderAnthropic},
	}
	if err := s.Update(next); err == nil {
		t.Fatal("expected an error for a duplicate provider id")
	}
}

func TestStore_UpdateRejectsUnknownDefaultModel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	next := s.Get()
	next.Providers = []model.Provider{{
		ID:           "openai",
		Type:         model.ProviderOpenAI,
		DefaultModel: "gpt-4o",
		Models:       []model.Model{{ID: "gpt-4o-mini"}},
	}}
	if err := s.Update(next); err == nil {
		t.Fatal("expected an error when defaultModel is not in the model list")
	}
}

func TestConfig_RoutingFor(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		ModelRoutes: map[string]string{"claude-*": "kimi:*"},
		EndpointRouting: map[string]model.EndpointRouting{
			"anthropic": {ModelRoutes: map[string]string{"claude-3-opus": "anthropic:claude-3-opus"}},
		},
	}

	r := cfg.RoutingFor("anthropic")
	if r.ModelRoutes["claude-3-opus"] != "anthropic:claude-3-opus" {
		t.Error("expected the endpoint-scoped route table to be authoritative")
	}

	r = cfg.RoutingFor("openai")
	if r.ModelRoutes["claude-*"] != "kimi:*" {
		t.Error("expected the flat route map to apply when no endpoint-scoped entry exists")
	}
}

func TestConfig_StoresRequestResponsePayloads_Precedence(t *testing.T) {
	t.Parallel()

	falseVal := false
	trueVal := true

	cfg := &Config{Settings: GlobalSettings{StorePayloads: &trueVal}}
	if !cfg.StoresRequestPayloads() || !cfg.StoresResponsePayloads() {
		t.Error("expected the legacy flag to apply when no split flag is set")
	}

	cfg.Settings.StoreRequestPayloads = &falseVal
	if cfg.StoresRequestPayloads() {
		t.Error("expected the split flag to take precedence over the legacy flag")
	}
	if !cfg.StoresResponsePayloads() {
		t.Error("response side should still fall back to the legacy flag")
	}
}

func TestConfig_ProviderByID(t *testing.T) {
	t.Parallel()

	cfg := &Config{Providers: []model.Provider{{ID: "openai"}, {ID: "anthropic"}}}

	if _, ok := cfg.ProviderByID("anthropic"); !ok {
		t.Error("expected to find the anthropic provider")
	}
	if _, ok := cfg.ProviderByID("missing"); ok {
		t.Error("expected no match for an unknown provider id")
	}
}
