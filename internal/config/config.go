// Package config implements the gateway's JSON configuration document:
// load-on-boot, validate, and crash-safe atomic replace on update.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ccgw/ccgw/internal/model"
)

// GlobalSettings holds gateway-wide knobs that sit alongside providers and
// endpoints in config.json.
type GlobalSettings struct {
	Port                  int    `json:"port"`
	Host                  string `json:"host"`
	BodyLimitBytes        int64  `json:"bodyLimit"`
	LogRetentionDays      int    `json:"logRetentionDays"`
	StorePayloads         *bool  `json:"storePayloads,omitempty"`         // legacy flag
	StoreRequestPayloads  *bool  `json:"storeRequestPayloads,omitempty"`
	StoreResponsePayloads *bool  `json:"storeResponsePayloads,omitempty"`
	EnableRoutingFallback bool   `json:"enableRoutingFallback"`
	// DefaultRPM is the per-API-key requests-per-minute limit applied to
	// every resolved key (keys carry no per-key override). DefaultTPM is
	// handed to the limiter alongside it, but no request path consumes from
	// the TPM bucket. 0 means unlimited.
	DefaultRPM int64 `json:"defaultRpm,omitempty"`
	DefaultTPM int64 `json:"defaultTpm,omitempty"`
}

// Config is the full persisted configuration document.
type Config struct {
	Settings        GlobalSettings                   `json:"settings"`
	Providers       []model.Provider                 `json:"providers"`
	EndpointRouting map[string]model.EndpointRouting  `json:"endpointRouting,omitempty"`
	// ModelRoutes is the legacy flat route map. When
	// endpointRouting[endpoint].modelRoutes exists it is authoritative and
	// this flat map is ignored for that endpoint.
	ModelRoutes     map[string]string                 `json:"modelRoutes,omitempty"`
	CustomEndpoints []model.CustomEndpoint            `json:"customEndpoints,omitempty"`
}

// RoutingFor resolves the effective EndpointRouting for endpointID, applying
// the legacy-flat-map-fallback rule.
func (c *Config) RoutingFor(endpointID string) model.EndpointRouting {
	if r, ok := c.EndpointRouting[endpointID]; ok && r.ModelRoutes != nil {
		return r
	}
	if r, ok := c.EndpointRouting[endpointID]; ok {
		// endpoint-scoped defaults exist but no endpoint-scoped routes: fall
		// back to the flat map for routes only, keep the scoped defaults.
		r.ModelRoutes = c.ModelRoutes
		return r
	}
	return model.EndpointRouting{ModelRoutes: c.ModelRoutes}
}

// StoresRequestPayloads resolves the split-flag-over-legacy-flag precedence.
func (c *Config) StoresRequestPayloads() bool {
	if c.Settings.StoreRequestPayloads != nil {
		return *c.Settings.StoreRequestPayloads
	}
	if c.Settings.StorePayloads != nil {
		return *c.Settings.StorePayloads
	}
	return false
}

// StoresResponsePayloads mirrors StoresRequestPayloads for the response side.
func (c *Config) StoresResponsePayloads() bool {
	if c.Settings.StoreResponsePayloads != nil {
		return *c.Settings.StoreResponsePayloads
	}
	if c.Settings.StorePayloads != nil {
		return *c.Settings.StorePayloads
	}
	return false
}

// ProviderByID returns the provider with the given id, or false.
func (c *Config) ProviderByID(id string) (model.Provider, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return model.Provider{}, false
}

func defaultConfig() Config {
	return Config{
		Settings: GlobalSettings{
			Port:             8787,
			Host:             "127.0.0.1",
			BodyLimitBytes:   10 << 20,
			LogRetentionDays: 30,
		},
		Providers:       []model.Provider{},
		EndpointRouting: map[string]model.EndpointRouting{},
	}
}

// Store wraps the current Config behind a read lock and serializes writers
// through a single mutex, so readers always observe a consistent document
// even while a write is being prepared.
type Store struct {
	path    string
	mu      sync.RWMutex // guards cur
	cur     Config
	writeMu sync.Mutex // serializes Update callers
}

// Load reads path, creating a default template on first boot if missing.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := defaultConfig()
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o700); mkErr != nil {
			return nil, fmt.Errorf("config: create directory: %w", mkErr)
		}
		s.cur = cfg
		if writeErr := s.writeFile(cfg); writeErr != nil {
			return nil, fmt.Errorf("config: write template: %w", writeErr)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	s.cur = cfg
	return s, nil
}

// Path returns the filesystem path this store persists to, for the
// management API's config/info endpoint.
func (s *Store) Path() string {
	return s.path
}

// Get returns a snapshot copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update validates next, writes it atomically, and installs it as current.
func (s *Store) Update(next Config) error {
	if err := validate(&next); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.writeFile(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}

// writeFile marshals cfg and atomically replaces the config file: write to
// a temp file in the same directory, fsync, then rename over the original.
// The rename is atomic on POSIX filesystems, so concurrent readers never
// observe a partially written file.
func (s *Store) writeFile(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	return nil
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.DefaultModel != "" && len(p.Models) > 0 {
			found := false
			for _, m := range p.Models {
				if m.ID == p.DefaultModel {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("provider %q: defaultModel %q not in model list", p.ID, p.DefaultModel)
			}
		}
	}
	return nil
}
