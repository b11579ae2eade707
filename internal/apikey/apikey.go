// Package apikey implements API key creation, resolution/authorization,
// usage accounting, and the audit trail. Grounded on internal/auth/apikey.go
// (the cached hash-lookup pattern, otter-backed with sync.Map-based
// invalidation-by-ID), generalized to wildcard-key semantics and an
// allowedEndpoints ACL that the source key model has no equivalent for.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	"github.com/ccgw/ccgw/internal/errs"
	"github.com/ccgw/ccgw/internal/model"
	"github.com/ccgw/ccgw/internal/vault"
)

const (
	cacheTTL    = 30 * time.Second
	cacheMaxLen = 10_000
)

// Store is the persistence surface the service needs, satisfied by
// internal/storage/sqlite.Store.
type Store interface {
	CreateKey(ctx context.Context, k *model.APIKey) error
	GetKey(ctx context.Context, id string) (*model.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	GetWildcardKey(ctx context.Context) (*model.APIKey, error)
	ListKeys(ctx context.Context) ([]*model.APIKey, error)
	UpdateKeySettings(ctx context.Context, id string, enabled bool, allowedEndpoints []string) error
	DeleteKey(ctx context.Context, id string) error
	RecordKeyUsage(ctx context.Context, id string, inputTokens, outputTokens int64) error
	RecordAudit(ctx context.Context, ev model.AuditEvent) error
}

// Service implements key creation, resolution, and usage accounting.
type Service struct {
	store       Store
	vault       *vault.Vault
	cache       *otter.Cache[string, *model.APIKey]
	keyIDToHash sync.Map // keyID -> hash, for cache invalidation by id
}

// New returns a Service backed by store and vault.
func New(store Store, v *vault.Vault) *Service {
	cache := otter.Must(&otter.Options[string, *model.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *model.APIKey](cacheTTL),
	})
	return &Service{store: store, vault: v, cache: cache}
}

// hashKey returns the hex-encoded SHA-256 of a plaintext key.
func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// EnsureWildcardKey returns the existing wildcard key's plaintext status,
// or creates one if none exists yet. Called once at startup so a fresh
// install always has one enabled wildcard row; created is false when an
// existing wildcard key was found (plaintext is then empty, since a stored
// key's plaintext is never recoverable outside RevealAPIKey, which refuses
// wildcard keys).
func (s *Service) EnsureWildcardKey(ctx context.Context) (plaintext string, created bool, err error) {
	if _, err := s.store.GetWildcardKey(ctx); err == nil {
		return "", false, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return "", false, err
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", false, fmt.Errorf("apikey: generate random bytes: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	plaintext = model.APIKeyPrefix + secret

	ciphertext, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return "", false, fmt.Errorf("apikey: encrypt: %w", err)
	}

	k := &model.APIKey{
		ID:            uuid.NewString(),
		Name:          "wildcard",
		KeyHash:       hashKey(plaintext),
		KeyCiphertext: ciphertext,
		KeyPrefix:     model.APIKeyPrefix,
		KeySuffix:     lastChars(secret, 4),
		IsWildcard:    true,
		Enabled:       true,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateKey(ctx, k); err != nil {
		return "", false, fmt.Errorf("apikey: create wildcard key: %w", err)
	}

	details, _ := json.Marshal(map[string]any{"name": k.Name})
	_ = s.store.RecordAudit(ctx, model.AuditEvent{
		APIKeyID: k.ID, APIKeyName: k.Name, Operation: model.AuditCreate,
		Details: string(details), CreatedAt: time.Now(),
	})
	return plaintext, true, nil
}

// CreateAPIKey generates a new plaintext key, persists its hash and
// encrypted ciphertext, and returns the plaintext (shown to the operator
// exactly once) alongside the stored record.
func (s *Service) CreateAPIKey(ctx context.Context, name, description string, allowedEndpoints []string) (plaintext string, key *model.APIKey, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("apikey: generate random bytes: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	plaintext = model.APIKeyPrefix + secret

	ciphertext, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("apikey: encrypt: %w", err)
	}

	k := &model.APIKey{
		ID:               uuid.NewString(),
		Name:             name,
		Description:      description,
		KeyHash:          hashKey(plaintext),
		KeyCiphertext:    ciphertext,
		KeyPrefix:        model.APIKeyPrefix,
		KeySuffix:        lastChars(secret, 4),
		Enabled:          true,
		CreatedAt:        time.Now(),
		AllowedEndpoints: allowedEndpoints,
	}
	if err := s.store.CreateKey(ctx, k); err != nil {
		return "", nil, fmt.Errorf("apikey: create: %w", err)
	}

	details, _ := json.Marshal(map[string]any{"name": name})
	_ = s.store.RecordAudit(ctx, model.AuditEvent{
		APIKeyID: k.ID, APIKeyName: k.Name, Operation: model.AuditCreate,
		Details: string(details), CreatedAt: time.Now(),
	})
	return plaintext, k, nil
}

// ResolveAPIKey authenticates an inbound caller credential, per the
// resolveApiKey algorithm: empty credentials fall back to an enabled
// wildcard key; a hash match is checked against the endpoint ACL; an
// unmatched credential also falls back to the wildcard key.
func (s *Service) ResolveAPIKey(ctx context.Context, provided, endpointID, ipAddress string) (*model.APIKey, error) {
	if provided == "" {
		key, err := s.store.GetWildcardKey(ctx)
		if err != nil || !key.Enabled {
			s.auditFailure(ctx, "", endpointID, ipAddress)
			return nil, errs.ErrKeyMissing
		}
		return key, nil
	}

	hash := hashKey(provided)

	if key, ok := s.cache.GetIfPresent(hash); ok {
		return s.authorize(ctx, key, hash, endpointID, ipAddress)
	}

	key, err := s.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return s.resolveAsWildcard(ctx, hash, endpointID, ipAddress)
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		s.auditFailure(ctx, hash, endpointID, ipAddress)
		return nil, errs.ErrKeyInvalid
	}

	s.cache.Set(hash, key)
	s.keyIDToHash.Store(key.ID, hash)
	return s.authorize(ctx, key, hash, endpointID, ipAddress)
}

func (s *Service) resolveAsWildcard(ctx context.Context, hash, endpointID, ipAddress string) (*model.APIKey, error) {
	wc, err := s.store.GetWildcardKey(ctx)
	if err != nil || !wc.Enabled {
		s.auditFailure(ctx, hash, endpointID, ipAddress)
		return nil, errs.ErrKeyInvalid
	}
	return wc, nil
}

func (s *Service) authorize(ctx context.Context, key *model.APIKey, hash, endpointID, ipAddress string) (*model.APIKey, error) {
	if !key.Enabled {
		s.auditFailure(ctx, hash, endpointID, ipAddress)
		return nil, errs.ErrKeyDisabled
	}
	if !key.AllowsEndpoint(endpointID) {
		s.auditFailure(ctx, hash, endpointID, ipAddress)
		return nil, errs.ErrKeyForbidden
	}
	return key, nil
}

// auditFailure writes an auth_failure row carrying only the first 16 hex
// characters of the hash, per the audit-redaction rule -- the plaintext
// credential itself is never logged.
func (s *Service) auditFailure(ctx context.Context, hash, endpointID, ipAddress string) {
	details, _ := json.Marshal(map[string]any{
		"hashPrefix": firstChars(hash, 16),
		"endpoint":   endpointID,
	})
	_ = s.store.RecordAudit(context.WithoutCancel(ctx), model.AuditEvent{
		Operation: model.AuditAuthFailure, Details: string(details), IPAddress: ipAddress, CreatedAt: time.Now(),
	})
}

// UpdateAPIKeySettings changes the enabled flag and/or endpoint ACL,
// refusing ACL changes on the wildcard key, and writes one audit row per
// semantic change.
func (s *Service) UpdateAPIKeySettings(ctx context.Context, id string, enabled *bool, allowedEndpoints *[]string) error {
	key, err := s.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	if allowedEndpoints != nil && key.IsWildcard {
		return errs.ErrWildcardProtected
	}

	newEnabled := key.Enabled
	if enabled != nil {
		newEnabled = *enabled
	}
	newEndpoints := key.AllowedEndpoints
	if allowedEndpoints != nil {
		newEndpoints = *allowedEndpoints
	}

	if err := s.store.UpdateKeySettings(ctx, id, newEnabled, newEndpoints); err != nil {
		return err
	}
	s.invalidate(id)

	if enabled != nil && *enabled != key.Enabled {
		op := model.AuditDisable
		if *enabled {
			op = model.AuditEnable
		}
		_ = s.store.RecordAudit(ctx, model.AuditEvent{APIKeyID: id, APIKeyName: key.Name, Operation: op, CreatedAt: time.Now()})
	}
	if allowedEndpoints != nil {
		_ = s.store.RecordAudit(ctx, model.AuditEvent{APIKeyID: id, APIKeyName: key.Name, Operation: model.AuditUpdateEndpoints, CreatedAt: time.Now()})
	}
	return nil
}

// DeleteAPIKey removes a key. Callers must refuse deletion of the wildcard
// key before calling this (the wildcard-cannot-be-deleted invariant is
// enforced by the caller so the audit row can name it unambiguously).
func (s *Service) DeleteAPIKey(ctx context.Context, id string) error {
	key, err := s.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	s.invalidate(id)
	_ = s.store.RecordAudit(ctx, model.AuditEvent{APIKeyID: id, APIKeyName: key.Name, Operation: model.AuditDelete, CreatedAt: time.Now()})
	return nil
}

// RevealAPIKey decrypts and returns the plaintext key. Wildcard keys refuse
// reveal since they're a shared bootstrap credential, not one tied to an
// identifiable caller.
func (s *Service) RevealAPIKey(ctx context.Context, id string) (string, error) {
	key, err := s.store.GetKey(ctx, id)
	if err != nil {
		return "", err
	}
	if key.IsWildcard {
		return "", errs.ErrWildcardProtected
	}
	plaintext := s.vault.Decrypt(key.KeyCiphertext)
	if plaintext == "" {
		return "", errs.New(errs.KindInternalError, "stored key ciphertext could not be decrypted")
	}
	return plaintext, nil
}

// RecordAPIKeyUsage bumps request/token counters and last_used_at.
func (s *Service) RecordAPIKeyUsage(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	return s.store.RecordKeyUsage(ctx, id, inputTokens, outputTokens)
}

// ListAPIKeys returns every configured key.
func (s *Service) ListAPIKeys(ctx context.Context) ([]*model.APIKey, error) {
	return s.store.ListKeys(ctx)
}

func (s *Service) invalidate(keyID string) {
	if hash, ok := s.keyIDToHash.LoadAndDelete(keyID); ok {
		s.cache.Invalidate(hash.(string))
	}
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
