package httpapi

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccgw/ccgw/internal/apikey"
	"github.com/ccgw/ccgw/internal/errs"
	"github.com/ccgw/ccgw/internal/model"
	"github.com/ccgw/ccgw/internal/storage/sqlite"
	"github.com/ccgw/ccgw/internal/vault"
)

// fakeKeyStore is a minimal in-memory apikey.Store for middleware/admin
// tests that need a real *apikey.Service without a sqlite database.
type fakeKeyStore struct {
	mu     sync.Mutex
	byID   map[string]*model.APIKey
	byHash map[string]*model.APIKey
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{byID: map[string]*model.APIKey{}, byHash: map[string]*model.APIKey{}}
}

func (f *fakeKeyStore) CreateKey(ctx context.Context, k *model.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *k
	f.byID[k.ID] = &cp
	f.byHash[k.KeyHash] = &cp
	return nil
}

func (f *fakeKeyStore) GetKey(ctx context.Context, id string) (*model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeKeyStore) GetKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byHash[hash]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeKeyStore) GetWildcardKey(ctx context.Context) (*model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.byID {
		if k.IsWildcard {
			cp := *k
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeKeyStore) ListKeys(ctx context.Context) ([]*model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.APIKey
	for _, k := range f.byID {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeKeyStore) UpdateKeySettings(ctx context.Context, id string, enabled bool, allowedEndpoints []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	k.Enabled = enabled
	k.AllowedEndpoints = allowedEndpoints
	return nil
}

func (f *fakeKeyStore) DeleteKey(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	delete(f.byID, id)
	delete(f.byHash, k.KeyHash)
	return nil
}

func (f *fakeKeyStore) RecordKeyUsage(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	k.RequestCount++
	k.TotalInputTokens += inputTokens
	k.TotalOutputTokens += outputTokens
	return nil
}

func (f *fakeKeyStore) RecordAudit(ctx context.Context, ev model.AuditEvent) error {
	return nil
}

// newTestKeyService builds a real *apikey.Service backed by fakeKeyStore and
// a throwaway vault, for tests exercising authenticate/rateLimit/admin key
// handlers without a sqlite database.
func newTestKeyService(t *testing.T) (*apikey.Service, *fakeKeyStore) {
	t.Helper()
	v, err := vault.Load(filepath.Join(t.TempDir(), "master.key"))
	require.NoError(t, err)
	store := newFakeKeyStore()
	return apikey.New(store, v), store
}

// fakeCache is a minimal in-memory cache.Cache for tests that don't need the
// real LRU implementation.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}}
}

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok
}

func (f *fakeCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = val
}

func (f *fakeCache) Delete(ctx context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
}

func (f *fakeCache) Purge(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = map[string][]byte{}
}

// fakeAdminStore is a minimal in-memory AdminStore for admin-endpoint tests.
type fakeAdminStore struct {
	mu       sync.Mutex
	logs     map[string]*model.RequestLog
	payloads map[string][2][]byte
	metrics  []model.DailyMetric
	keys     []*model.APIKey
	events   []sqlite.Event
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{
		logs:     map[string]*model.RequestLog{},
		payloads: map[string][2][]byte{},
	}
}

func (f *fakeAdminStore) GetRequestLog(ctx context.Context, id string) (*model.RequestLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return l, nil
}

func (f *fakeAdminStore) ListRequestLogs(ctx context.Context, apiKeyID string, limit, offset int) ([]*model.RequestLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.RequestLog
	for _, l := range f.logs {
		if apiKeyID != "" && l.APIKeyID != apiKeyID {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeAdminStore) DeleteRequestLogsOlderThan(ctx context.Context, cutoff string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, l := range f.logs {
		if l.Timestamp.UTC().Format(time.RFC3339) < cutoff {
			delete(f.logs, id)
			delete(f.payloads, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeAdminStore) ClearRequestLogs(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = map[string]*model.RequestLog{}
	f.payloads = map[string][2][]byte{}
	return nil
}

func (f *fakeAdminStore) GetRequestPayload(ctx context.Context, requestID string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[requestID]
	if !ok {
		return nil, nil, errs.ErrNotFound
	}
	return p[0], p[1], nil
}

func (f *fakeAdminStore) ListDailyMetrics(ctx context.Context, from, to string) ([]model.DailyMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DailyMetric
	for _, m := range f.metrics {
		if m.Date < from || m.Date > to {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeAdminStore) ListKeys(ctx context.Context) ([]*model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys, nil
}

func (f *fakeAdminStore) RecordEvent(ctx context.Context, kind, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sqlite.Event{Kind: kind, Payload: payload, CreatedAt: time.Now()})
	return nil
}

func (f *fakeAdminStore) ListEvents(ctx context.Context, limit int) ([]sqlite.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.events) {
		limit = len(f.events)
	}
	return f.events[:limit], nil
}
