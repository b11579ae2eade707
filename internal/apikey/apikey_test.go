package apikey

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccgw/ccgw/internal/errs"
	"github.com/ccgw/ccgw/internal/model"
	"github.com/ccgw/ccgw/internal/vault"
)

type fakeStore struct {
	byID   map[string]*model.APIKey
	byHash map[string]*model.APIKey
	audits []model.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]*model.APIKey{}, byHash: map[string]*model.APIKey{}}
}

func (f *fakeStore) CreateKey(ctx context.Context, k *model.APIKey) error {
	cp := *k
	f.byID[k.ID] = &cp
	f.byHash[k.KeyHash] = &cp
	return nil
}

func (f *fakeStore) GetKey(ctx context.Context, id string) (*model.APIKey, error) {
	k, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) GetKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	k, ok := f.byHash[hash]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) GetWildcardKey(ctx context.Context) (*model.APIKey, error) {
	for _, k := range f.byID {
		if k.IsWildcard {
			cp := *k
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeStore) ListKeys(ctx context.Context) ([]*model.APIKey, error) {
	var out []*model.APIKey
	for _, k := range f.byID {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateKeySettings(ctx context.Context, id string, enabled bool, allowedEndpoints []string) error {
	k, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	k.Enabled = enabled
	k.AllowedEndpoints = allowedEndpoints
	f.byHash[k.KeyHash] = k
	return nil
}

func (f *fakeStore) DeleteKey(ctx context.Context, id string) error {
	k, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	delete(f.byID, id)
	delete(f.byHash, k.KeyHash)
	return nil
}

func (f *fakeStore) RecordKeyUsage(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	k, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	k.RequestCount++
	k.TotalInputTokens += inputTokens
	k.TotalOutputTokens += outputTokens
	return nil
}

func (f *fakeStore) RecordAudit(ctx context.Context, ev model.AuditEvent) error {
	f.audits = append(f.audits, ev)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	v, err := vault.Load(filepath.Join(t.TempDir(), "master.key"))
	require.NoError(t, err)
	store := newFakeStore()
	return New(store, v), store
}

func TestCreateAndResolveAPIKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	plaintext, key, err := svc.CreateAPIKey(ctx, "ci", "", nil)
	require.NoError(t, err)
	require.True(t, len(plaintext) > len(model.APIKeyPrefix))

	resolved, err := svc.ResolveAPIKey(ctx, plaintext, "anthropic", "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, key.ID, resolved.ID)
}

func TestResolveAPIKeyInvalid(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.ResolveAPIKey(ctx, "sk-ccgw-doesnotexist", "anthropic", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrKeyInvalid)
	require.Len(t, store.audits, 1)
	require.Equal(t, model.AuditAuthFailure, store.audits[0].Operation)
}

func TestResolveAPIKeyMissingFallsBackToWildcard(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	store.byID["wc"] = &model.APIKey{ID: "wc", IsWildcard: true, Enabled: true, CreatedAt: time.Now()}

	resolved, err := svc.ResolveAPIKey(ctx, "", "anthropic", "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, "wc", resolved.ID)
}

func TestResolveAPIKeyMissingNoWildcard(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ResolveAPIKey(context.Background(), "", "anthropic", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrKeyMissing)
}

func TestResolveAPIKeyDisabled(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	plaintext, key, err := svc.CreateAPIKey(ctx, "disabled-key", "", nil)
	require.NoError(t, err)

	enabled := false
	require.NoError(t, svc.UpdateAPIKeySettings(ctx, key.ID, &enabled, nil))

	_, err = svc.ResolveAPIKey(ctx, plaintext, "anthropic", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrKeyDisabled)
}

func TestResolveAPIKeyForbiddenEndpoint(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	plaintext, _, err := svc.CreateAPIKey(ctx, "scoped", "", []string{"anthropic"})
	require.NoError(t, err)

	_, err = svc.ResolveAPIKey(ctx, plaintext, "openai", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrKeyForbidden)
}

func TestUpdateSettingsRefusesACLOnWildcard(t *testing.T) {
	svc, store := newTestService(t)
	store.byID["wc"] = &model.APIKey{ID: "wc", IsWildcard: true, Enabled: true, CreatedAt: time.Now()}

	endpoints := []string{"anthropic"}
	err := svc.UpdateAPIKeySettings(context.Background(), "wc", nil, &endpoints)
	require.ErrorIs(t, err, errs.ErrWildcardProtected)
}

func TestRevealAPIKeyRefusesWildcard(t *testing.T) {
	svc, store := newTestService(t)
	store.byID["wc"] = &model.APIKey{ID: "wc", IsWildcard: true, Enabled: true, CreatedAt: time.Now()}

	_, err := svc.RevealAPIKey(context.Background(), "wc")
	require.ErrorIs(t, err, errs.ErrWildcardProtected)
}

func TestRevealAPIKeyDecryptsCiphertext(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	plaintext, key, err := svc.CreateAPIKey(ctx, "revealed", "", nil)
	require.NoError(t, err)

	revealed, err := svc.RevealAPIKey(ctx, key.ID)
	require.NoError(t, err)
	require.Equal(t, plaintext, revealed)
}

func TestRecordAPIKeyUsage(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, key, err := svc.CreateAPIKey(ctx, "usage", "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.RecordAPIKeyUsage(ctx, key.ID, 10, 20))
	require.EqualValues(t, 10, store.byID[key.ID].TotalInputTokens)
	require.EqualValues(t, 20, store.byID[key.ID].TotalOutputTokens)
}
