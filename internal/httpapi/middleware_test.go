package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccgw/ccgw/internal/config"
	"github.com/ccgw/ccgw/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	securityHeaders(okHandler()).ServeHTTP(rec, req)

	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	require.NotPanics(t, func() {
		recovery(panicking).ServeHTTP(rec, req)
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromContext(r.Context())
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	requestID(next).ServeHTTP(rec, req)

	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get(requestIDHeader))
}

func TestRequestID_AcceptsValidCallerID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromContext(r.Context())
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "caller-supplied-id-1")

	requestID(next).ServeHTTP(rec, req)

	require.Equal(t, "caller-supplied-id-1", seen)
}

func TestRequestID_RejectsInvalidCharacters(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromContext(r.Context())
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "bad id with spaces")

	requestID(next).ServeHTTP(rec, req)

	require.NotEqual(t, "bad id with spaces", seen)
}

func TestCredential_PrefersAPIKeyHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-api-key", "from-header")
	req.Header.Set("Authorization", "Bearer from-bearer")

	require.Equal(t, "from-header", credential(req))
}

func TestCredential_FallsBackToBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer from-bearer")

	require.Equal(t, "from-bearer", credential(req))
}

func TestCredential_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Empty(t, credential(req))
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	req.RemoteAddr = "192.168.1.1:5000"

	require.Equal(t, "10.0.0.1", clientIP(req))
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:5000"

	require.Equal(t, "192.168.1.1", clientIP(req))
}

func TestBodyLimit_PassesRequestToNext(t *testing.T) {
	cfgStore, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	s := &server{deps: Deps{Config: cfgStore}}

	var bodyBefore *http.Request
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { bodyBefore = r })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)

	s.bodyLimit(next).ServeHTTP(rec, req)
	require.NotNil(t, bodyBefore)
}

func TestAuthenticate_MissingKeyRejected(t *testing.T) {
	keys, _ := newTestKeyService(t)
	s := &server{deps: Deps{Keys: keys}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", nil)

	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	s.authenticate("anthropic")(next).ServeHTTP(rec, req)

	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_ValidKeyPassesThrough(t *testing.T) {
	keys, _ := newTestKeyService(t)
	plaintext, _, err := keys.CreateAPIKey(t.Context(), "ci", "", nil)
	require.NoError(t, err)

	s := &server{deps: Deps{Keys: keys}}

	var resolvedID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolvedID = apiKeyFromContext(r.Context()).ID
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", nil)
	req.Header.Set("x-api-key", plaintext)

	s.authenticate("anthropic")(next).ServeHTTP(rec, req)

	require.NotEmpty(t, resolvedID)
}

func TestRateLimit_RejectsOverBudget(t *testing.T) {
	keys, _ := newTestKeyService(t)
	plaintext, key, err := keys.CreateAPIKey(t.Context(), "ci", "", nil)
	require.NoError(t, err)

	cfgStore, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	next := cfgStore.Get()
	next.Settings.DefaultRPM = 1
	require.NoError(t, cfgStore.Update(next))

	s := &server{deps: Deps{Keys: keys, Config: cfgStore, RateLimiter: ratelimit.NewRegistry()}}

	mkReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", nil)
		req.Header.Set("x-api-key", plaintext)
		ctx := context.WithValue(req.Context(), ctxKeyAPIKey, key)
		return req.WithContext(ctx)
	}

	var hits int
	handler := s.rateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, mkReq())
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, mkReq())
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	require.Equal(t, 1, hits)
}
