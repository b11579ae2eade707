// Package httpapi implements the public model-proxy endpoints and the JSON
// management API, wired together behind a chi-based middleware chain
// (security headers, panic recovery, request ids, structured logging,
// metrics, tracing, then per-group auth/rate-limit).
package httpapi

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ccgw/ccgw/internal/apikey"
	"github.com/ccgw/ccgw/internal/cache"
	"github.com/ccgw/ccgw/internal/circuitbreaker"
	"github.com/ccgw/ccgw/internal/config"
	"github.com/ccgw/ccgw/internal/model"
	"github.com/ccgw/ccgw/internal/pipeline"
	"github.com/ccgw/ccgw/internal/ratelimit"
	"github.com/ccgw/ccgw/internal/storage/sqlite"
	"github.com/ccgw/ccgw/internal/telemetry"
	"github.com/ccgw/ccgw/internal/vault"
)

// AdminStore is the subset of internal/storage/sqlite.Store the management
// API reads and writes directly (everything API-key shaped goes through
// apikey.Service instead, so its audit trail stays authoritative).
type AdminStore interface {
	GetRequestLog(ctx context.Context, id string) (*model.RequestLog, error)
	ListRequestLogs(ctx context.Context, apiKeyID string, limit, offset int) ([]*model.RequestLog, error)
	DeleteRequestLogsOlderThan(ctx context.Context, cutoff string) (int64, error)
	ClearRequestLogs(ctx context.Context) error
	GetRequestPayload(ctx context.Context, requestID string) (prompt, response []byte, err error)
	ListDailyMetrics(ctx context.Context, from, to string) ([]model.DailyMetric, error)
	ListKeys(ctx context.Context) ([]*model.APIKey, error)
	RecordEvent(ctx context.Context, kind, payload string) error
	ListEvents(ctx context.Context, limit int) ([]sqlite.Event, error)
}

// ReadyCheck reports whether the gateway is ready to serve traffic (e.g.
// the database is reachable). Nil disables the readiness check, leaving
// /readyz always reporting ok.
type ReadyCheck func(ctx context.Context) error

// Deps are the collaborators New assembles a handler from.
type Deps struct {
	Pipeline    *pipeline.Pipeline
	Config      *config.Store
	Keys        *apikey.Service
	Store       AdminStore
	Vault       *vault.Vault
	Breakers    *circuitbreaker.Registry
	RateLimiter *ratelimit.Registry
	Cache       cache.Cache // optional; nil disables response caching
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer // optional; nil disables span creation
	ReadyCheck  ReadyCheck    // optional
	Sessions    *SessionStore // optional; nil disables /api/auth/web
	StartedAt   time.Time
}
