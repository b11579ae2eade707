package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ccgw/ccgw/internal/errs"
	"github.com/ccgw/ccgw/internal/model"
	"github.com/ccgw/ccgw/internal/ratelimit"
)

var (
	nosniffVal = []string{"nosniff"}
	denyVal    = []string{"DENY"}
)

// securityHeaders sets the small fixed set of response headers every reply
// carries, using pre-allocated slices to avoid a []string{v} alloc per
// request (Header.Set does that alloc internally; direct map assignment
// doesn't).
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h["X-Content-Type-Options"] = nosniffVal
		h["X-Frame-Options"] = denyVal
		next.ServeHTTP(w, r)
	})
}

// recovery catches panics from downstream handlers, logs the stack-free
// error, and responds 500 rather than letting net/http close the
// connection silently.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody(errs.KindInternalError, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const requestIDHeader = "X-Request-Id"

// requestID accepts a caller-supplied id if it looks like a token (so
// clients can correlate their own traces), otherwise mints a UUIDv7.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !isValidRequestID(id) {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isValidRequestID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// statusWriterPool recycles the response-status-capturing wrapper across
// requests, avoiding one heap allocation per request on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{status: http.StatusOK} },
}

// statusWriter wraps http.ResponseWriter to capture the status code for
// logging/metrics, while remaining transparent to Flush (SSE streaming
// through the middleware chain) and the http.ResponseController unwrap
// protocol.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// logging wraps every request in a pooled statusWriter and emits one
// structured log line after it completes.
func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		defer statusWriterPool.Put(sw)

		start := time.Now()
		next.ServeHTTP(sw, r)

		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", requestIDFromContext(r.Context())),
		)
	})
}

// metrics records the Prometheus request/duration counters. It sits between
// logging and tracing in the global chain so its timer brackets only the
// downstream handler, not the logging middleware's own overhead.
func (s *server) metrics(next http.Handler) http.Handler {
	if s.deps.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		defer statusWriterPool.Put(sw)

		start := time.Now()
		next.ServeHTTP(sw, r)
		dur := time.Since(start).Seconds()

		s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		s.deps.Metrics.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}

// tracing opens one OTel span per request and records the standard HTTP
// attribute set plus the request id for cross-referencing with log lines.
func (s *server) tracing(next http.Handler) http.Handler {
	if s.deps.Tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.deps.Tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.Path),
			attribute.String("http.request_id", requestIDFromContext(ctx)),
		)

		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		defer statusWriterPool.Put(sw)

		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// bodyLimit enforces the configurable per-request body cap (default
// 10 MiB), responding 413 on overflow via the first Read past the
// limit surfacing from http.MaxBytesReader.
func (s *server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.deps.Config.Get().Settings.BodyLimitBytes
		if limit <= 0 {
			limit = 10 << 20
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// credential extracts the caller-supplied key from either the Anthropic-style
// x-api-key header or an OpenAI-style Authorization: Bearer header.
func credential(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); len(v) > 7 && v[:7] == "Bearer " {
		return v[7:]
	}
	return ""
}

// clientIP returns the first hop in X-Forwarded-For if present, else the
// connection's remote address stripped of its port.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := indexByte(xff, ','); i >= 0 {
			return xff[:i]
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// authenticate resolves the caller's API key against endpointID purely so
// rateLimit has a stable identity to bucket on before the request reaches
// the pipeline. Resolution is cheap: apikey.Service caches hash lookups, so
// this duplicates no I/O beyond what pipeline.Run would do for the same
// request. A failure here short-circuits with 401 before pipeline.Run ever
// runs, so no duplicate auth_failure audit row is written for one request.
func (s *server) authenticate(endpointID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := s.deps.Keys.ResolveAPIKey(r.Context(), credential(r), endpointID, clientIP(r))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody(errs.KindInvalidAPIKey, authErrorMessage(err)))
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, errs.ErrKeyMissing):
		return "api key required"
	case errors.Is(err, errs.ErrKeyDisabled):
		return "api key disabled"
	case errors.Is(err, errs.ErrKeyForbidden):
		return "api key not allowed for this endpoint"
	default:
		return "invalid api key"
	}
}

func apiKeyFromContext(ctx context.Context) *model.APIKey {
	key, _ := ctx.Value(ctxKeyAPIKey).(*model.APIKey)
	return key
}

// rateLimit enforces the per-key request-rate budget from the global
// config defaults. It runs after authenticate, so it always has a resolved
// key to bucket on; requests per minute are limited. Token budgets are not
// checked here, since the canonical request isn't decoded until
// pipeline.Run parses the body, and the pipeline does not consume from the
// TPM bucket either.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFromContext(r.Context())
		if key == nil || s.deps.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		settings := s.deps.Config.Get().Settings
		limits := ratelimit.Limits{RPM: settings.DefaultRPM, TPM: settings.DefaultTPM}
		limiter := s.deps.RateLimiter.GetOrCreate(key.ID, limits)
		result := limiter.AllowRPM()
		if !result.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("rpm").Inc()
			}
			w.Header().Set("Retry-After", strconv.FormatInt(int64(result.RetryAfterSeconds+1), 10))
			writeJSON(w, http.StatusTooManyRequests, errorBody(errs.KindInvalidRequest, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyAPIKey
)

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
