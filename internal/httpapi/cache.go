package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// cacheTTL bounds how long a cached non-streaming response stays valid.
const cacheTTL = 5 * time.Minute

// isCacheable mirrors the eligibility rule applied to raw request bodies:
// only non-streaming, single-choice requests with a fixed seed or a
// low/zero temperature are deterministic enough to cache.
func isCacheable(body []byte) bool {
	r := gjson.ParseBytes(body)
	if r.Get("stream").Bool() {
		return false
	}
	if n := r.Get("n"); n.Exists() && n.Int() > 1 {
		return false
	}
	if r.Get("seed").Exists() {
		return true
	}
	if t := r.Get("temperature"); t.Exists() && t.Float() <= 0.3 {
		return true
	}
	return false
}

// cacheFields is the set of request fields that influence the response,
// extracted from the raw body so the cache key stays stable across
// requests that differ only in field order or in fields the gateway
// itself doesn't forward upstream.
var cacheFields = []string{
	"model", "messages", "system", "temperature", "top_p", "max_tokens",
	"stop", "presence_penalty", "frequency_penalty", "seed", "tools",
	"tool_choice", "response_format",
}

// cacheKey hashes the normalized cacheable fields of body, scoped to the
// caller's key and endpoint so no response ever leaks across callers or
// protocols.
func cacheKey(keyID, endpoint string, body []byte) string {
	r := gjson.ParseBytes(body)
	m := map[string]any{"key_id": keyID, "endpoint": endpoint}
	for _, f := range cacheFields {
		if v := r.Get(f); v.Exists() {
			m[f] = normalizeValue(v)
		}
	}
	// encoding/json sorts map[string]any keys when marshaling, so the
	// digest is stable regardless of field discovery order above.
	data, _ := json.Marshal(m)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func normalizeValue(v gjson.Result) any {
	switch v.Type {
	case gjson.Number:
		return math.Round(v.Float()*10000) / 10000
	default:
		return v.Value()
	}
}

// responseCapture buffers a pipeline response so a cacheable 200 can be
// stored after the fact, while still writing through to the client as it
// arrives.
type responseCapture struct {
	http.ResponseWriter
	status int
	buf    []byte
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if rc.status == 0 {
		rc.status = http.StatusOK
	}
	rc.buf = append(rc.buf, b...)
	return rc.ResponseWriter.Write(b)
}

func (s *server) cacheLookup(ctx context.Context, key string) ([]byte, bool) {
	if s.deps.Cache == nil {
		return nil, false
	}
	return s.deps.Cache.Get(ctx, key)
}

func (s *server) cacheStore(ctx context.Context, key string, rc *responseCapture) {
	if s.deps.Cache == nil || rc.status != http.StatusOK || len(rc.buf) == 0 {
		return
	}
	s.deps.Cache.Set(ctx, key, rc.buf, cacheTTL)
}
