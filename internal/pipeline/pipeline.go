// Package pipeline implements the per-request orchestration tying auth,
// normalization, routing, wire translation, upstream dispatch, and logging
// together into the sequence every inbound model request goes through, for
// both the non-streaming and SSE-streaming paths.
//
// Unlike internal/app's ProxyService, Run resolves a route exactly once,
// builds exactly one upstream body, and sends exactly once through exactly
// one connector -- there is no cross-target failover loop. The circuit
// breaker is kept, but only gates the single attempt (fail fast when open)
// rather than driving a retry.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ccgw/ccgw/internal/circuitbreaker"
	"github.com/ccgw/ccgw/internal/config"
	"github.com/ccgw/ccgw/internal/connector"
	"github.com/ccgw/ccgw/internal/errs"
	"github.com/ccgw/ccgw/internal/model"
	"github.com/ccgw/ccgw/internal/router"
	"github.com/ccgw/ccgw/internal/storage/payload"
	"github.com/ccgw/ccgw/internal/wire"
)

// Protocol names the wire shape a caller speaks. It matches
// model.CustomEndpointPath.Protocol verbatim so custom endpoints can be
// routed through Run without translation.
const (
	ProtocolAnthropic       = "anthropic"
	ProtocolOpenAIChat      = "openai-chat"
	ProtocolOpenAIResponses = "openai-responses"
)

// errUnsupportedStream marks the one translation direction Run refuses:
// streaming from an Anthropic-native provider to a non-Anthropic client.
// No pack example implements an Anthropic-origin SSE rewriter (the only
// streaming translator grounded in the corpus runs OpenAI -> Anthropic),
// so this combination is rejected up front rather than invented.
var errUnsupportedStream = errors.New("pipeline: streaming translation from an anthropic provider to a non-anthropic client is not supported")

// KeyService is the subset of internal/apikey.Service the pipeline needs.
type KeyService interface {
	ResolveAPIKey(ctx context.Context, provided, endpointID, ipAddress string) (*model.APIKey, error)
	RecordAPIKeyUsage(ctx context.Context, id string, inputTokens, outputTokens int64) error
}

// RouteResolver is the subset of internal/router.Router the pipeline needs.
type RouteResolver interface {
	Resolve(ctx context.Context, req router.Request) (router.Target, error)
}

// Store is the persistence surface the pipeline needs, satisfied by
// internal/storage/sqlite.Store.
type Store interface {
	InsertRequestLog(ctx context.Context, l *model.RequestLog) error
	FinalizeRequestLog(ctx context.Context, id string, latencyMs int64, ttftMs *int64, tpotMs *float64, statusCode int, inputTokens, outputTokens, cachedTokens int64, errMsg string) error
	SaveRequestPayload(ctx context.Context, requestID string, prompt, response []byte) error
	UpsertDailyMetric(ctx context.Context, d model.DailyMetric) error
}

// ConfigGetter is the subset of internal/config.Store the pipeline needs.
type ConfigGetter interface {
	Get() config.Config
}

// ConnectorProvider is the subset of internal/connector.Registry the
// pipeline needs.
type ConnectorProvider interface {
	Get(p model.Provider) connector.Connector
}

// BreakerProvider is the subset of internal/circuitbreaker.Registry the
// pipeline needs.
type BreakerProvider interface {
	GetOrCreate(providerID string) *circuitbreaker.Breaker
}

// TokenCounter is the subset of internal/tokencount.Counter the pipeline
// needs.
type TokenCounter interface {
	EstimateRequest(model string, req *wire.Request) int
	EstimateOutput(text string) int64
}

// Decrypter is the subset of internal/vault.Vault the pipeline needs, to
// turn a provider's ciphertext APIKey into the plaintext a connector sends
// upstream.
type Decrypter interface {
	Decrypt(ciphertext string) string
}

// Deps wires the pipeline to its collaborators. All fields are required
// except Counter, whose absence just disables token estimation (routing
// falls back to the zero estimate, usage backfill is skipped), and
// Breakers, whose absence sends every request without a breaker check.
type Deps struct {
	Keys       KeyService
	Router     RouteResolver
	Store      Store
	Config     ConfigGetter
	Vault      Decrypter
	Connectors ConnectorProvider
	Breakers   BreakerProvider
	Counter    TokenCounter
}

// Pipeline runs the ten-step request sequence for every inbound model call.
type Pipeline struct {
	deps           Deps
	activeRequests atomic.Int64
}

// New returns a Pipeline wired to deps.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps}
}

// ActiveRequests returns the number of requests currently between steps 5
// and 10 (inclusive), for the telemetry gauge.
func (p *Pipeline) ActiveRequests() int64 {
	return p.activeRequests.Load()
}

// InboundRequest is the HTTP-agnostic input to Run: the caller's raw body,
// which endpoint it targeted, and what protocol its bytes are encoded in.
type InboundRequest struct {
	Body      []byte
	Endpoint  string // endpoint id: "anthropic", "openai", or a custom endpoint id
	Protocol  string // one of the Protocol* constants
	APIKey    string // caller-provided credential, "" if none supplied
	IPAddress string
	SessionID string
}

// requestState is the mutable state threaded from step 5 through the
// idempotent step 10 finalize, guarded by finalized so a normal completion
// racing a client disconnect can't double-finalize.
type requestState struct {
	mu sync.Mutex

	finalized bool

	id         string
	start      time.Time
	endpoint   string
	keyID      string
	stream     bool
	statusCode int

	inputTokens  int64
	outputTokens int64
	cachedTokens int64

	ttftMs *int64
	errMsg string
}

// Run executes the full pipeline for one inbound request, writing the
// final HTTP response (JSON or SSE) to w. ctx should be the request's own
// context so that a client disconnect cancels the upstream call.
func (p *Pipeline) Run(ctx context.Context, w http.ResponseWriter, in InboundRequest) {
	start := time.Now()

	// Step 1: auth.
	key, err := p.deps.Keys.ResolveAPIKey(ctx, in.APIKey, in.Endpoint, in.IPAddress)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	// Step 2: normalize.
	req, err := decodeRequest(in.Protocol, in.Body)
	if err != nil {
		writeAPIError(w, errs.New(errs.KindInvalidRequest, "invalid request body"))
		return
	}
	req.Metadata.SessionID = in.SessionID
	clientModel := gjson.GetBytes(in.Body, "model").String()

	estimate := 0
	if p.deps.Counter != nil {
		estimate = p.deps.Counter.EstimateRequest(clientModel, req)
	}

	// Step 3: route.
	target, err := p.deps.Router.Resolve(ctx, router.Request{
		Endpoint:       in.Endpoint,
		RequestedModel: clientModel,
		Thinking:       req.Thinking,
		TokenEstimate:  estimate,
	})
	if err != nil {
		writeAPIError(w, routeError(err))
		return
	}

	// Step 4: build upstream body.
	upstreamBody, err := p.buildUpstreamBody(in.Protocol, req, target)
	if err != nil {
		var apiErr *errs.APIError
		if errors.As(err, &apiErr) {
			writeAPIError(w, apiErr)
		} else {
			writeAPIError(w, errs.New(errs.KindInvalidRequest, "request could not be translated for the target provider"))
		}
		return
	}

	// Step 5: create log row; bump the in-flight counter.
	reqID := uuid.NewString()
	st := &requestState{
		id:       reqID,
		start:    start,
		endpoint: in.Endpoint,
		keyID:    key.ID,
		stream:   req.Stream,
	}
	logRow := &model.RequestLog{
		ID:                reqID,
		Timestamp:         start,
		SessionID:         in.SessionID,
		Endpoint:          in.Endpoint,
		Provider:          target.Provider.ID,
		Model:             target.Model,
		ClientModel:       clientModel,
		Stream:            req.Stream,
		APIKeyID:          key.ID,
		APIKeyName:        key.Name,
		APIKeyValueMasked: key.KeyPrefix + "..." + key.KeySuffix,
	}
	if err := p.deps.Store.InsertRequestLog(ctx, logRow); err != nil {
		slog.Error("pipeline: insert request log", "error", err, "requestId", reqID)
	}
	p.activeRequests.Add(1)

	// Step 6: persist the request payload, if configured to.
	if p.deps.Config.Get().StoresRequestPayloads() {
		if compressed, cerr := payload.Compress(upstreamBody); cerr == nil {
			if err := p.deps.Store.SaveRequestPayload(ctx, reqID, compressed, nil); err != nil {
				slog.Error("pipeline: save request payload", "error", err, "requestId", reqID)
			}
		} else {
			slog.Warn("pipeline: compress request payload", "error", cerr, "requestId", reqID)
		}
	}

	// Step 7: send, gated by the provider's circuit breaker.
	providerConf := target.Provider
	providerConf.APIKey = p.deps.Vault.Decrypt(providerConf.APIKey)

	var breaker *circuitbreaker.Breaker
	if p.deps.Breakers != nil {
		breaker = p.deps.Breakers.GetOrCreate(target.Provider.ID)
	}
	if breaker != nil && !breaker.Allow() {
		st.statusCode = http.StatusServiceUnavailable
		st.errMsg = "circuit breaker open"
		writeAPIError(w, errs.Upstream(http.StatusServiceUnavailable, []byte(`{"error":{"message":"provider temporarily unavailable"}}`)))
		p.finalize(ctx, st)
		return
	}

	conn := p.deps.Connectors.Get(providerConf)
	resp, err := conn.Send(ctx, upstreamBody, req.Stream)
	if err != nil {
		// Step 7's "if status >= 400, mirror status + body to client": the
		// connector already converted a non-2xx upstream response into an
		// *errs.APIError carrying the raw body, so mirror it verbatim here
		// rather than rewrapping it in our own error envelope.
		if breaker != nil {
			breaker.RecordError(circuitbreaker.ClassifyError(err))
		}
		var apiErr *errs.APIError
		if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
			st.statusCode = apiErr.HTTPStatus()
			st.errMsg = string(apiErr.Body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(apiErr.HTTPStatus())
			w.Write(apiErr.Body)
		} else if errors.As(err, &apiErr) {
			st.statusCode = apiErr.HTTPStatus()
			st.errMsg = err.Error()
			writeAPIError(w, apiErr)
		} else {
			st.statusCode = http.StatusBadGateway
			st.errMsg = err.Error()
			writeAPIError(w, errs.New(errs.KindUpstreamError, "upstream request failed"))
		}
		p.finalize(ctx, st)
		return
	}
	if breaker != nil {
		breaker.RecordSuccess()
	}

	if req.Stream {
		p.handleStreaming(ctx, w, in, resp, target, st)
		return
	}
	p.handleNonStreaming(ctx, w, in, resp, target, st)
}

// buildUpstreamBody implements step 4: translate the canonical request into
// the target provider's wire shape, refusing the one streaming translation
// direction the corpus gives no grounding for.
func (p *Pipeline) buildUpstreamBody(protocol string, req *wire.Request, target router.Target) ([]byte, error) {
	if req.Stream && target.Provider.Type == model.ProviderAnthropic && protocol != ProtocolAnthropic {
		return nil, errs.New(errs.KindInvalidRequest, errUnsupportedStream.Error())
	}
	if target.Provider.Type == model.ProviderAnthropic {
		return wire.InternalToAnthropicBody(req, target.Model)
	}
	return wire.InternalToOpenAIBody(req, target.Model, target.Provider.Type)
}

// handleNonStreaming implements step 8. resp is always a 2xx response here:
// Send converts any non-2xx upstream reply into an error, handled by Run
// before this is called.
func (p *Pipeline) handleNonStreaming(ctx context.Context, w http.ResponseWriter, in InboundRequest, resp *http.Response, target router.Target, st *requestState) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		st.statusCode = http.StatusBadGateway
		st.errMsg = err.Error()
		writeAPIError(w, errs.New(errs.KindUpstreamError, "failed to read upstream response"))
		p.finalize(ctx, st)
		return
	}

	outBody, usage, err := translateResponse(target.Provider.Type, in.Protocol, body, target.Model)
	if err != nil {
		st.statusCode = http.StatusBadGateway
		st.errMsg = err.Error()
		writeAPIError(w, errs.New(errs.KindUpstreamError, "failed to translate upstream response"))
		p.finalize(ctx, st)
		return
	}

	st.statusCode = http.StatusOK
	st.inputTokens, st.outputTokens, st.cachedTokens = usage.InputTokens, usage.OutputTokens, usage.CachedTokens
	if st.outputTokens == 0 && p.deps.Counter != nil {
		st.outputTokens = p.deps.Counter.EstimateOutput(string(outBody))
	}

	if p.deps.Config.Get().StoresResponsePayloads() {
		if compressed, cerr := payload.Compress(outBody); cerr == nil {
			if err := p.deps.Store.SaveRequestPayload(ctx, st.id, nil, compressed); err != nil {
				slog.Error("pipeline: save response payload", "error", err, "requestId", st.id)
			}
		} else {
			slog.Warn("pipeline: compress response payload", "error", cerr, "requestId", st.id)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(outBody)

	p.finalize(ctx, st)
}

// handleStreaming implements step 9: relay or translate the upstream SSE
// stream chunk-by-chunk, tracking TTFT via the first emitted content byte.
// resp is always a 2xx response here, for the same reason as
// handleNonStreaming.
func (p *Pipeline) handleStreaming(ctx context.Context, w http.ResponseWriter, in InboundRequest, resp *http.Response, target router.Target, st *requestState) {
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("pipeline: response writer does not support flushing", "requestId", st.id)
		st.statusCode = http.StatusOK
		p.finalize(ctx, st)
		return
	}

	var respBuf *bytes.Buffer
	if p.deps.Config.Get().StoresResponsePayloads() {
		respBuf = &bytes.Buffer{}
	}
	writeOut := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if respBuf != nil {
			respBuf.Write(b)
		}
		flusher.Flush()
		return nil
	}

	providerIsAnthropic := target.Provider.Type == model.ProviderAnthropic
	clientWantsAnthropic := in.Protocol == ProtocolAnthropic

	var firstByteAt time.Time
	markFirstByte := func(emitted bool) {
		if emitted && firstByteAt.IsZero() {
			firstByteAt = time.Now()
		}
	}

	var scanErr error
	var usage wire.Usage

	switch {
	case providerIsAnthropic && clientWantsAnthropic:
		sniffer := wire.NewPassthroughSniffer()
		scanErr = wire.ScanSSE(resp.Body, func(event, data string, raw []byte) error {
			if err := writeOut(raw); err != nil {
				return err
			}
			markFirstByte(sniffer.Observe(event, data))
			return nil
		})
		usage = sniffer.Usage()

	case !providerIsAnthropic && !clientWantsAnthropic:
		sniffer := &openAIStreamSniffer{}
		scanErr = wire.ScanSSE(resp.Body, func(_, data string, raw []byte) error {
			if err := writeOut(raw); err != nil {
				return err
			}
			markFirstByte(sniffer.observe(data))
			return nil
		})
		usage = wire.Usage{InputTokens: sniffer.inputTok, OutputTokens: sniffer.outputTok}

	case !providerIsAnthropic && clientWantsAnthropic:
		tr := wire.NewStreamTranslator(st.id, target.Model)
		scanErr = wire.ScanSSE(resp.Body, func(_, data string, _ []byte) error {
			out, emitted, _ := tr.Feed(data)
			if err := writeOut(out); err != nil {
				return err
			}
			markFirstByte(emitted)
			return nil
		})
		usage = tr.Usage()

	default:
		// providerIsAnthropic && !clientWantsAnthropic: refused in
		// buildUpstreamBody before the upstream send, so unreachable here.
		scanErr = errUnsupportedStream
	}

	if scanErr != nil && !errors.Is(scanErr, context.Canceled) {
		slog.Warn("pipeline: stream scan ended with error", "error", scanErr, "requestId", st.id)
		if st.errMsg == "" {
			st.errMsg = scanErr.Error()
		}
	}

	st.inputTokens, st.outputTokens, st.cachedTokens = usage.InputTokens, usage.OutputTokens, usage.CachedTokens
	if !firstByteAt.IsZero() {
		ttft := firstByteAt.Sub(st.start).Milliseconds()
		st.ttftMs = &ttft
	}
	st.statusCode = http.StatusOK

	if respBuf != nil {
		if compressed, cerr := payload.Compress(respBuf.Bytes()); cerr == nil {
			if err := p.deps.Store.SaveRequestPayload(ctx, st.id, nil, compressed); err != nil {
				slog.Error("pipeline: save response payload", "error", err, "requestId", st.id)
			}
		} else {
			slog.Warn("pipeline: compress response payload", "error", cerr, "requestId", st.id)
		}
	}

	p.finalize(ctx, st)
}

// openAIStreamSniffer tracks usage and delta activity across a raw
// OpenAI-shaped SSE stream that's relayed to the client byte-for-byte
// (no translation needed: both sides speak the same wire shape).
type openAIStreamSniffer struct {
	inputTok  int64
	outputTok int64
}

func (s *openAIStreamSniffer) observe(data string) (emittedDelta bool) {
	if data == "[DONE]" || !gjson.Valid(data) {
		return false
	}
	r := gjson.Parse(data)
	if u := r.Get("usage"); u.Exists() {
		s.inputTok = u.Get("prompt_tokens").Int()
		s.outputTok = u.Get("completion_tokens").Int()
	}
	return r.Get("choices.0.delta.content").String() != ""
}

// finalize implements step 10: idempotent (guarded by st.finalized),
// computes latency/TPOT, writes the terminal log row, credits API key
// usage, and upserts the daily metric. Runs against a context detached
// from the inbound request's cancellation, so a client disconnect doesn't
// abort the bookkeeping writes.
func (p *Pipeline) finalize(ctx context.Context, st *requestState) {
	st.mu.Lock()
	if st.finalized {
		st.mu.Unlock()
		return
	}
	st.finalized = true

	latencyMs := time.Since(st.start).Milliseconds()
	tpotMs := computeTPOT(latencyMs, st.stream, st.ttftMs, st.outputTokens)

	id := st.id
	keyID := st.keyID
	endpoint := st.endpoint
	statusCode := st.statusCode
	inputTokens := st.inputTokens
	outputTokens := st.outputTokens
	cachedTokens := st.cachedTokens
	ttftMs := st.ttftMs
	errMsg := st.errMsg
	startedAt := st.start
	st.mu.Unlock()

	p.activeRequests.Add(-1)

	fctx := context.WithoutCancel(ctx)
	if err := p.deps.Store.FinalizeRequestLog(fctx, id, latencyMs, ttftMs, tpotMs, statusCode, inputTokens, outputTokens, cachedTokens, errMsg); err != nil {
		slog.Error("pipeline: finalize request log", "error", err, "requestId", id)
	}
	if keyID != "" {
		if err := p.deps.Keys.RecordAPIKeyUsage(fctx, keyID, inputTokens, outputTokens); err != nil {
			slog.Error("pipeline: record api key usage", "error", err, "requestId", id)
		}
	}
	dm := model.DailyMetric{
		Date:              startedAt.UTC().Format("2006-01-02"),
		Endpoint:          endpoint,
		RequestCount:      1,
		TotalInputTokens:  inputTokens,
		TotalOutputTokens: outputTokens,
		TotalLatencyMs:    latencyMs,
	}
	if err := p.deps.Store.UpsertDailyMetric(fctx, dm); err != nil {
		slog.Error("pipeline: upsert daily metric", "error", err, "requestId", id)
	}
}

// computeTPOT implements the §8 formula: null if there were no output
// tokens to divide by, or the request streamed but never emitted a first
// token; otherwise (streaming ? latency-after-TTFT : full latency) /
// outputTokens, rounded to 2 decimals.
func computeTPOT(latencyMs int64, stream bool, ttftMs *int64, outputTokens int64) *float64 {
	if outputTokens <= 0 {
		return nil
	}
	numerator := float64(latencyMs)
	if stream {
		if ttftMs == nil {
			return nil
		}
		numerator = float64(latencyMs - *ttftMs)
	}
	v := math.Round(numerator/float64(outputTokens)*100) / 100
	return &v
}

// decodeRequest implements step 2.
func decodeRequest(protocol string, body []byte) (*wire.Request, error) {
	switch protocol {
	case ProtocolAnthropic:
		return wire.AnthropicToInternal(body)
	case ProtocolOpenAIChat, ProtocolOpenAIResponses:
		return wire.OpenAIToInternal(body)
	default:
		return nil, fmt.Errorf("pipeline: unknown protocol %q", protocol)
	}
}

// translateResponse implements step 8's provider-type/protocol matrix: an
// Anthropic-native reply to an Anthropic client (or an OpenAI-shaped reply
// to an OpenAI-speaking client) passes through verbatim; the two
// cross-protocol combinations go through the matching wire translator.
func translateResponse(providerType model.ProviderType, protocol string, body []byte, targetModel string) ([]byte, wire.Usage, error) {
	providerIsAnthropic := providerType == model.ProviderAnthropic
	clientWantsAnthropic := protocol == ProtocolAnthropic

	switch {
	case providerIsAnthropic && clientWantsAnthropic:
		return body, sniffAnthropicUsage(body), nil
	case providerIsAnthropic && !clientWantsAnthropic:
		return wire.AnthropicRespToOpenAIResp(body, targetModel)
	case !providerIsAnthropic && clientWantsAnthropic:
		return wire.OpenAIRespToAnthropicResp(body, targetModel)
	default:
		return body, sniffOpenAIUsage(body), nil
	}
}

func sniffAnthropicUsage(body []byte) wire.Usage {
	u := gjson.GetBytes(body, "usage")
	return wire.Usage{
		InputTokens:  u.Get("input_tokens").Int(),
		OutputTokens: u.Get("output_tokens").Int(),
		CachedTokens: u.Get("cache_read_input_tokens").Int(),
	}
}

func sniffOpenAIUsage(body []byte) wire.Usage {
	u := gjson.GetBytes(body, "usage")
	return wire.Usage{
		InputTokens:  u.Get("prompt_tokens").Int(),
		OutputTokens: u.Get("completion_tokens").Int(),
	}
}

// routeError maps a router.Resolve failure onto the public error taxonomy.
func routeError(err error) *errs.APIError {
	if errors.Is(err, errs.ErrNoProviders) || errors.Is(err, errs.ErrNoMatch) {
		return errs.New(errs.KindInvalidRequest, "no route or provider is configured for this model")
	}
	return errs.New(errs.KindInternalError, "routing failed")
}

// authErrorCode maps a ResolveAPIKey failure onto the auth error code
// enum (invalid_api_key | disabled | forbidden | missing).
func authErrorCode(err error) string {
	switch {
	case errors.Is(err, errs.ErrKeyMissing):
		return "missing"
	case errors.Is(err, errs.ErrKeyDisabled):
		return "disabled"
	case errors.Is(err, errs.ErrKeyForbidden):
		return "forbidden"
	default:
		return "invalid_api_key"
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": map[string]string{"code": authErrorCode(err)},
	})
}

func writeAPIError(w http.ResponseWriter, apiErr *errs.APIError) {
	writeJSON(w, apiErr.HTTPStatus(), map[string]any{
		"error": map[string]string{"code": string(apiErr.Kind), "message": apiErr.Message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("pipeline: encode response", "error", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
