// Package connector implements the outbound HTTP clients that relay a
// translated request to a provider's native API: an Anthropic-native client
// and a single OpenAI-wire-compatible client shared by every OpenAI-shaped
// provider type (openai, deepseek, kimi, huawei, custom). Grounded on
// internal/provider/{anthropic,openai}/client.go, minus the cloud-hosting
// branches (vertex/bedrock) this gateway has no provider type for.
package connector

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/ccgw/ccgw/internal/model"
)

// Connector sends one already-translated request body to a provider and
// returns the raw upstream response for the caller to read (streaming or
// not). Both Anthropic and OpenAICompatible implement it.
type Connector interface {
	Send(ctx context.Context, body []byte, stream bool) (*http.Response, error)
	ProviderID() string
}

// newTransport builds an http.Transport tuned for many short-lived upstream
// connections, with DNS resolution routed through resolver when non-nil.
// Mirrors the sizing in internal/provider/openai/client.go's New.
func newTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver == nil {
		return t
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

func applyExtraHeaders(r *http.Request, headers map[string]string) {
	for k, v := range headers {
		r.Header.Set(k, v)
	}
}

// New builds the Connector appropriate for p.Type: Anthropic for
// model.ProviderAnthropic, OpenAICompatible for every other type (all of
// which share the OpenAI wire shape).
func New(p model.Provider, resolver *dnscache.Resolver) Connector {
	if p.Type == model.ProviderAnthropic {
		return NewAnthropic(p, resolver)
	}
	return NewOpenAICompatible(p, resolver)
}
