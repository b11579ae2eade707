package connector

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/dnscache"

	"github.com/ccgw/ccgw/internal/model"
)

const anthropicVersion = "2023-06-01"

// Anthropic is a Connector for the Anthropic-native wire family. Grounded on
// internal/provider/anthropic/client.go's Client, stripped of the
// vertex/bedrock hosting branches the provider type enum has no room for.
type Anthropic struct {
	providerID string
	baseURL    string
	apiKey     string
	authMode   model.AuthMode
	headers    map[string]string
	http       *http.Client
}

// NewAnthropic builds an Anthropic connector from its provider config.
func NewAnthropic(p model.Provider, resolver *dnscache.Resolver) *Anthropic {
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &Anthropic{
		providerID: p.ID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     p.APIKey,
		authMode:   p.AuthMode,
		headers:    p.ExtraHeaders,
		http:       &http.Client{Transport: newTransport(resolver)},
	}
}

func (c *Anthropic) ProviderID() string { return c.providerID }

// Send posts body to /messages and returns the raw response for the caller
// to either decode (non-streaming) or scan as SSE (streaming). The caller
// owns closing resp.Body.
func (c *Anthropic) Send(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("connector: anthropic: create request: %w", err)
	}
	c.setAuth(req)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	applyExtraHeaders(req, c.headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector: anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}
	return resp, nil
}

func (c *Anthropic) setAuth(r *http.Request) {
	if c.authMode == model.AuthModeAuthToken {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
		return
	}
	r.Header.Set("x-api-key", c.apiKey)
}
