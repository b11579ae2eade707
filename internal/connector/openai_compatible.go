package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/dnscache"

	"github.com/ccgw/ccgw/internal/model"
)

// OpenAICompatible is a Connector for every OpenAI-wire-compatible provider
// type (openai, deepseek, kimi, huawei, custom): the request/response shape
// is identical across all of them, differing only in base URL, auth header,
// and the extra headers a given provider requires. Grounded on
// internal/provider/openai/client.go's Client.
type OpenAICompatible struct {
	providerID string
	baseURL    string
	apiKey     string
	authMode   model.AuthMode
	headers    map[string]string
	http       *http.Client
}

// NewOpenAICompatible builds an OpenAI-wire connector from its provider
// config.
func NewOpenAICompatible(p model.Provider, resolver *dnscache.Resolver) *OpenAICompatible {
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompatible{
		providerID: p.ID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     p.APIKey,
		authMode:   p.AuthMode,
		headers:    p.ExtraHeaders,
		http:       &http.Client{Transport: newTransport(resolver)},
	}
}

func (c *OpenAICompatible) ProviderID() string { return c.providerID }

// Send posts body to /chat/completions and returns the raw response.
func (c *OpenAICompatible) Send(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("connector: openai: create request: %w", err)
	}
	c.setAuth(req)
	req.Header.Set("Content-Type", "application/json")
	applyExtraHeaders(req, c.headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector: openai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}
	return resp, nil
}

// listModelsResponse is the envelope GET /models returns.
type listModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels lists the model IDs the upstream currently exposes.
func (c *OpenAICompatible) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("connector: openai: create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector: openai: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp)
	}

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("connector: openai: decode models response: %w", err)
	}
	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

func (c *OpenAICompatible) setAuth(r *http.Request) {
	if c.authMode == model.AuthModeAPIKey {
		r.Header.Set("x-api-key", c.apiKey)
		return
	}
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
}
