// Package model defines the gateway's domain types: providers, endpoints,
// routes, API keys, and the persisted log/metric/audit records. It has no
// project imports beyond the standard library -- it is the dependency root
// for the rest of the module.
package model

import "time"

// ProviderType enumerates the upstream wire families the gateway speaks.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderDeepSeek  ProviderType = "deepseek"
	ProviderKimi      ProviderType = "kimi"
	ProviderHuawei    ProviderType = "huawei"
	ProviderCustom    ProviderType = "custom"
)

// AuthMode selects how a connector attaches credentials to outbound requests.
type AuthMode string

const (
	AuthModeAPIKey    AuthMode = "apiKey"
	AuthModeAuthToken AuthMode = "authToken"
)

// Model describes one model a provider advertises.
type Model struct {
	ID       string `json:"id"`
	Label    string `json:"label,omitempty"`
	MaxTokens int   `json:"maxTokens,omitempty"`
}

// Provider is a configured upstream LLM service instance.
type Provider struct {
	ID           string       `json:"id"`
	Label        string       `json:"label"`
	Type         ProviderType `json:"type"`
	BaseURL      string       `json:"baseUrl"`
	APIKey       string       `json:"apiKey,omitempty"` // encrypted ciphertext at rest
	AuthMode     AuthMode     `json:"authMode"`
	DefaultModel string       `json:"defaultModel,omitempty"`
	Models       []Model      `json:"models,omitempty"`
	ExtraHeaders map[string]string `json:"extraHeaders,omitempty"`
}

// IsPassThrough reports whether the provider has no fixed model list, so
// the caller's requested model id is forwarded verbatim.
func (p Provider) IsPassThrough() bool { return len(p.Models) == 0 }

// EndpointDefaults holds the three routing fallback targets for an endpoint.
// Each is a "providerId:modelId" string, or empty when unset.
type EndpointDefaults struct {
	Completion            string `json:"completion,omitempty"`
	Reasoning             string `json:"reasoning,omitempty"`
	Background            string `json:"background,omitempty"`
	LongContextThreshold  int    `json:"longContextThreshold,omitempty"`
}

// EndpointRouting holds the routing policy for one endpoint (anthropic,
// openai, or a custom id).
type EndpointRouting struct {
	Defaults    EndpointDefaults  `json:"defaults"`
	ModelRoutes map[string]string `json:"modelRoutes,omitempty"`
}

// CustomEndpointPath binds a public path to a protocol adapter.
type CustomEndpointPath struct {
	Path     string `json:"path"`
	Protocol string `json:"protocol"` // anthropic | openai-chat | openai-responses
}

// CustomEndpoint is an additional public endpoint beyond the built-in
// anthropic/openai ones.
type CustomEndpoint struct {
	ID      string               `json:"id"`
	Label   string               `json:"label"`
	Enabled bool                 `json:"enabled"`
	Paths   []CustomEndpointPath `json:"paths"`
	Routing *EndpointRouting     `json:"routing,omitempty"`
}

// APIKeyPrefix is prepended to every generated plaintext API key.
const APIKeyPrefix = "sk-ccgw-"

// APIKey is a caller credential. KeyHash and KeyCiphertext are the only
// persisted forms of the plaintext; KeyPrefix/KeySuffix are for display.
type APIKey struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	KeyHash           string     `json:"-"`
	KeyCiphertext     string     `json:"-"`
	KeyPrefix         string     `json:"keyPrefix"`
	KeySuffix         string     `json:"keySuffix"`
	IsWildcard        bool       `json:"isWildcard"`
	Enabled           bool       `json:"enabled"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	RequestCount      int64      `json:"requestCount"`
	TotalInputTokens  int64      `json:"totalInputTokens"`
	TotalOutputTokens int64      `json:"totalOutputTokens"`
	AllowedEndpoints  []string   `json:"allowedEndpoints,omitempty"` // nil = unrestricted
}

// AllowsEndpoint reports whether the key may be used against endpointID.
func (k APIKey) AllowsEndpoint(endpointID string) bool {
	if k.AllowedEndpoints == nil {
		return true
	}
	for _, e := range k.AllowedEndpoints {
		if e == endpointID {
			return true
		}
	}
	return false
}

// AuditOperation enumerates the API key audit log operations.
type AuditOperation string

const (
	AuditCreate          AuditOperation = "create"
	AuditDelete          AuditOperation = "delete"
	AuditEnable          AuditOperation = "enable"
	AuditDisable         AuditOperation = "disable"
	AuditUpdateEndpoints AuditOperation = "update_endpoints"
	AuditAuthFailure     AuditOperation = "auth_failure"
)

// AuditEvent is one row in the api_key_audit_logs table.
type AuditEvent struct {
	ID          string         `json:"id"`
	APIKeyID    string         `json:"apiKeyId,omitempty"`
	APIKeyName  string         `json:"apiKeyName,omitempty"`
	Operation   AuditOperation `json:"operation"`
	Operator    string         `json:"operator,omitempty"`
	Details     string         `json:"details,omitempty"` // raw JSON
	IPAddress   string         `json:"ipAddress,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// RequestLog is one row in the request_logs table.
type RequestLog struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	SessionID         string    `json:"sessionId,omitempty"`
	Endpoint          string    `json:"endpoint"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	ClientModel       string    `json:"clientModel,omitempty"`
	Stream            bool      `json:"stream"`
	LatencyMs         int64     `json:"latencyMs"`
	TTFTMs            *int64    `json:"ttftMs,omitempty"`
	TPOTMs            *float64  `json:"tpotMs,omitempty"`
	StatusCode        int       `json:"statusCode"`
	InputTokens       int64     `json:"inputTokens"`
	OutputTokens      int64     `json:"outputTokens"`
	CachedTokens      int64     `json:"cachedTokens"`
	Error             string    `json:"error,omitempty"`
	APIKeyID          string    `json:"apiKeyId,omitempty"`
	APIKeyName        string    `json:"apiKeyName,omitempty"`
	APIKeyValueMasked string    `json:"apiKeyValueMasked,omitempty"`
}

// RequestPayload is the sibling zstd-compressed prompt+response blob
// for a RequestLog row.
type RequestPayload struct {
	RequestID string `json:"requestId"`
	Prompt    []byte `json:"-"`
	Response  []byte `json:"-"`
}

// DailyMetric is one upserted (date, endpoint) aggregate row.
type DailyMetric struct {
	Date              string `json:"date"` // YYYY-MM-DD, UTC
	Endpoint          string `json:"endpoint"`
	RequestCount      int64  `json:"requestCount"`
	TotalInputTokens  int64  `json:"totalInputTokens"`
	TotalOutputTokens int64  `json:"totalOutputTokens"`
	TotalLatencyMs    int64  `json:"totalLatencyMs"`
}
