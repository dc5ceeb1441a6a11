package llm

import (
	"net/http"
	"sync"
)

// Provider kind identifiers. These match the values accepted by the
// credential configuration.
const (
	ProviderClaude     = "claude"
	ProviderLocalModel = "local-model"
)

// Provider adapts the generation client to one backend wire format.
type Provider interface {
	// Name returns the provider identifier (e.g., "claude", "local-model").
	Name() string

	// BuildURL constructs the full completion endpoint URL.
	// An empty baseURL selects the provider default.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers. The API key comes from
	// endpoint configuration, never from process environment.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body.
	// temperature is nil to use the backend default.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the generation result from provider JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry. Called from provider
// package init functions.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil if unknown.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
