package llm

import (
	"net/http"
	"sort"
	"sync"
)

// BodyOptions carries the per-call knobs every provider understands.
type BodyOptions struct {
	// Temperature is nil to use the provider default.
	Temperature *float64
	// MaxTokens is 0 to use the provider default.
	MaxTokens int
	// Stream requests server-sent chunks instead of one JSON body.
	Stream bool
}

// Provider defines the interface for LLM provider implementations.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers, including the credential.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body. Messages carrying an
	// Image are encoded in the provider's multi-part vision format.
	BuildRequestBody(model string, messages []Message, opts BodyOptions) ([]byte, error)

	// ParseResponse extracts the completion from a non-streaming body.
	ParseResponse(body []byte, model string) (*Response, error)

	// ParseStreamData extracts the text delta from one SSE data payload.
	// done is true once the provider signals the end of the stream.
	ParseStreamData(data []byte) (delta string, done bool, err error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
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
	sort.Strings(names)
	return names
}
