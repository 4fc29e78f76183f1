package model

import (
	"encoding/json"
	"sort"
	"sync"
)

// Registry maps capabilities to endpoint chains.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	health       *healthState
}

// CapabilityConfig defines endpoint preferences for a capability.
type CapabilityConfig struct {
	// Preferred lists endpoint names in order of preference.
	Preferred []string `json:"preferred" yaml:"preferred"`

	// Fallback lists backup endpoints tried after every preferred one failed.
	Fallback []string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// EndpointConfig defines one reachable model.
type EndpointConfig struct {
	// Provider is the wire format (openai, ollama, anthropic).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the model identifier sent to the provider.
	Model string `json:"model" yaml:"model"`

	// APIKeyEnv names the environment variable holding the credential.
	// Empty means the endpoint needs no credential (local ollama).
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`

	// MaxTokens caps the completion length when a call does not set one.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// NewRegistry creates a registry with the given configuration.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	if caps == nil {
		caps = make(map[Capability]*CapabilityConfig)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		health:       newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry creates a registry pointing at DashScope's
// OpenAI-compatible API for text and vision, with a local ollama fallback.
func NewDefaultRegistry() *Registry {
	return NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityText: {
				Preferred: []string{"qwen-plus"},
				Fallback:  []string{"ollama-qwen"},
			},
			CapabilityVision: {
				Preferred: []string{"qwen-vl"},
			},
		},
		map[string]*EndpointConfig{
			"qwen-plus": {
				Provider:  "openai",
				URL:       "https://dashscope.aliyuncs.com/compatible-mode/v1",
				Model:     "qwen-plus",
				APIKeyEnv: "DASHSCOPE_API_KEY",
				MaxTokens: 4096,
			},
			"qwen-vl": {
				Provider:  "openai",
				URL:       "https://dashscope.aliyuncs.com/compatible-mode/v1",
				Model:     "qwen-vl-plus",
				APIKeyEnv: "DASHSCOPE_API_KEY",
				MaxTokens: 2048,
			},
			"ollama-qwen": {
				Provider: "ollama",
				URL:      "http://localhost:11434/v1",
				Model:    "qwen2.5:7b",
			},
		},
	)
}

// Chain returns every endpoint for a capability in order of preference.
func (r *Registry) Chain(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.capabilities[c]
	if !ok {
		return nil
	}
	chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
	chain = append(chain, cfg.Preferred...)
	chain = append(chain, cfg.Fallback...)
	return chain
}

// AvailableChain returns the chain filtered to endpoints whose circuit is closed
// or half-open. When every endpoint is tripped the full chain is returned.
func (r *Registry) AvailableChain(c Capability) []string {
	chain := r.Chain(c)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// Endpoint returns the endpoint configuration for a name, or nil.
func (r *Registry) Endpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[name]
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(c Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = cfg
}

// Endpoints returns all configured endpoint names, sorted.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(struct {
		Capabilities map[Capability]*CapabilityConfig `json:"capabilities"`
		Endpoints    map[string]*EndpointConfig       `json:"endpoints"`
	}{
		Capabilities: r.capabilities,
		Endpoints:    r.endpoints,
	})
}
