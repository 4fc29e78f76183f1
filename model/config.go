package model

import "fmt"

// RegistryConfig is the serialized registry form embedded in the service config.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `json:"capabilities" yaml:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `json:"endpoints" yaml:"endpoints"`
}

// FromConfig builds a registry from its serialized form. Unknown capability
// names and chains that reference missing endpoints are rejected.
func FromConfig(cfg *RegistryConfig) (*Registry, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return NewDefaultRegistry(), nil
	}

	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for name, c := range cfg.Capabilities {
		capability := ParseCapability(name)
		if capability == "" {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		for _, ep := range append(append([]string{}, c.Preferred...), c.Fallback...) {
			if _, ok := cfg.Endpoints[ep]; !ok {
				return nil, fmt.Errorf("capability %s references unknown endpoint %q", name, ep)
			}
		}
		caps[capability] = c
	}
	for name, ep := range cfg.Endpoints {
		if ep.Provider == "" {
			return nil, fmt.Errorf("endpoint %s: provider is required", name)
		}
		if ep.Model == "" {
			return nil, fmt.Errorf("endpoint %s: model is required", name)
		}
	}

	return NewRegistry(caps, cfg.Endpoints), nil
}
