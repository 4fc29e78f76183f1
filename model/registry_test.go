package model

import (
	"testing"
	"time"
)

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	if got := r.Chain(CapabilityText); len(got) != 2 || got[0] != "qwen-plus" {
		t.Errorf("unexpected text chain: %v", got)
	}
	if got := r.Chain(CapabilityVision); len(got) != 1 || got[0] != "qwen-vl" {
		t.Errorf("unexpected vision chain: %v", got)
	}
	if ep := r.Endpoint("qwen-vl"); ep == nil || ep.APIKeyEnv != "DASHSCOPE_API_KEY" {
		t.Errorf("vision endpoint misconfigured: %+v", ep)
	}
}

func TestChainUnknownCapability(t *testing.T) {
	r := NewDefaultRegistry()
	if chain := r.Chain(Capability("embedding")); chain != nil {
		t.Errorf("expected nil chain, got %v", chain)
	}
}

func TestParseCapability(t *testing.T) {
	tests := []struct {
		in   string
		want Capability
	}{
		{"text", CapabilityText},
		{"vision", CapabilityVision},
		{"planning", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseCapability(tt.in); got != tt.want {
			t.Errorf("ParseCapability(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg := &RegistryConfig{
		Capabilities: map[string]*CapabilityConfig{
			"text": {Preferred: []string{"a"}, Fallback: []string{"b"}},
		},
		Endpoints: map[string]*EndpointConfig{
			"a": {Provider: "openai", Model: "m1"},
			"b": {Provider: "ollama", Model: "m2"},
		},
	}
	r, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got := r.Chain(CapabilityText); len(got) != 2 || got[1] != "b" {
		t.Errorf("unexpected chain %v", got)
	}
}

func TestFromConfigRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		cfg  *RegistryConfig
	}{
		{
			name: "unknown capability",
			cfg: &RegistryConfig{
				Capabilities: map[string]*CapabilityConfig{"coding": {Preferred: []string{"a"}}},
				Endpoints:    map[string]*EndpointConfig{"a": {Provider: "openai", Model: "m"}},
			},
		},
		{
			name: "dangling endpoint",
			cfg: &RegistryConfig{
				Capabilities: map[string]*CapabilityConfig{"text": {Preferred: []string{"missing"}}},
				Endpoints:    map[string]*EndpointConfig{"a": {Provider: "openai", Model: "m"}},
			},
		},
		{
			name: "missing provider",
			cfg: &RegistryConfig{
				Endpoints: map[string]*EndpointConfig{"a": {Model: "m"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromConfig(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCircuitBreaker(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})

	if h := r.EndpointHealth("qwen-plus"); h != nil {
		t.Fatal("expected no health info before any request")
	}

	r.MarkEndpointFailure("qwen-plus")
	if !r.IsEndpointAvailable("qwen-plus") {
		t.Fatal("one failure must not open the circuit")
	}
	r.MarkEndpointFailure("qwen-plus")
	if r.IsEndpointAvailable("qwen-plus") {
		t.Fatal("circuit should be open after threshold")
	}

	chain := r.AvailableChain(CapabilityText)
	if len(chain) != 1 || chain[0] != "ollama-qwen" {
		t.Errorf("expected tripped endpoint filtered out, got %v", chain)
	}

	time.Sleep(60 * time.Millisecond)
	if !r.IsEndpointAvailable("qwen-plus") {
		t.Error("expected half-open after recovery timeout")
	}

	r.MarkEndpointSuccess("qwen-plus")
	h := r.EndpointHealth("qwen-plus")
	if h == nil || h.CircuitOpen || h.FailureCount != 0 {
		t.Errorf("expected closed circuit after success, got %+v", h)
	}
}

func TestAvailableChainAllTripped(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	r.MarkEndpointFailure("qwen-vl")

	if chain := r.AvailableChain(CapabilityVision); len(chain) != 1 {
		t.Errorf("expected full chain when everything is tripped, got %v", chain)
	}
}
