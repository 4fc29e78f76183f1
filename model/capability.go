// Package model resolves LLM capabilities to concrete provider endpoints.
// Board handlers ask for "text" or "vision" and the registry answers with an
// ordered chain of configured endpoints, skipping the ones whose circuit is open.
package model

// Capability names the kind of model a call needs.
type Capability string

const (
	// CapabilityText is plain chat completion over prepared messages.
	CapabilityText Capability = "text"

	// CapabilityVision is completion over messages that carry a page image.
	CapabilityVision Capability = "vision"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityText, CapabilityVision:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
