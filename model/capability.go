// Package model provides capability-based model selection for generation steps.
// Steps ask for a capability (writing, reviewing, tts) and the registry resolves
// it to configured models, with fallback chains and score-ranked alternatives.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityWriting is for long-form generation: plots, chapters, full stories.
	CapabilityWriting Capability = "writing"

	// CapabilityReviewing is for checker agents that judge another model's output.
	CapabilityReviewing Capability = "reviewing"

	// CapabilitySummarizing condenses prior step outputs for later prompts.
	CapabilitySummarizing Capability = "summarizing"

	// CapabilityTTS is for producing structured TTS schema entries from source text.
	CapabilityTTS Capability = "tts"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// RoleCapabilities maps agent roles to their default capability.
var RoleCapabilities = map[string]Capability{
	"general":          CapabilityFast,
	"writer":           CapabilityWriting,
	"story_writer":     CapabilityWriting,
	"checker":          CapabilityReviewing,
	"response_checker": CapabilityReviewing,
	"evaluator":        CapabilityReviewing,
	"summarizer":       CapabilitySummarizing,
	"tts_json":         CapabilityTTS,
	"tts":              CapabilityTTS,
}

// CapabilityForRole returns the default capability for a given role.
// Returns CapabilityWriting for unknown roles.
func CapabilityForRole(role string) Capability {
	if cap, ok := RoleCapabilities[role]; ok {
		return cap
	}
	return CapabilityWriting
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityWriting, CapabilityReviewing, CapabilitySummarizing, CapabilityTTS, CapabilityFast:
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
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}
