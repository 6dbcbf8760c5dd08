package model

import "testing"

func TestCapabilityForRole(t *testing.T) {
	tests := []struct {
		role     string
		expected Capability
	}{
		{"general", CapabilityFast},
		{"writer", CapabilityWriting},
		{"story_writer", CapabilityWriting},
		{"response_checker", CapabilityReviewing},
		{"summarizer", CapabilitySummarizing},
		{"tts_json", CapabilityTTS},
		// Fallback
		{"unknown-role", CapabilityWriting},
		{"", CapabilityWriting},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			got := CapabilityForRole(tt.role)
			if got != tt.expected {
				t.Errorf("CapabilityForRole(%q) = %q, want %q", tt.role, got, tt.expected)
			}
		})
	}
}

func TestCapabilityIsValid(t *testing.T) {
	tests := []struct {
		cap      Capability
		expected bool
	}{
		{CapabilityWriting, true},
		{CapabilityReviewing, true},
		{CapabilitySummarizing, true},
		{CapabilityTTS, true},
		{CapabilityFast, true},
		{Capability("planning"), false},
		{Capability(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.cap), func(t *testing.T) {
			if got := tt.cap.IsValid(); got != tt.expected {
				t.Errorf("%q.IsValid() = %v, want %v", tt.cap, got, tt.expected)
			}
		})
	}
}

func TestParseCapability(t *testing.T) {
	if got := ParseCapability("tts"); got != CapabilityTTS {
		t.Errorf("ParseCapability(tts) = %q", got)
	}
	if got := ParseCapability("bogus"); got != "" {
		t.Errorf("ParseCapability(bogus) = %q, want empty", got)
	}
}
