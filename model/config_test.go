package model

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromJSON(t *testing.T) {
	t.Run("wrapped config", func(t *testing.T) {
		data := []byte(`{
			"model_registry": {
				"capabilities": {"writing": {"preferred": ["model-a"], "fallback": ["model-b"]}},
				"endpoints": {"model-a": {"provider": "ollama", "model": "a", "scores": {"writer": 7}}}
			}
		}`)

		r, err := LoadFromJSON(data)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if got := r.Resolve(CapabilityWriting); got != "model-a" {
			t.Errorf("expected model-a, got %q", got)
		}
		if ep := r.GetEndpoint("model-a"); ep == nil || ep.Scores.Writer != 7 {
			t.Errorf("expected writer score 7, got %+v", ep)
		}
	})

	t.Run("bare config", func(t *testing.T) {
		data := []byte(`{"capabilities": {"tts": {"preferred": ["voice"]}}}`)

		r, err := LoadFromJSON(data)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if got := r.Resolve(CapabilityTTS); got != "voice" {
			t.Errorf("expected voice, got %q", got)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := LoadFromJSON([]byte(`not valid json`)); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	content := `
capabilities:
  reviewing:
    preferred: [checker]
endpoints:
  checker:
    provider: ollama
    model: qwen2.5:7b
    disabled: true
    scores:
      total: 4.5
defaults:
  model: checker
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if got := r.Resolve(CapabilityReviewing); got != "checker" {
		t.Errorf("expected checker, got %q", got)
	}
	ep := r.GetEndpoint("checker")
	if ep == nil || !ep.Disabled || ep.Scores.Total != 4.5 {
		t.Errorf("unexpected endpoint %+v", ep)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMergeFromConfig(t *testing.T) {
	r := NewDefaultRegistry()
	r.MergeFromConfig(&RegistryConfig{
		Endpoints: map[string]*EndpointConfig{"qwen": {Provider: "ollama", Model: "qwen3:32b"}},
		Defaults:  &DefaultsConfig{Model: "llama3.1"},
	})

	if ep := r.GetEndpoint("qwen"); ep.Model != "qwen3:32b" {
		t.Errorf("expected overwritten model, got %q", ep.Model)
	}
	if got := r.Resolve(Capability("unknown")); got != "llama3.1" {
		t.Errorf("expected new default, got %q", got)
	}
}
