package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(map[string]any{
		"step_template_override": "Context: {{PROMPT}}\n\n{{INSTRUCTION}}",
		"model_override":         "qwen",
		"working_folder":         "/tmp/story",
		"cleanup_patterns":       []any{"**/*.tmp", "drafts"},
		"chunk_size":             float64(1200),
		"skip_checker":           "true",
		"unknown":                42,
	})
	require.NoError(t, err)
	assert.Equal(t, "qwen", cfg.ModelOverride)
	assert.Equal(t, "/tmp/story", cfg.WorkingFolder)
	assert.Equal(t, []string{"**/*.tmp", "drafts"}, cfg.CleanupPatterns)
	assert.Equal(t, 1200, cfg.ChunkSize)
	assert.True(t, cfg.SkipChecker)

	empty, err := DecodeConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, ExecutionConfig{}, empty)

	_, err = DecodeConfig(map[string]any{"chunk_size": "lots"})
	assert.Error(t, err)
}

func TestStepTemplate(t *testing.T) {
	assert.Equal(t, "write", ExecutionConfig{}.stepTemplate("write"))
	assert.Equal(t, "Be vivid: write", ExecutionConfig{StepTemplateOverride: "Be vivid: {{INSTRUCTION}}"}.stepTemplate("write"))
	assert.Equal(t, "Be vivid.\n\nwrite", ExecutionConfig{StepTemplateOverride: "Be vivid."}.stepTemplate("write"))
}
