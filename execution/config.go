package execution

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// instructionToken marks where the step instruction goes in a step template override.
const instructionToken = "{{INSTRUCTION}}"

// ExecutionConfig is the decoded form of an execution's config blob.
type ExecutionConfig struct {
	// StepTemplateOverride wraps every step instruction. The instruction is
	// substituted for {{INSTRUCTION}}, or appended when the token is absent.
	StepTemplateOverride string `mapstructure:"step_template_override"`
	// ModelOverride pins the executor model for every step.
	ModelOverride string `mapstructure:"model_override"`
	// SystemMessage replaces the executor agent's system message.
	SystemMessage string `mapstructure:"system_message"`
	// WorkingFolder is cleaned with CleanupPatterns after completion.
	WorkingFolder   string   `mapstructure:"working_folder"`
	CleanupPatterns []string `mapstructure:"cleanup_patterns"`
	// ChunkSize overrides the task type's chunk size.
	ChunkSize int `mapstructure:"chunk_size"`
	// SkipChecker disables the checker agent for this execution.
	SkipChecker bool `mapstructure:"skip_checker"`
}

// DecodeConfig decodes a config blob. Unknown keys are ignored; numbers may
// arrive as JSON floats or strings.
func DecodeConfig(raw map[string]any) (ExecutionConfig, error) {
	var cfg ExecutionConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, fmt.Errorf("create config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, fmt.Errorf("decode execution config: %w", err)
	}
	if cfg.ChunkSize < 0 {
		return cfg, fmt.Errorf("decode execution config: chunk_size must not be negative")
	}
	return cfg, nil
}

// stepTemplate applies the override to instruction.
func (c ExecutionConfig) stepTemplate(instruction string) string {
	if c.StepTemplateOverride == "" {
		return instruction
	}
	if !strings.Contains(c.StepTemplateOverride, instructionToken) {
		return c.StepTemplateOverride + "\n\n" + instruction
	}
	return strings.ReplaceAll(c.StepTemplateOverride, instructionToken, instruction)
}
