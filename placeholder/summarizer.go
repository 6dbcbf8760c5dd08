package placeholder

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/semforge/llm"
)

const summaryPrompt = `Summarize the following text in at most %d words. Keep names, places and
plot events; drop style and dialogue. Reply with the summary only.

%s`

// OrchestratorSummarizer condenses text through an llm.Orchestrator using the
// summarizing capability.
type OrchestratorSummarizer struct {
	orch     llm.Orchestrator
	maxWords int
}

// NewOrchestratorSummarizer creates a summarizer; maxWords <= 0 means 250.
func NewOrchestratorSummarizer(orch llm.Orchestrator, maxWords int) *OrchestratorSummarizer {
	if maxWords <= 0 {
		maxWords = 250
	}
	return &OrchestratorSummarizer{orch: orch, maxWords: maxWords}
}

// Summarize implements Summarizer.
func (s *OrchestratorSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	res, err := s.orch.Execute(ctx, llm.ExecuteRequest{
		Capability: "summarizing",
		Prompt:     fmt.Sprintf(summaryPrompt, s.maxWords, text),
	})
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("summarizer: %s", res.Error)
	}
	out := strings.TrimSpace(res.FinalResponse)
	if out == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}
	return out, nil
}
