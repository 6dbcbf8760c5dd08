package validation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/semforge/llm"
	"github.com/c360studio/semforge/llm/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedScorer struct {
	score float64
	err   error
	calls int
}

func (f *fixedScorer) Score(context.Context, string, string) (float64, error) {
	f.calls++
	return f.score, f.err
}

func TestGate_EmptyAlwaysInvalid(t *testing.T) {
	mock := &testutil.MockOrchestrator{}
	g := NewGate(WithChecker(NewChecker(mock)))

	res := g.Validate(context.Background(), Request{Instruction: "write", Output: "   \n"})
	assert.False(t, res.IsValid)
	assert.True(t, res.NeedsRetry)
	assert.Zero(t, mock.CallCount())
}

func TestGate_TTSShortCircuitsChecker(t *testing.T) {
	mock := &testutil.MockOrchestrator{}
	g := NewGate(WithChecker(NewChecker(mock)))

	res := g.Validate(context.Background(), Request{
		Output:      `[{"name":"narrate","arguments":{"text":"the keeper climbs the stairs"}}]`,
		Criteria:    Criteria{TTS: true, CoverageThreshold: 0.8},
		StepContext: StepContext{SourceChunk: "The keeper climbs the stairs."},
	})
	assert.True(t, res.IsValid)
	require.NotNil(t, res.CoveragePercent)
	assert.InDelta(t, 1.0, *res.CoveragePercent, 1e-9)
	assert.Zero(t, mock.CallCount())
}

func TestGate_PlotMinimums(t *testing.T) {
	scorer := &fixedScorer{score: 0.4}
	g := NewGate(WithScorer(scorer))

	res := g.Validate(context.Background(), Request{
		Output:   "Too short.",
		Criteria: Criteria{Role: RolePlot},
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "at least 150")
	assert.Zero(t, scorer.calls)

	res = g.Validate(context.Background(), Request{
		Output:   strings.Repeat("plot ", 40),
		Criteria: Criteria{Role: RolePlot},
	})
	assert.False(t, res.IsValid)
	require.NotNil(t, res.SemanticScore)
	assert.InDelta(t, 0.4, *res.SemanticScore, 1e-9)

	scorer.score = 0.75
	res = g.Validate(context.Background(), Request{
		Output:   strings.Repeat("plot ", 40),
		Criteria: Criteria{Role: RolePlot},
	})
	assert.True(t, res.IsValid)
	require.NotNil(t, res.SemanticScore)
}

func TestGate_FullStoryMinimum(t *testing.T) {
	g := NewGate()

	res := g.Validate(context.Background(), Request{
		Output:   strings.Repeat("a", 999),
		Criteria: Criteria{Role: RoleFullStory, MinFullStoryChars: 1000},
	})
	assert.False(t, res.IsValid)

	res = g.Validate(context.Background(), Request{
		Output:   strings.Repeat("a", 1000),
		Criteria: Criteria{Role: RoleFullStory, MinFullStoryChars: 1000},
	})
	assert.True(t, res.IsValid)
}

func TestGate_WriterSemanticThreshold(t *testing.T) {
	scorer := &fixedScorer{score: 0.5}
	g := NewGate(WithScorer(scorer))

	res := g.Validate(context.Background(), Request{
		Output:   "A chapter.",
		Criteria: Criteria{ExecutorRole: "writer", WriterSemanticThreshold: 0.65},
	})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "drifts")

	// Non-writer roles skip the check.
	res = g.Validate(context.Background(), Request{
		Output:   "A verdict.",
		Criteria: Criteria{ExecutorRole: "checker", WriterSemanticThreshold: 0.65},
	})
	assert.True(t, res.IsValid)

	// A failing scorer skips rather than blocks.
	scorer.err = errors.New("embedding service down")
	res = g.Validate(context.Background(), Request{
		Output:   "A chapter.",
		Criteria: Criteria{ExecutorRole: "writer", WriterSemanticThreshold: 0.65},
	})
	assert.True(t, res.IsValid)
}

func TestGate_DelegatesToChecker(t *testing.T) {
	mock := &testutil.MockOrchestrator{Replies: []testutil.Reply{
		{Content: `{"valid": false, "reason": "the chapter skips the storm", "violated_rules": ["R2"]}`},
	}}
	g := NewGate(WithChecker(NewChecker(mock)))

	res := g.Validate(context.Background(), Request{
		Instruction: "Write chapter 2 with the storm",
		Output:      "Chapter 2. It was sunny.",
		Criteria:    Criteria{Rules: "R2: include the storm"},
		StepContext: StepContext{CheckerModel: "llama3.1", CheckerSystemMessage: "Be strict."},
	})
	assert.False(t, res.IsValid)
	assert.True(t, res.NeedsRetry)
	assert.Equal(t, "the chapter skips the storm", res.Reason)
	assert.Equal(t, []string{"R2"}, res.ViolatedRules)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "llama3.1", reqs[0].Model)
	assert.Equal(t, "Be strict.", reqs[0].SystemMessage)
	assert.Contains(t, reqs[0].Prompt, "R2: include the storm")
	assert.Contains(t, reqs[0].Prompt, "It was sunny.")

	res = g.Validate(context.Background(), Request{Output: "x", Criteria: Criteria{SkipChecker: true}})
	assert.True(t, res.IsValid)
	assert.Equal(t, 1, mock.CallCount())
}

func TestChecker_FailsClosed(t *testing.T) {
	mock := &testutil.MockOrchestrator{Replies: []testutil.Reply{
		{Err: llm.NewTransientError(errors.New("503"))},
	}}
	res := NewChecker(mock).Check(context.Background(), Request{Output: "x"})
	assert.False(t, res.IsValid)
	assert.True(t, res.NeedsRetry)

	slow := &testutil.MockOrchestrator{Handler: func(ctx context.Context, _ llm.ExecuteRequest) (*llm.ExecuteResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	res = NewChecker(slow, WithCheckerTimeout(10*time.Millisecond)).Check(context.Background(), Request{Output: "x"})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "timed out")
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		valid      bool
		needsRetry bool
		reason     string
	}{
		{"json valid", `{"valid": true}`, true, false, ""},
		{"json invalid default retry", `{"is_valid": false, "feedback": "too vague"}`, false, true, "too vague"},
		{"json invalid no retry", "```json\n{\"isValid\": false, \"needsRetry\": false, \"reason\": \"off topic\"}\n```", false, false, "off topic"},
		{"keyword negative", "The answer is invalid because it ignores the prompt.", false, true, "The answer is invalid because it ignores the prompt."},
		{"keyword positive", "Looks good, the chapter is valid.", true, false, "Looks good, the chapter is valid."},
		{"spanish negative", "La respuesta no cumple los criterios.", false, true, "La respuesta no cumple los criterios."},
		{"json without verdict falls to keywords", `{"comment": "approved"}`, true, false, `{"comment": "approved"}`},
		{"unparseable", "hmm", false, true, "the checker verdict could not be interpreted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseVerdict(tt.text)
			assert.Equal(t, tt.valid, res.IsValid)
			assert.Equal(t, tt.needsRetry, res.NeedsRetry)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestParseVerdict_SystemMessageOverride(t *testing.T) {
	res := ParseVerdict(`{"valid": false, "reason": "wrong language", "system_message": "Write only in Spanish."}`)
	assert.Equal(t, "Write only in Spanish.", res.SystemMessageOverride)
}
