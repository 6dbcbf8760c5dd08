package placeholder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semforge/llm"
	"github.com/c360studio/semforge/llm/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSummarizer struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (c *countingSummarizer) Summarize(_ context.Context, text string) (string, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	if c.err != nil {
		return "", c.err
	}
	return "summary of " + strings.Fields(text)[2], nil
}

func TestResolve_Basic(t *testing.T) {
	r := NewResolver(nil)
	in := Input{
		ExecutionID:    "e1",
		Template:       "Idea: {{PROMPT}}\nOutline: {{STEP_1}}\nChunk: {{ CHUNK_2 }}\nKeep {{UNKNOWN}} as is.",
		Steps:          map[int]string{1: "three acts"},
		InitialContext: "a lighthouse keeper",
		Chunks:         []string{"c1", "c2"},
	}

	out, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Idea: a lighthouse keeper\nOutline: three acts\nChunk: c2\nKeep {{UNKNOWN}} as is.", out.Text)
	assert.False(t, out.MissingChunk)
}

func TestResolve_Idempotent(t *testing.T) {
	r := NewResolver(&countingSummarizer{})
	in := Input{
		ExecutionID: "e1",
		Template:    "{{STEP_1}} / {{STEP_1_SUMMARY}}",
		Steps:       map[int]string{1: "The keeper finds a letter."},
	}

	first, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolve_NoPlaceholders(t *testing.T) {
	out, err := NewResolver(nil).Resolve(context.Background(), Input{Template: "plain text"})
	require.NoError(t, err)
	assert.Equal(t, "plain text", out.Text)
}

func TestResolve_MissingChunk(t *testing.T) {
	r := NewResolver(nil)
	out, err := r.Resolve(context.Background(), Input{
		Template: "Transcribe {{CHUNK_5}} then {{CHUNK_7}}",
		Chunks:   []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.True(t, out.MissingChunk)
	assert.Equal(t, 5, out.MissingChunkIndex)
	assert.Contains(t, out.Text, "[CHUNK 5 NOT AVAILABLE]")
}

func TestResolve_StepSanitized(t *testing.T) {
	r := NewResolver(nil)
	out, err := r.Resolve(context.Background(), Input{
		Template: "Previous: {{STEP_2}}",
		Steps: map[int]string{
			2: `[{"name": "narrate", "arguments": {"text": "hola"}}, {"name": "narrate", "arguments": {"text": "adios"}}]`,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Previous: [step 2 produced 2 tool call(s): narrate]", out.Text)
}

func TestResolve_MissingStepIsEmpty(t *testing.T) {
	out, err := NewResolver(nil).Resolve(context.Background(), Input{
		Template: "<{{STEP_3}}>",
		Steps:    map[int]string{1: "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "<>", out.Text)
}

func TestResolve_SummaryCachedPerExecution(t *testing.T) {
	s := &countingSummarizer{}
	r := NewResolver(s)
	in := Input{
		ExecutionID: "e1",
		Template:    "{{STEPS_1-2_SUMMARY}} | {{STEPS_1-2_SUMMARY}}",
		Steps:       map[int]string{1: "alpha", 2: "beta", 3: "gamma"},
	}

	out, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "summary of alpha | summary of alpha", out.Text)
	assert.Equal(t, int32(1), s.calls.Load())

	other := in
	other.ExecutionID = "e2"
	_, err = r.Resolve(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.calls.Load())

	r.Forget("e1")
	_, err = r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(3), s.calls.Load())
}

func TestResolve_PartialRangeSummaryNotReused(t *testing.T) {
	s := &countingSummarizer{}
	r := NewResolver(s)
	in := Input{
		ExecutionID: "e1",
		Template:    "{{STEPS_1-3_SUMMARY}}",
		Steps:       map[int]string{1: "alpha"},
	}

	_, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.calls.Load())

	in.Steps = map[int]string{1: "alpha", 2: "beta", 3: "gamma"}
	_, err = r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.calls.Load(), "range grew, summary recomputed")

	// A later step past the range sees the same completed range.
	in.Steps[4] = "delta"
	_, err = r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestResolve_ConcurrentSummariesDeduplicated(t *testing.T) {
	s := &countingSummarizer{delay: 50 * time.Millisecond}
	r := NewResolver(s)
	in := Input{
		ExecutionID: "e1",
		Template:    "{{STEP_1_SUMMARY}}",
		Steps:       map[int]string{1: "alpha"},
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Resolve(context.Background(), in)
			assert.NoError(t, err)
			assert.Equal(t, "summary of alpha", out.Text)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestResolve_SummaryFailureFallsBack(t *testing.T) {
	s := &countingSummarizer{err: errors.New("model down")}
	r := NewResolver(s)
	out, err := r.Resolve(context.Background(), Input{
		ExecutionID: "e1",
		Template:    "{{STEP_1_SUMMARY}}",
		Steps:       map[int]string{1: "alpha"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Step 1:\nalpha", out.Text)
}

func TestExtract(t *testing.T) {
	outline := strings.Join([]string{
		"# Characters",
		"Maria: the keeper",
		"## Chapter 1",
		"Maria finds a letter.",
		"It is unsigned.",
		"## Chapter 2",
		"A storm arrives.",
	}, "\n")

	assert.Equal(t, "## Chapter 1\nMaria finds a letter.\nIt is unsigned.", Extract(outline, "chapter 1"))
	assert.Equal(t, "## Chapter 2\nA storm arrives.", Extract(outline, "Chapter 2"))
	assert.Equal(t, "Maria: the keeper", Extract(outline, "Maria:"))
	assert.Empty(t, Extract(outline, "Chapter 9"))
	assert.Empty(t, Extract(outline, ""))

	out, err := NewResolver(nil).Resolve(context.Background(), Input{
		Template: "{{STEP_1_EXTRACT:Chapter 2}}",
		Steps:    map[int]string{1: outline},
	})
	require.NoError(t, err)
	assert.Equal(t, "## Chapter 2\nA storm arrives.", out.Text)
}

func TestHasChunkPlaceholder(t *testing.T) {
	assert.True(t, HasChunkPlaceholder("Read {{CHUNK_1}}"))
	assert.True(t, HasChunkPlaceholder("Read {{ CHUNK_12 }}"))
	assert.False(t, HasChunkPlaceholder("Read {{STEP_1}}"))
}

func TestOrchestratorSummarizer(t *testing.T) {
	mock := &testutil.MockOrchestrator{Replies: []testutil.Reply{{Content: "  condensed  "}, {Content: ""}}}
	s := NewOrchestratorSummarizer(mock, 0)

	got, err := s.Summarize(context.Background(), "long text")
	require.NoError(t, err)
	assert.Equal(t, "condensed", got)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "summarizing", reqs[0].Capability)
	assert.Contains(t, reqs[0].Prompt, "at most 250 words")

	_, err = s.Summarize(context.Background(), "long text")
	assert.Error(t, err)

	var _ llm.Orchestrator = mock
}
