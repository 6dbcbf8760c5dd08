// Package placeholder resolves step templates against earlier step outputs,
// the execution's initial context and source-text chunks.
//
// Grammar:
//
//	{{PROMPT}}                 initial context, verbatim
//	{{STEP_N}}                 output of step N (tool-call noise replaced by a summary line)
//	{{STEP_N_SUMMARY}}         condensed output of step N
//	{{STEPS_N-M_SUMMARY}}      condensed outputs of steps N through M
//	{{STEP_N_EXTRACT:filter}}  step N from the first line containing filter to the next heading
//	{{CHUNK_N}}                Nth source chunk, 1-based
//
// Anything else inside double braces is left untouched.
package placeholder

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/c360studio/semforge/llm"
	"golang.org/x/sync/singleflight"
)

var (
	tokenPattern   = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	stepPattern    = regexp.MustCompile(`^STEP_(\d+)$`)
	summaryPattern = regexp.MustCompile(`^STEP_(\d+)_SUMMARY$`)
	rangePattern   = regexp.MustCompile(`^STEPS_(\d+)-(\d+)_SUMMARY$`)
	extractPattern = regexp.MustCompile(`^STEP_(\d+)_EXTRACT:(.+)$`)
	chunkPattern   = regexp.MustCompile(`^CHUNK_(\d+)$`)
	anyChunk       = regexp.MustCompile(`\{\{\s*CHUNK_\d+\s*\}\}`)
	headingPattern = regexp.MustCompile(`(?i)^\s*(#{1,6}\s+\S|\*\*[^*]+\*\*\s*$|(chapter|cap[ií]tulo|section|secci[oó]n|part|parte)\s+[\w]+)`)
)

// maxFallbackSummary bounds the text used in place of a summary when no
// summarizer is configured or it fails.
const maxFallbackSummary = 1500

// Summarizer condenses text. Implementations must honour ctx.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Input is everything a template can reference.
type Input struct {
	// ExecutionID scopes the summary cache.
	ExecutionID string
	Template    string
	// Steps maps step number to output for completed steps only.
	Steps          map[int]string
	InitialContext string
	Chunks         []string
}

// Output is a resolved template.
type Output struct {
	Text string
	// MissingChunk is set when a {{CHUNK_N}} referenced a chunk beyond the
	// available count. MissingChunkIndex is the first such N.
	MissingChunk      bool
	MissingChunkIndex int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver expands placeholders. Summaries are produced on demand and cached
// per (execution, step range) until Forget is called for the execution.
type Resolver struct {
	summarizer Summarizer
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]map[string]string
	group singleflight.Group
}

// NewResolver creates a Resolver. A nil summarizer falls back to truncation.
func NewResolver(s Summarizer, opts ...Option) *Resolver {
	r := &Resolver{
		summarizer: s,
		logger:     slog.Default(),
		cache:      make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasChunkPlaceholder reports whether text references any {{CHUNK_N}}.
func HasChunkPlaceholder(text string) bool {
	return anyChunk.MatchString(text)
}

// Resolve expands every placeholder in in.Template in document order.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Output, error) {
	matches := tokenPattern.FindAllStringSubmatchIndex(in.Template, -1)
	if len(matches) == 0 {
		return Output{Text: in.Template}, nil
	}

	var out Output
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(in.Template[last:m[0]])
		last = m[1]

		token := in.Template[m[2]:m[3]]
		value, ok, err := r.expand(ctx, in, token, &out)
		if err != nil {
			return Output{}, err
		}
		if !ok {
			b.WriteString(in.Template[m[0]:m[1]])
			continue
		}
		b.WriteString(value)
	}
	b.WriteString(in.Template[last:])

	out.Text = b.String()
	return out, nil
}

func (r *Resolver) expand(ctx context.Context, in Input, token string, out *Output) (string, bool, error) {
	if token == "PROMPT" {
		return in.InitialContext, true, nil
	}

	if m := stepPattern.FindStringSubmatch(token); m != nil {
		n := atoi(m[1])
		return sanitize(n, r.step(in, n)), true, nil
	}

	if m := summaryPattern.FindStringSubmatch(token); m != nil {
		n := atoi(m[1])
		s, err := r.summary(ctx, in, n, n)
		return s, true, err
	}

	if m := rangePattern.FindStringSubmatch(token); m != nil {
		from, to := atoi(m[1]), atoi(m[2])
		if from > to {
			from, to = to, from
		}
		s, err := r.summary(ctx, in, from, to)
		return s, true, err
	}

	if m := extractPattern.FindStringSubmatch(token); m != nil {
		n := atoi(m[1])
		return Extract(r.step(in, n), strings.TrimSpace(m[2])), true, nil
	}

	if m := chunkPattern.FindStringSubmatch(token); m != nil {
		n := atoi(m[1])
		if n >= 1 && n <= len(in.Chunks) {
			return in.Chunks[n-1], true, nil
		}
		if !out.MissingChunk {
			out.MissingChunk = true
			out.MissingChunkIndex = n
		}
		return fmt.Sprintf("[CHUNK %d NOT AVAILABLE]", n), true, nil
	}

	return "", false, nil
}

func (r *Resolver) step(in Input, n int) string {
	s, ok := in.Steps[n]
	if !ok {
		r.logger.Warn("Placeholder references a step without output",
			"execution_id", in.ExecutionID,
			"step", n)
	}
	return s
}

// summary returns the cached condensation of steps from..to, computing it at
// most once per key even under concurrent calls. The key records the last
// completed step in the range, so a summary made while the range was partial
// is not reused once more of it has completed.
func (r *Resolver) summary(ctx context.Context, in Input, from, to int) (string, error) {
	last := 0
	for n, out := range in.Steps {
		if n >= from && n <= to && n > last && strings.TrimSpace(out) != "" {
			last = n
		}
	}
	key := fmt.Sprintf("%d-%d@%d", from, to, last)
	if s, ok := r.cached(in.ExecutionID, key); ok {
		return s, nil
	}

	text := joinSteps(in.Steps, from, to)
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	v, err, _ := r.group.Do(in.ExecutionID+":"+key, func() (any, error) {
		if s, ok := r.cached(in.ExecutionID, key); ok {
			return s, nil
		}
		if r.summarizer == nil {
			return truncate(text, maxFallbackSummary), nil
		}

		s, err := r.summarizer.Summarize(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.logger.Warn("Summary failed, using truncated text",
				"execution_id", in.ExecutionID,
				"steps", key,
				"error", err)
			return truncate(text, maxFallbackSummary), nil
		}

		r.store(in.ExecutionID, key, s)
		return s, nil
	})
	if err != nil {
		return "", fmt.Errorf("summarize steps %s: %w", key, err)
	}
	return v.(string), nil
}

func (r *Resolver) cached(executionID, key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.cache[executionID][key]
	return s, ok
}

func (r *Resolver) store(executionID, key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.cache[executionID]
	if !ok {
		m = make(map[string]string)
		r.cache[executionID] = m
	}
	m[key] = value
}

// Forget drops every cached summary of an execution.
func (r *Resolver) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, executionID)
}

// Extract returns output from the first line containing filter (case-insensitive)
// up to, not including, the next heading line. Returns "" when filter is absent.
func Extract(output, filter string) string {
	if filter == "" {
		return ""
	}
	lines := strings.Split(output, "\n")
	needle := strings.ToLower(filter)

	start := -1
	for i, line := range lines {
		if strings.Contains(strings.ToLower(line), needle) {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if headingPattern.MatchString(lines[i]) {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

// sanitize replaces an output that is only tool-call JSON with a one-line
// summary so later prompts are not fed raw call payloads.
func sanitize(n int, output string) string {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "```") {
		return output
	}
	calls := llm.ExtractToolCalls(trimmed)
	if len(calls) == 0 {
		return output
	}

	names := make([]string, 0, len(calls))
	seen := make(map[string]bool)
	for _, c := range calls {
		if !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	}
	return fmt.Sprintf("[step %d produced %d tool call(s): %s]", n, len(calls), strings.Join(names, ", "))
}

func joinSteps(steps map[int]string, from, to int) string {
	nums := make([]int, 0, to-from+1)
	for n := range steps {
		if n >= from && n <= to {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)

	parts := make([]string, 0, len(nums))
	for _, n := range nums {
		if s := strings.TrimSpace(steps[n]); s != "" {
			parts = append(parts, fmt.Sprintf("Step %d:\n%s", n, s))
		}
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
