package validation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/c360studio/semforge/model"
)

// StepRole says what a step is expected to produce.
type StepRole string

const (
	RoleGeneral   StepRole = ""
	RolePlot      StepRole = "plot"
	RoleFullStory StepRole = "full_story"
)

// Defaults for Criteria thresholds left at zero.
const (
	DefaultMinPlotChars     = 150
	DefaultMinPlotSemantic  = 0.60
	DefaultMinFullStoryChar = 2000
)

// Criteria configures the checks for one step.
type Criteria struct {
	// TTS enables the coverage check against StepContext.SourceChunk.
	TTS               bool
	CoverageThreshold float64

	Role              StepRole
	MinPlotChars      int
	MinPlotSemantic   float64
	MinFullStoryChars int

	// ExecutorRole is the agent role that produced the output. Writer roles
	// get the WriterSemanticThreshold check.
	ExecutorRole            string
	WriterSemanticThreshold float64

	// Rules is free-form acceptance criteria handed to the checker agent.
	Rules string
	// SkipChecker disables delegation to the checker agent.
	SkipChecker bool
}

// StepContext identifies where the output came from.
type StepContext struct {
	ExecutionID string
	StepNumber  int
	MaxStep     int
	Attempt     int
	// SourceChunk is the text a TTS step must cover.
	SourceChunk string
	// CheckerModel pins the checker's model; empty uses the reviewing capability.
	CheckerModel         string
	CheckerSystemMessage string
}

// Request is one validation call.
type Request struct {
	Instruction string
	Output      string
	Criteria    Criteria
	StepContext StepContext
}

// Scorer measures semantic alignment between two texts, 0..1.
type Scorer interface {
	Score(ctx context.Context, a, b string) (float64, error)
}

// Option configures a Gate.
type Option func(*Gate)

// WithScorer sets the semantic scorer. Without one, semantic checks are skipped.
func WithScorer(s Scorer) Option {
	return func(g *Gate) {
		g.scorer = s
	}
}

// WithChecker sets the delegated checker. Without one, outputs that pass the
// deterministic checks are accepted.
func WithChecker(c *Checker) Option {
	return func(g *Gate) {
		g.checker = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// Gate composes the deterministic checks with the checker agent.
type Gate struct {
	scorer  Scorer
	checker *Checker
	logger  *slog.Logger
}

// NewGate creates a Gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate runs the checks in order: emptiness, TTS coverage, role minimums,
// writer semantic threshold, then the checker agent.
func (g *Gate) Validate(ctx context.Context, req Request) Result {
	output := strings.TrimSpace(req.Output)
	if output == "" {
		return Invalid("the response was empty; produce the requested content")
	}
	c := req.Criteria

	if c.TTS {
		cov := ValidateTTSSchemaResponse(output, req.StepContext.SourceChunk, c.CoverageThreshold)
		g.logger.Debug("TTS coverage",
			"execution_id", req.StepContext.ExecutionID,
			"step", req.StepContext.StepNumber,
			"coverage", cov.CoveragePercent,
			"entries", cov.Entries)
		// Coverage is the TTS acceptance test; the checker is not consulted.
		return cov.ToResult()
	}

	chars := utf8.RuneCountInString(output)
	var score *float64

	switch c.Role {
	case RolePlot:
		minChars := orDefault(c.MinPlotChars, DefaultMinPlotChars)
		if chars < minChars {
			return Invalid(fmt.Sprintf("the plot is %d characters long; at least %d are required", chars, minChars))
		}
		if s, ok := g.score(ctx, req); ok {
			score = &s
			minScore := orDefaultF(c.MinPlotSemantic, DefaultMinPlotSemantic)
			if s < minScore {
				return Invalid(fmt.Sprintf("the plot does not follow the instruction closely enough (alignment %.2f, need %.2f)", s, minScore)).withScore(s)
			}
		}
	case RoleFullStory:
		minChars := orDefault(c.MinFullStoryChars, DefaultMinFullStoryChar)
		if chars < minChars {
			return Invalid(fmt.Sprintf("the story is %d characters long; at least %d are required, write the complete story", chars, minChars))
		}
	}

	if isWriterRole(c.ExecutorRole) && c.WriterSemanticThreshold > 0 {
		s, ok := 0.0, false
		if score != nil {
			s, ok = *score, true
		} else {
			s, ok = g.score(ctx, req)
		}
		if ok {
			score = &s
			if s < c.WriterSemanticThreshold {
				return Invalid(fmt.Sprintf("the text drifts from the instruction (alignment %.2f, need %.2f)", s, c.WriterSemanticThreshold)).withScore(s)
			}
		}
	}

	if g.checker == nil || c.SkipChecker {
		res := Valid()
		res.SemanticScore = score
		return res
	}

	res := g.checker.Check(ctx, req)
	if res.SemanticScore == nil {
		res.SemanticScore = score
	}
	return res
}

func (g *Gate) score(ctx context.Context, req Request) (float64, bool) {
	if g.scorer == nil {
		return 0, false
	}
	s, err := g.scorer.Score(ctx, req.Instruction, req.Output)
	if err != nil {
		g.logger.Warn("Semantic scoring failed, skipping check",
			"execution_id", req.StepContext.ExecutionID,
			"step", req.StepContext.StepNumber,
			"error", err)
		return 0, false
	}
	return s, true
}

func isWriterRole(role string) bool {
	cap, ok := model.RoleCapabilities[role]
	return ok && cap == model.CapabilityWriting
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultF(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
