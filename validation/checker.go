package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semforge/llm"
)

// DefaultCheckerTimeout bounds a single checker call, matching the step timeout.
const DefaultCheckerTimeout = 5 * time.Minute

const checkerPrompt = `You are reviewing the output of a generation step.

INSTRUCTION:
%s

ACCEPTANCE CRITERIA:
%s

OUTPUT TO REVIEW:
%s

Answer with JSON only:
{"valid": true|false, "needs_retry": true|false, "reason": "what is wrong and how to fix it", "violated_rules": ["rule ids"]}`

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckerTimeout sets the per-call timeout.
func WithCheckerTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCheckerLogger sets the logger.
func WithCheckerLogger(logger *slog.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger
	}
}

// Checker delegates validation to a reviewing model through the same
// orchestrator the steps run on.
type Checker struct {
	orch    llm.Orchestrator
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a Checker.
func NewChecker(orch llm.Orchestrator, opts ...CheckerOption) *Checker {
	c := &Checker{
		orch:    orch,
		timeout: DefaultCheckerTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check asks the checker model for a verdict. Any failure to obtain or parse
// one rejects the output.
func (c *Checker) Check(ctx context.Context, req Request) Result {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rules := strings.TrimSpace(req.Criteria.Rules)
	if rules == "" {
		rules = "The output fully and faithfully carries out the instruction."
	}

	res, err := c.orch.Execute(callCtx, llm.ExecuteRequest{
		Model:         req.StepContext.CheckerModel,
		Capability:    "reviewing",
		Prompt:        fmt.Sprintf(checkerPrompt, req.Instruction, rules, req.Output),
		SystemMessage: req.StepContext.CheckerSystemMessage,
	})
	if err != nil {
		c.logger.Warn("Checker call failed",
			"execution_id", req.StepContext.ExecutionID,
			"step", req.StepContext.StepNumber,
			"error", err)
		return Invalid(llm.FailureReason("the checker", err))
	}
	if !res.Success {
		return Invalid(fmt.Sprintf("the checker failed: %s", res.Error))
	}

	return ParseVerdict(res.FinalResponse)
}

// verdict accepts the key spellings checker models produce.
type verdict struct {
	Valid         *bool    `json:"valid"`
	IsValid       *bool    `json:"is_valid"`
	IsValidCamel  *bool    `json:"isValid"`
	NeedsRetry    *bool    `json:"needs_retry"`
	NeedsRetryCml *bool    `json:"needsRetry"`
	Reason        string   `json:"reason"`
	Feedback      string   `json:"feedback"`
	ViolatedRules []string `json:"violated_rules"`
	ViolatedCamel []string `json:"violatedRules"`
	SystemMessage string   `json:"system_message"`
}

func firstBool(vals ...*bool) *bool {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

var (
	negativeKeywords = []string{
		"invalid", "not valid", "no es válido", "no es valido", "inválido", "invalido",
		"rejected", "reject", "rechaz", "does not meet", "doesn't meet", "no cumple",
		"fails", "failed", "incorrect", "incorrecto", "needs retry",
	}
	positiveKeywords = []string{
		"valid", "válido", "approved", "aprobado", "accepted", "acceptable",
		"meets the criteria", "cumple", "correct", "correcto", "looks good", "lgtm",
	}
)

// ParseVerdict reads a checker response: JSON first, then keyword heuristics,
// then fail closed.
func ParseVerdict(text string) Result {
	if obj := llm.ExtractJSON(text); obj != "" {
		var v verdict
		if err := json.Unmarshal([]byte(obj), &v); err == nil {
			if valid := firstBool(v.Valid, v.IsValid, v.IsValidCamel); valid != nil {
				reason := v.Reason
				if reason == "" {
					reason = v.Feedback
				}
				rules := v.ViolatedRules
				if len(rules) == 0 {
					rules = v.ViolatedCamel
				}
				if *valid {
					return Result{IsValid: true, Reason: reason}
				}
				needsRetry := true
				if nr := firstBool(v.NeedsRetry, v.NeedsRetryCml); nr != nil {
					needsRetry = *nr
				}
				if reason == "" {
					reason = "the checker rejected the output"
				}
				return Result{
					Reason:                reason,
					NeedsRetry:            needsRetry,
					ViolatedRules:         rules,
					SystemMessageOverride: v.SystemMessage,
				}
			}
		}
	}

	lower := strings.ToLower(text)
	for _, kw := range negativeKeywords {
		if strings.Contains(lower, kw) {
			return Invalid(truncateReason(text))
		}
	}
	for _, kw := range positiveKeywords {
		if strings.Contains(lower, kw) {
			return Result{IsValid: true, Reason: truncateReason(text)}
		}
	}

	return Invalid("the checker verdict could not be interpreted")
}

func truncateReason(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > 500 {
		return string(r[:500]) + "..."
	}
	return s
}
