// Package validation decides whether a step's output is accepted, retried or
// escalated. Deterministic checks run first; the first failing check wins.
package validation

// Result is the verdict for one step attempt.
type Result struct {
	IsValid    bool   `json:"is_valid"`
	Reason     string `json:"reason,omitempty"`
	NeedsRetry bool   `json:"needs_retry"`

	SemanticScore   *float64 `json:"semantic_score,omitempty"`
	CoveragePercent *float64 `json:"coverage_percent,omitempty"`
	ViolatedRules   []string `json:"violated_rules,omitempty"`

	// SystemMessageOverride, when set, replaces the system message of the
	// next attempt instead of appending Reason as corrective feedback.
	SystemMessageOverride string `json:"system_message_override,omitempty"`
}

// Valid returns an accepting result.
func Valid() Result {
	return Result{IsValid: true}
}

// Invalid returns a rejecting result that asks for a retry.
func Invalid(reason string) Result {
	return Result{Reason: reason, NeedsRetry: true}
}

func (r Result) withScore(score float64) Result {
	r.SemanticScore = &score
	return r
}
