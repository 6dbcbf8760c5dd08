// Package storage defines the persistence boundary for task executions, their
// step journal and the agents that run them.
package storage

import (
	"context"
	"maps"
	"slices"
	"time"
)

// ExecutionStatus represents the lifecycle state of a task execution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusInProgress ExecutionStatus = "in_progress"
	StatusPaused     ExecutionStatus = "paused"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the execution still counts against the
// one-active-per-(entity, task type) rule. Paused executions are active.
func (s ExecutionStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Execution is a persisted multi-step task execution.
type Execution struct {
	ID              string          `json:"id"`
	TaskType        string          `json:"task_type"`
	EntityID        string          `json:"entity_id,omitempty"`
	StepPrompt      string          `json:"step_prompt"`
	InitialContext  string          `json:"initial_context,omitempty"`
	CurrentStep     int             `json:"current_step"`
	MaxStep         int             `json:"max_step"`
	RetryCount      int             `json:"retry_count"`
	Status          ExecutionStatus `json:"status"`
	ExecutorAgentID string          `json:"executor_agent_id,omitempty"`
	CheckerAgentID  string          `json:"checker_agent_id,omitempty"`
	Config          map[string]any  `json:"config,omitempty"`
	ChunksAligned   bool            `json:"chunks_aligned,omitempty"`
	Result          string          `json:"result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with e.
func (e *Execution) Clone() *Execution {
	c := *e
	c.Config = maps.Clone(e.Config)
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Verdict is the validation outcome recorded with a step attempt.
type Verdict struct {
	IsValid         bool     `json:"is_valid"`
	Reason          string   `json:"reason,omitempty"`
	NeedsRetry      bool     `json:"needs_retry"`
	SemanticScore   *float64 `json:"semantic_score,omitempty"`
	CoveragePercent *float64 `json:"coverage_percent,omitempty"`
	ViolatedRules   []string `json:"violated_rules,omitempty"`
}

// Step is one append-only journal row: a single attempt at a single step.
type Step struct {
	// Seq is assigned by the store on append, 1-based per execution.
	Seq          int       `json:"seq"`
	ExecutionID  string    `json:"execution_id"`
	StepNumber   int       `json:"step_number"`
	Instruction  string    `json:"instruction"`
	Output       string    `json:"output"`
	AttemptCount int       `json:"attempt_count"`
	Model        string    `json:"model,omitempty"`
	Fallback     bool      `json:"fallback,omitempty"`
	Validation   *Verdict  `json:"validation,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Succeeded reports whether this attempt passed validation.
func (s *Step) Succeeded() bool {
	return s.Validation != nil && s.Validation.IsValid
}

// Clone returns a deep copy.
func (s *Step) Clone() *Step {
	c := *s
	if s.Validation != nil {
		v := *s.Validation
		v.ViolatedRules = slices.Clone(s.Validation.ViolatedRules)
		c.Validation = &v
	}
	return &c
}

// Agent is a configured LLM persona bound to a role.
type Agent struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	Model         string `json:"model,omitempty"`
	SystemMessage string `json:"system_message,omitempty"`
	Enabled       bool   `json:"enabled"`
}

// Store is implemented by every persistence backend. All methods may fail;
// missing records are reported as ErrNotFound.
type Store interface {
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, e *Execution) error
	// DeleteExecution removes the execution and its step journal.
	DeleteExecution(ctx context.Context, id string) error
	// FindActiveExecutions returns non-terminal executions for (entityID, taskType).
	FindActiveExecutions(ctx context.Context, entityID, taskType string) ([]*Execution, error)

	// AppendStep assigns s.Seq and CreatedAt and stores the row.
	AppendStep(ctx context.Context, s *Step) error
	// ListSteps returns the journal in append order.
	ListSteps(ctx context.Context, executionID string) ([]*Step, error)

	SaveAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	// ListAgents returns enabled and disabled agents for role, or all agents when
	// role is empty, sorted by ID.
	ListAgents(ctx context.Context, role string) ([]*Agent, error)
}

// ActiveKey is the (entity, task type) index key used by backends.
func ActiveKey(entityID, taskType string) string {
	return entityID + "|" + taskType
}
