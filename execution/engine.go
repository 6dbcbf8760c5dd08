// Package execution drives multi-step task executions.
//
// An execution moves pending → in_progress → completed | failed | cancelled,
// or to paused when the caller's context is cancelled between steps. Each step
// resolves its placeholders, calls the orchestrator, and runs the output
// through the validation gate. A rejected step is retried with the rejection
// reason as feedback, up to three attempts, then tried once on the best
// alternative model before the execution fails.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semforge/llm"
	"github.com/c360studio/semforge/model"
	"github.com/c360studio/semforge/notify"
	"github.com/c360studio/semforge/placeholder"
	"github.com/c360studio/semforge/storage"
	"github.com/c360studio/semforge/validation"
)

const (
	// DefaultStepTimeout bounds a single model call.
	DefaultStepTimeout = 5 * time.Minute
	// DefaultExecutionTimeout bounds a whole ExecuteAllSteps run.
	DefaultExecutionTimeout = 2 * time.Hour
	// DefaultMaxAttempts is the initial attempt plus two retries.
	DefaultMaxAttempts = 3
)

// Alternatives picks a fallback model after a step exhausts its attempts.
type Alternatives interface {
	BestAlternative(exclude string, cap model.Capability) (string, bool)
}

// StartRequest describes a new execution.
type StartRequest struct {
	TaskType        string
	EntityID        string
	StepPrompt      string
	InitialContext  string
	ExecutorAgentID string
	CheckerAgentID  string
	Config          map[string]any
}

// ProgressEvent is reported before each step runs.
type ProgressEvent struct {
	ExecutionID string
	Step        int
	MaxStep     int
	Description string
}

// RetryEvent is reported before each retry and before the fallback attempt.
type RetryEvent struct {
	ExecutionID string
	Step        int
	Attempt     int
	Fallback    bool
	Model       string
	Reason      string
}

// ExecuteOptions carries optional callbacks for ExecuteAllSteps. Callbacks run
// on the executing goroutine and must not block.
type ExecuteOptions struct {
	Progress func(ProgressEvent)
	Retry    func(RetryEvent)
}

// Result is the outcome of ExecuteAllSteps.
type Result struct {
	ExecutionID string
	Status      storage.ExecutionStatus
	// Output is the merged result, set when Status is completed.
	Output string
	// CurrentStep is where a paused execution resumes.
	CurrentStep int
	MaxStep     int
	// Attempts counts model calls made during this run.
	Attempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNotifier sets the progress sink. The default discards messages.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithAlternatives sets the fallback model picker. The default is a registry
// holding the built-in model defaults.
func WithAlternatives(a Alternatives) Option {
	return func(e *Engine) {
		e.alternatives = a
	}
}

// WithTaskTypes sets the task type registry. The default holds DefaultTaskTypes.
func WithTaskTypes(t *TaskTypes) Option {
	return func(e *Engine) {
		e.taskTypes = t
	}
}

// WithGate sets the validation gate. The default delegates to a checker on the
// engine's orchestrator and has no semantic scorer.
func WithGate(g *validation.Gate) Option {
	return func(e *Engine) {
		e.gate = g
	}
}

// WithResolver sets the placeholder resolver. The default summarizes through
// the engine's orchestrator.
func WithResolver(r *placeholder.Resolver) Option {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithStepTimeout sets the per-call timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithExecutionTimeout sets the safety timeout of a whole run.
func WithExecutionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.executionTimeout = d
		}
	}
}

// WithMaxAttempts sets the attempts per step before the fallback model.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

type stopReason int

const (
	stopNone stopReason = iota
	stopCancel
	stopReplaced
)

type runState struct {
	cancel context.CancelFunc
	reason stopReason
}

// Engine creates and drives task executions.
type Engine struct {
	store        storage.Store
	orch         llm.Orchestrator
	gate         *validation.Gate
	resolver     *placeholder.Resolver
	alternatives Alternatives
	taskTypes    *TaskTypes
	notifier     notify.Notifier
	logger       *slog.Logger

	stepTimeout      time.Duration
	executionTimeout time.Duration
	maxAttempts      int

	mu      sync.Mutex
	running map[string]*runState
}

// NewEngine creates an Engine.
func NewEngine(store storage.Store, orch llm.Orchestrator, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		orch:             orch,
		notifier:         notify.Nop{},
		logger:           slog.Default(),
		stepTimeout:      DefaultStepTimeout,
		executionTimeout: DefaultExecutionTimeout,
		maxAttempts:      DefaultMaxAttempts,
		running:          make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.taskTypes == nil {
		types, err := NewTaskTypes(DefaultTaskTypes()...)
		if err != nil {
			panic(fmt.Sprintf("built-in task types: %v", err))
		}
		e.taskTypes = types
	}
	if e.gate == nil {
		e.gate = validation.NewGate(
			validation.WithChecker(validation.NewChecker(orch, validation.WithCheckerLogger(e.logger))),
			validation.WithLogger(e.logger))
	}
	if e.resolver == nil {
		e.resolver = placeholder.NewResolver(placeholder.NewOrchestratorSummarizer(orch, 0), placeholder.WithLogger(e.logger))
	}
	if e.alternatives == nil {
		e.alternatives = model.NewDefaultRegistry()
	}
	return e
}

// TaskTypes returns the engine's task type registry.
func (e *Engine) TaskTypes() *TaskTypes {
	return e.taskTypes
}

// StartTaskExecution validates req and persists a pending execution. Any
// active execution for the same entity and task type is deleted first, and
// stopped if it is running.
func (e *Engine) StartTaskExecution(ctx context.Context, req StartRequest) (string, error) {
	tt, err := e.taskTypes.Get(req.TaskType)
	if err != nil {
		return "", err
	}

	steps, gaps := ParseSteps(req.StepPrompt)
	if len(steps) == 0 {
		return "", ErrNoSteps
	}
	for _, g := range gaps {
		e.logger.Warn("Step numbering gap, renumbering",
			"task_type", tt.Code, "position", g.Position, "found", g.Found)
	}

	if _, err := DecodeConfig(req.Config); err != nil {
		return "", err
	}

	executorID, err := e.resolveAgent(ctx, req.ExecutorAgentID, tt.ExecutorRole)
	if err != nil {
		return "", err
	}
	checkerID := req.CheckerAgentID
	if tt.CheckerRole != "" || checkerID != "" {
		if checkerID, err = e.resolveAgent(ctx, checkerID, tt.CheckerRole); err != nil {
			return "", err
		}
	}

	if req.EntityID != "" {
		if err := e.replaceActive(ctx, req.EntityID, tt.Code); err != nil {
			return "", err
		}
	}

	exec := &storage.Execution{
		ID:              uuid.NewString(),
		TaskType:        tt.Code,
		EntityID:        req.EntityID,
		StepPrompt:      req.StepPrompt,
		InitialContext:  req.InitialContext,
		CurrentStep:     1,
		MaxStep:         len(steps),
		Status:          storage.StatusPending,
		ExecutorAgentID: executorID,
		CheckerAgentID:  checkerID,
		Config:          req.Config,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	e.logger.Info("Execution created",
		"execution_id", exec.ID, "task_type", tt.Code, "entity_id", req.EntityID, "steps", len(steps))
	e.notifier.Append(ctx, channelFor(exec), fmt.Sprintf("Execution created with %d steps", len(steps)), notify.LevelInfo)
	return exec.ID, nil
}

func (e *Engine) resolveAgent(ctx context.Context, id, role string) (string, error) {
	if id != "" {
		agent, err := e.store.GetAgent(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: agent %s does not exist", ErrNoAgentForRole, id)
		}
		if err != nil {
			return "", fmt.Errorf("get agent %s: %w", id, err)
		}
		if !agent.Enabled {
			return "", fmt.Errorf("%w: agent %s is disabled", ErrNoAgentForRole, id)
		}
		return agent.ID, nil
	}

	agents, err := e.store.ListAgents(ctx, role)
	if err != nil {
		return "", fmt.Errorf("list agents for role %s: %w", role, err)
	}
	for _, a := range agents {
		if a.Enabled {
			return a.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoAgentForRole, role)
}

// replaceActive deletes every active execution for (entityID, taskType).
func (e *Engine) replaceActive(ctx context.Context, entityID, taskType string) error {
	active, err := e.store.FindActiveExecutions(ctx, entityID, taskType)
	if err != nil {
		return fmt.Errorf("find active executions: %w", err)
	}
	for _, old := range active {
		e.stop(old.ID, stopReplaced)
		if err := e.store.DeleteExecution(ctx, old.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete replaced execution %s: %w", old.ID, err)
		}
		e.resolver.Forget(old.ID)
		e.logger.Warn("Replaced active execution",
			"execution_id", old.ID, "entity_id", entityID, "task_type", taskType, "status", old.Status)
	}
	return nil
}

// Cancel cancels an execution. A running execution stops before its next step;
// any other non-terminal execution is marked cancelled immediately.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	if e.stop(executionID, stopCancel) {
		return nil
	}

	exec, err := e.getExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionFinished, executionID, exec.Status)
	}

	now := time.Now()
	exec.Status = storage.StatusCancelled
	exec.CompletedAt = &now
	if err := e.save(ctx, exec); err != nil {
		return err
	}
	e.resolver.Forget(executionID)
	e.notifier.Append(ctx, channelFor(exec), "Execution cancelled", notify.LevelWarning)
	return nil
}

// IsRunning reports whether ExecuteAllSteps is currently driving executionID.
func (e *Engine) IsRunning(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[executionID]
	return ok
}

func (e *Engine) begin(ctx context.Context, id string) (context.Context, *runState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrExecutionRunning, id)
	}
	runCtx, cancel := context.WithTimeout(ctx, e.executionTimeout)
	st := &runState{cancel: cancel}
	e.running[id] = st
	return runCtx, st, nil
}

func (e *Engine) end(id string, st *runState) {
	st.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[id] == st {
		delete(e.running, id)
	}
}

func (e *Engine) stop(id string, reason stopReason) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.running[id]
	if !ok {
		return false
	}
	if st.reason == stopNone {
		st.reason = reason
	}
	st.cancel()
	return true
}

func (e *Engine) reasonFor(st *runState) stopReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return st.reason
}

func (e *Engine) getExecution(ctx context.Context, id string) (*storage.Execution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return exec, nil
}

func (e *Engine) save(ctx context.Context, exec *storage.Execution) error {
	exec.UpdatedAt = time.Now()
	err := e.store.UpdateExecution(ctx, exec)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	if err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, err)
	}
	return nil
}

func channelFor(exec *storage.Execution) string {
	if exec.EntityID != "" {
		return exec.EntityID
	}
	return exec.ID
}

func describe(instruction string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(instruction), "\n")
	if r := []rune(line); len(r) > 80 {
		return string(r[:80]) + "..."
	}
	return line
}
