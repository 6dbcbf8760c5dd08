package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semforge/llm"
	"github.com/c360studio/semforge/notify"
	"github.com/c360studio/semforge/placeholder"
	"github.com/c360studio/semforge/storage"
	"github.com/c360studio/semforge/validation"
)

// run is the state of one ExecuteAllSteps call.
type run struct {
	exec     *storage.Execution
	taskType TaskType
	cfg      ExecutionConfig
	steps    []string
	chunks   []string
	executor *storage.Agent
	checker  *storage.Agent
	opts     ExecuteOptions
	logger   *slog.Logger

	// completed maps step number to the accepted output.
	completed map[int]string
	attempts  int
}

// attemptResult is one model call and its verdict.
type attemptResult struct {
	output  string
	model   string
	verdict validation.Result
}

// ExecuteAllSteps drives an execution from its current step to the end.
//
// Cancelling ctx pauses the execution before its next step; calling
// ExecuteAllSteps again resumes it. An in-flight model call is never
// interrupted except by the per-step timeout. A step that fails every attempt
// and the fallback marks the execution failed and returns a *StepFailedError.
func (e *Engine) ExecuteAllSteps(ctx context.Context, executionID string, opts ExecuteOptions) (*Result, error) {
	exec, err := e.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionFinished, executionID, exec.Status)
	}

	runCtx, st, err := e.begin(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer e.end(executionID, st)

	// Persistence must outlive cancellation so a pause can be recorded.
	persistCtx := context.WithoutCancel(ctx)

	r, err := e.prepare(persistCtx, exec, opts)
	if err != nil {
		return e.fail(persistCtx, exec, err)
	}

	now := time.Now()
	if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	exec.Status = storage.StatusInProgress
	exec.ErrorMessage = ""
	if err := e.save(persistCtx, exec); err != nil {
		return nil, err
	}
	r.logger.Info("Execution started", "current_step", exec.CurrentStep, "max_step", exec.MaxStep)
	e.notifier.Append(persistCtx, channelFor(exec),
		fmt.Sprintf("Execution started at step %d of %d", exec.CurrentStep, exec.MaxStep), notify.LevelInfo)

	for exec.CurrentStep <= exec.MaxStep {
		if runCtx.Err() != nil {
			return e.interrupted(ctx, persistCtx, r, st)
		}

		n := exec.CurrentStep
		template := r.cfg.stepTemplate(r.instruction(n))

		if !exec.ChunksAligned && placeholder.HasChunkPlaceholder(template) {
			exec.ChunksAligned = true
			if len(r.chunks) > 0 {
				exec.MaxStep = len(r.chunks)
			}
			r.logger.Info("Aligned steps to source chunks", "chunks", len(r.chunks), "max_step", exec.MaxStep)
			if err := e.save(persistCtx, exec); err != nil {
				return e.fail(persistCtx, exec, err)
			}
			if n > exec.MaxStep {
				break
			}
		}

		if opts.Progress != nil {
			opts.Progress(ProgressEvent{ExecutionID: exec.ID, Step: n, MaxStep: exec.MaxStep, Description: describe(r.instruction(n))})
		}

		resolveCtx, cancel := context.WithTimeout(persistCtx, e.stepTimeout)
		resolved, err := e.resolver.Resolve(resolveCtx, placeholder.Input{
			ExecutionID:    exec.ID,
			Template:       template,
			Steps:          r.completedBefore(n),
			InitialContext: exec.InitialContext,
			Chunks:         r.chunks,
		})
		cancel()
		if err != nil {
			return e.fail(persistCtx, exec, fmt.Errorf("resolve step %d: %w", n, err))
		}

		if resolved.MissingChunk {
			r.logger.Info("Step references a missing chunk, finishing early",
				"step", n, "chunk", resolved.MissingChunkIndex, "chunks", len(r.chunks))
			exec.CurrentStep = exec.MaxStep + 1
			exec.RetryCount = 0
			if err := e.save(persistCtx, exec); err != nil {
				return e.fail(persistCtx, exec, err)
			}
			break
		}

		output, err := e.runStep(persistCtx, r, n, template, resolved.Text)
		if err != nil {
			return e.fail(persistCtx, exec, err)
		}

		r.completed[n] = output
		exec.CurrentStep = n + 1
		exec.RetryCount = 0
		if err := e.save(persistCtx, exec); err != nil {
			return e.fail(persistCtx, exec, err)
		}
		e.notifier.Append(persistCtx, channelFor(exec),
			fmt.Sprintf("Step %d of %d completed", n, exec.MaxStep), notify.LevelSuccess)
	}

	return e.finalize(persistCtx, r)
}

// prepare loads everything a run needs. Errors are structural.
func (e *Engine) prepare(ctx context.Context, exec *storage.Execution, opts ExecuteOptions) (*run, error) {
	tt, err := e.taskTypes.Get(exec.TaskType)
	if err != nil {
		return nil, err
	}
	cfg, err := DecodeConfig(exec.Config)
	if err != nil {
		return nil, err
	}

	steps, _ := ParseSteps(exec.StepPrompt)
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	r := &run{
		exec:      exec,
		taskType:  tt,
		cfg:       cfg,
		steps:     steps,
		opts:      opts,
		completed: make(map[int]string),
		logger:    e.logger.With("execution_id", exec.ID, "task_type", exec.TaskType),
	}

	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = tt.ChunkSize
	}
	r.chunks = SplitChunks(exec.InitialContext, chunkSize)

	if exec.ExecutorAgentID == "" {
		if exec.ExecutorAgentID, err = e.resolveAgent(ctx, "", tt.ExecutorRole); err != nil {
			return nil, err
		}
	}
	if r.executor, err = e.loadAgent(ctx, exec.ExecutorAgentID); err != nil {
		return nil, err
	}
	if exec.CheckerAgentID != "" {
		if r.checker, err = e.loadAgent(ctx, exec.CheckerAgentID); err != nil {
			return nil, err
		}
	}

	journal, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	for _, s := range journal {
		if s.Succeeded() && s.StepNumber < exec.CurrentStep {
			r.completed[s.StepNumber] = s.Output
		}
	}
	return r, nil
}

func (e *Engine) loadAgent(ctx context.Context, id string) (*storage.Agent, error) {
	agent, err := e.store.GetAgent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: agent %s does not exist", ErrNoAgentForRole, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return agent, nil
}

// runStep makes up to maxAttempts calls on the executor model, then one on the
// best alternative model. Every call appends a journal row.
func (e *Engine) runStep(ctx context.Context, r *run, n int, instruction, prompt string) (string, error) {
	modelName := r.executorModel()
	var last *attemptResult
	attempts := 0

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if last != nil {
			r.exec.RetryCount = attempt - 1
			if err := e.save(ctx, r.exec); err != nil {
				return "", err
			}
			r.retried(RetryEvent{ExecutionID: r.exec.ID, Step: n, Attempt: attempt, Model: modelName, Reason: last.verdict.Reason})
		}

		res, err := e.attempt(ctx, r, n, attempt, modelName, false, instruction, prompt, last)
		if err != nil {
			return "", err
		}
		attempts = attempt
		if res.verdict.IsValid {
			return res.output, nil
		}
		last = &res

		r.logger.Warn("Step attempt rejected",
			"step", n, "attempt", attempt, "model", res.model,
			"needs_retry", res.verdict.NeedsRetry, "reason", res.verdict.Reason)
	}

	failure := &StepFailedError{
		ExecutionID: r.exec.ID,
		Step:        n,
		Attempts:    attempts,
		Reason:      last.verdict.Reason,
	}

	exclude := last.model
	if exclude == "" {
		exclude = modelName
	}
	alt, ok := e.alternatives.BestAlternative(exclude, r.taskType.capability())
	if !ok {
		return "", failure
	}

	r.exec.RetryCount = attempts
	if err := e.save(ctx, r.exec); err != nil {
		return "", err
	}
	r.retried(RetryEvent{ExecutionID: r.exec.ID, Step: n, Attempt: attempts + 1, Fallback: true, Model: alt, Reason: last.verdict.Reason})
	r.logger.Info("Escalating step to fallback model", "step", n, "model", alt, "after_attempts", attempts)

	res, err := e.attempt(ctx, r, n, attempts+1, alt, true, instruction, prompt, last)
	if err != nil {
		return "", err
	}
	if res.verdict.IsValid {
		return res.output, nil
	}

	failure.FallbackTried = true
	failure.FallbackModel = alt
	failure.Reason = res.verdict.Reason
	return "", failure
}

// attempt performs one model call, validates it and journals it. The returned
// error is a persistence failure; model and validation failures are reported
// in the verdict.
func (e *Engine) attempt(ctx context.Context, r *run, n, attempt int, modelName string, fallback bool, instruction, prompt string, previous *attemptResult) (attemptResult, error) {
	req := llm.ExecuteRequest{
		Model:         modelName,
		Capability:    string(r.taskType.capability()),
		AgentID:       r.executor.ID,
		Prompt:        prompt,
		SystemMessage: r.systemMessage(),
	}
	if previous != nil {
		if previous.verdict.SystemMessageOverride != "" {
			req.SystemMessage = previous.verdict.SystemMessageOverride
		} else if previous.verdict.Reason != "" {
			req.ExtraMessages = correction(previous)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	started := time.Now()
	res, err := e.orch.Execute(callCtx, req)
	cancel()
	r.attempts++

	out := attemptResult{model: modelName}
	var errMsg string
	switch {
	case err != nil:
		errMsg = err.Error()
		out.verdict = validation.Invalid(llm.FailureReason("the model call", err))
		r.logger.Warn("Model call failed", "step", n, "attempt", attempt, "model", modelName, "kind", llm.Classify(err), "error", err)
	case !res.Success:
		errMsg = res.Error
		out.verdict = validation.Invalid(fmt.Sprintf("the model reported a failure: %s", res.Error))
	default:
		if res.Model != "" {
			out.model = res.Model
		}
		out.output = responseText(res)
		out.verdict = e.gate.Validate(ctx, validation.Request{
			Instruction: prompt,
			Output:      out.output,
			Criteria:    r.criteria(n),
			StepContext: r.stepContext(n, attempt, instruction),
		})
	}

	row := &storage.Step{
		ExecutionID:  r.exec.ID,
		StepNumber:   n,
		Instruction:  prompt,
		Output:       out.output,
		AttemptCount: attempt,
		Model:        out.model,
		Fallback:     fallback,
		Validation:   toVerdict(out.verdict),
		ErrorMessage: errMsg,
	}
	if err := e.store.AppendStep(ctx, row); err != nil {
		return out, fmt.Errorf("append step %d attempt %d: %w", n, attempt, err)
	}

	r.logger.Debug("Step attempt finished",
		"step", n,
		"attempt", attempt,
		"model", out.model,
		"fallback", fallback,
		"valid", out.verdict.IsValid,
		"duration", time.Since(started))
	return out, nil
}

// interrupted records why the run context ended.
func (e *Engine) interrupted(ctx, persistCtx context.Context, r *run, st *runState) (*Result, error) {
	exec := r.exec
	switch {
	case e.reasonFor(st) == stopReplaced:
		e.resolver.Forget(exec.ID)
		return nil, fmt.Errorf("%w: %s was replaced by a newer execution", ErrExecutionNotFound, exec.ID)

	case e.reasonFor(st) == stopCancel:
		now := time.Now()
		exec.Status = storage.StatusCancelled
		exec.CompletedAt = &now
		if err := e.save(persistCtx, exec); err != nil {
			return nil, err
		}
		e.resolver.Forget(exec.ID)
		r.logger.Info("Execution cancelled", "current_step", exec.CurrentStep)
		e.notifier.Append(persistCtx, channelFor(exec), "Execution cancelled", notify.LevelWarning)
		return r.result(), fmt.Errorf("execution %s cancelled: %w", exec.ID, context.Canceled)

	case ctx.Err() != nil:
		exec.Status = storage.StatusPaused
		if err := e.save(persistCtx, exec); err != nil {
			return nil, err
		}
		r.logger.Info("Execution paused", "current_step", exec.CurrentStep)
		e.notifier.Append(persistCtx, channelFor(exec),
			fmt.Sprintf("Execution paused before step %d", exec.CurrentStep), notify.LevelWarning)
		return r.result(), fmt.Errorf("execution %s paused at step %d: %w", exec.ID, exec.CurrentStep, ctx.Err())

	default:
		return e.fail(persistCtx, exec,
			fmt.Errorf("execution exceeded the %s safety timeout: %w", e.executionTimeout, context.DeadlineExceeded))
	}
}

// finalize merges the accepted outputs and completes the execution.
func (e *Engine) finalize(ctx context.Context, r *run) (*Result, error) {
	exec := r.exec
	outputs := make([]string, 0, exec.MaxStep)
	for i := 1; i <= exec.MaxStep; i++ {
		outputs = append(outputs, r.completed[i])
	}

	now := time.Now()
	exec.Result = Merge(r.taskType.MergeStrategy, outputs, r.taskType.SkipFirst)
	exec.Status = storage.StatusCompleted
	exec.RetryCount = 0
	exec.CompletedAt = &now
	if err := e.save(ctx, exec); err != nil {
		return nil, err
	}
	e.resolver.Forget(exec.ID)

	if r.cfg.WorkingFolder != "" && len(r.cfg.CleanupPatterns) > 0 {
		removed, err := CleanupWorkdir(r.cfg.WorkingFolder, r.cfg.CleanupPatterns)
		if err != nil {
			r.logger.Warn("Working folder cleanup incomplete", "folder", r.cfg.WorkingFolder, "removed", removed, "error", err)
		} else {
			r.logger.Debug("Working folder cleaned", "folder", r.cfg.WorkingFolder, "removed", removed)
		}
	}

	r.logger.Info("Execution completed", "steps", exec.MaxStep, "attempts", r.attempts)
	e.notifier.Append(ctx, channelFor(exec), "Execution completed", notify.LevelSuccess)
	return r.result(), nil
}

// fail marks the execution failed and returns cause. Executions that no
// longer exist are left alone.
func (e *Engine) fail(ctx context.Context, exec *storage.Execution, cause error) (*Result, error) {
	if errors.Is(cause, ErrExecutionNotFound) {
		return nil, cause
	}

	now := time.Now()
	exec.Status = storage.StatusFailed
	exec.ErrorMessage = cause.Error()
	exec.CompletedAt = &now
	if err := e.save(ctx, exec); err != nil {
		e.logger.Error("Failed to record execution failure", "execution_id", exec.ID, "cause", cause, "error", err)
	}
	e.resolver.Forget(exec.ID)

	e.logger.Error("Execution failed", "execution_id", exec.ID, "current_step", exec.CurrentStep, "error", cause)
	e.notifier.Append(ctx, channelFor(exec), "Execution failed: "+cause.Error(), notify.LevelError)
	return &Result{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		CurrentStep: exec.CurrentStep,
		MaxStep:     exec.MaxStep,
	}, cause
}

func (r *run) result() *Result {
	return &Result{
		ExecutionID: r.exec.ID,
		Status:      r.exec.Status,
		Output:      r.exec.Result,
		CurrentStep: r.exec.CurrentStep,
		MaxStep:     r.exec.MaxStep,
		Attempts:    r.attempts,
	}
}

// instruction returns the raw instruction of step n. Steps past the end of the
// template repeat the last instruction with its chunk references advanced.
func (r *run) instruction(n int) string {
	if n <= len(r.steps) {
		return r.steps[n-1]
	}
	return shiftChunkRefs(r.steps[len(r.steps)-1], n-len(r.steps))
}

func (r *run) completedBefore(n int) map[int]string {
	out := make(map[int]string, len(r.completed))
	for step, output := range r.completed {
		if step < n && output != "" {
			out[step] = output
		}
	}
	return out
}

func (r *run) executorModel() string {
	if r.cfg.ModelOverride != "" {
		return r.cfg.ModelOverride
	}
	return r.executor.Model
}

func (r *run) systemMessage() string {
	if r.cfg.SystemMessage != "" {
		return r.cfg.SystemMessage
	}
	return r.executor.SystemMessage
}

func (r *run) criteria(n int) validation.Criteria {
	tt := r.taskType
	return validation.Criteria{
		TTS:                     tt.TTS,
		CoverageThreshold:       tt.CoverageThreshold,
		Role:                    tt.stepRole(n),
		MinPlotChars:            tt.MinPlotChars,
		MinPlotSemantic:         tt.MinPlotSemantic,
		MinFullStoryChars:       tt.MinFullStoryChars,
		ExecutorRole:            r.executor.Role,
		WriterSemanticThreshold: tt.WriterSemanticThreshold,
		Rules:                   tt.ValidationRules,
		SkipChecker:             r.checker == nil || r.cfg.SkipChecker,
	}
}

func (r *run) stepContext(n, attempt int, instruction string) validation.StepContext {
	sc := validation.StepContext{
		ExecutionID: r.exec.ID,
		StepNumber:  n,
		MaxStep:     r.exec.MaxStep,
		Attempt:     attempt,
		SourceChunk: r.exec.InitialContext,
	}
	if idx, ok := firstChunkRef(instruction); ok && idx >= 1 && idx <= len(r.chunks) {
		sc.SourceChunk = r.chunks[idx-1]
	}
	if r.checker != nil {
		sc.CheckerModel = r.checker.Model
		sc.CheckerSystemMessage = r.checker.SystemMessage
	}
	return sc
}

func (r *run) retried(ev RetryEvent) {
	if r.opts.Retry != nil {
		r.opts.Retry(ev)
	}
}

// correction replays the rejected answer and asks for a fix.
func correction(previous *attemptResult) []llm.Message {
	var msgs []llm.Message
	if strings.TrimSpace(previous.output) != "" {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: previous.output})
	}
	return append(msgs, llm.Message{
		Role:    "user",
		Content: "Your previous answer was rejected: " + previous.verdict.Reason + "\nRevise it and answer again in full.",
	})
}

// responseText is the text validated for a result. Tool calls with no
// accompanying text are rendered as a JSON list.
func responseText(res *llm.ExecuteResult) string {
	if res.FinalResponse != "" || len(res.ExecutedTools) == 0 {
		return res.FinalResponse
	}
	data, err := json.Marshal(res.ExecutedTools)
	if err != nil {
		return ""
	}
	return string(data)
}

func toVerdict(v validation.Result) *storage.Verdict {
	return &storage.Verdict{
		IsValid:         v.IsValid,
		Reason:          v.Reason,
		NeedsRetry:      v.NeedsRetry,
		SemanticScore:   v.SemanticScore,
		CoveragePercent: v.CoveragePercent,
		ViolatedRules:   v.ViolatedRules,
	}
}
