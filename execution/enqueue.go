package execution

import (
	"context"
	"fmt"

	"github.com/c360studio/semforge/command"
)

// OperationPrefix prefixes the dispatcher operation name of an execution.
const OperationPrefix = "execute:"

// EnqueueExecution runs ExecuteAllSteps as a dispatcher command. The
// command's step and retry counters mirror the execution's progress, and a
// failed or paused execution yields an unsuccessful command result.
func (e *Engine) EnqueueExecution(ctx context.Context, d *command.Dispatcher, executionID string, priority int) (*command.Handle, error) {
	exec, err := e.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionFinished, executionID, exec.Status)
	}

	handler := func(ctx context.Context, run *command.Run) (command.Result, error) {
		res, err := e.ExecuteAllSteps(ctx, executionID, ExecuteOptions{
			Progress: func(p ProgressEvent) {
				run.UpdateStep(p.Step, p.MaxStep, p.Description)
			},
			Retry: func(r RetryEvent) {
				run.UpdateRetry(r.Attempt - 1)
			},
		})
		if err != nil {
			return command.Result{Success: false, Message: err.Error()}, err
		}
		return command.Result{
			Success: true,
			Message: fmt.Sprintf("execution %s completed %d steps in %d attempts", executionID, res.MaxStep, res.Attempts),
		}, nil
	}

	return d.Enqueue(OperationPrefix+exec.TaskType, handler, command.EnqueueOptions{
		ThreadScope: exec.EntityID,
		Priority:    priority,
		Metadata: map[string]string{
			"execution_id": exec.ID,
			"task_type":    exec.TaskType,
			"entity_id":    exec.EntityID,
		},
	})
}
