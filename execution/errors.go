package execution

import (
	"errors"
	"fmt"
)

// Structural errors. They are returned immediately and never retried.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrTaskTypeNotFound  = errors.New("task type not found")
	ErrNoAgentForRole    = errors.New("no enabled agent for role")
	ErrNoSteps           = errors.New("step prompt contains no numbered steps")

	// ErrExecutionFinished is returned when driving or cancelling an execution
	// that already reached a terminal status.
	ErrExecutionFinished = errors.New("execution already finished")
	// ErrExecutionRunning is returned when an execution is already being driven.
	ErrExecutionRunning = errors.New("execution is already running")
)

// StepFailedError is the fatal outcome of a step that exhausted its attempts
// and its fallback. The execution is marked failed.
type StepFailedError struct {
	ExecutionID   string
	Step          int
	Attempts      int
	FallbackTried bool
	FallbackModel string
	Reason        string
}

func (e *StepFailedError) Error() string {
	fallback := "no fallback model available"
	if e.FallbackTried {
		fallback = fmt.Sprintf("1 fallback attempt with %s", e.FallbackModel)
	}
	return fmt.Sprintf("step %d failed after %d attempts and %s: %s", e.Step, e.Attempts, fallback, e.Reason)
}

// IsStepFailed reports whether err is a StepFailedError.
func IsStepFailed(err error) bool {
	var sf *StepFailedError
	return errors.As(err, &sf)
}
