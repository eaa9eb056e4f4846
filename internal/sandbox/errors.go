package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrInitialization is returned when a sandbox or session cannot be set up.
	ErrInitialization = errors.New("sandbox initialization failed")
	// ErrEngine is returned for failures of the engine itself.
	ErrEngine = errors.New("engine error")
	// ErrExecutionFailed matches every *ExecutionError.
	ErrExecutionFailed = errors.New("execution failed")
	// ErrTimeout is returned when an execution exceeds its time limit.
	ErrTimeout = errors.New("execution timed out")
	// ErrMemoryLimit is returned when an execution exceeds its memory limit.
	ErrMemoryLimit = errors.New("memory limit exceeded")
	// ErrSnapshot is returned when state cannot be captured or restored.
	ErrSnapshot = errors.New("snapshot error")
	// ErrNetworkDisabled is returned when network policy is requested from a
	// sandbox built without networking.
	ErrNetworkDisabled = errors.New("networking is disabled")
)

// ExecutionError is an uncaught error in guest code. Output written before
// the failure is kept, already scrubbed.
type ExecutionError struct {
	Message string
	Line    int
	Stdout  string
	Stderr  string
}

func (e *ExecutionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("execution failed at line %d: %s", e.Line, e.Message)
	}
	return "execution failed: " + e.Message
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}
