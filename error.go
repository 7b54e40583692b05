package handoff

import (
	"errors"
	"fmt"

	"pipelined.dev/handoff/stream"
)

// Roles of pipeline agents reported in RunError.
const (
	RoleOrchestrator = "orchestrator"
	RoleProducer     = "producer"
	RoleWorker       = "worker"
)

// ComputeError is returned when kernel fails to compute an iteration.
type ComputeError struct {
	Stream    int
	Iteration int
	Err       error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute error on stream %d iteration %d: %v", e.Stream, e.Iteration, e.Err)
}

// Unwrap returns the kernel error.
func (e *ComputeError) Unwrap() error {
	return e.Err
}

// RunError is returned if pipeline was successfully started, but its
// execution failed. It names the agent and the iteration where the first
// failure happened. Stream and Iteration are -1 if they're unknown.
type RunError struct {
	Stream    int
	Iteration int
	Role      string
	Err       error
	// ErrFlush is set when kernel flush failed after execution.
	ErrFlush error
}

func (e *RunError) Error() string {
	var msg string
	if e.Stream < 0 {
		msg = fmt.Sprintf("%s error: %v", e.Role, e.Err)
	} else {
		msg = fmt.Sprintf("%s error on stream %d iteration %d: %v", e.Role, e.Stream, e.Iteration, e.Err)
	}
	if e.ErrFlush != nil {
		return fmt.Sprintf("flush error: %v after %s", e.ErrFlush, msg)
	}
	return msg
}

// Is checks if any of errors match provided sentinel error.
func (e *RunError) Is(err error) bool {
	if e.Err != nil && errors.Is(e.Err, err) {
		return true
	}
	if e.ErrFlush != nil && errors.Is(e.ErrFlush, err) {
		return true
	}
	return false
}

// Unwrap returns the execution error.
func (e *RunError) Unwrap() error {
	return e.Err
}

// runError converts error returned by an agent into *RunError.
func runError(role string, err error) error {
	var re *RunError
	if errors.As(err, &re) {
		return err
	}
	var se *stream.Error
	if errors.As(err, &se) {
		return &RunError{
			Stream:    se.Stream,
			Iteration: se.Iteration,
			Role:      se.Role.String(),
			Err:       se.Err,
		}
	}
	return &RunError{Stream: -1, Iteration: -1, Role: role, Err: err}
}
