package tools

import (
	"fmt"
	"time"
)

// ErrToolUnavailable is returned when a call targets a tool that is not
// present in the snapshot the turn started with.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ValidationError reports arguments that do not satisfy a tool's schema.
// The tool was not invoked.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s: %s", e.Tool, e.Field, e.Reason)
}

// ExecutionError wraps a failure returned by a tool.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports a call that ran past its deadline.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("tool %s timed out after %s", e.Tool, e.Timeout)
	}
	return fmt.Sprintf("tool %s timed out", e.Tool)
}
