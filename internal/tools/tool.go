// Package tools defines the tool capability the agent exposes to the
// model, the registry snapshots that hold tools, and the executor that
// validates and runs model-issued tool calls.
//
// A tool is anything satisfying [Tool]: built-in Go functions wrapped by
// [LocalTool], and tools proxied from remote tool servers (see the mcp
// package). The executor never branches on where a tool comes from.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Spec describes a tool to the model.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	// Timeout overrides the executor's default per-call timeout when
	// positive.
	Timeout time.Duration `json:"-"`
}

// Tool is the capability every tool implements.
type Tool interface {
	Spec() Spec
	// Validate checks arguments against the tool's declared schema.
	Validate(args map[string]any) error
	// Invoke runs the tool. It must honor ctx cancellation.
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// HandlerFunc is the body of a local tool.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// LocalTool is a built-in tool backed by a Go function.
type LocalTool struct {
	spec    Spec
	handler HandlerFunc
}

// NewLocal returns a local tool. params is a JSON schema object; nil
// means the tool takes no arguments.
func NewLocal(name, description string, params map[string]any, h HandlerFunc) *LocalTool {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &LocalTool{
		spec:    Spec{Name: name, Description: description, Parameters: params},
		handler: h,
	}
}

// WithTimeout sets a per-tool timeout and returns the tool.
func (t *LocalTool) WithTimeout(d time.Duration) *LocalTool {
	t.spec.Timeout = d
	return t
}

// Spec implements Tool.
func (t *LocalTool) Spec() Spec { return t.spec }

// Validate implements Tool.
func (t *LocalTool) Validate(args map[string]any) error {
	return ValidateArgs(t.spec.Name, t.spec.Parameters, args)
}

// Invoke implements Tool.
func (t *LocalTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return t.handler(ctx, args)
}

// Call is a tool invocation requested by the model.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ErrorKind classifies a failed Result.
type ErrorKind string

// Failure kinds.
const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindExecution  ErrorKind = "execution"
	KindTimeout    ErrorKind = "timeout"
	KindCancelled  ErrorKind = "cancelled"
)

// Result is the outcome of one Call.
type Result struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Content is the text fed back to the model for this result.
func (r Result) Content() string {
	if r.OK {
		return r.Output
	}
	return fmt.Sprintf("Error (%s): %s", r.Kind, r.Error)
}

// Err reconstructs the typed error for a failed result. It returns nil
// for a successful one.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	switch r.Kind {
	case KindValidation:
		return &ValidationError{Tool: r.Name, Reason: r.Error}
	case KindNotFound:
		return &ErrToolUnavailable{ToolName: r.Name}
	case KindTimeout:
		return &TimeoutError{Tool: r.Name}
	default:
		return &ExecutionError{Tool: r.Name, Err: fmt.Errorf("%s", r.Error)}
	}
}

// argString returns args[key] as a trimmed string.
func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// argInt returns args[key] as an int. JSON numbers decode as float64.
func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}
