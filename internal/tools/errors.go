// Package tools provides the tool registry and execution framework.
//
// This file defines the error types for tool execution.
package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. Models occasionally invent tool
// names, so callers usually skip the call rather than fail the turn.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrToolExecution matches any *ExecutionError via errors.Is.
var ErrToolExecution = errors.New("tool execution failed")

// ExecutionError reports a failed tool run, typically a file-system
// write. It is never swallowed by the registry.
type ExecutionError struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.ToolName, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrToolExecution].
func (e *ExecutionError) Is(target error) bool { return target == ErrToolExecution }
