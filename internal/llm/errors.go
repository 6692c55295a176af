package llm

import (
	"errors"
	"fmt"
)

// ErrInference matches any *InferenceError via errors.Is.
var ErrInference = errors.New("inference failed")

// InferenceError is returned for transport failures and endpoint-side
// errors. It carries the underlying cause. Callers decide whether to
// retry; the client never does.
type InferenceError struct {
	Op         string // "request", "status", "stream", "marshal"
	StatusCode int    // HTTP status when Op is "status"
	Err        error
}

// Error implements the error interface.
func (e *InferenceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inference %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("inference %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *InferenceError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrInference].
func (e *InferenceError) Is(target error) bool { return target == ErrInference }
