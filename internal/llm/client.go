// Package llm provides the inference client for a locally hosted Ollama
// endpoint.
package llm

import "context"

// Client is the inference contract the orchestrator depends on.
type Client interface {
	// Chat sends one streaming chat request and returns the accumulated
	// response. When tools is non-empty the endpoint is asked for
	// tool-calling decoding. Errors are always *InferenceError.
	Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the endpoint is reachable.
	Ping(ctx context.Context) error
}
