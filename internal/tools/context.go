package tools

import "context"

type contextKey string

const (
	sessionIDKey  contextKey = "session_id"
	toolCallIDKey contextKey = "tool_call_id"
)

// WithSessionID scopes tool execution to a session. When set, tools
// write their artifacts under a per-session subdirectory of the output
// directory so concurrent sessions never clobber each other's files.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext returns the session scope, or "" when unscoped.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

// WithToolCallID records the model-assigned call ID for log correlation.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// ToolCallIDFromContext returns the call ID, or "" when unset.
func ToolCallIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(toolCallIDKey).(string); ok {
		return id
	}
	return ""
}
