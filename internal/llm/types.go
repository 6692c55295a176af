package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Role is the closed set of message kinds. Every Role has exactly one
// wire name; an out-of-range value fails to marshal instead of being
// sent as some default role.
type Role int

const (
	RoleSystem Role = iota
	RoleUser
	RoleAssistant
	RoleTool

	// roleCount must stay last; tests range over [0, roleCount) to
	// prove every role has a wire mapping.
	roleCount
)

// Wire returns the endpoint's name for r.
func (r Role) Wire() (string, error) {
	switch r {
	case RoleSystem:
		return "system", nil
	case RoleUser:
		return "user", nil
	case RoleAssistant:
		return "assistant", nil
	case RoleTool:
		return "tool", nil
	default:
		return "", fmt.Errorf("unknown message role %d", int(r))
	}
}

// String returns the wire name, or "role(N)" for unknown values.
func (r Role) String() string {
	s, err := r.Wire()
	if err != nil {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return s
}

// ParseRole maps a wire name back to a Role.
func ParseRole(s string) (Role, error) {
	for r := Role(0); r < roleCount; r++ {
		if w, _ := r.Wire(); w == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown message role %q", s)
}

// MarshalJSON encodes the wire name.
func (r Role) MarshalJSON() ([]byte, error) {
	s, err := r.Wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// UnmarshalJSON decodes a wire name.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Message is one conversational unit. Messages are values; once
// appended to a session they are never modified.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	ToolName   string     `json:"tool_name,omitempty"`    // Ollama correlates tool results by name
}

// ToolCall is a tool-call directive emitted by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names the tool and carries its raw arguments. Ollama
// normally sends an object, but some models emit a JSON-encoded string
// or nothing at all, so decoding is deferred to [ToolCall.DecodeArguments].
type ToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// DecodeArguments coerces the raw arguments into a map. Absent or null
// arguments decode to an empty map. A JSON string is decoded a second
// time as an object. Anything else is an error; callers that must be
// tolerant fall back to an empty map themselves.
func (tc ToolCall) DecodeArguments() (map[string]any, error) {
	raw := bytes.TrimSpace(tc.Function.Arguments)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}

	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("decode string arguments: %w", err)
		}
		if len(bytes.TrimSpace([]byte(encoded))) == 0 {
			return map[string]any{}, nil
		}
		raw = []byte(encoded)
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ChatResponse is the accumulated result of one streamed request.
// Message.ToolCalls is nil when the stream carried no tool calls, which
// distinguishes "no call" from an explicit empty batch.
type ChatResponse struct {
	Model      string
	CreatedAt  time.Time
	Message    Message
	Done       bool
	DoneReason string

	// Token usage
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	EvalDuration  time.Duration

	// SkippedChunks counts stream lines that could not be parsed.
	SkippedChunks int
}

// Window returns at most max messages: the most recent ones in their
// original order. A leading system message stays in front and counts
// against max, so it displaces the oldest conversation message. With
// max == 1 only the latest message is sent. A non-positive max disables
// windowing. The input slice is never modified.
func Window(messages []Message, max int) []Message {
	if max <= 0 || len(messages) <= max {
		return append([]Message(nil), messages...)
	}

	var system []Message
	rest := messages
	if max > 1 && rest[0].Role == RoleSystem {
		system = rest[:1]
		rest = rest[1:]
	}
	rest = rest[len(rest)-(max-len(system)):]

	out := make([]Message, 0, max)
	out = append(out, system...)
	out = append(out, rest...)
	return out
}
