// Package memory holds coaching sessions: message history plus the
// fitness attributes learned from it.
package memory

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/gymbro/internal/llm"
	"github.com/nugget/gymbro/internal/tools"
)

// ErrSessionNotFound is returned by [Store.Load] for unknown IDs.
var ErrSessionNotFound = errors.New("session not found")

// Session is the state of one conversation. The system prompt is never
// stored in Messages; it is rebuilt from the attributes every turn.
type Session struct {
	ID           string        `json:"id"`
	Messages     []llm.Message `json:"messages"`
	FitnessLevel string        `json:"fitness_level"`
	FitnessGoals string        `json:"fitness_goals"`

	// Route is the last turn's dispatch decision. It is informational
	// and never read back to make a decision.
	Route string `json:"route,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns an empty session with default attributes.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Messages:     []llm.Message{},
		FitnessLevel: tools.DefaultFitnessLevel,
		FitnessGoals: tools.DefaultFitnessGoals,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewSessionID returns a fresh, time-ordered session identifier.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Append adds msgs to the history and bumps UpdatedAt.
func (s *Session) Append(msgs ...llm.Message) {
	s.Messages = append(s.Messages, msgs...)
	s.UpdatedAt = time.Now()
}

// Copy returns a deep copy. Messages are values, but their ToolCalls
// slices are shared backing arrays and are copied too.
func (s *Session) Copy() *Session {
	c := *s
	c.Messages = make([]llm.Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.ToolCalls != nil {
			m.ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		}
		c.Messages[i] = m
	}
	return &c
}
