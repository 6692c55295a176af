package memory

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nugget/gymbro/internal/llm"
)

// storeBackends returns one fresh instance of every Store implementation.
func storeBackends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore()
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func sampleSession(id string) *Session {
	s := NewSession(id)
	s.FitnessLevel = "beginner"
	s.Route = "workout_tool"
	s.Append(
		llm.Message{Role: llm.RoleUser, Content: "make me a workout plan"},
		llm.Message{
			Role:    llm.RoleAssistant,
			Content: "",
			ToolCalls: []llm.ToolCall{{
				ID:       "call_1",
				Function: llm.ToolFunction{Name: "generate_workout_plan", Arguments: json.RawMessage(`{"fitness_level":"beginner"}`)},
			}},
		},
		llm.Message{Role: llm.RoleTool, Content: "Workout plan generated", ToolCallID: "call_1", ToolName: "generate_workout_plan"},
		llm.Message{Role: llm.RoleAssistant, Content: "Here is your plan."},
	)
	return s
}

func TestStore_LoadUnknown(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load("missing")
			if !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("Load(missing) error = %v, want ErrSessionNotFound", err)
			}
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			in := sampleSession("s1")
			if err := store.Save(in); err != nil {
				t.Fatalf("Save: %v", err)
			}

			out, err := store.Load("s1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if out.FitnessLevel != "beginner" || out.FitnessGoals != "general fitness" || out.Route != "workout_tool" {
				t.Errorf("attributes = %q/%q/%q", out.FitnessLevel, out.FitnessGoals, out.Route)
			}
			if len(out.Messages) != 4 {
				t.Fatalf("messages = %d, want 4", len(out.Messages))
			}
			for i := range in.Messages {
				if out.Messages[i].Role != in.Messages[i].Role || out.Messages[i].Content != in.Messages[i].Content {
					t.Errorf("message %d = %+v, want %+v", i, out.Messages[i], in.Messages[i])
				}
			}
			call := out.Messages[1].ToolCalls
			if len(call) != 1 || call[0].ID != "call_1" || call[0].Function.Name != "generate_workout_plan" {
				t.Errorf("tool calls = %+v", call)
			}
			if out.Messages[2].ToolCallID != "call_1" || out.Messages[2].ToolName != "generate_workout_plan" {
				t.Errorf("tool message = %+v", out.Messages[2])
			}
		})
	}
}

func TestStore_AppendAcrossSaves(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewSession("s1")
			s.Append(llm.Message{Role: llm.RoleUser, Content: "one"})
			if err := store.Save(s); err != nil {
				t.Fatal(err)
			}
			s.Append(llm.Message{Role: llm.RoleAssistant, Content: "two"})
			s.FitnessGoals = "lose weight"
			if err := store.Save(s); err != nil {
				t.Fatal(err)
			}

			out, err := store.Load("s1")
			if err != nil {
				t.Fatal(err)
			}
			if len(out.Messages) != 2 || out.Messages[1].Content != "two" {
				t.Errorf("messages = %+v", out.Messages)
			}
			if out.FitnessGoals != "lose weight" {
				t.Errorf("goals = %q", out.FitnessGoals)
			}
		})
	}
}

func TestStore_ShorterHistoryRewrites(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save(sampleSession("s1")); err != nil {
				t.Fatal(err)
			}
			fresh := NewSession("s1")
			fresh.Append(llm.Message{Role: llm.RoleUser, Content: "start over"})
			if err := store.Save(fresh); err != nil {
				t.Fatal(err)
			}
			out, _ := store.Load("s1")
			if len(out.Messages) != 1 || out.Messages[0].Content != "start over" {
				t.Errorf("messages = %+v", out.Messages)
			}
		})
	}
}

func TestStore_LoadReturnsCopy(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save(sampleSession("s1")); err != nil {
				t.Fatal(err)
			}
			a, _ := store.Load("s1")
			a.Messages[0].Content = "tampered"
			a.Messages = append(a.Messages, llm.Message{Role: llm.RoleUser, Content: "extra"})

			b, _ := store.Load("s1")
			if b.Messages[0].Content == "tampered" || len(b.Messages) != 4 {
				t.Error("mutating a loaded session leaked into the store")
			}
		})
	}
}

func TestStore_DeleteListStats(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"b", "a"} {
				if err := store.Save(sampleSession(id)); err != nil {
					t.Fatal(err)
				}
			}
			ids, err := store.List()
			if err != nil || len(ids) != 2 || ids[0] != "a" {
				t.Errorf("List = %v, %v", ids, err)
			}
			if got := store.Stats()["messages"]; got != 8 {
				t.Errorf("Stats messages = %v, want 8", got)
			}

			if err := store.Delete("a"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := store.Delete("never-existed"); err != nil {
				t.Errorf("Delete unknown: %v", err)
			}
			if _, err := store.Load("a"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("Load after delete = %v", err)
			}
			if got := store.Stats()["sessions"]; got != 1 {
				t.Errorf("Stats sessions = %v, want 1", got)
			}
		})
	}
}

func TestSession_CopyIsDeep(t *testing.T) {
	s := sampleSession("s1")
	c := s.Copy()
	c.Messages[1].ToolCalls[0].ID = "changed"
	if s.Messages[1].ToolCalls[0].ID != "call_1" {
		t.Error("Copy shares ToolCalls backing array")
	}
}

func TestNewSessionID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if seen[id] {
			t.Fatalf("duplicate session ID %s", id)
		}
		seen[id] = true
	}
}
