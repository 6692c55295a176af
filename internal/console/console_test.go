package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/gymbro/internal/agent"
	"github.com/nugget/gymbro/internal/llm"
)

type fakeRunner struct {
	inputs   []string
	sessions []string
	results  []*agent.Result
	errs     []error
}

func (f *fakeRunner) Run(_ context.Context, sessionID, input string) (*agent.Result, error) {
	i := len(f.inputs)
	f.inputs = append(f.inputs, input)
	f.sessions = append(f.sessions, sessionID)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &agent.Result{Reply: "ok"}, nil
}

type fakeResetter struct{ ids []string }

func (f *fakeResetter) Reset(id string) error {
	f.ids = append(f.ids, id)
	return nil
}

func runConsole(t *testing.T, input string, runner *fakeRunner, resetter *fakeResetter) string {
	t.Helper()
	var out bytes.Buffer
	c := New(runner, resetter, strings.NewReader(input), &out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out.String()
}

func TestConsole_ConversationAndExit(t *testing.T) {
	runner := &fakeRunner{results: []*agent.Result{{Reply: "Squats build **legs**."}}}
	out := runConsole(t, "what do squats do?\n\n   \nQUIT\nnever read\n", runner, &fakeResetter{})

	if len(runner.inputs) != 1 || runner.inputs[0] != "what do squats do?" {
		t.Errorf("inputs = %q", runner.inputs)
	}
	for _, want := range []string{Banner, Thinking, "Gymbro: Squats build legs.", Farewell} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsole_ExitWords(t *testing.T) {
	for _, word := range []string{"exit", "quit", "bye", "Bye"} {
		t.Run(word, func(t *testing.T) {
			runner := &fakeRunner{}
			out := runConsole(t, word+"\nhello\n", runner, &fakeResetter{})
			if len(runner.inputs) != 0 {
				t.Errorf("turns run after %q: %v", word, runner.inputs)
			}
			if !strings.Contains(out, Farewell) {
				t.Error("missing farewell")
			}
		})
	}
}

func TestConsole_EOF(t *testing.T) {
	out := runConsole(t, "hello", &fakeRunner{}, &fakeResetter{})
	if !strings.Contains(out, "Input stream closed") || !strings.Contains(out, Farewell) {
		t.Errorf("output:\n%s", out)
	}
}

func TestConsole_ErrorThenRetry(t *testing.T) {
	runner := &fakeRunner{
		errs:    []error{&llm.InferenceError{Op: "request", Err: errors.New("connection refused")}},
		results: []*agent.Result{nil, {Reply: "Back online."}},
	}
	out := runConsole(t, "hi\nhi again\nexit\n", runner, &fakeResetter{})

	if len(runner.inputs) != 2 {
		t.Fatalf("inputs = %v, want 2 turns", runner.inputs)
	}
	if !strings.Contains(out, "Error: inference request: connection refused") {
		t.Errorf("error not shown:\n%s", out)
	}
	if !strings.Contains(out, "Gymbro: Back online.") {
		t.Errorf("retry reply missing:\n%s", out)
	}
}

func TestConsole_ResetKeepsSessionID(t *testing.T) {
	runner := &fakeRunner{}
	resetter := &fakeResetter{}
	out := runConsole(t, "one\n/reset\ntwo\nexit\n", runner, resetter)

	if len(resetter.ids) != 1 || resetter.ids[0] != runner.sessions[0] {
		t.Errorf("reset ids = %v, sessions = %v", resetter.ids, runner.sessions)
	}
	if runner.sessions[0] != runner.sessions[1] {
		t.Error("turns should share one session")
	}
	if !strings.Contains(out, ResetComplete) {
		t.Error("missing reset confirmation")
	}
}

func TestLatestOutput(t *testing.T) {
	tests := []struct {
		name string
		res  *agent.Result
		want string
	}{
		{"reply", &agent.Result{Reply: "Hello"}, "Hello"},
		{
			"tool output when reply empty",
			&agent.Result{Messages: []llm.Message{
				{Role: llm.RoleUser, Content: "go"},
				{Role: llm.RoleTool, Content: "first"},
				{Role: llm.RoleTool, Content: "Report saved"},
				{Role: llm.RoleAssistant, Content: ""},
			}},
			"Report saved",
		},
		{"nothing", &agent.Result{Reply: "  "}, EmptyReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LatestOutput(tt.res); got != tt.want {
				t.Errorf("LatestOutput = %q, want %q", got, tt.want)
			}
		})
	}
}
