package agent

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nugget/gymbro/internal/config"
	"github.com/nugget/gymbro/internal/events"
	"github.com/nugget/gymbro/internal/memory"
	"github.com/nugget/gymbro/internal/router"
	"github.com/nugget/gymbro/internal/tools"
)

func newEventsEnv(t *testing.T, native bool, outputDir string, replies ...mockReply) (*Loop, *events.Subscription) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Agent.NativeTools = native
	bus := events.New()
	sub := bus.Subscribe(32)
	t.Cleanup(sub.Close)

	loop := NewLoop(logger, cfg, &mockLLM{replies: replies},
		tools.NewRegistry(outputDir, logger),
		router.NewRouter(logger, 10),
		memory.NewManager(memory.NewMemoryStore(), logger),
		WithEvents(bus),
	)
	return loop, sub
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func kinds(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func TestEvents_NativeToolTurn(t *testing.T) {
	loop, sub := newEventsEnv(t, true, filepath.Join(t.TempDir(), "out"),
		toolReply("", directive("c1", tools.ToolWorkoutPlan, `{"fitness_level":"advanced"}`)),
		text("Plan ready."),
	)
	if loop.Events() == nil {
		t.Fatal("Events() = nil")
	}

	if _, err := loop.Run(context.Background(), "s1", "plan please"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := drain(sub)
	want := []string{events.KindTurnStart, events.KindToolDone, events.KindTurnComplete}
	if got := kinds(evs); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if evs[1].Data["call_id"] != "c1" || evs[1].Data["ok"] != true {
		t.Errorf("tool_done = %v", evs[1].Data)
	}
	if evs[2].Data["session_id"] != "s1" {
		t.Errorf("turn_complete = %v", evs[2].Data)
	}
}

func TestEvents_FallbackAndFailure(t *testing.T) {
	loop, sub := newEventsEnv(t, true, t.TempDir(), failure("request"), failure("request"))

	if _, err := loop.Run(context.Background(), "s1", "hello"); err == nil {
		t.Fatal("expected error")
	}
	got := kinds(drain(sub))
	want := []string{events.KindTurnStart, events.KindFallback, events.KindTurnFailed}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("events = %v, want %v", got, want)
	}
}
