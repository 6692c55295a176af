package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/gymbro/internal/agent"
	"github.com/nugget/gymbro/internal/config"
	"github.com/nugget/gymbro/internal/connwatch"
	"github.com/nugget/gymbro/internal/memory"
	"github.com/nugget/gymbro/internal/router"
	"github.com/nugget/gymbro/internal/tools"
	"github.com/nugget/gymbro/internal/usage"
)

func TestHealth_ReportsEndpointStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop := agent.NewLoop(logger, config.Default(), &echoLLM{},
		tools.NewRegistry(t.TempDir(), logger),
		router.NewRouter(logger, 10),
		memory.NewManager(memory.NewMemoryStore(), logger),
	)

	watcher := connwatch.Watch(context.Background(), connwatch.Config{
		Name:    "ollama",
		Probe:   func(context.Context) error { return errors.New("connection refused") },
		Backoff: connwatch.Backoff{InitialDelay: time.Hour},
		Logger:  logger,
	})
	t.Cleanup(watcher.Stop)
	deadline := time.Now().Add(time.Second)
	for watcher.Status().Probes == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	srv := httptest.NewServer(NewServer("", 0, loop, logger, WithEndpointWatcher(watcher)).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got := decode[struct {
		Status string           `json:"status"`
		Ollama connwatch.Status `json:"ollama"`
	}](t, resp)

	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Ollama.Ready || got.Ollama.LastError != "connection refused" {
		t.Errorf("ollama = %+v", got.Ollama)
	}
}

func TestUsage_Endpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := usage.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	loop := agent.NewLoop(logger, config.Default(), &echoLLM{reply: "ok"},
		tools.NewRegistry(filepath.Join(t.TempDir(), "out"), logger),
		router.NewRouter(logger, 10),
		memory.NewManager(memory.NewMemoryStore(), logger),
		agent.WithUsage(store),
	)
	ts := &testServer{Server: httptest.NewServer(NewServer("", 0, loop, logger).Handler())}
	t.Cleanup(ts.Close)

	first := decode[ChatResponse](t, ts.postJSON(t, "/v1/chat", ChatRequest{Message: "hello"}))
	ts.postJSON(t, "/v1/chat", ChatRequest{Message: "hello"})

	resp, err := http.Get(ts.URL + "/v1/usage?session_id=" + first.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got := decode[struct {
		Total     usage.Summary            `json:"total"`
		ByPurpose map[string]usage.Summary `json:"by_purpose"`
	}](t, resp)
	if got.Total.Calls != 1 || got.ByPurpose[usage.PurposeChat].Calls != 1 {
		t.Errorf("usage = %+v", got)
	}
}

func TestUsage_DisabledIs404(t *testing.T) {
	ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
