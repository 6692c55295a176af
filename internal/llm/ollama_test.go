package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/gymbro/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOllama serves /api/chat with the given NDJSON lines and records the
// decoded request body.
type fakeOllama struct {
	lines   []string
	status  int
	lastReq map[string]any
	calls   int
}

func (f *fakeOllama) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		if r.URL.Path == "/api/tags" {
			if f.status != 0 {
				w.WriteHeader(f.status)
				w.Write([]byte(`{"error":"runner unavailable"}`))
				return
			}
			w.Write([]byte(`{"models":[{"name":"llama3.2:latest"},{"name":"qwen3:4b"}]}`))
			return
		}
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		f.lastReq = nil
		if err := json.Unmarshal(body, &f.lastReq); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		if f.status != 0 {
			w.WriteHeader(f.status)
			w.Write([]byte("model not found"))
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range f.lines {
			fmt.Fprintln(w, l)
		}
	}
}

func newTestClient(t *testing.T, f *fakeOllama, mutate func(*config.Config)) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Ollama.URL = srv.URL
	if mutate != nil {
		mutate(cfg)
	}
	return NewOllamaClient(cfg, discardLogger())
}

func userMsgs(contents ...string) []Message {
	out := make([]Message, len(contents))
	for i, c := range contents {
		out[i] = Message{Role: RoleUser, Content: c}
	}
	return out
}

func TestChat_AccumulatesFragmentsInOrder(t *testing.T) {
	f := &fakeOllama{lines: []string{
		`{"model":"llama3.2","message":{"role":"assistant","content":"Squats "},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":"build "},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":"legs."},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":31,"eval_count":4}`,
	}}
	c := newTestClient(t, f, nil)

	resp, err := c.Chat(context.Background(), userMsgs("what do squats do?"), nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Message.Content != "Squats build legs." {
		t.Errorf("content = %q, want %q", resp.Message.Content, "Squats build legs.")
	}
	if resp.Message.ToolCalls != nil {
		t.Errorf("ToolCalls = %v, want nil when no tool payload", resp.Message.ToolCalls)
	}
	if !resp.Done || resp.DoneReason != "stop" {
		t.Errorf("Done/DoneReason = %v/%q", resp.Done, resp.DoneReason)
	}
	if resp.InputTokens != 31 || resp.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 31/4", resp.InputTokens, resp.OutputTokens)
	}
}

func TestChat_RequestShape(t *testing.T) {
	f := &fakeOllama{lines: []string{`{"message":{"content":"ok"},"done":true}`}}
	c := newTestClient(t, f, func(cfg *config.Config) {
		cfg.Ollama.Model = "llama3.1"
		cfg.Ollama.Temperature = 0
		cfg.Ollama.NumPredict = 128
		cfg.Ollama.NumCtx = 2048
	})

	tools := []map[string]any{{"type": "function", "function": map[string]any{"name": "generate_progress_report"}}}
	if _, err := c.Chat(context.Background(), userMsgs("hi"), tools); err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	req := f.lastReq
	if req["model"] != "llama3.1" {
		t.Errorf("model = %v", req["model"])
	}
	if req["stream"] != true {
		t.Errorf("stream = %v, want true", req["stream"])
	}
	opts, _ := req["options"].(map[string]any)
	if opts["temperature"] != float64(0) {
		t.Errorf("temperature = %v, want explicit 0", opts["temperature"])
	}
	if opts["num_predict"] != float64(128) || opts["num_ctx"] != float64(2048) {
		t.Errorf("options = %v", opts)
	}
	if got, _ := req["tools"].([]any); len(got) != 1 {
		t.Errorf("tools = %v, want 1 schema", req["tools"])
	}
}

func TestChat_NoToolsFieldWithoutSchemas(t *testing.T) {
	f := &fakeOllama{lines: []string{`{"message":{"content":"ok"},"done":true}`}}
	c := newTestClient(t, f, nil)

	if _, err := c.Chat(context.Background(), userMsgs("hi"), nil); err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if _, ok := f.lastReq["tools"]; ok {
		t.Error("tools field should be omitted when no schemas are supplied")
	}
}

func TestChat_WindowsHistory(t *testing.T) {
	f := &fakeOllama{lines: []string{`{"message":{"content":"ok"},"done":true}`}}
	c := newTestClient(t, f, func(cfg *config.Config) { cfg.Agent.MaxContextMessages = 3 })

	msgs := []Message{{Role: RoleSystem, Content: "coach"}}
	msgs = append(msgs, userMsgs("m1", "m2", "m3", "m4", "m5")...)

	if _, err := c.Chat(context.Background(), msgs, nil); err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	sent, _ := f.lastReq["messages"].([]any)
	var got []string
	for _, m := range sent {
		mm := m.(map[string]any)
		got = append(got, mm["role"].(string)+":"+mm["content"].(string))
	}
	want := []string{"system:coach", "user:m4", "user:m5"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("sent messages = %v, want %v", got, want)
	}
}

func TestChat_LastToolCallPayloadWins(t *testing.T) {
	f := &fakeOllama{lines: []string{
		`{"message":{"content":"","tool_calls":[{"function":{"name":"generate_workout_plan","arguments":{}}}]},"done":false}`,
		`{"message":{"content":"","tool_calls":[{"id":"call_2","function":{"name":"generate_progress_report","arguments":{}}}]},"done":false}`,
		`{"message":{"content":""},"done":true}`,
	}}
	c := newTestClient(t, f, nil)

	resp, err := c.Chat(context.Background(), userMsgs("track me"), []map[string]any{{}})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Function.Name != "generate_progress_report" || tc.ID != "call_2" {
		t.Errorf("tool call = %+v, want last payload", tc)
	}
}

func TestChat_SkipsMalformedChunks(t *testing.T) {
	f := &fakeOllama{lines: []string{
		`{"message":{"content":"Plank "},"done":false}`,
		`{"message":{"content":`,
		`not json at all`,
		``,
		`{"message":{"content":"daily."},"done":false}`,
		`{"message":{"content":""},"done":true}`,
	}}
	c := newTestClient(t, f, nil)

	resp, err := c.Chat(context.Background(), userMsgs("core tips"), nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Message.Content != "Plank daily." {
		t.Errorf("content = %q, want %q", resp.Message.Content, "Plank daily.")
	}
	if resp.SkippedChunks != 2 {
		t.Errorf("SkippedChunks = %d, want 2", resp.SkippedChunks)
	}
}

func TestChat_StopsAtDoneMarker(t *testing.T) {
	f := &fakeOllama{lines: []string{
		`{"message":{"content":"done here"},"done":true}`,
		`{"message":{"content":" trailing"},"done":false}`,
	}}
	c := newTestClient(t, f, nil)

	resp, err := c.Chat(context.Background(), userMsgs("hi"), nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Message.Content != "done here" {
		t.Errorf("content = %q, want chunks after done ignored", resp.Message.Content)
	}
}

func TestChat_EOFWithoutDone(t *testing.T) {
	f := &fakeOllama{lines: []string{`{"message":{"content":"partial"},"done":false}`}}
	c := newTestClient(t, f, nil)

	resp, err := c.Chat(context.Background(), userMsgs("hi"), nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Message.Content != "partial" || resp.Done {
		t.Errorf("content/done = %q/%v", resp.Message.Content, resp.Done)
	}
}

func TestChat_HTTPErrorIsInferenceError(t *testing.T) {
	f := &fakeOllama{status: http.StatusNotFound}
	c := newTestClient(t, f, nil)

	_, err := c.Chat(context.Background(), userMsgs("hi"), nil)
	if !errors.Is(err, ErrInference) {
		t.Fatalf("error = %v, want ErrInference", err)
	}
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.StatusCode != http.StatusNotFound {
		t.Errorf("InferenceError = %+v, want status 404", ie)
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error %q should carry the endpoint body", err)
	}
}

func TestChat_StreamErrorChunk(t *testing.T) {
	f := &fakeOllama{lines: []string{
		`{"message":{"content":"a"},"done":false}`,
		`{"error":"model runner has unexpectedly stopped"}`,
	}}
	c := newTestClient(t, f, nil)

	_, err := c.Chat(context.Background(), userMsgs("hi"), nil)
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Op != "stream" {
		t.Fatalf("error = %v, want stream InferenceError", err)
	}
}

func TestChat_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := config.Default()
	cfg.Ollama.URL = url
	c := NewOllamaClient(cfg, discardLogger())

	_, err := c.Chat(context.Background(), userMsgs("hi"), nil)
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Op != "request" {
		t.Fatalf("error = %v, want request InferenceError", err)
	}
	if ie.Unwrap() == nil {
		t.Error("InferenceError should carry the underlying cause")
	}
}

func TestChat_UnknownRoleFailsToMarshal(t *testing.T) {
	f := &fakeOllama{lines: []string{`{"message":{"content":"ok"},"done":true}`}}
	c := newTestClient(t, f, nil)

	_, err := c.Chat(context.Background(), []Message{{Role: Role(42), Content: "?"}}, nil)
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Op != "marshal" {
		t.Fatalf("error = %v, want marshal InferenceError", err)
	}
	if f.calls != 0 {
		t.Error("nothing should be sent when a role has no wire name")
	}
}

func TestPingAndListModels(t *testing.T) {
	f := &fakeOllama{}
	c := newTestClient(t, f, nil)

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels error: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2:latest" {
		t.Errorf("models = %v", models)
	}
}

func TestChat_SkipsOversizeLine(t *testing.T) {
	huge := `{"message":{"content":"` + strings.Repeat("x", 2*maxChunkBytes)
	f := &fakeOllama{lines: []string{
		`{"message":{"content":"Rest "},"done":false}`,
		huge,
		`{"message":{"content":"days matter."},"done":true}`,
	}}
	c := newTestClient(t, f, nil)

	resp, err := c.Chat(context.Background(), userMsgs("recovery?"), nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Message.Content != "Rest days matter." || !resp.Done {
		t.Errorf("content/done = %q/%v", resp.Message.Content, resp.Done)
	}
	if resp.SkippedChunks != 1 {
		t.Errorf("SkippedChunks = %d, want 1", resp.SkippedChunks)
	}
}

func TestReadLine_OversizeAtEOF(t *testing.T) {
	br := bufio.NewReaderSize(strings.NewReader("ok\n"+strings.Repeat("y", 100)), 16)

	line, oversize, err := readLine(br, 10)
	if string(line) != "ok\n" || oversize || err != nil {
		t.Fatalf("first line = %q, %v, %v", line, oversize, err)
	}
	line, oversize, err = readLine(br, 10)
	if len(line) != 0 || !oversize || err != io.EOF {
		t.Errorf("second line = %q, %v, %v; want oversize at EOF", line, oversize, err)
	}
}

func TestListModels_HTTPError(t *testing.T) {
	f := &fakeOllama{status: http.StatusInternalServerError}
	c := newTestClient(t, f, nil)

	models, err := c.ListModels(context.Background())
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.StatusCode != http.StatusInternalServerError {
		t.Fatalf("ListModels = %v, %v; want status InferenceError", models, err)
	}
	if !strings.Contains(err.Error(), "runner unavailable") {
		t.Errorf("error %q should carry the endpoint body", err)
	}
}
