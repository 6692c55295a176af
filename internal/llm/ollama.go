package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/gymbro/internal/config"
	"github.com/nugget/gymbro/internal/httpkit"
)

// maxChunkBytes bounds a single NDJSON line. Ollama chunks are tiny;
// longer lines are skipped like any other malformed chunk.
const maxChunkBytes = 1 << 20

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL     string
	model       string
	options     ollamaOptions
	maxMessages int
	httpClient  *http.Client
	logger      *slog.Logger
}

// OllamaOption customizes an OllamaClient.
type OllamaOption func(*OllamaClient)

// WithHTTPClient replaces the httpkit-built client.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(o *OllamaClient) { o.httpClient = c }
}

// NewOllamaClient creates a client from the process configuration. The
// model, sampling options, and context window are fixed for the life of
// the client.
func NewOllamaClient(cfg *config.Config, logger *slog.Logger, opts ...OllamaOption) *OllamaClient {
	baseURL := strings.TrimRight(cfg.Ollama.URL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	c := &OllamaClient{
		baseURL: baseURL,
		model:   cfg.Ollama.Model,
		options: ollamaOptions{
			Temperature: cfg.Ollama.Temperature,
			NumPredict:  cfg.Ollama.NumPredict,
			NumCtx:      cfg.Ollama.NumCtx,
		},
		maxMessages: cfg.Agent.MaxContextMessages,
		logger:      logger,
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = httpkit.NewClient(
			httpkit.WithDialTimeout(time.Duration(cfg.Ollama.DialTimeoutSec)*time.Second),
			httpkit.WithTimeout(time.Duration(cfg.Ollama.ReadTimeoutSec)*time.Second),
		)
	}
	return c
}

// ollamaRequest is the request format for the Ollama chat API.
type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  ollamaOptions    `json:"options"`
}

// ollamaOptions are model parameters. Temperature is not omitempty:
// zero is a meaningful setting.
type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// ollamaWireResponse is one NDJSON chunk of a streamed reply.
type ollamaWireResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Content   string     `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// applyFinal copies the terminal chunk's metadata onto resp.
func (w *ollamaWireResponse) applyFinal(resp *ChatResponse) {
	resp.Model = w.Model
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	resp.Done = true
	resp.DoneReason = w.DoneReason
	resp.InputTokens = w.PromptEvalCount
	resp.OutputTokens = w.EvalCount
	resp.TotalDuration = time.Duration(w.TotalDuration)
	resp.EvalDuration = time.Duration(w.EvalDuration)
}

// Chat sends a streaming chat request to Ollama and accumulates the
// reply. Text fragments are joined in arrival order; the last non-empty
// tool_calls payload wins. Unparseable lines are skipped.
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    c.model,
		Messages: Window(messages, c.maxMessages),
		Stream:   true,
		Tools:    tools,
		Options:  c.options,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, &InferenceError{Op: "marshal", Err: err}
	}

	c.logger.Debug("inference request",
		"model", c.model,
		"messages", len(req.Messages),
		"dropped", len(messages)-len(req.Messages),
		"tools", len(tools),
	)
	c.logger.Log(ctx, config.LevelTrace, "inference request payload", "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &InferenceError{Op: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &InferenceError{Op: "request", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		return nil, &InferenceError{Op: "status", StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(body))}
	}

	out, err := c.readStream(ctx, resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("inference complete",
		"model", out.Model,
		"content_len", len(out.Message.Content),
		"tool_calls", len(out.Message.ToolCalls),
		"skipped_chunks", out.SkippedChunks,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", time.Since(start),
	)
	return out, nil
}

// readStream consumes NDJSON chunks until a done marker or EOF. Lines
// that fail to parse, including ones longer than maxChunkBytes, are
// skipped.
func (c *OllamaClient) readStream(ctx context.Context, r io.Reader) (*ChatResponse, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	out := &ChatResponse{Model: c.model}
	out.Message.Role = RoleAssistant
	var content strings.Builder

	for done := false; !done; {
		raw, oversize, readErr := readLine(br, maxChunkBytes)

		line := bytes.TrimSpace(raw)
		switch {
		case oversize:
			out.SkippedChunks++
			c.logger.Debug("skipping oversize stream chunk", "limit", maxChunkBytes)
		case len(line) > 0:
			c.logger.Log(ctx, config.LevelTrace, "stream chunk", "line", string(line))

			var chunk ollamaWireResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				out.SkippedChunks++
				c.logger.Debug("skipping malformed stream chunk", "error", err, "len", len(line))
				break
			}
			if chunk.Error != "" {
				return nil, &InferenceError{Op: "stream", Err: fmt.Errorf("%s", chunk.Error)}
			}

			content.WriteString(chunk.Message.Content)
			if len(chunk.Message.ToolCalls) > 0 {
				out.Message.ToolCalls = chunk.Message.ToolCalls
			}
			if chunk.Done {
				chunk.applyFinal(out)
				done = true
				continue
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, &InferenceError{Op: "stream", Err: readErr}
		}
	}

	out.Message.Content = content.String()
	return out, nil
}

// readLine returns the next line including its newline. A line longer
// than limit is consumed in full but returned empty with oversize set.
func readLine(br *bufio.Reader, limit int) (line []byte, oversize bool, err error) {
	for {
		var frag []byte
		frag, err = br.ReadSlice('\n')
		if !oversize {
			if len(line)+len(frag) > limit {
				oversize, line = true, nil
			} else {
				line = append(line, frag...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, oversize, err
	}
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return &InferenceError{Op: "request", Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &InferenceError{Op: "request", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &InferenceError{Op: "status", StatusCode: resp.StatusCode, Err: fmt.Errorf("ping failed")}
	}

	return nil
}

// ListModels returns the names of locally installed models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &InferenceError{Op: "request", Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &InferenceError{Op: "request", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		return nil, &InferenceError{Op: "status", StatusCode: resp.StatusCode, Err: fmt.Errorf("list models: %s", strings.TrimSpace(body))}
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
