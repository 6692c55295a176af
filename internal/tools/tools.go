// Package tools defines the tools available to the coach.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Tool names as advertised to the model.
const (
	ToolWorkoutPlan    = "generate_workout_plan"
	ToolProgressReport = "generate_progress_report"
)

// Defaults applied when the model or session does not supply a value.
const (
	DefaultFitnessLevel = "intermediate"
	DefaultFitnessGoals = "general fitness"
)

// StatusSuccess is the only status the built-in tools report; failures
// surface as errors instead.
const StatusSuccess = "success"

// Result is what a tool run produces.
type Result struct {
	Status       string `json:"status"`
	Summary      string `json:"summary"`
	ArtifactPath string `json:"artifact_path"`
	Records      int    `json:"records,omitempty"`
}

// Handler executes a tool. dir is the resolved output directory for this
// call; args are loosely typed and may be empty.
type Handler func(ctx context.Context, dir string, args map[string]any) (*Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools. Execution is serialized: the tools
// write to fixed paths and are not safe to run concurrently.
type Registry struct {
	logger    *slog.Logger
	outputDir string

	execMu sync.Mutex // serializes handler runs

	mu    sync.Mutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates a registry with the built-in tools writing under
// outputDir.
func NewRegistry(outputDir string, logger *slog.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		outputDir: outputDir,
		tools:     make(map[string]*Tool),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name: ToolWorkoutPlan,
		Description: "Generate a personalized 3-day workout plan based on the user's fitness level and goals. " +
			"Use the fitness level and goals discussed in the conversation. " +
			"Use ONLY when the user asks for a workout plan or routine.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fitness_level": map[string]any{
					"type":        "string",
					"description": "User's fitness level: beginner, intermediate, or advanced",
				},
				"fitness_goals": map[string]any{
					"type":        "string",
					"description": "User's fitness goals, e.g. \"build muscle\" or \"lose weight\"",
				},
			},
			"required": []string{},
		},
		Handler: handleWorkoutPlan,
	})

	r.Register(&Tool{
		Name:        ToolProgressReport,
		Description: "Generate a CSV report with exercise progress data. Use ONLY when the user asks for progress or tracking.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
		Handler: handleProgressReport,
	})
}

// Register adds a tool to the registry, replacing any tool of the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools[name]
}

// Lookup retrieves a tool by name or returns *ErrToolUnavailable.
func (r *Registry) Lookup(name string) (*Tool, error) {
	if t := r.Get(name); t != nil {
		return t, nil
	}
	return nil, &ErrToolUnavailable{ToolName: name}
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns the tool schemas for the model, in registration order.
func (r *Registry) List() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// OutputDir returns the directory tools write to for ctx: the configured
// output directory, or a per-session subdirectory of it when ctx carries
// a session ID.
func (r *Registry) OutputDir(ctx context.Context) string {
	if id := SessionIDFromContext(ctx); id != "" {
		return filepath.Join(r.outputDir, filepath.Base(id))
	}
	return r.outputDir
}

// Execute runs a tool by name. Unknown names yield *ErrToolUnavailable;
// handler failures are wrapped in *ExecutionError.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	tool, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	r.execMu.Lock()
	defer r.execMu.Unlock()

	dir := r.OutputDir(ctx)
	start := time.Now()
	res, err := tool.Handler(ctx, dir, args)
	if err != nil {
		r.logger.Error("tool failed",
			"tool", name,
			"call_id", ToolCallIDFromContext(ctx),
			"error", err,
		)
		return nil, &ExecutionError{ToolName: name, Err: err}
	}

	r.logger.Info("tool executed",
		"tool", name,
		"call_id", ToolCallIDFromContext(ctx),
		"artifact", res.ArtifactPath,
		"records", res.Records,
		"elapsed", time.Since(start),
	)
	return res, nil
}

// StringArg returns args[key] as a trimmed string, coercing scalar
// values. Missing, empty, or non-scalar values yield def.
func StringArg(args map[string]any, key, def string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return def
	}
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case float64, int, int64, bool:
		s = fmt.Sprint(val)
	default:
		return def
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}
