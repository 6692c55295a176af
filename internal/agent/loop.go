// Package agent implements the per-turn dispatch state machine.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/gymbro/internal/config"
	"github.com/nugget/gymbro/internal/events"
	"github.com/nugget/gymbro/internal/llm"
	"github.com/nugget/gymbro/internal/memory"
	"github.com/nugget/gymbro/internal/prompts"
	"github.com/nugget/gymbro/internal/router"
	"github.com/nugget/gymbro/internal/tools"
	"github.com/nugget/gymbro/internal/usage"
)

// Result is the outcome of one completed turn.
type Result struct {
	SessionID string `json:"session_id"`

	// Reply is the final assistant text, trimmed. It may be empty when
	// the model produced nothing.
	Reply string `json:"reply"`

	// Messages are the messages this turn appended to the session, in
	// order, starting with the user message.
	Messages []llm.Message `json:"messages"`

	Route        string   `json:"route"`
	Trace        []string `json:"trace"`
	FitnessLevel string   `json:"fitness_level"`
	FitnessGoals string   `json:"fitness_goals"`

	// ToolResults holds every tool run, in execution order.
	ToolResults []*tools.Result `json:"tool_results,omitempty"`

	// FallbackReason is set when the native path was abandoned.
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Loop runs turns against sessions held by a [memory.Manager].
type Loop struct {
	logger   *slog.Logger
	llm      llm.Client
	tools    *tools.Registry
	router   *router.Router
	sessions *memory.Manager
	usage    *usage.Store
	events   *events.Bus

	nativeTools      bool
	keepToolPreamble bool
	sessionOutputs   bool
}

// Option customizes a Loop.
type Option func(*Loop)

// WithSessionOutputs namespaces tool output files under a per-session
// subdirectory. Used when one process serves many sessions.
func WithSessionOutputs() Option {
	return func(l *Loop) { l.sessionOutputs = true }
}

// WithUsage records the token usage of every inference call in store.
func WithUsage(store *usage.Store) Option {
	return func(l *Loop) { l.usage = store }
}

// WithEvents publishes turn lifecycle events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(l *Loop) { l.events = bus }
}

// NewLoop creates a loop. Mode and preamble handling are fixed from cfg
// for the life of the loop.
func NewLoop(logger *slog.Logger, cfg *config.Config, client llm.Client, reg *tools.Registry, rt *router.Router, sessions *memory.Manager, opts ...Option) *Loop {
	l := &Loop{
		logger:           logger,
		llm:              client,
		tools:            reg,
		router:           rt,
		sessions:         sessions,
		nativeTools:      cfg.Agent.NativeTools,
		keepToolPreamble: cfg.Agent.KeepToolPreamble,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Sessions returns the session manager.
func (l *Loop) Sessions() *memory.Manager { return l.sessions }

// Router returns the turn router.
func (l *Loop) Router() *router.Router { return l.router }

// Usage returns the usage store, or nil when usage is not recorded.
func (l *Loop) Usage() *usage.Store { return l.usage }

// Events returns the event bus, or nil.
func (l *Loop) Events() *events.Bus { return l.events }

// Run executes one turn for sessionID, creating the session if needed.
// An empty sessionID allocates a new session. The session is held for
// the whole turn and saved only if the turn succeeds.
func (l *Loop) Run(ctx context.Context, sessionID, input string) (*Result, error) {
	sess, release, err := l.sessions.Begin(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := l.Turn(ctx, sess, input)
	if err != nil {
		return nil, err
	}
	if err := l.sessions.Commit(sess); err != nil {
		return nil, err
	}
	return res, nil
}

// turn carries the working state of one turn. Nothing in it reaches the
// session until the turn has succeeded.
type turn struct {
	sess    *memory.Session
	input   string
	history []llm.Message // session messages plus the user message
	trace   Trace
	added   []llm.Message // messages to append after the user message
	results []*tools.Result
	route   router.Route
	reply   string
}

func (t *turn) enter(s State) { t.trace = append(t.trace, s) }

// Turn runs the state machine for one user message against sess. On
// success the turn's messages are appended to sess and its attributes
// re-extracted; on failure sess is left exactly as it was.
func (l *Loop) Turn(ctx context.Context, sess *memory.Session, input string) (*Result, error) {
	start := time.Now()
	userMsg := llm.Message{Role: llm.RoleUser, Content: input}

	t := &turn{
		sess:    sess,
		input:   input,
		history: append(append(make([]llm.Message, 0, len(sess.Messages)+1), sess.Messages...), userMsg),
	}

	l.logger.Info("turn started",
		"session_id", sess.ID,
		"native_tools", l.nativeTools,
		"history", len(sess.Messages),
	)
	l.events.Publish(events.KindTurnStart, map[string]any{
		"session_id":   sess.ID,
		"native_tools": l.nativeTools,
		"history":      len(sess.Messages),
	})

	t.enter(StateRouting)

	var fallbackReason string
	if l.nativeTools {
		t.route = router.RouteChat
		t.enter(StateDirectChat)
		if err := l.native(ctx, t); err != nil {
			fallbackReason = err.Error()
			l.logger.Warn("native tool path failed, falling back to plain chat",
				"session_id", sess.ID,
				"error", err,
			)
			l.events.Publish(events.KindFallback, map[string]any{"session_id": sess.ID, "reason": fallbackReason})
			t.added, t.results = nil, nil
			t.route = router.RouteChat
			t.enter(StatePlainFallback)
			if err := l.directChat(ctx, t, usage.PurposeFallback); err != nil {
				l.failed(t, err)
				return nil, err
			}
		}
	} else {
		t.route = l.router.Route(sess.ID, input, false)
		if err := l.dispatch(ctx, t); err != nil {
			l.failed(t, err)
			return nil, err
		}
	}
	t.enter(StateDone)

	turnMsgs := append([]llm.Message{userMsg}, t.added...)
	sess.Append(turnMsgs...)
	sess.Route = t.route.String()
	sess.FitnessLevel, sess.FitnessGoals = memory.Extract(sess.Messages, sess.FitnessLevel, sess.FitnessGoals)

	l.logger.Info("turn completed",
		"session_id", sess.ID,
		"route", sess.Route,
		"states", strings.Join(t.trace.Strings(), ">"),
		"tools", len(t.results),
		"fitness_level", sess.FitnessLevel,
		"fitness_goals", sess.FitnessGoals,
		"elapsed", time.Since(start),
	)
	l.events.Publish(events.KindTurnComplete, map[string]any{
		"session_id":    sess.ID,
		"route":         sess.Route,
		"trace":         t.trace.Strings(),
		"fitness_level": sess.FitnessLevel,
		"fitness_goals": sess.FitnessGoals,
		"elapsed_ms":    time.Since(start).Milliseconds(),
	})

	return &Result{
		SessionID:      sess.ID,
		Reply:          t.reply,
		Messages:       turnMsgs,
		Route:          sess.Route,
		Trace:          t.trace.Strings(),
		FitnessLevel:   sess.FitnessLevel,
		FitnessGoals:   sess.FitnessGoals,
		ToolResults:    t.results,
		FallbackReason: fallbackReason,
	}, nil
}

func (l *Loop) failed(t *turn, err error) {
	l.logger.Error("turn failed", "session_id", t.sess.ID, "route", t.route.String(), "error", err)
	l.events.Publish(events.KindTurnFailed, map[string]any{
		"session_id": t.sess.ID,
		"route":      t.route.String(),
		"error":      err.Error(),
	})
}

// dispatch runs the state for an already classified route.
func (l *Loop) dispatch(ctx context.Context, t *turn) error {
	switch t.route {
	case router.RouteWorkoutTool:
		t.enter(StateWorkoutTool)
		return l.keywordTool(ctx, t, tools.ToolWorkoutPlan, map[string]any{
			"fitness_level": t.sess.FitnessLevel,
			"fitness_goals": t.sess.FitnessGoals,
		})
	case router.RouteProgressTool:
		t.enter(StateProgressTool)
		return l.keywordTool(ctx, t, tools.ToolProgressReport, map[string]any{})
	default:
		t.enter(StateDirectChat)
		return l.directChat(ctx, t, usage.PurposeChat)
	}
}

// keywordTool runs a tool with session-derived arguments and replies with
// its summary. No inference call is made.
func (l *Loop) keywordTool(ctx context.Context, t *turn, name string, args map[string]any) error {
	res, err := l.tools.Execute(l.toolContext(ctx, t, ""), name, args)
	l.toolDone(t, name, "", res, err)
	if err != nil {
		return err
	}
	t.results = append(t.results, res)
	t.reply = res.Summary
	t.added = append(t.added, llm.Message{Role: llm.RoleAssistant, Content: res.Summary})
	return nil
}

// systemMessage builds the per-turn system prompt from the session's
// current attributes.
func (l *Loop) systemMessage(sess *memory.Session) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: prompts.SystemPrompt(sess.FitnessLevel, sess.FitnessGoals)}
}

func (l *Loop) withSystem(t *turn, extra ...llm.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(t.history)+len(extra)+1)
	msgs = append(msgs, l.systemMessage(t.sess))
	msgs = append(msgs, t.history...)
	return append(msgs, extra...)
}

// directChat makes one tool-less chat call; its text is the reply.
func (l *Loop) directChat(ctx context.Context, t *turn, purpose string) error {
	resp, err := l.chat(ctx, t, purpose, l.withSystem(t), nil)
	if err != nil {
		return err
	}
	t.reply = strings.TrimSpace(resp.Message.Content)
	t.added = append(t.added, llm.Message{Role: llm.RoleAssistant, Content: t.reply})
	return nil
}

// chat makes one inference call and records its usage. A failure to
// record is logged and does not fail the turn.
func (l *Loop) chat(ctx context.Context, t *turn, purpose string, msgs []llm.Message, schemas []map[string]any) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := l.llm.Chat(ctx, msgs, schemas)
	if err != nil || l.usage == nil {
		return resp, err
	}

	rec := usage.Record{
		SessionID:    t.sess.ID,
		Model:        resp.Model,
		Purpose:      purpose,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Elapsed:      time.Since(start),
	}
	if err := l.usage.Record(ctx, rec); err != nil {
		l.logger.Warn("failed to record usage", "session_id", t.sess.ID, "error", err)
	}
	return resp, nil
}

// native runs the tool-calling path. Any error it returns sends the turn
// to StatePlainFallback.
func (l *Loop) native(ctx context.Context, t *turn) error {
	resp, err := l.chat(ctx, t, usage.PurposeTools, l.withSystem(t), l.tools.List())
	if err != nil {
		return fmt.Errorf("tool-enabled chat: %w", err)
	}

	calls, toolMsgs, err := l.executeDirectives(ctx, t, resp.Message.ToolCalls)
	if err != nil {
		return err
	}

	if len(toolMsgs) > 0 {
		preamble := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		}
		followUp, err := l.chat(ctx, t, usage.PurposeFollowUp, l.withSystem(t, append([]llm.Message{preamble}, toolMsgs...)...), nil)
		if err != nil {
			return fmt.Errorf("tool follow-up: %w", err)
		}

		if l.keepToolPreamble {
			preamble.Content = strings.TrimSpace(preamble.Content)
			t.added = append(t.added, preamble)
		}
		t.added = append(t.added, toolMsgs...)
		t.reply = strings.TrimSpace(followUp.Message.Content)
		t.added = append(t.added, llm.Message{Role: llm.RoleAssistant, Content: t.reply})
		return nil
	}

	// The model did not (successfully) use the protocol. Honor an
	// explicit keyword request anyway.
	if route := l.router.Route(t.sess.ID, t.input, true); route != router.RouteChat {
		t.route = route
		if err := l.dispatch(ctx, t); err != nil {
			return fmt.Errorf("keyword dispatch: %w", err)
		}
		return nil
	}

	t.reply = strings.TrimSpace(resp.Message.Content)
	t.added = append(t.added, llm.Message{Role: llm.RoleAssistant, Content: t.reply})
	return nil
}

// executeDirectives runs the model's tool calls in received order.
// Unknown tools are skipped. It returns the executed calls, with IDs
// assigned and arguments normalized, and one tool message per call.
func (l *Loop) executeDirectives(ctx context.Context, t *turn, directives []llm.ToolCall) ([]llm.ToolCall, []llm.Message, error) {
	var calls []llm.ToolCall
	var msgs []llm.Message

	for _, tc := range directives {
		name := tc.Function.Name
		if l.tools.Get(name) == nil {
			l.logger.Warn("ignoring call to unknown tool", "session_id", t.sess.ID, "tool", name)
			continue
		}

		args, err := tc.DecodeArguments()
		if err != nil {
			l.logger.Debug("tool arguments not decodable, using none",
				"tool", name,
				"raw", string(tc.Function.Arguments),
				"error", err,
			)
			args = map[string]any{}
		}

		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		}
		if raw, err := json.Marshal(args); err == nil {
			tc.Function.Arguments = raw
		}

		if s, ok := toolStates[name]; ok {
			t.enter(s)
		}
		res, err := l.tools.Execute(l.toolContext(ctx, t, tc.ID), name, args)
		l.toolDone(t, name, tc.ID, res, err)
		if err != nil {
			var unavailable *tools.ErrToolUnavailable
			if errors.As(err, &unavailable) {
				continue
			}
			return nil, nil, err
		}

		t.results = append(t.results, res)
		calls = append(calls, tc)
		msgs = append(msgs, llm.Message{
			Role:       llm.RoleTool,
			Content:    res.Summary,
			ToolCallID: tc.ID,
			ToolName:   name,
		})
	}
	return calls, msgs, nil
}

func (l *Loop) toolDone(t *turn, name, callID string, res *tools.Result, err error) {
	data := map[string]any{
		"session_id": t.sess.ID,
		"tool":       name,
		"ok":         err == nil,
	}
	if callID != "" {
		data["call_id"] = callID
	}
	if res != nil {
		data["artifact"] = res.ArtifactPath
	}
	l.events.Publish(events.KindToolDone, data)
}

var toolStates = map[string]State{
	tools.ToolWorkoutPlan:    StateWorkoutTool,
	tools.ToolProgressReport: StateProgressTool,
}

func (l *Loop) toolContext(ctx context.Context, t *turn, callID string) context.Context {
	if l.sessionOutputs {
		ctx = tools.WithSessionID(ctx, t.sess.ID)
	}
	if callID != "" {
		ctx = tools.WithToolCallID(ctx, callID)
	}
	return ctx
}
