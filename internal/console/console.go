// Package console runs the interactive terminal chat.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/gymbro/internal/agent"
	"github.com/nugget/gymbro/internal/llm"
	"github.com/nugget/gymbro/internal/memory"
)

// Text shown to the user.
const (
	Banner = "Welcome to Gymbro - Your AI Fitness Coach!"
	Intro  = "I'm here to help you achieve your fitness goals.\n" +
		"You can ask me about workouts, nutrition, or request a workout plan.\n" +
		"Type 'exit' to quit or '/reset' to start over."
	Farewell      = "Thanks for using Gymbro! Stay fit and healthy!"
	EmptyReply    = "I've processed your request. How can I help you further?"
	Prompt        = "You: "
	Thinking      = "Gymbro is thinking..."
	ResetCommand  = "/reset"
	ResetComplete = "Session cleared. Let's start fresh!"
)

var exitWords = map[string]bool{"exit": true, "quit": true, "bye": true}

// Runner executes a turn. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, sessionID, input string) (*agent.Result, error)
}

// Resetter clears a session. *memory.Manager implements it.
type Resetter interface {
	Reset(id string) error
}

// Console is a line-oriented chat session on a reader/writer pair.
type Console struct {
	runner    Runner
	resetter  Resetter
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	sessionID string
	markdown  bool
}

// New creates a console bound to a fresh session.
func New(runner Runner, resetter Resetter, in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	return &Console{
		runner:    runner,
		resetter:  resetter,
		logger:    logger,
		in:        in,
		out:       out,
		sessionID: memory.NewSessionID(),
		markdown:  true,
	}
}

// SetRawOutput disables markdown rendering of replies.
func (c *Console) SetRawOutput(raw bool) { c.markdown = !raw }

// SessionID returns the console's session.
func (c *Console) SessionID() string { return c.sessionID }

// Run reads lines until an exit word, EOF, or ctx is done. Turn errors
// are printed and the loop continues.
func (c *Console) Run(ctx context.Context) error {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(c.out, line)
	fmt.Fprintln(c.out, Banner)
	fmt.Fprintln(c.out, line)
	fmt.Fprintf(c.out, "\n%s\n\n", Intro)

	scanner := bufio.NewScanner(c.in)
	for {
		if err := ctx.Err(); err != nil {
			fmt.Fprintf(c.out, "\n\n%s\n", Farewell)
			return nil
		}

		fmt.Fprint(c.out, Prompt)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintf(c.out, "\n\nInput stream closed. Exiting...\n%s\n", Farewell)
			return nil
		}

		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case exitWords[strings.ToLower(input)]:
			fmt.Fprintf(c.out, "\n%s\n", Farewell)
			return nil
		case strings.EqualFold(input, ResetCommand):
			if err := c.resetter.Reset(c.sessionID); err != nil {
				fmt.Fprintf(c.out, "\nError: %v\n\n", err)
				continue
			}
			fmt.Fprintf(c.out, "\n%s\n\n", ResetComplete)
			continue
		}

		fmt.Fprintln(c.out, Thinking)
		res, err := c.runner.Run(ctx, c.sessionID, input)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintf(c.out, "\n\n%s\n", Farewell)
				return nil
			}
			c.logger.Error("turn failed", "session_id", c.sessionID, "error", err)
			fmt.Fprintf(c.out, "\nError: %v\n\nPlease try again or type 'exit' to quit.\n\n", err)
			continue
		}

		fmt.Fprintf(c.out, "\nGymbro: %s\n\n", c.render(LatestOutput(res)))
	}
}

func (c *Console) render(s string) string {
	if !c.markdown {
		return s
	}
	return RenderMarkdown(s)
}

// LatestOutput picks what to show for a turn: the reply, else the most
// recent non-empty tool output of the turn, else a generic line.
func LatestOutput(res *agent.Result) string {
	if strings.TrimSpace(res.Reply) != "" {
		return res.Reply
	}
	for i := len(res.Messages) - 1; i >= 0; i-- {
		m := res.Messages[i]
		if m.Role == llm.RoleTool && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return EmptyReply
}
