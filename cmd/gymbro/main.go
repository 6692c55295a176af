// Gymbro is a console fitness coach backed by a local Ollama model.
//
// It chats about training, generates workout plans and progress reports
// on request, and can also serve the same coach over HTTP, a websocket,
// or MCP. Configuration is loaded from an optional YAML file discovered
// automatically (see [config.DefaultSearchPaths]) with GYMBRO_* overrides.
//
// Usage:
//
//	gymbro [chat]            Start the interactive console (default)
//	gymbro ask <question>    Ask a single question and exit
//	gymbro serve             Start the HTTP and websocket API
//	gymbro mcp               Serve the coach's tools over MCP on stdio
//	gymbro init [dir]        Write an example config.yaml
//	gymbro version           Print version and build information
//	gymbro -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/gymbro/internal/agent"
	"github.com/nugget/gymbro/internal/api"
	"github.com/nugget/gymbro/internal/buildinfo"
	"github.com/nugget/gymbro/internal/config"
	"github.com/nugget/gymbro/internal/connwatch"
	"github.com/nugget/gymbro/internal/console"
	"github.com/nugget/gymbro/internal/events"
	"github.com/nugget/gymbro/internal/llm"
	"github.com/nugget/gymbro/internal/mcp"
	"github.com/nugget/gymbro/internal/memory"
	"github.com/nugget/gymbro/internal/router"
	"github.com/nugget/gymbro/internal/tools"
	"github.com/nugget/gymbro/internal/usage"
)

// main constructs the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// options are the parsed global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	raw        bool   // print replies without markdown rendering
}

// run is the real entry point. args is os.Args[1:]. Arguments are parsed
// by hand: the flag package's globals make concurrent test runs of run
// impossible.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-raw" || args[i] == "--raw":
			opts.raw = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "", "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: gymbro ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "serve":
		return runServe(ctx, stdout, stderr, opts)
	case "mcp":
		return runMCP(stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Gymbro - Your AI Fitness Coach")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: gymbro [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Start the interactive console (default)")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  serve        Start the HTTP and websocket API")
	fmt.Fprintln(w, "  mcp          Serve the coach's tools over MCP on stdio")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -raw              Print replies without markdown rendering")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/gymbro/config.yaml, /etc/gymbro/config.yaml")
	return nil
}

// loadConfig locates and parses the configuration, applies environment
// overrides, and validates the result. A missing config file is fine
// unless explicit names one.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, cfgPath, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger. Validate has already vetted
// the level.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// coach is everything a turn needs, assembled from one config.
type coach struct {
	cfg    *config.Config
	logger *slog.Logger
	client *llm.OllamaClient
	loop   *agent.Loop
	store  memory.Store
	usage  *usage.Store
}

func (c *coach) Close() error {
	return errors.Join(c.store.Close(), c.usage.Close())
}

// newStore opens the configured session store.
func newStore(cfg *config.Config) (memory.Store, error) {
	switch cfg.Session.Store {
	case "sqlite":
		s, err := memory.NewSQLiteStore()
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return s, nil
	default:
		return memory.NewMemoryStore(), nil
	}
}

// newCoach wires the orchestrator. Log output goes to logw.
func newCoach(opts options, logw io.Writer, loopOpts ...agent.Option) (*coach, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(logw, cfg)
	if cfgPath == "" {
		cfgPath = "(defaults)"
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"model", cfg.Ollama.Model,
		"native_tools", cfg.Agent.NativeTools,
		"store", cfg.Session.Store,
	)

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	usageStore, err := usage.NewStore()
	if err != nil {
		store.Close()
		return nil, err
	}

	client := llm.NewOllamaClient(cfg, logger)
	reg := tools.NewRegistry(cfg.Tools.OutputDir, logger)
	sessions := memory.NewManager(store, logger)
	loopOpts = append(loopOpts, agent.WithUsage(usageStore))
	loop := agent.NewLoop(logger, cfg, client, reg, router.NewRouter(logger, 0), sessions, loopOpts...)

	return &coach{cfg: cfg, logger: logger, client: client, loop: loop, store: store, usage: usageStore}, nil
}

// checkEndpoint pings Ollama and, on failure, prints setup hints to w.
func (c *coach) checkEndpoint(ctx context.Context, w io.Writer) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.client.Ping(pingCtx); err != nil {
		fmt.Fprintf(w, "Error initializing agent: %v\n", err)
		fmt.Fprintln(w, "\nPlease make sure:")
		fmt.Fprintf(w, "1. Ollama is running at %s (check with: ollama list)\n", c.cfg.Ollama.URL)
		fmt.Fprintln(w, "2. A model that supports tools is installed:")
		fmt.Fprintln(w, "   - llama3.2 (recommended): ollama pull llama3.2")
		fmt.Fprintln(w, "   - llama3.1: ollama pull llama3.1")
		fmt.Fprintln(w, "   Note: Base llama3 does NOT support tool calling")
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	return nil
}

// runChat starts the interactive console. Logs go to stderr so they do
// not interleave with the conversation.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	c, err := newCoach(opts, stderr)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintln(stdout, "Initializing AI agent...")
	if err := c.checkEndpoint(ctx, stdout); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Agent ready!")
	fmt.Fprintln(stdout)

	con := console.New(c.loop, c.loop.Sessions(), stdin, stdout, c.logger)
	con.SetRawOutput(opts.raw)
	return con.Run(ctx)
}

// runAsk processes one question in a fresh session and prints the
// reply, or the whole turn as JSON with -o json.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	c, err := newCoach(opts, stderr)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.loop.Run(ctx, "", question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	out := console.LatestOutput(res)
	if !opts.raw {
		out = console.RenderMarkdown(out)
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// runServe starts the API server and blocks until ctx is cancelled.
// Tool artifacts are written per session.
func runServe(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	c, err := newCoach(opts, stdout, agent.WithSessionOutputs(), agent.WithEvents(events.New()))
	if err != nil {
		return err
	}
	defer c.Close()

	c.logger.Info("starting Gymbro", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	// An unreachable endpoint is not fatal for the server; turns fail
	// with 502 and /health reports degraded until it comes up.
	if err := c.checkEndpoint(ctx, stderr); err != nil {
		c.logger.Warn("inference endpoint not reachable at startup", "url", c.cfg.Ollama.URL, "error", err)
	}
	watcher := connwatch.Watch(ctx, connwatch.Config{
		Name:   "ollama",
		Probe:  c.client.Ping,
		Logger: c.logger,
	})
	defer watcher.Stop()

	srv := api.NewServer(c.cfg.Listen.Address, c.cfg.Listen.Port, c.loop, c.logger,
		api.WithEndpointWatcher(watcher))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	c.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runMCP serves the tool registry over stdio. stdout belongs to the
// protocol, so logs go to stderr and no inference client is built.
func runMCP(stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)
	reg := tools.NewRegistry(cfg.Tools.OutputDir, logger)
	return mcp.NewServer(reg, logger).ServeStdio()
}
