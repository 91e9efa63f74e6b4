// Loom is an LLM coding agent that runs alongside a code editor.
//
// It exposes an HTTP API for the editor UI (send/approve/reject/abort,
// thread and transcript selectors, pending-change and checkpoint
// operations) plus a WebSocket event stream. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	loom serve               Start the agent API server
//	loom init [dir]          Initialize a working directory with defaults
//	loom ask <question>      Ask a single question (for testing)
//	loom version             Print version and build information
//	loom -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loom-editor/loom/internal/agent"
	"github.com/loom-editor/loom/internal/api"
	"github.com/loom-editor/loom/internal/buildinfo"
	"github.com/loom-editor/loom/internal/config"
	"github.com/loom-editor/loom/internal/connwatch"
	"github.com/loom-editor/loom/internal/events"
	"github.com/loom-editor/loom/internal/llm"
	"github.com/loom-editor/loom/internal/prompts"
	"github.com/loom-editor/loom/internal/thread"
	"github.com/loom-editor/loom/internal/tools"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run]. Keeping os.Exit, os.Stdout, and os.Args out of
// the application logic lets tests drive the full lifecycle.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run concurrently from tests, and the argument surface here is
// small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: loom ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Loom - LLM coding agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: loom [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the agent API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./loom.yaml, ~/.config/loom/config.yaml, /etc/loom/config.yaml")
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// thread database, registers tools, builds the orchestrator, starts the
// API server, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Loom", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure with the configured level and format. The bootstrap
	// logger covers only the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			if level, err = config.ParseLogLevel(cfg.LogLevel); err != nil {
				return err
			}
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
	)

	// Thread persistence is optional; without a data dir the store is
	// purely in-memory.
	var db *thread.DB
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		dbPath := filepath.Join(cfg.DataDir, "loom.db")
		db, err = thread.OpenDB(dbPath)
		if err != nil {
			return fmt.Errorf("open thread database %s: %w", dbPath, err)
		}
		defer db.Close()
		logger.Info("thread database opened", "path", dbPath)
	}

	store := thread.NewStore(nil, logger, db)
	orch, err := buildOrchestrator(cfg, store, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, store, orch.orch, orch.bus, logger)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// the turn in flight.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Background health monitoring for the model provider, surfaced in
	// the health endpoint.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	provider := cfg.Model.Provider
	if provider == "" {
		provider = "ollama"
	}
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    provider,
		Probe:   orch.client.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})
	server.SetConnWatch(connMgr)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		orch.orch.Abort()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Loom stopped")
	return nil
}

// runAsk boots a minimal agent (in-memory store, no server) and
// processes a single question, printing the final response to stdout.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store := thread.NewStore(nil, logger, nil)
	orch, err := buildOrchestrator(cfg, store, logger)
	if err != nil {
		return err
	}
	// One-shot runs cannot pause for approval; auto-approve everything.
	for _, cat := range []tools.Category{tools.CategoryRead, tools.CategoryEdits, tools.CategoryTerminal, tools.CategoryDangerous} {
		store.SetAutoApprove(string(cat), true)
	}

	if err := orch.orch.SendMessage(ctx, question, nil); err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	for _, m := range store.Messages() {
		if am, ok := m.(*thread.AssistantMessage); ok && am.Content != "" {
			fmt.Fprintln(stdout, am.Content)
		}
	}
	return nil
}

// agentStack bundles the orchestrator with its event bus and model
// client so serve can hand them to the API server and health watcher.
type agentStack struct {
	orch   *agent.Orchestrator
	bus    *events.Bus
	client llm.Client
}

// buildOrchestrator registers the configured tools and assembles the
// agent loop around them.
func buildOrchestrator(cfg *config.Config, store *thread.Store, logger *slog.Logger) (*agentStack, error) {
	registry := tools.NewRegistry()
	fs := tools.OSFileSystem{}

	if cfg.Workspace.Path != "" {
		root, err := filepath.Abs(cfg.Workspace.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve workspace path: %w", err)
		}
		ws := tools.NewWorkspace(root, cfg.Workspace.SensitiveFiles, fs)
		tools.RegisterFileTools(registry, ws)
		tools.RegisterSearchTools(registry, ws)
		tools.RegisterShellTool(registry, ws, cfg.Shell, tools.ExecRunner{})
		// Language tools register only when the editor host wires a
		// provider in; the standalone binary has none.
		tools.RegisterLSPTools(registry, ws, nil)
		logger.Info("workspace tools registered", "root", root, "tools", len(registry.Names()))
	} else {
		logger.Warn("no workspace configured - file tools are disabled")
	}

	engine := tools.NewEngine(registry, store, fs,
		time.Duration(cfg.Tools.TimeoutSec)*time.Second,
		cfg.Tools.ResultMaxChars, logger)

	client, err := newLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	bus := events.New()
	orch := agent.New(store, engine, client, nil, bus, cfg, logger)
	orch.SystemPrompt = prompts.BaseSystemPrompt()
	return &agentStack{orch: orch, bus: bus, client: client}, nil
}

// newLLMClient selects the provider client from configuration.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch cfg.Model.Provider {
	case "", "ollama":
		return llm.NewOllamaClient(cfg.Model.OllamaURL, logger), nil
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider selected but anthropic.api_key is empty")
		}
		return llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q (valid: ollama, anthropic)", cfg.Model.Provider)
	}
}

// newLogger creates a structured logger writing to w at the given level
// and format. Format must be "text" or "json"; anything else defaults
// to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used. Returns the parsed
// config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
