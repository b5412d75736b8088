// Switchyard routes chat requests to the right completion strategy.
//
// It exposes a streaming chat API (SSE and WebSocket), an
// OpenAI-compatible completions endpoint, and a CLI for one-shot
// questions and knowledge-base ingestion. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	switchyard serve                      Start the API server
//	switchyard init [dir]                 Initialize a working directory
//	switchyard ask <question>             Route a single question
//	switchyard ingest -kb <id> <file.md>  Index a markdown document
//	switchyard version                    Print version and build information
//	switchyard -o json version            Output version information as JSON
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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/switchyard/internal/api"
	"github.com/nugget/switchyard/internal/buildinfo"
	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/config"
	"github.com/nugget/switchyard/internal/connwatch"
	"github.com/nugget/switchyard/internal/knowledge"
	"github.com/nugget/switchyard/internal/mqtt"
	"github.com/nugget/switchyard/internal/orchestrator"
	"github.com/nugget/switchyard/internal/usage"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], which keeps os.Exit and os.Args out of
// the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's global state interferes with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
				// Collect remaining args as subcommand arguments.
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
			return fmt.Errorf("usage: switchyard ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "ingest":
		kb, file, err := parseIngestArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runIngest(ctx, stdout, configPath, kb, file)
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
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Switchyard - chat request router")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: switchyard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                   Start the API server")
	fmt.Fprintln(w, "  init [dir]              Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <question>          Route a single question, streaming the answer")
	fmt.Fprintln(w, "  ingest -kb <id> <file>  Index a markdown document into a knowledge base")
	fmt.Fprintln(w, "  version                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/switchyard/config.yaml, /etc/switchyard/config.yaml")
	return nil
}

func parseIngestArgs(args []string) (kb, file string, err error) {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-kb" && i+1 < len(args):
			kb = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-kb="):
			kb = strings.TrimPrefix(args[i], "-kb=")
		case file == "" && !strings.HasPrefix(args[i], "-"):
			file = args[i]
		default:
			return "", "", fmt.Errorf("unexpected ingest argument: %s", args[i])
		}
	}
	if kb == "" || file == "" {
		return "", "", fmt.Errorf("usage: switchyard ingest -kb <id> <file.md>")
	}
	return kb, file, nil
}

// runAsk routes one question through the full orchestrator and streams
// the answer to stdout. Logs go to stderr so the answer stays clean.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	logger := config.NewLogger(stderr, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	model := chat.ModelConfig{ID: cfg.Models.Default, Name: cfg.Models.Default}
	if m, ok := cfg.FindModel(cfg.Models.Default); ok {
		model = m.Model()
	}
	conv := chat.Conversation{
		ID:     "cli",
		Model:  model,
		Prompt: cfg.SystemPrompt,
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: chat.Text(strings.Join(args, " "))},
		},
	}

	var onToken func(string)
	if outputFmt == "text" {
		onToken = func(tok string) { fmt.Fprint(stdout, tok) }
	}

	resp, err := app.orchestrator.Route(ctx, orchestrator.Request{Conversation: conv}, onToken)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout)
	for _, c := range resp.Citations {
		fmt.Fprintf(stdout, "[%d] %s %s\n", c.Number, c.Title, c.URL)
	}
	return nil
}

// runIngest indexes a markdown document into one knowledge base,
// replacing anything previously ingested from the same file.
func runIngest(ctx context.Context, stdout io.Writer, configPath, kb, filePath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo)
	logger.Info("ingesting markdown document", "file", filePath, "kb", kb)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := knowledge.Open(indexPath(cfg), logger)
	if err != nil {
		return fmt.Errorf("open knowledge index: %w", err)
	}
	defer store.Close()

	count, err := knowledge.NewIngester(store).IngestFile(ctx, kb, filePath)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	logger.Info("ingestion complete", "sections", count, "kb", kb)
	fmt.Fprintf(stdout, "Successfully indexed %d sections from %s into %s\n", count, filePath, kb)
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then drains the HTTP server and disconnects MQTT.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo)
	logger.Info("starting Switchyard", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = config.NewLogger(stdout, level)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"default_model", cfg.Models.Default,
		"agents_enabled", cfg.Agents.Enabled,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()
	app.orchestrator.SetRecorder(usageStore)

	g, gctx := errgroup.WithContext(ctx)

	health := connwatch.NewManager(connwatch.Backoff{}, logger)
	for name, probe := range app.probes {
		health.Watch(gctx, name, probe)
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyCounts(time.Local), logger)
		app.orchestrator.SetObserver(orchestrator.Multi{
			orchestrator.NewLogObserver(logger.With("component", "orchestrator")),
			publisher,
		})
		app.orchestrator.AddListener(publisher)
		g.Go(func() error {
			if err := publisher.Start(gctx); err != nil {
				// Routing works without MQTT.
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
		logger.Info("mqtt publisher enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, app.orchestrator, logger)
	server.SetAuditLog(app.orchestrator.AuditLog())
	server.SetToolRouter(app.tools)
	server.SetRetriever(app.retrieval)
	server.SetDecisionStore(usageStore)
	server.SetModels(app.models)
	server.SetHealth(health)

	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if publisher != nil {
			if err := publisher.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
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
