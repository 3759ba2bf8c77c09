// Chatrelay relays Discord channel messages to an LLM completion API and
// posts the replies back, keeping a bounded, persisted transcript per
// conversation.
//
// It also exposes a small HTTP API as a second way in, and a CLI for
// one-shot utterances. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]); secrets
// may come from the environment or a .env file in the working directory.
//
// Usage:
//
//	chatrelay serve                  Start the Discord bridge and API server
//	chatrelay init [dir]             Initialize a working directory with defaults
//	chatrelay ask [-as name] <text>  Send one utterance through the "cli" conversation
//	chatrelay version                Print version and build information
//	chatrelay -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/chatrelay/internal/api"
	"github.com/nugget/chatrelay/internal/buildinfo"
	"github.com/nugget/chatrelay/internal/completion"
	"github.com/nugget/chatrelay/internal/config"
	"github.com/nugget/chatrelay/internal/connwatch"
	"github.com/nugget/chatrelay/internal/conversation"
	"github.com/nugget/chatrelay/internal/discord"
	"github.com/nugget/chatrelay/internal/events"
	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/mqtt"
	"github.com/nugget/chatrelay/internal/opstate"
	"github.com/nugget/chatrelay/internal/prompts"
	"github.com/nugget/chatrelay/internal/transcript"
	"github.com/nugget/chatrelay/internal/usage"
)

// cliConversationID is the conversation used by the ask subcommand.
const cliConversationID = "cli"

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 10 * time.Second

// main constructs the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the chatrelay command. Structured logs
// go to stdout for serve and to stderr for ask, whose stdout carries the
// reply. args is os.Args[1:]; it is parsed by hand because the flag
// package's global state gets in the way of parallel tests.
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
		sender, text, err := parseAskArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, sender, text)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// parseAskArgs splits "ask [-as name] <text...>" into the sender name and
// the utterance text.
func parseAskArgs(args []string) (sender, text string, err error) {
	if len(args) >= 2 && args[0] == "-as" {
		sender = args[1]
		args = args[2:]
	}
	if len(args) == 0 {
		return "", "", errors.New("usage: chatrelay ask [-as name] <text>")
	}
	return sender, strings.Join(args, " "), nil
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Chatrelay - Discord to LLM conversational relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: chatrelay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Start the Discord bridge and API server")
	fmt.Fprintln(w, "  init [dir]             Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask [-as name] <text>  Send one utterance through the cli conversation")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/chatrelay/config.yaml, /etc/chatrelay/config.yaml")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  DISCORD_TOKEN, GROQ_API_KEY (also read from ./.env)")
	return nil
}

// relay bundles everything the inbound surfaces share.
type relay struct {
	manager *conversation.Manager
	client  llm.Client
	bus     *events.Bus
	usage   *usage.Store // nil when the ledger is disabled
	closers []func() error
}

func (r *relay) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// buildRelay wires the persister, completion client, usage ledger and
// conversation manager from cfg.
func buildRelay(cfg *config.Config, logger *slog.Logger) (*relay, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	directive, err := prompts.ResolveDirective(cfg.Directive, cfg.DirectiveFile)
	if err != nil {
		return nil, err
	}

	r := &relay{bus: events.New()}

	persister, closePersister, err := createPersister(cfg, directive, logger)
	if err != nil {
		return nil, err
	}
	if closePersister != nil {
		r.closers = append(r.closers, closePersister)
	}

	r.client = createLLMClient(cfg, logger)
	invoker := completion.New(r.client, completion.Config{
		Model:       cfg.Completion.Model,
		MaxTokens:   cfg.Completion.MaxTokens,
		Temperature: cfg.Completion.TemperatureValue(),
		Timeout:     cfg.Completion.Timeout(),
	}, logger)

	opts := conversation.Options{
		RetractFailedTurns: cfg.Transcript.RetractFailedTurns,
		Events:             r.bus,
	}
	if cfg.Usage.Enabled {
		store, err := usage.NewStore(cfg.DBPath("usage"))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		r.usage = store
		r.closers = append(r.closers, store.Close)
		opts.Usage = usage.NewRecorder(store, cfg.Completion.Provider, cfg.Usage.Pricing)
		logger.Info("usage ledger enabled", "path", cfg.DBPath("usage"))
	}

	r.manager = conversation.NewManager(persister, invoker, opts, logger)
	return r, nil
}

// runServe handles the "chatrelay serve" subcommand. It starts the
// Discord bridge and the HTTP API (whichever are configured) and blocks
// until a shutdown signal arrives or either surface fails.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting chatrelay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logOut, closeLog, err := logWriter(stdout, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(logOut, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"provider", cfg.Completion.Provider,
		"model", cfg.Completion.Model,
		"transcript_backend", cfg.Transcript.Backend,
		"max_history", cfg.Transcript.MaxHistory,
		"port", cfg.Listen.Port,
		"discord_channels", len(cfg.Discord.ChannelIDs),
	)

	if !cfg.Discord.Configured() && cfg.Listen.Port <= 0 && !cfg.MQTT.Configured() {
		return errors.New("nothing to serve: configure discord.token and discord.channel_ids, listen.port, or mqtt.broker")
	}

	r, err := buildRelay(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("close stores", "error", err)
		}
	}()

	// Everything that can fail setup runs before the first g.Go, so an
	// early return never leaves a surface using closed stores.
	var mqttInstanceID string
	if cfg.MQTT.Configured() {
		mqttInstanceID, err = mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	var watcher *connwatch.Watcher
	if interval := cfg.Completion.HealthCheckInterval(); interval > 0 {
		backoff := connwatch.DefaultBackoff()
		backoff.PollInterval = interval
		watcher, err = connwatch.New(connwatch.Config{
			Name:    cfg.Completion.Provider,
			Probe:   r.client.Ping,
			Backoff: backoff,
			Events:  r.bus,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if cfg.Discord.Configured() {
		bridge := discord.NewBridge(discord.BridgeConfig{
			Token:         cfg.Discord.Token,
			ChannelIDs:    cfg.Discord.ChannelIDs,
			Greeting:      cfg.Discord.Greeting,
			PrivatePrefix: cfg.Discord.PrivatePrefix,
			SharedHistory: cfg.Discord.SharedHistory,
			RateLimit:     cfg.Discord.RateLimit,
			HandleTimeout: cfg.Discord.HandleTimeout(),
			Relay:         r.manager,
			Events:        r.bus,
			Logger:        logger,
		})
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	} else {
		logger.Info("discord bridge disabled (not configured)")
	}

	if cfg.MQTT.Configured() {
		bridge := mqtt.NewBridge(mqtt.BridgeConfig{
			MQTT:          cfg.MQTT,
			InstanceID:    mqttInstanceID,
			HandleTimeout: cfg.Discord.HandleTimeout(),
			Relay:         r.manager,
			Stats:         &mqttStats{model: cfg.Completion.Model, manager: r.manager},
			Events:        r.bus,
			Logger:        logger,
		})
		g.Go(func() error {
			return bridge.Run(gctx)
		})
		logger.Info("mqtt bridge enabled", "broker", cfg.MQTT.Broker, "base_topic", cfg.MQTT.BaseTopic, "inbound", cfg.MQTT.Inbound)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}

	if cfg.Listen.Port > 0 {
		server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, r.manager, logger)
		server.SetMaxConns(cfg.Listen.MaxConns)
		server.SetEventBus(r.bus)
		if watcher != nil {
			server.SetHealth(watcher)
		}
		if r.usage != nil {
			server.SetUsage(r.usage)
		}
		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	} else {
		logger.Info("API server disabled (listen.port is 0)")
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}
	if err != nil {
		return err
	}

	logger.Info("chatrelay stopped")
	return nil
}

// mqttStats adapts the conversation manager to mqtt.StatsSource.
type mqttStats struct {
	model   string
	manager *conversation.Manager
}

func (m *mqttStats) Model() string { return m.model }

func (m *mqttStats) Conversations() int { return len(m.manager.IDs()) }

// askResult is the JSON shape of "chatrelay -o json ask".
type askResult struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	OK             bool   `json:"ok"`
	ErrorKind      string `json:"error_kind,omitempty"`
}

// runAsk handles the "chatrelay ask" subcommand. It sends one utterance
// through the persisted "cli" conversation and prints the reply. Logs go
// to stderr at WARN so stdout carries only the reply.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt, sender, text string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	r, err := buildRelay(cfg, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	reply, handleErr := r.manager.Handle(ctx, cliConversationID, conversation.Utterance{
		Text:   text,
		Sender: sender,
	})

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(askResult{
			ConversationID: cliConversationID,
			Reply:          reply,
			OK:             handleErr == nil,
			ErrorKind:      conversation.ErrorKind(handleErr),
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, reply)
	}

	if handleErr != nil {
		return fmt.Errorf("ask: %w", handleErr)
	}
	return nil
}

// logWriter returns w, teed into the configured log file when one is
// set. The returned func closes the file.
func logWriter(w io.Writer, cfg *config.Config) (io.Writer, func() error, error) {
	path := cfg.LogFilePath()
	if path == "" {
		return w, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return io.MultiWriter(w, f), f.Close, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
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

// loadConfig loads ./.env, locates and parses the YAML configuration and
// validates it. Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, "", err
	}

	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds the completion client for the configured
// provider. Validate has already rejected unknown providers.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	switch cfg.Completion.Provider {
	case "ollama":
		logger.Info("LLM client initialized", "provider", "ollama", "url", cfg.Ollama.URL, "model", cfg.Completion.Model)
		return llm.NewOllamaClient(cfg.Ollama.URL, logger)
	default:
		logger.Info("LLM client initialized", "provider", "groq", "base_url", cfg.Groq.BaseURL, "model", cfg.Completion.Model)
		return llm.NewGroqClient(cfg.Groq.BaseURL, cfg.Groq.APIKey, logger)
	}
}

// createPersister builds the transcript persister for the configured
// backend. The returned close function is nil when nothing needs closing.
func createPersister(cfg *config.Config, directive string, logger *slog.Logger) (transcript.Persister, func() error, error) {
	switch cfg.Transcript.Backend {
	case "sqlite":
		state, err := opstate.NewStore(cfg.DBPath("state"))
		if err != nil {
			return nil, nil, fmt.Errorf("open state store: %w", err)
		}
		logger.Info("transcripts stored in sqlite", "path", cfg.DBPath("state"))
		return transcript.NewSQLiteStore(state, directive, cfg.Transcript.MaxHistory, logger), state.Close, nil
	default:
		dir := cfg.TranscriptDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create transcript directory: %w", err)
		}
		logger.Info("transcripts stored as files", "dir", dir)
		return transcript.NewFileStore(dir, directive, cfg.Transcript.MaxHistory, logger), nil, nil
	}
}
