// Command banter is the main entry point for the banter conversation agent.
// It wires the configured LLM backends, tool servers and prompt templates into
// the decision pipeline, serves metrics and health endpoints over HTTP, and
// runs an interactive console session against the pipeline.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/banter/internal/config"
	"github.com/MrWong99/banter/internal/fanout"
	"github.com/MrWong99/banter/internal/health"
	"github.com/MrWong99/banter/internal/observe"
	"github.com/MrWong99/banter/internal/pipeline"
	"github.com/MrWong99/banter/internal/prompt"
	"github.com/MrWong99/banter/internal/resilience"
	"github.com/MrWong99/banter/internal/tools"
	"github.com/MrWong99/banter/internal/tools/mcpbridge"
	"github.com/MrWong99/banter/pkg/platform"
	"github.com/MrWong99/banter/pkg/provider/llm"
	"github.com/MrWong99/banter/pkg/provider/llm/anyllm"
	openaidirect "github.com/MrWong99/banter/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

// logLevel is swapped live when the config watcher sees a log_level change.
var logLevel slog.LevelVar

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)

	watcher, err := config.NewWatcher(*configPath, onConfigChange)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "banter: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "banter: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	logLevel.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("banter starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"bot_name", cfg.Pipeline.BotName,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every later component can record against the
	// global meter provider.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "banter"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildStageProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// Tool registry: builtins plus anything imported from MCP servers.
	toolRegistry := tools.NewRegistry()
	if err := registerBuiltinTools(toolRegistry); err != nil {
		slog.Error("failed to register builtin tools", "err", err)
		return 1
	}

	bridge := mcpbridge.New(logger)
	defer func() {
		if err := bridge.Close(); err != nil {
			slog.Warn("mcp bridge close error", "err", err)
		}
	}()
	for _, srv := range cfg.MCP {
		bcfg := mcpbridge.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := bridge.Import(ctx, toolRegistry, bcfg); err != nil {
			slog.Error("failed to import MCP server", "server", srv.Name, "err", err)
			return 1
		}
		slog.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
	}
	toolRegistry.Freeze()
	slog.Info("tool registry ready", "tools", toolRegistry.Len())

	prompts, err := prompt.NewStore()
	if err != nil {
		slog.Error("failed to load embedded prompt templates", "err", err)
		return 1
	}
	if cfg.Prompts.Dir != "" {
		if err := prompts.LoadDir(os.DirFS(cfg.Prompts.Dir)); err != nil {
			slog.Error("failed to load prompt directory", "dir", cfg.Prompts.Dir, "err", err)
			return 1
		}
		slog.Info("prompt overrides loaded", "dir", cfg.Prompts.Dir)
	}

	console := &consoleResponder{out: os.Stdout}

	pipe, err := pipeline.New(pipeline.Config{
		BotName:           cfg.Pipeline.BotName,
		ReserveTokens:     cfg.Pipeline.ReserveTokens,
		MaxToolIterations: cfg.Pipeline.MaxToolIterations,
		StructuredRetries: cfg.Pipeline.StructuredRetries,
		MaxMessageLength:  cfg.Pipeline.MaxMessageLength,
	}, pipeline.Deps{
		Providers:  providers,
		Prompts:    prompts,
		Registry:   toolRegistry,
		Dispatcher: tools.NewDispatcher(toolRegistry, logger),
		Sender:     console,
		Delegator:  console,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	fanoutTargets, err := buildFanoutTargets(cfg, reg)
	if err != nil {
		slog.Error("failed to build fanout targets", "err", err)
		return 1
	}

	httpErr := make(chan error, 1)
	srv := newHTTPServer(cfg, metrics, providers)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	printStartupSummary(cfg, toolRegistry.Len(), len(fanoutTargets))
	slog.Info("ready — press Ctrl+C to shut down")

	session := &consoleSession{
		pipe:    pipe,
		asker:   fanout.New(logger),
		targets: fanoutTargets,
		botName: cfg.Pipeline.BotName,
	}
	sessionDone := make(chan error, 1)
	go func() { sessionDone <- session.run(ctx, os.Stdin) }()

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		slog.Error("http server error", "err", err)
	case err := <-sessionDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("console session error", "err", err)
		}
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// onConfigChange applies hot-reloadable settings from a rewritten config file.
func onConfigChange(old, new *config.Config) {
	d := config.Compare(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(new.Server.LogLevel))
		slog.Info("log level changed", "level", new.Server.LogLevel)
	}
	if d.PipelineChanged {
		slog.Info("pipeline tuning changed, applies to new pipelines only in this build")
	}
	if d.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in LLM backend factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai uses the direct SDK-backed provider.
	reg.Register("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaidirect.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaidirect.WithBaseURL(entry.BaseURL))
		}
		return openaidirect.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining backends all go through any-llm: optional APIKey plus
	// optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.Register(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.Register("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})
}

// buildStageProviders resolves the per-stage provider entries and wraps each
// backend with retries and the fallback chain.
func buildStageProviders(cfg *config.Config, reg *config.Registry) (pipeline.Providers, error) {
	retryCfg := resilience.RetryConfig{
		MaxAttempts: cfg.Providers.Retry.MaxAttempts,
		BaseDelay:   cfg.Providers.Retry.BaseDelay,
		MaxDelay:    cfg.Providers.Retry.MaxDelay,
	}

	build := func(stage string, override *config.ProviderEntry) (llm.Provider, error) {
		entry := cfg.Providers.Default
		if override != nil {
			entry = *override
		}
		primary, err := reg.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage, err)
		}
		slog.Info("provider created", "stage", stage, "name", entry.Name, "model", entry.Model)

		rc := retryCfg
		rc.Name = entry.Name
		wrapped := llm.Provider(resilience.NewRetryProvider(primary, rc, slog.Default()))
		if len(cfg.Providers.Fallbacks) == 0 {
			return wrapped, nil
		}

		fb := resilience.NewLLMFallback(wrapped, entry.Name, resilience.FallbackConfig{})
		for _, fbEntry := range cfg.Providers.Fallbacks {
			p, err := reg.Create(fbEntry)
			if err != nil {
				return nil, fmt.Errorf("stage %s fallback: %w", stage, err)
			}
			frc := retryCfg
			frc.Name = fbEntry.Name
			fb.AddFallback(fbEntry.Name, resilience.NewRetryProvider(p, frc, slog.Default()))
			slog.Info("fallback registered", "stage", stage, "name", fbEntry.Name, "model", fbEntry.Model)
		}
		return fb, nil
	}

	var ps pipeline.Providers
	var err error
	if ps.Analyzer, err = build("analyze", cfg.Providers.Analyze); err != nil {
		return ps, err
	}
	if ps.Decider, err = build("decide", cfg.Providers.Decide); err != nil {
		return ps, err
	}
	if ps.Responder, err = build("respond", cfg.Providers.Respond); err != nil {
		return ps, err
	}
	return ps, nil
}

// buildFanoutTargets instantiates one provider per configured fanout target.
func buildFanoutTargets(cfg *config.Config, reg *config.Registry) ([]fanout.Target, error) {
	targets := make([]fanout.Target, 0, len(cfg.Fanout.Targets))
	for _, t := range cfg.Fanout.Targets {
		p, err := reg.Create(t.Provider)
		if err != nil {
			return nil, fmt.Errorf("fanout target %q: %w", t.Provider.Model, err)
		}
		timeout := t.Timeout
		if timeout == 0 {
			timeout = cfg.Fanout.Timeout
		}
		targets = append(targets, fanout.Target{
			Name:     t.Provider.Name + "/" + t.Provider.Model,
			Provider: p,
			Timeout:  timeout,
		})
	}
	return targets, nil
}

// ── Built-in tools ────────────────────────────────────────────────────────────

// registerBuiltinTools installs the tools that ship with the binary.
func registerBuiltinTools(reg *tools.Registry) error {
	return reg.Register(tools.Registration{
		Definition: llm.ToolDefinition{
			Name:        "current_time",
			Description: "Returns the current date and time in RFC 3339 format.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	})
}

// ── HTTP server ───────────────────────────────────────────────────────────────

func newHTTPServer(cfg *config.Config, metrics *observe.Metrics, providers pipeline.Providers) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.ProviderChecker("analyze", providers.Analyzer),
		health.ProviderChecker("respond", providers.Responder),
	).Register(mux)

	return &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ── Console session ───────────────────────────────────────────────────────────

// consoleResponder prints pipeline output to the terminal. It doubles as the
// delegation sink so handed-off actions are visible during interactive use.
type consoleResponder struct {
	out *os.File
}

func (c *consoleResponder) Send(channelID string, content string) error {
	_, err := fmt.Fprintf(c.out, "[%s] %s\n", channelID, content)
	return err
}

func (c *consoleResponder) Delegate(rec platform.DelegationRecord) error {
	_, err := fmt.Fprintf(c.out, "[%s] (delegated %s: %s)\n", rec.ChannelID, rec.ID, rec.Rationale)
	return err
}

// consoleSession reads lines from the terminal and feeds them through the
// pipeline, keeping a rolling history window. Lines starting with "/ask "
// are fanned out to every configured fanout target instead.
type consoleSession struct {
	pipe    *pipeline.Pipeline
	asker   *fanout.Asker
	targets []fanout.Target
	botName string

	history []platform.Message
}

const consoleChannelID = "console"

// historyWindow bounds the rolling console history passed to the pipeline.
const historyWindow = 50

func (s *consoleSession) run(ctx context.Context, in *os.File) error {
	scanner := bufio.NewScanner(in)
	fmt.Printf("%s> ", s.botName)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Printf("%s> ", s.botName)
			continue
		}

		if q, ok := strings.CutPrefix(line, "/ask "); ok {
			s.askAll(ctx, q)
			fmt.Printf("%s> ", s.botName)
			continue
		}

		s.handle(ctx, line)
		fmt.Printf("%s> ", s.botName)
	}
	return scanner.Err()
}

// handle runs one console line through the decision pipeline.
func (s *consoleSession) handle(ctx context.Context, line string) {
	msg := platform.Message{
		SpeakerID:   "console-user",
		SpeakerName: "you",
		ChannelID:   consoleChannelID,
		Content:     line,
		Timestamp:   time.Now(),
	}

	hist, err := platform.NewHistory(s.history)
	if err != nil {
		slog.Error("console history rejected", "err", err)
		return
	}

	outcome, err := s.pipe.Handle(ctx, msg, hist)
	if err != nil {
		slog.Error("pipeline error", "err", err)
		return
	}

	s.history = append(s.history, msg)
	if outcome.Action == pipeline.ActionRespond && outcome.Reply != "" {
		s.history = append(s.history, platform.Message{
			SpeakerID:   "banter-bot",
			SpeakerName: s.botName,
			ChannelID:   consoleChannelID,
			Content:     outcome.Reply,
			Timestamp:   time.Now(),
		})
	}
	if len(s.history) > historyWindow {
		s.history = s.history[len(s.history)-historyWindow:]
	}

	slog.Debug("pipeline outcome",
		"action", outcome.Action,
		"tool_iterations", outcome.ToolIterations,
		"dropped_messages", outcome.DroppedMessages,
	)
}

// askAll fans a question out to every configured target and prints each
// model's answer with its latency.
func (s *consoleSession) askAll(ctx context.Context, question string) {
	if len(s.targets) == 0 {
		fmt.Println("no fanout targets configured")
		return
	}

	results, err := s.asker.AskMany(ctx, s.targets, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: question}},
	})
	if err != nil {
		slog.Error("fanout error", "err", err)
		return
	}

	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("── %s (%s): error: %v\n", r.Name, r.Duration.Round(time.Millisecond), r.Err)
			continue
		}
		fmt.Printf("── %s (%s):\n%s\n", r.Name, r.Duration.Round(time.Millisecond), r.Response.Content)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, toolCount, fanoutCount int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          banter — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printStage("default", &cfg.Providers.Default)
	printStage("analyze", cfg.Providers.Analyze)
	printStage("decide", cfg.Providers.Decide)
	printStage("respond", cfg.Providers.Respond)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.Fallbacks))
	fmt.Printf("║  Fanout targets  : %-19d ║\n", fanoutCount)
	fmt.Printf("║  Tools           : %-19d ║\n", toolCount)
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printStage(stage string, entry *config.ProviderEntry) {
	value := "(default)"
	if entry != nil {
		value = entry.Name + " / " + entry.Model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", stage, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
