package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/agent/providers"
	"github.com/nexuscore/engine/internal/config"
	"github.com/nexuscore/engine/internal/gateway"
	"github.com/nexuscore/engine/internal/observability"
	"github.com/nexuscore/engine/internal/orchestrator"
	"github.com/nexuscore/engine/internal/retriever"
	"github.com/nexuscore/engine/internal/sessions"
	"github.com/nexuscore/engine/internal/shell"
	"github.com/nexuscore/engine/internal/toolserver"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration engine",
		Long: `Start the tool-mediation and request orchestration engine.

The server will:
1. Load configuration from the specified file (or engine.yaml)
2. Connect the configured tool-servers and build the semantic retriever
3. Start the Terminal Subsystem and Request Orchestrator
4. Serve the WebSocket gateway for the desktop client

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "engine.yaml", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger := observability.MustNewLogger(cfg.Logging)
	logger := newSlogLogger(cfg.Logging.Level)

	appLogger.Info(ctx, "configuration loaded", "server_addr", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port))

	metrics := observability.NewMetrics()

	_, shutdownTracer := observability.NewTracer(cfg.Tracing)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	store, terminalEvents, err := newStores(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}

	bus := gateway.New(logger)

	retrieverBackend := buildRetrieverBackend(ctx, cfg.Retriever)
	rt := retriever.New(retrieverBackend, retriever.Config{TopK: cfg.Retriever.TopK, AlwaysOn: cfg.Retriever.AlwaysOn})

	var tsManager *toolserver.Manager
	tsManager = toolserver.NewManager(logger, func(ctx context.Context) {
		views := tsManager.Tools()
		infos := make([]retriever.ToolInfo, len(views))
		for i, v := range views {
			infos[i] = retriever.ToolInfo{Name: v.Name, Description: v.Description}
		}
		rt.Reembed(ctx, infos)
	})
	for _, sc := range cfg.ToolServers {
		if !sc.AutoStart {
			continue
		}
		if err := tsManager.Connect(ctx, sc.Name, sc.Command, sc.Args, sc.Env); err != nil {
			appLogger.Warn(ctx, "tool-server connect failed", "server", sc.Name, "error", err)
		}
	}
	defer tsManager.Cleanup(context.Background())

	perServer := make(map[string]int)
	for _, v := range tsManager.Tools() {
		perServer[v.Server]++
	}
	for server, n := range perServer {
		metrics.ToolServerTools.WithLabelValues(server).Set(float64(n))
	}

	if err := tsManager.ConnectGoogleServers(ctx, "mcp-server-gmail", "mcp-server-gcal"); err != nil {
		appLogger.Warn(ctx, "google tool-servers unavailable", "error", err)
	}

	catalog := orchestrator.NewRetrievingCatalog(tsManager, rt)

	terminal, err := shell.New(shell.Config{
		AskLevel:           shell.AskLevel(cfg.Terminal.AskLevel),
		BlocklistOverrides: cfg.Terminal.BlocklistOverrides,
		ApprovalStorePath:  cfg.Terminal.ApprovalStorePath,
		Sink:               orchestrator.NewTerminalEventBridge(bus),
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start terminal subsystem: %w", err)
	}
	defer terminal.Close()

	providerAdapter, generateFuncs, defaultModel := buildProviders(cfg.Providers)
	if providerAdapter == nil {
		return fmt.Errorf("no LLM providers configured")
	}

	toolLoop := orchestrator.NewToolLoop(providerAdapter, tsManager, terminal, logger)
	toolLoop.Metrics = metrics

	orch := orchestrator.New(orchestrator.Deps{
		Bus:      bus,
		Store:    store,
		ToolLoop: toolLoop,
		Terminal: terminal,
		Tools:    catalog,
		Pending:  orchestrator.NewPendingTerminalEvents(terminalEvents),
		Metrics:  metrics,
		Logger:   logger,
	})

	handler := orchestrator.NewHandler(orch, terminal, store, bus, generateFuncs, defaultModel, logger)
	wsServer := gateway.NewServer(bus, handler, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info(ctx, "engine listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	appLogger.Info(ctx, "shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newSlogLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newStores opens the conversation store and the terminal-event store.
// With a SQL driver configured both share one database; with no database
// configured both fall back to in-memory stores.
func newStores(cfg config.DatabaseConfig) (sessions.Store, orchestrator.TerminalEventStore, error) {
	switch cfg.Driver {
	case "sqlite", "postgres":
		store, err := sessions.OpenSQLStore(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, orchestrator.NewSQLTerminalEventStore(store.DB(), cfg.Driver), nil
	default:
		return sessions.NewMemoryStore(), orchestrator.NewMemoryTerminalEventStore(), nil
	}
}

func buildRetrieverBackend(ctx context.Context, cfg config.RetrieverConfig) retriever.Backend {
	if !cfg.Enabled {
		return nil
	}
	fallback := retriever.NewHashingFallback(256)
	ollamaURL := os.Getenv("OLLAMA_URL")
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	return retriever.SelectBackend(ctx, ollamaURL, fallback)
}

// buildProviders constructs every configured LLM provider, wrapping each in
// a ProviderBridge so it can serve as both the Tool Loop's blocking round
// and the Orchestrator's streaming generation call. The first configured
// provider (or the one marked Default) doubles as the Tool Loop's adapter,
// since exactly one model mediates tool-detection rounds per turn.
func buildProviders(cfgs []config.ProviderConfig) (orchestrator.ProviderAdapter, map[string]orchestrator.GenerateFunc, string) {
	funcs := make(map[string]orchestrator.GenerateFunc)
	var adapter orchestrator.ProviderAdapter
	defaultName := ""

	for _, pc := range cfgs {
		var llm agent.LLMProvider
		switch pc.Name {
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
			if err != nil {
				continue
			}
			llm = p
		case "openai":
			llm = providers.NewOpenAIProvider(pc.APIKey, pc.BaseURL)
		case "bedrock":
			p, err := providers.NewBedrockProvider(providers.BedrockConfig{Region: pc.Region})
			if err != nil {
				continue
			}
			llm = p
		default:
			continue
		}

		bridge := orchestrator.NewProviderBridge(llm)
		funcs[pc.Name] = bridge.Generate
		if adapter == nil || pc.Default {
			adapter = bridge
			defaultName = pc.Name
		}
	}

	return adapter, funcs, defaultName
}
