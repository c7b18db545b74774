package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/relay/internal/budget"
	"github.com/ashita-ai/relay/internal/bus"
	"github.com/ashita-ai/relay/internal/config"
	"github.com/ashita-ai/relay/internal/gateway"
	"github.com/ashita-ai/relay/internal/mcp"
	"github.com/ashita-ai/relay/internal/orchestrator"
	"github.com/ashita-ai/relay/internal/provider"
	"github.com/ashita-ai/relay/internal/server"
	"github.com/ashita-ai/relay/internal/storage"
	"github.com/ashita-ai/relay/internal/telemetry"
	"github.com/ashita-ai/relay/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RELAY_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("relay starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Budget ledger. Per-process counters; the interface leaves room for a
	// shared-store implementation when relay runs more than one replica.
	ledger := budget.NewMemoryLedger()
	defer func() { _ = ledger.Close() }()

	// Response cache: SQLite-backed so cached completions survive restarts.
	// The cache is an optimization, so a broken cache file degrades to the
	// in-memory store instead of failing startup.
	var cache gateway.Cache
	if cfg.CachePath != "" {
		sqliteCache, err := gateway.NewSQLiteCache(cfg.CachePath, logger)
		if err != nil {
			logger.Warn("sqlite cache unavailable, using in-memory cache", "path", cfg.CachePath, "error", err)
			cache = gateway.NewMemoryCache()
		} else {
			cache = sqliteCache
			logger.Info("response cache: sqlite", "path", cfg.CachePath)
		}
	} else {
		cache = gateway.NewMemoryCache()
		logger.Info("response cache: in-memory")
	}
	defer func() { _ = cache.Close() }()

	primary, fallback := newProviders(cfg, logger)

	gw := gateway.New(gateway.Config{
		Cache:         cache,
		Ledger:        ledger,
		Primary:       primary,
		Fallback:      fallback,
		Logger:        logger,
		TTL:           cfg.CacheTTL,
		CostPerKToken: cfg.CostPerKTokens,
	})

	eventBus := bus.New(logger)

	orch := orchestrator.New(orchestrator.Config{
		Store:            db,
		Artifacts:        db,
		Contexts:         orchestrator.NewArtifactContextBuilder(db),
		Invoker:          gw,
		Bus:              eventBus,
		Logger:           logger,
		DailyTokenBudget: cfg.DailyTokenBudget,
		MaxStepTokens:    cfg.MaxStepTokens,
		StepTimeout:      cfg.StepTimeout,
	})

	// Create MCP server (mounted at /mcp by the HTTP server).
	mcpSrv := mcp.New(db, version, logger)

	srv := server.New(server.Config{
		DB:                  db,
		Orchestrator:        orch,
		Bus:                 eventBus,
		Ledger:              ledger,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MonthlyTokenBudget:  cfg.MonthlyTokenBudget,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight ones (they may still dispatch runs),
	// (2) let in-flight runs reach a terminal state.
	slog.Info("relay shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	orch.Drain(drainCtx)
	drainCancel()

	slog.Info("relay stopped")
	return nil
}

// newProviders creates the primary/fallback provider pair based on configuration.
// Provider selection: "openai", "ollama", "noop", or "auto" (default).
// Auto mode uses OpenAI as primary when a key is present and Ollama as
// fallback when reachable; with neither available the pipeline runs on a
// static provider so runs still exercise the full lifecycle in development.
func newProviders(cfg config.Config, logger *slog.Logger) (provider.Provider, provider.Provider) {
	openAI := func() *provider.OpenAIProvider {
		return provider.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.StepTimeout)
	}
	ollama := func() *provider.OllamaProvider {
		return provider.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.StepTimeout)
	}

	switch cfg.Provider {
	case "openai":
		logger.Info("provider: openai", "model", cfg.OpenAIModel)
		return openAI(), nil

	case "ollama":
		logger.Info("provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return ollama(), nil

	case "noop":
		logger.Info("provider: noop (canned completions)")
		return noopProvider(), nil

	case "auto":
		fallthrough
	default:
		if cfg.OpenAIAPIKey != "" {
			if ollamaReachable(cfg.OllamaURL) {
				logger.Info("provider: openai with ollama fallback (auto-detected)",
					"model", cfg.OpenAIModel, "fallback_url", cfg.OllamaURL)
				return openAI(), ollama()
			}
			logger.Info("provider: openai (auto-detected)", "model", cfg.OpenAIModel)
			return openAI(), nil
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return ollama(), nil
		}
		logger.Warn("no provider available, using noop (canned completions)")
		return noopProvider(), nil
	}
}

func noopProvider() provider.Provider {
	return &provider.StaticProvider{
		ProviderName: "noop",
		Result: provider.CompletionResult{
			Content:    "(no provider configured)",
			TokensUsed: 0,
		},
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
