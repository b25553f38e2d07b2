package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"works-matcher/config"
	"works-matcher/database"
	"works-matcher/embedding"
	"works-matcher/llmclient"
	"works-matcher/matching"
	"works-matcher/reasoning"
	"works-matcher/telemetry"
	"works-matcher/web"
	"works-matcher/web/handlers"
)

func main() {
	// Initialize logger with default level to load config
	tempLogger, err := config.InitLogger("info")
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Load(tempLogger)

	// Re-initialize logger with configured level
	logger, err := config.InitLogger(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		fmt.Printf("Failed to re-initialize logger with configured level: %v\n", err)
		os.Exit(1)
	}
	defer config.Cleanup()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, cfg.ServiceName, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	store, err := database.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx, cfg.EmbeddingDimensions); err != nil {
		logger.Fatal("Failed to ensure database schema", zap.Error(err))
	}

	// Nothing can be running before the server starts, so every unfinished
	// batch was interrupted by a previous shutdown.
	if _, err := web.NewCleanupService(store, nil, logger).CleanupStaleBatches(ctx, 0); err != nil {
		logger.Warn("Failed to clean up interrupted batches", zap.Error(err))
	}

	llm := llmclient.New(cfg, logger)

	embedder, err := embedding.NewService(llm, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize embedding service", zap.Error(err))
	}

	var reasoner matching.Reasoner
	if cfg.UseAIForAmbiguous {
		backend, err := reasoning.NewBackend(cfg, llm)
		if err != nil {
			logger.Fatal("Failed to initialize reasoning backend", zap.Error(err))
		}
		svc, err := reasoning.NewService(backend, logger)
		if err != nil {
			logger.Fatal("Failed to initialize reasoning service", zap.Error(err))
		}
		reasoner = svc
		logger.Info("AI arbitration enabled", zap.String("backend", backend.Name()))
	}

	opts := cfg.MatchingOptions()
	matcher, err := matching.NewMatcher(store, reasoner, opts, logger)
	if err != nil {
		logger.Fatal("Failed to initialize matcher", zap.Error(err))
	}
	runner := matching.NewBatchRunner(matcher, store, opts, logger)
	pipeline := matching.NewPipeline(store, store, embedder, runner, cfg.MatchWorkers, logger)

	backfill := func(ctx context.Context) (embedding.BackfillStats, error) {
		return embedder.BackfillCatalog(ctx, store, cfg.BackfillBatchSize)
	}
	if cfg.BackfillOnStart {
		go func() {
			stats, err := backfill(ctx)
			if err != nil {
				logger.Warn("Catalog embedding backfill stopped", zap.Error(err))
				return
			}
			logger.Info("Catalog embedding backfill finished",
				zap.Int("embedded", stats.Embedded),
				zap.Int("skipped", stats.Skipped))
		}()
	}

	running := handlers.NewRunningBatches()
	go web.StartBatchCleanup(ctx, cfg, web.NewCleanupService(store, running, logger), logger)

	probes := map[string]handlers.Probe{
		"database": store.Ping,
		"embedding_llm": func(ctx context.Context) error {
			return llm.Ping(ctx, cfg.EmbeddingLLMHost)
		},
	}
	if cfg.UseAIForAmbiguous && cfg.ReasoningBackend == "openai" {
		probes["reasoning_llm"] = func(ctx context.Context) error {
			return llm.Ping(ctx, cfg.MainLLMHost)
		}
	}

	webServer := web.NewServer(web.Dependencies{
		Pipeline: pipeline,
		Batches:  store,
		Matcher:  matcher,
		Embedder: embedder,
		Catalog:  store,
		Works:    matcher,
		Backfill: backfill,
		Probes:   probes,
		Running:  running,
	}, logger, cfg)

	port := fmt.Sprintf(":%d", cfg.WebPort)
	logger.Info("Starting works matcher web server", zap.String("port", port))
	if err := webServer.Start(ctx, port); err != nil {
		logger.Error("Web server error", zap.Error(err))
		os.Exit(1)
	}
}
