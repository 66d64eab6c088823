// Engram collective-memory server — ingests team events, distills them into
// a searchable memory store, and answers questions over it through an HTTP
// API and a tool-using agent.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/engram-dev/engram/pkg/adapters"
	"github.com/engram-dev/engram/pkg/agent"
	"github.com/engram-dev/engram/pkg/agent/prompt"
	"github.com/engram-dev/engram/pkg/agent/tools"
	"github.com/engram-dev/engram/pkg/api"
	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/database"
	"github.com/engram-dev/engram/pkg/eventlog"
	"github.com/engram-dev/engram/pkg/ingest"
	"github.com/engram-dev/engram/pkg/lifecycle"
	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/masking"
	"github.com/engram-dev/engram/pkg/pipeline"
	"github.com/engram-dev/engram/pkg/queue"
	"github.com/engram-dev/engram/pkg/retrieval"
	"github.com/engram-dev/engram/pkg/vectorstore"
	"github.com/engram-dev/engram/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_PATH", "./engram.yaml"),
		"Path to configuration file")
	flag.Parse()

	// Load .env from the config directory
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration and logging
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)

	slog.Info("Starting engram",
		"version", version.Full(),
		"config", *configPath,
		"addr", cfg.Server.Addr())

	// 2. Database (migrations run on connect)
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Redis-backed work queues
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Addr(),
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	jobs := queue.NewClient(rdb, cfg.Retention)
	if err := jobs.Ping(ctx); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Queue.Addr(), "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis", "addr", cfg.Queue.Addr())

	// 4. LLM providers
	llms, err := llm.NewManager(ctx, cfg.LLM, cfg.Embedding)
	if err != nil {
		slog.Error("Failed to initialize LLM providers", "error", err)
		os.Exit(1)
	}

	// 5. Stores and domain services
	events := eventlog.NewStore(dbClient.DB())
	chunks := vectorstore.NewStore(dbClient.DB(), cfg.Embedding.Dimensions)

	masker := masking.NewService(cfg.Masking)
	pipe := pipeline.NewPipeline(events, chunks, llms, masker, cfg.Embedding)
	retrievalSvc := retrieval.NewService(chunks, llms, cfg.Retrieval)
	builder := prompt.NewBuilder(retrievalSvc, cfg.Context)
	registry := tools.NewRegistry()
	if err := tools.RegisterMemoryTools(registry, retrievalSvc); err != nil {
		slog.Error("Failed to register agent tools", "error", err)
		os.Exit(1)
	}
	agentSvc := agent.NewService(llms, builder, registry, cfg.Agent)
	ingestSvc := ingest.NewService(events, jobs)
	slog.Info("Services initialized")

	// 6. Worker pools, one per queue
	handlers := map[string]queue.Handler{
		config.QueueIngestion:  ingestSvc.Handler(),
		config.QueueProcessing: pipe.Handler(),
		config.QueueEmbedding:  pipe.BatchHandler(),
		config.QueueAgentTasks: agentSvc.Handler(),
	}
	pools := make([]*queue.WorkerPool, 0, len(handlers))
	for _, name := range config.QueueNames() {
		pool := queue.NewWorkerPool(name, jobs, &cfg.Workers, handlers[name])
		if err := pool.Start(ctx); err != nil {
			slog.Error("Failed to start worker pool", "queue", name, "error", err)
			os.Exit(1)
		}
		pools = append(pools, pool)
	}

	// 7. Source adapters and the ingestion consumer
	runtime := adapters.NewRuntime(cfg.Adapters)
	// The webhook adapter stands in for the HTTP ingest surface in adapter
	// status reporting; HTTP deliveries reach the ingest service directly.
	webhook := adapters.NewWebhook(0)
	if err := runtime.Register(webhook); err != nil {
		slog.Error("Failed to register webhook adapter", "error", err)
		os.Exit(1)
	}
	if cfg.Adapters.Slack.Enabled {
		slack := adapters.NewSlack(
			os.Getenv(cfg.Adapters.Slack.BotTokenEnv),
			os.Getenv(cfg.Adapters.Slack.AppTokenEnv),
			cfg.Adapters.Slack.BufferSize,
		)
		if err := runtime.Register(slack); err != nil {
			slog.Error("Failed to register Slack adapter", "error", err)
			os.Exit(1)
		}
	}
	if err := runtime.Start(ctx); err != nil {
		slog.Error("Failed to start adapter runtime", "error", err)
		os.Exit(1)
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		ingestSvc.Run(ctx, runtime.Events())
	}()

	// 8. Lifecycle maintenance (tier demotion, retention, recovery)
	lifecycleSvc := lifecycle.NewService(chunks, events, jobs, ingestSvc, cfg.Chunk, cfg.Retention)
	if err := lifecycleSvc.Start(ctx); err != nil {
		slog.Error("Failed to start lifecycle service", "error", err)
		os.Exit(1)
	}

	// 9. HTTP server
	httpServer := api.NewServer(cfg.Server, dbClient, agentSvc, retrievalSvc, chunks, ingestSvc, jobs)
	httpServer.SetAdapterRuntime(runtime)
	httpServer.SetWorkerPools(pools...)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Server.Addr()); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Engram started successfully", "addr", cfg.Server.Addr())

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: sources first, then the consumer, schedulers,
	// workers, and finally HTTP.
	runtime.Stop()

	select {
	case <-consumerDone:
		slog.Info("Ingestion consumer drained")
	case <-time.After(10 * time.Second):
		slog.Warn("Ingestion consumer drain timeout exceeded")
	}

	lifecycleSvc.Stop()

	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Workers.GracefulShutdownTimeout)
	defer workerCancel()
	done := make(chan struct{})
	go func() {
		for _, pool := range pools {
			pool.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pools stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Worker shutdown timeout exceeded, in-flight jobs will be reaped and retried")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
