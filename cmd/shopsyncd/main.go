// Shopsyncd keeps per-tenant commerce-store knowledge bases in sync.
//
// The daemon owns the tenant lifecycle (connect, periodic resync,
// disconnect, cleanup), coordinates structural mutations through durable
// namespace locks, and serves the assistant read path plus operation
// progress over HTTP.
//
// Usage:
//
//	# Start with defaults (embedded SQLite + chromem, no external services)
//	shopsyncd
//
//	# Point at a config file
//	shopsyncd --config ~/.config/shopsyncd/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 VECTORSTORE_PROVIDER=qdrant shopsyncd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shopsyncd/internal/assistant"
	"github.com/fyrsmithlabs/shopsyncd/internal/catalog"
	"github.com/fyrsmithlabs/shopsyncd/internal/config"
	"github.com/fyrsmithlabs/shopsyncd/internal/embeddings"
	"github.com/fyrsmithlabs/shopsyncd/internal/events"
	"github.com/fyrsmithlabs/shopsyncd/internal/httpapi"
	"github.com/fyrsmithlabs/shopsyncd/internal/lifecycle"
	"github.com/fyrsmithlabs/shopsyncd/internal/lockreg"
	"github.com/fyrsmithlabs/shopsyncd/internal/logging"
	"github.com/fyrsmithlabs/shopsyncd/internal/ops"
	"github.com/fyrsmithlabs/shopsyncd/internal/scheduler"
	"github.com/fyrsmithlabs/shopsyncd/internal/store"
	"github.com/fyrsmithlabs/shopsyncd/internal/telemetry"
	"github.com/fyrsmithlabs/shopsyncd/internal/tenant"
	"github.com/fyrsmithlabs/shopsyncd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("shopsyncd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

// run assembles and starts the daemon, blocking until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting shopsyncd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	vectors, err := vectorstore.NewStore(cfg.VectorStore, logger)
	if err != nil {
		return fmt.Errorf("creating vector store: %w", err)
	}
	defer vectors.Close()

	embedder, err := embeddings.NewService(cfg.Embeddings, logger)
	if err != nil {
		return fmt.Errorf("creating embedding service: %w", err)
	}

	source, err := catalog.NewClient(cfg.Catalog, logger)
	if err != nil {
		return fmt.Errorf("creating catalog client: %w", err)
	}

	publisher, err := events.NewPublisher(cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("connecting events publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("events publisher close failed", zap.Error(err))
		}
	}()

	tenants := tenant.NewRepository(st)
	opsRepo := ops.NewRepository(st)
	locks := lockreg.NewRegistry(st, logger)
	schedules := lifecycle.NewScheduleRepository(st)
	executor := ops.NewExecutor(opsRepo, locks, publisher, cfg.Executor.Ops(), logger)

	manager, err := lifecycle.NewManager(cfg.Lifecycle, lifecycle.Deps{
		Tenants:    tenants,
		Operations: opsRepo,
		Locks:      locks,
		Executor:   executor,
		Schedules:  schedules,
		Source:     source,
		Embedder:   embedder,
		Vectors:    vectors,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating lifecycle manager: %w", err)
	}
	defer manager.Close()

	sched, err := scheduler.New(cfg.Scheduler, manager, schedules, locks, opsRepo, logger)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	assistantSvc, err := buildAssistant(cfg, manager, embedder, vectors, logger)
	if err != nil {
		return fmt.Errorf("creating assistant: %w", err)
	}

	srv, err := httpapi.NewServer(manager, assistantSvc, tel.Registry(), httpapi.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// buildAssistant wires the conversational read path. The assistant is
// optional: without it the daemon still syncs, it just cannot answer
// questions.
func buildAssistant(cfg *config.Config, manager *lifecycle.Manager, embedder *embeddings.Service, vectors vectorstore.Store, logger *zap.Logger) (*assistant.Service, error) {
	llm, err := assistant.NewLLM(cfg.Assistant)
	if err != nil {
		logger.Warn("assistant disabled, chat client unavailable", zap.Error(err))
		return nil, nil
	}
	return assistant.NewService(cfg.Assistant, manager, embedder, vectors, llm, logger)
}
