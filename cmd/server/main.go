package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tarrragon/book-overview-v1-sub017/internal/config"
	"github.com/tarrragon/book-overview-v1-sub017/internal/engine"
	"github.com/tarrragon/book-overview-v1-sub017/internal/logging"
	"github.com/tarrragon/book-overview-v1-sub017/internal/server"
	"github.com/tarrragon/book-overview-v1-sub017/internal/storage"
	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level))
	logger.Info("starting reconciliation server",
		"host", cfg.Server.Host, "port", cfg.Server.Port,
		"history_provider", cfg.History.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openHistoryBackend(ctx, cfg)
	if err != nil {
		return err
	}
	if backend != nil {
		defer func() { _ = backend.Close() }()
	}

	detectOpts := engine.DefaultDetectOptions()
	detectOpts.SeverityLow = cfg.Engine.SeverityLow
	detectOpts.SeverityMedium = cfg.Engine.SeverityMedium
	detectOpts.SeverityHigh = cfg.Engine.SeverityHigh

	svc := engine.NewService(engine.ServiceOptions{
		Detect: detectOpts,
		Strategy: engine.StrategyOptions{
			SourcePriority: cfg.Engine.SourcePriority,
		},
		Preferences: types.UserPreferences{
			DefaultStrategy:      cfg.Engine.DefaultStrategy,
			AutoResolveThreshold: cfg.Engine.AutoResolveThreshold,
			LearningEnabled:      cfg.Engine.LearningEnabled,
		},
		BatchSize:    cfg.Engine.BatchSize,
		JobRetention: time.Duration(cfg.Engine.JobRetentionMinutes) * time.Minute,
		History:      engine.NewHistoryStore(cfg.History.MaxRecords, backend, logger),
		Logger:       logger,
	})

	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	svc.StartMaintenance(ctx, time.Duration(cfg.History.TrimIntervalSec)*time.Second)

	router := server.NewRouter(cfg, svc, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("server listening", "addr", httpServer.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	router.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}

// openHistoryBackend builds the durable history backend named by the
// configuration. The memory provider returns nil: the store then keeps
// records in process only.
func openHistoryBackend(ctx context.Context, cfg *config.Config) (engine.HistoryBackend, error) {
	switch cfg.History.Provider {
	case "sqlite":
		backend, err := storage.NewSQLiteHistory(cfg.History.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite history: %w", err)
		}
		return backend, nil
	case "redis":
		backend, err := storage.NewRedisHistory(ctx, cfg.History.RedisAddr, cfg.History.RedisPassword, cfg.History.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis history: %w", err)
		}
		return backend, nil
	default:
		return nil, nil
	}
}
