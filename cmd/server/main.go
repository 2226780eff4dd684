// Package main provides the API server entry point for the portfolio rebalancer service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-rebalancer/internal/adapter"
	"github.com/portfolio-rebalancer/internal/api"
	"github.com/portfolio-rebalancer/internal/auth"
	"github.com/portfolio-rebalancer/internal/circuitbreaker"
	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/ledger"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/storage"
)

func main() {
	fmt.Println("Portfolio Rebalancer API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Connecting to databases...")

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis
	redis, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	// ClickHouse holds the history archive and is optional
	var archive service.HistoryArchive
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		archive = storage.NewHistoryRepository(clickhouse)
	} else {
		logger.Warn("ClickHouse disabled, history is limited to the in-record ring")
	}

	logger.Info("Database connections established")

	// Initialize collaborator clients
	breakers := circuitbreaker.NewCircuitBreakerManager()
	deps := service.Dependencies{
		Repo:    storage.NewPortfolioRepository(postgres),
		Locker:  storage.NewRecordLocker(redis, cfg.Lock.TTL, cfg.Lock.Wait),
		Archive: archive,
		Cache:   storage.NewCacheService(redis, cfg.Cache.TTL),
		Replays: storage.NewReplayStore(redis, cfg.Idempotency.TTL),
		Options: ledger.Options{
			BaseAsset:          cfg.Ledger.BaseAsset,
			BaseSymbol:         cfg.Ledger.BaseSymbol,
			CreationPolicy:     cfg.Ledger.CreationPolicy,
			DefaultSlippageBps: cfg.Ledger.DefaultSlippageBps,
			Symbols:            cfg.Ledger.AssetSymbols,
		},
	}

	if cfg.Collaborators.TransferURL != "" {
		clientCfg := adapter.ClientConfig{
			BaseURL:       cfg.Collaborators.TransferURL,
			Timeout:       cfg.Collaborators.Timeout,
			RetryAttempts: cfg.Collaborators.RetryAttempts,
			Breakers:      breakers,
		}
		deps.Transfers = adapter.NewTransferClient(clientCfg)
		deps.Balances = adapter.NewCustodianClient(clientCfg)
	} else {
		logger.Warn("No transfer service configured, transfers and reconciliation are unavailable")
	}

	if cfg.Collaborators.SwapURL != "" {
		deps.Swaps = adapter.NewSwapClient(adapter.ClientConfig{
			BaseURL:       cfg.Collaborators.SwapURL,
			Timeout:       cfg.Collaborators.Timeout,
			RetryAttempts: cfg.Collaborators.RetryAttempts,
			Breakers:      breakers,
		})
	} else {
		logger.Warn("No swap service configured, rebalances that need swaps are unavailable")
	}

	portfolioService := service.NewPortfolioService(deps)

	verifier, err := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.MaxSkew)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create request verifier")
	}

	// Start drift monitor
	monitor := service.NewDriftMonitor(deps.Repo, archive, nil, deps.Options, cfg.Monitor.Interval)
	if err := monitor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start drift monitor")
	}
	logger.WithField("interval", cfg.Monitor.Interval.String()).Info("Drift monitor started")

	// Create API server
	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}
	server := api.NewServer(serverConfig, portfolioService, verifier, breakers)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"host":     cfg.Server.Host,
			"port":     cfg.Server.Port,
			"authMode": string(cfg.Auth.Mode),
		}).Info("API server listening")
		serverErrors <- server.Start()
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.WithError(err).Error("API server stopped unexpectedly")
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down server...")
	}

	if err := monitor.Stop(); err != nil {
		logger.WithError(err).Warn("Drift monitor was not running")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
