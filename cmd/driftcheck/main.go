// Package main runs a single drift monitor pass and prints the report.
// Exits 2 when any portfolio has drifted past its threshold.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/ledger"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/storage"
)

func main() {
	var (
		timeout = flag.Duration("timeout", 5*time.Minute, "Maximum duration of the pass")
		archive = flag.Bool("archive", false, "Archive drift alerts to ClickHouse")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	var history service.HistoryArchive
	if *archive && cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		history = storage.NewHistoryRepository(clickhouse)
	}

	opts := ledger.Options{
		BaseAsset:          cfg.Ledger.BaseAsset,
		BaseSymbol:         cfg.Ledger.BaseSymbol,
		CreationPolicy:     cfg.Ledger.CreationPolicy,
		DefaultSlippageBps: cfg.Ledger.DefaultSlippageBps,
		Symbols:            cfg.Ledger.AssetSymbols,
	}
	monitor := service.NewDriftMonitor(storage.NewPortfolioRepository(postgres), history, nil, opts, cfg.Monitor.Interval)

	report, err := monitor.RunOnce(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Drift check failed")
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.WithError(err).Fatal("Failed to encode report")
	}
	fmt.Println(string(out))

	if len(report.Drifted) > 0 {
		postgres.Close()
		os.Exit(2)
	}
}
