// Package main applies the Postgres record schema and the ClickHouse archive schema
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/storage"
)

func main() {
	var (
		action  = flag.String("action", "up", "Migration action: up, down, version, force (postgres only for all but up)")
		dbType  = flag.String("db", "postgres", "Database: postgres, clickhouse")
		dir     = flag.String("dir", "migrations", "Root directory holding the postgres and clickhouse migrations")
		version = flag.Int("version", -1, "Version to mark clean with -action force")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.WithFields(map[string]interface{}{
		"db":     *dbType,
		"action": *action,
	})

	switch *dbType {
	case "postgres":
		err = migratePostgres(cfg, *action, filepath.Join(*dir, "postgres"), *version)
	case "clickhouse":
		err = migrateClickHouse(cfg, *action, filepath.Join(*dir, "clickhouse"))
	default:
		err = fmt.Errorf("unknown database %q", *dbType)
	}
	if err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
	logger.Info("Migration finished")
}

func migratePostgres(cfg *config.Config, action, dir string, version int) error {
	m := storage.NewPostgresMigrator(cfg.Database.Postgres.URL(), dir)

	switch action {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "force":
		if version < 0 {
			return fmt.Errorf("-action force needs -version")
		}
		return m.Force(version)
	case "version":
		state, err := m.State()
		if err != nil {
			return err
		}
		logging.WithFields(map[string]interface{}{
			"version": state.Version,
			"dirty":   state.Dirty,
			"empty":   state.Empty,
		}).Info("Postgres schema version")
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func migrateClickHouse(cfg *config.Config, action, dir string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support -action up")
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("migrations directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close ClickHouse connection")
		}
	}()

	return storage.RunClickHouseMigrations(ctx, db, dir)
}
