package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/config"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "portfolio_rebalancer",
		User:           "rebalancer",
		Password:       os.Getenv("POSTGRES_PASSWORD"),
		MaxConnections: 4,
	}
}

// openTestPostgres connects and migrates, skipping when Postgres is not available
func openTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	require.NoError(t, NewPostgresMigrator(cfg.URL(), "../../migrations/postgres").Up())
	return db
}

func TestNewPostgresDB(t *testing.T) {
	db := openTestPostgres(t)
	ctx := testContext(t)

	var appName, timeout string
	require.NoError(t, db.Pool().QueryRow(ctx, "SELECT current_setting('application_name'), current_setting('statement_timeout')").Scan(&appName, &timeout))
	assert.Equal(t, "portfolio-rebalancer", appName)
	assert.Equal(t, recordStatementTimeout, timeout)
}

func TestNewPostgresDB_Unreachable(t *testing.T) {
	cfg := testPostgresConfig()
	cfg.Port = "1"

	_, err := NewPostgresDB(testContext(t), cfg)
	assert.ErrorIs(t, err, apperrors.ErrDatabase)
}

func TestPortfolioRepository_Lifecycle(t *testing.T) {
	db := openTestPostgres(t)
	repo := NewPortfolioRepository(db)
	ctx := testContext(t)

	owner := "0x00000000000000000000000000000000000000aa"
	_ = repo.Delete(ctx, owner)
	t.Cleanup(func() { _ = repo.Delete(ctx, owner) })

	rec := &models.Portfolio{
		Owner:      owner,
		TotalValue: 18446744073709551615,
		Allocations: []models.AllocationEntry{
			{AssetID: types.AssetWrappedSOL, Symbol: "SOL", CurrentAmount: 18446744073709551615, TargetPercentage: 10000},
		},
		CreatedAt: 1_700_000_000,
		UpdatedAt: 1_700_000_000,
	}
	require.NoError(t, repo.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	err := repo.Create(ctx, rec)
	assert.ErrorIs(t, err, apperrors.ErrPortfolioExists)

	loaded, err := repo.GetByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, rec.TotalValue, loaded.TotalValue)
	assert.Equal(t, rec.Allocations, loaded.Allocations)
	assert.Empty(t, loaded.History)

	// Two writers loaded version 1; the second one loses
	first, second := *loaded, *loaded
	first.History = []models.PerformanceSnapshot{{Timestamp: 1_700_000_100, TotalValue: 1}}
	require.NoError(t, repo.Update(ctx, &first))
	assert.Equal(t, int64(2), first.Version)

	err = repo.Update(ctx, &second)
	assert.ErrorIs(t, err, apperrors.ErrStaleRecord)

	owners, err := repo.ListOwners(ctx, "", 1000)
	require.NoError(t, err)
	assert.Contains(t, owners, owner)

	require.NoError(t, repo.Delete(ctx, owner))
	_, err = repo.GetByOwner(ctx, owner)
	assert.ErrorIs(t, err, apperrors.ErrPortfolioNotFound)
}

func TestPostgresMigrator_State(t *testing.T) {
	openTestPostgres(t)

	m := NewPostgresMigrator(testPostgresConfig().URL(), "../../migrations/postgres")
	require.NoError(t, m.Up(), "a second Up is a no-op")

	state, err := m.State()
	require.NoError(t, err)
	assert.False(t, state.Empty)
	assert.False(t, state.Dirty)
	assert.Equal(t, uint(1), state.Version)
}

func TestPostgresMigrator_MissingDir(t *testing.T) {
	m := NewPostgresMigrator(testPostgresConfig().URL(), "does/not/exist")
	assert.Error(t, m.Up())
}
