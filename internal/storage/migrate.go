package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// SchemaState is the applied version of the portfolios schema
type SchemaState struct {
	Version uint
	Dirty   bool // a migration failed halfway and needs Force
	Empty   bool // nothing applied yet
}

// PostgresMigrator applies the portfolios schema from a directory of
// golang-migrate files
type PostgresMigrator struct {
	databaseURL string
	sourceURL   string
}

// NewPostgresMigrator creates a migrator for the migrations under dir
func NewPostgresMigrator(databaseURL, dir string) *PostgresMigrator {
	return &PostgresMigrator{
		databaseURL: databaseURL,
		sourceURL:   "file://" + dir,
	}
}

func (pm *PostgresMigrator) with(op string, fn func(m *migrate.Migrate) error) error {
	m, err := migrate.New(pm.sourceURL, pm.databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// Up applies every pending migration
func (pm *PostgresMigrator) Up() error {
	return pm.with("apply migrations", func(m *migrate.Migrate) error { return m.Up() })
}

// Down rolls back the last applied migration
func (pm *PostgresMigrator) Down() error {
	return pm.with("roll back migration", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// Force marks version as applied and clean, after a dirty failure was fixed by hand
func (pm *PostgresMigrator) Force(version int) error {
	return pm.with("force version", func(m *migrate.Migrate) error { return m.Force(version) })
}

// State reports the applied version
func (pm *PostgresMigrator) State() (SchemaState, error) {
	var state SchemaState
	err := pm.with("read version", func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			state.Empty = true
			return nil
		}
		state.Version, state.Dirty = version, dirty
		return err
	})
	return state, err
}
