package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"trailkeep/internal/infrastructure/logging"

	"github.com/pressly/goose/v3"
)

// Embed migration files at compile time
//
//go:embed migrations/*.sql
var embedMigrations embed.FS

// MigrationRunner handles database migration operations.
// Each runner owns a goose Provider, so no goose package state is shared
// between runners (parallel tests open many of them).
type MigrationRunner struct {
	db     *sql.DB
	logger logging.Logger
}

// Ensure MigrationRunner implements MigrationManager interface
var _ MigrationManager = (*MigrationRunner)(nil)

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(db *sql.DB, logger logging.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:     db,
		logger: logging.OrDefault(logger),
	}
}

func migrationsFS() (fs.FS, error) {
	return fs.Sub(embedMigrations, "migrations")
}

func (mr *MigrationRunner) provider() (*goose.Provider, error) {
	if mr.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	fsys, err := migrationsFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, mr.db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider, nil
}

// RunMigrations applies all pending migrations in ascending version order.
// goose runs each SQL migration in its own transaction.
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	provider, err := mr.provider()
	if err != nil {
		return err
	}

	mr.logger.Info("Running database migrations from embedded filesystem")

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, result := range results {
		mr.logger.Debug("Applied migration",
			"version", result.Source.Version,
			"path", result.Source.Path,
			"duration", result.Duration)
	}

	// Log current version
	if version, err := provider.GetDBVersion(ctx); err == nil {
		mr.logger.Info("Database migrated to version", "version", version, "applied", len(results))
	}

	return nil
}

// GetCurrentVersion returns the current migration version
func (mr *MigrationRunner) GetCurrentVersion(ctx context.Context) (int64, error) {
	provider, err := mr.provider()
	if err != nil {
		return 0, err
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}

	return version, nil
}

// ValidateMigrations checks if embedded migration files are valid
func (mr *MigrationRunner) ValidateMigrations() error {
	provider, err := mr.provider()
	if err != nil {
		return err
	}

	sources := provider.ListSources()
	if len(sources) == 0 {
		return fmt.Errorf("no migrations found in embedded filesystem")
	}

	mr.logger.Debug("Found valid migrations in embedded filesystem", "count", len(sources))
	return nil
}
