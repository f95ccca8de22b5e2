package database

import (
	"context"
	"database/sql"

	"trailkeep/internal/infrastructure/seal"
)

// KeyProvider supplies the key that protects sealed columns
type KeyProvider interface {
	DatabaseKey(ctx context.Context) ([]byte, error)
}

// Executor runs statements against either the pool or an open transaction.
// Every engine error comes back as a StorageError carrying the statement.
type Executor interface {
	ExecuteSQL(ctx context.Context, query string, args ...any) error
	ExecuteQuery(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecuteQueryRow(ctx context.Context, query string, args ...any) *Row
	// ExecuteInsert returns the last inserted row id
	ExecuteInsert(ctx context.Context, query string, args ...any) (int64, error)
	// ExecuteUpdate returns the number of rows affected
	ExecuteUpdate(ctx context.Context, query string, args ...any) (int64, error)
}

// Store defines the local encrypted store.
// This interface abstracts connection management, migrations, transactions and maintenance
type Store interface {
	Executor

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
	Health(ctx context.Context) error

	// Transactions; fn runs inside BEGIN/COMMIT and is retried on busy/locked
	Transaction(ctx context.Context, fn func(tx Executor) error) error

	// Column encryption
	Sealer() *seal.Sealer

	// Schema
	GetSchemaVersion(ctx context.Context) (int64, error)
	GetMigrationVersion(ctx context.Context) (int64, error)

	// Maintenance operations
	Optimize(ctx context.Context) error
	GetStats() sql.DBStats
}

// MigrationManager defines the interface for database migration operations
// This interface handles schema evolution and migration management
type MigrationManager interface {
	// Migration execution
	RunMigrations(ctx context.Context) error
	GetCurrentVersion(ctx context.Context) (int64, error)

	// Migration validation
	ValidateMigrations() error
}
