package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/seal"
	"trailkeep/internal/platform"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// columnKeyInfo is the HKDF label for the sealed-column key
const columnKeyInfo = "trailkeep/column/v1"

// SQLiteStore implements the Store interface for SQLite
//
// Lifecycle:
// 1. Create store with NewSQLiteStore()
// 2. Initialize() obtains the key, connects and migrates
// 3. Use the Executor methods or Transaction() for multi-statement writes
// 4. Close store with Close() to release the pool
type SQLiteStore struct {
	mu              sync.RWMutex
	db              *sql.DB
	config          *Config
	keys            KeyProvider
	sealer          *seal.Sealer
	migrationRunner MigrationManager
	retryConfig     *errs.RetryConfig
	logger          logging.Logger
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new store. keys supplies the column key.
func NewSQLiteStore(config *Config, keys KeyProvider, logger logging.Logger) *SQLiteStore {
	if config == nil {
		config = DefaultConfig()
	}
	logger = logging.OrDefault(logger)
	retry := errs.DefaultRetryConfig()
	retry.Logger = errs.NewLoggerBridge(logger)
	return &SQLiteStore{
		config:      config,
		keys:        keys,
		retryConfig: retry,
		logger:      logger,
	}
}

// SetRetryConfig replaces the retry policy used around transactions
func (s *SQLiteStore) SetRetryConfig(config *errs.RetryConfig) {
	if config == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryConfig = config
}

// Initialize gets the key, connects and runs pending migrations
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	const op = "SQLiteStore.Initialize"
	start := time.Now()

	if s.keys == nil {
		return errs.NewValidationError(op, "keys", "", "key provider is required")
	}
	key, err := s.keys.DatabaseKey(ctx)
	if err != nil {
		return err
	}
	sealer, err := seal.NewSealer(key, columnKeyInfo)
	if err != nil {
		return errs.HandleEncryptionError(op, "column_key", err)
	}

	if err := s.Connect(ctx, s.config); err != nil {
		return err
	}

	s.mu.Lock()
	s.sealer = sealer
	s.mu.Unlock()

	if s.config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return err
		}
	}

	logging.LogOperation(s.logger, op, time.Since(start), map[string]interface{}{
		"path":   s.config.Path,
		"driver": s.config.Driver,
	})
	return nil
}

// Connect establishes a connection to the SQLite database
func (s *SQLiteStore) Connect(ctx context.Context, config *Config) error {
	if err := config.Validate(); err != nil {
		return errs.NewValidationError("SQLiteStore.Connect", "config", "", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = config

	// Close any existing connection to prevent resource leaks
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close existing database connection", "error", err)
		}
		s.db = nil
		s.migrationRunner = nil
	}

	db, err := sql.Open(config.Driver, config.GetConnectionString())
	if err != nil {
		return errs.HandleConnectionError("Connect", fmt.Sprintf("failed to open database: %v", err))
	}

	s.configureConnectionPool(db, config)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errs.HandleConnectionError("Connect", fmt.Sprintf("failed to ping database: %v", err))
	}

	s.db = db
	s.migrationRunner = NewMigrationRunner(db, s.logger)

	s.logger.Info("Connected to SQLite database", "path", config.Path, "driver", config.Driver)
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	if err := s.db.Close(); err != nil {
		return errs.HandleConnectionError("Close", fmt.Sprintf("failed to close database: %v", err))
	}

	// Null out internal references to prevent accidental reuse
	s.db = nil
	s.migrationRunner = nil
	s.sealer = nil

	s.logger.Info("Closed SQLite database connection")
	return nil
}

// Migrate runs database migrations using the migration runner
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.mu.RLock()
	db, runner := s.db, s.migrationRunner
	s.mu.RUnlock()

	if db == nil {
		return errs.HandleConnectionError("Migrate", "database not connected")
	}

	if err := runner.ValidateMigrations(); err != nil {
		return errs.HandleMigrationError("Migrate", "validation", err)
	}

	if err := runner.RunMigrations(ctx); err != nil {
		return errs.HandleMigrationError("Migrate", "execution", err)
	}

	return nil
}

// Health checks the database connection health
func (s *SQLiteStore) Health(ctx context.Context) error {
	db, err := s.conn("Health")
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		return errs.WrapDatabaseErrorWithContext("Health", err, map[string]string{
			"phase": "ping",
		})
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return errs.WrapDatabaseErrorWithContext("Health", err, map[string]string{
			"phase": "query",
		})
	}

	if result != 1 {
		return errs.NewValidationError("Health", "query_result", fmt.Sprintf("%d", result), "expected result 1")
	}

	// Low disk is a warning, not a failure
	if !s.config.IsInMemory() && s.config.MinFreeDiskBytes > 0 {
		if free, err := platform.FreeDiskSpace(filepath.Dir(s.config.Path)); err == nil && free < s.config.MinFreeDiskBytes {
			s.logger.Warn("Low disk space for database", "free_bytes", free, "min_bytes", s.config.MinFreeDiskBytes)
		}
	}

	return nil
}

// DB returns the underlying database connection
func (s *SQLiteStore) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Sealer returns the column cipher. Nil until Initialize succeeds.
func (s *SQLiteStore) Sealer() *seal.Sealer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealer
}

// Config returns the active configuration
func (s *SQLiteStore) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// GetSchemaVersion returns the schema_version recorded in db_metadata
func (s *SQLiteStore) GetSchemaVersion(ctx context.Context) (int64, error) {
	const query = "SELECT value FROM db_metadata WHERE key = 'schema_version'"
	var value string
	if err := s.ExecuteQueryRow(ctx, query).Scan(&value); err != nil {
		return 0, err
	}
	var version int64
	if _, err := fmt.Sscanf(value, "%d", &version); err != nil {
		return 0, errs.HandleCorruptionError("GetSchemaVersion", "db_metadata.schema_version", err)
	}
	return version, nil
}

// GetMigrationVersion returns the current goose migration version
func (s *SQLiteStore) GetMigrationVersion(ctx context.Context) (int64, error) {
	s.mu.RLock()
	db, runner := s.db, s.migrationRunner
	s.mu.RUnlock()

	if db == nil {
		return 0, errs.HandleConnectionError("GetMigrationVersion", "database not connected")
	}

	version, err := runner.GetCurrentVersion(ctx)
	if err != nil {
		return 0, errs.WrapDatabaseError("GetMigrationVersion", err)
	}
	return version, nil
}

// GetStats returns database connection pool statistics for monitoring
func (s *SQLiteStore) GetStats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// Optimize runs ANALYZE, a WAL checkpoint and VACUUM
func (s *SQLiteStore) Optimize(ctx context.Context) error {
	db, err := s.conn("Optimize")
	if err != nil {
		return err
	}
	start := time.Now()

	// Run ANALYZE to update query planner statistics
	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		return errs.WrapDatabaseErrorWithContext("Optimize", err, map[string]string{
			"phase": "analyze",
		})
	}

	// Best-effort WAL checkpoint to trim .wal (ignored on non-WAL)
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("wal_checkpoint failed", "error", err)
	}

	// Run VACUUM to reclaim space and defragment
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return errs.WrapDatabaseErrorWithContext("Optimize", err, map[string]string{
			"phase": "vacuum",
		})
	}

	// Let SQLite apply additional internal optimizations (no-op if unsupported)
	if _, err := db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		s.logger.Warn("PRAGMA optimize failed", "error", err)
	}

	logging.LogOperation(s.logger, "Optimize", time.Since(start), nil)
	s.logger.Info("Database optimization completed")
	return nil
}

// Transaction executes fn inside a transaction with retry logic.
// Busy and locked failures restart the whole transaction.
func (s *SQLiteStore) Transaction(ctx context.Context, fn func(tx Executor) error) error {
	db, err := s.conn("Transaction")
	if err != nil {
		return err
	}
	s.mu.RLock()
	retryConfig := s.retryConfig
	s.mu.RUnlock()

	start := time.Now()
	err = errs.WithRetryContext(ctx, retryConfig, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			storageErr := errs.WrapDatabaseError("Transaction.Begin", err)
			if errs.IsRetryable(storageErr) {
				s.logger.Debug("Retryable error beginning transaction", "error", err)
			} else {
				logging.LogError(s.logger, storageErr, "Transaction.Begin", nil)
			}
			return storageErr
		}

		var originalErr error
		var committed bool
		defer func() {
			if !committed {
				if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.Debug("Failed to rollback transaction",
						"rollback_error", rollbackErr,
						"original_error", originalErr)
				}
			}
		}()

		// The function should return storage errors already; don't wrap them again
		if err := fn(&txExecutor{tx: tx}); err != nil {
			originalErr = err
			s.logger.Debug("Transaction function failed", "error", err)
			return err
		}

		if err := tx.Commit(); err != nil {
			originalErr = err
			storageErr := errs.WrapDatabaseError("Transaction.Commit", err)
			if errs.IsRetryable(storageErr) {
				s.logger.Debug("Retryable error committing transaction", "error", err)
			} else {
				logging.LogError(s.logger, storageErr, "Transaction.Commit", nil)
			}
			return storageErr
		}
		committed = true
		return nil
	}, "Transaction")

	if err == nil {
		logging.LogOperation(s.logger, "Transaction", time.Since(start), nil)
	}
	return err
}

// ExecuteSQL runs a statement that returns no rows
func (s *SQLiteStore) ExecuteSQL(ctx context.Context, query string, args ...any) error {
	db, err := s.conn("ExecuteSQL")
	if err != nil {
		return err
	}
	return execSQL(ctx, db, query, args...)
}

// ExecuteQuery runs a query returning rows. The caller closes them.
func (s *SQLiteStore) ExecuteQuery(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db, err := s.conn("ExecuteQuery")
	if err != nil {
		return nil, err
	}
	return execQuery(ctx, db, query, args...)
}

// ExecuteQueryRow runs a query expected to return at most one row
func (s *SQLiteStore) ExecuteQueryRow(ctx context.Context, query string, args ...any) *Row {
	db, err := s.conn("ExecuteQueryRow")
	if err != nil {
		return &Row{err: err}
	}
	return &Row{row: db.QueryRowContext(ctx, query, args...), query: query}
}

// ExecuteInsert runs an INSERT and returns the last inserted row id
func (s *SQLiteStore) ExecuteInsert(ctx context.Context, query string, args ...any) (int64, error) {
	db, err := s.conn("ExecuteInsert")
	if err != nil {
		return 0, err
	}
	return execInsert(ctx, db, query, args...)
}

// ExecuteUpdate runs an UPDATE or DELETE and returns the rows affected
func (s *SQLiteStore) ExecuteUpdate(ctx context.Context, query string, args ...any) (int64, error) {
	db, err := s.conn("ExecuteUpdate")
	if err != nil {
		return 0, err
	}
	return execUpdate(ctx, db, query, args...)
}

func (s *SQLiteStore) conn(op string) (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errs.HandleConnectionError(op, "database not connected")
	}
	return s.db, nil
}

// configureConnectionPool sets up connection pool settings optimized for SQLite
func (s *SQLiteStore) configureConnectionPool(db *sql.DB, config *Config) {
	isWALEnabled := strings.EqualFold(config.JournalMode, "WAL")

	switch {
	case config.ForceSingleConnection:
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		s.logger.Info("Configured SQLite for single connection mode (forced by config)")
	case config.IsInMemory() || !isWALEnabled:
		// Without WAL, or with a per-connection in-memory database, one connection only
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		s.logger.Info("Configured SQLite for single connection mode",
			"journalMode", config.JournalMode, "inMemory", config.IsInMemory())
	default:
		// SQLite with WAL can handle multiple readers, but keep it conservative
		maxConns := config.MaxConnections
		if maxConns <= 0 {
			maxConns = 4
		}
		maxConns = min(maxConns, 4)

		idleConns := min(config.MaxIdleConns, maxConns)
		if idleConns <= 0 {
			idleConns = 1
		}

		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(idleConns)
		s.logger.Info("Configured SQLite for limited connection pool (WAL mode)",
			"maxOpenConns", maxConns, "maxIdleConns", idleConns)
	}

	// In-memory databases vanish when their last connection closes
	if config.IsInMemory() {
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		return
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
}
