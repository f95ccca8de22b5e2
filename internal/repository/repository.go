package repository

import (
	"context"
	"errors"
	"time"

	"trailkeep/internal/database"
	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/seal"
)

// BatchConfig holds configuration for batch operations
type BatchConfig struct {
	DefaultBatchSize int
	MaxBatchSize     int
}

// DefaultBatchConfig returns sensible defaults for batch operations
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		DefaultBatchSize: 100,
		MaxBatchSize:     1000,
	}
}

// SQLiteRepository implements Repository on top of the encrypted store.
// Location columns, polylines, photo paths, EXIF and flagged preferences are sealed.
type SQLiteRepository struct {
	store       database.Store
	exec        database.Executor
	inTx        bool
	retryConfig *errs.RetryConfig
	batchConfig *BatchConfig
	logger      logging.Logger
	now         func() time.Time
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository instance
func NewSQLiteRepository(store database.Store, logger logging.Logger) *SQLiteRepository {
	return NewSQLiteRepositoryWithConfig(store, nil, nil, logger)
}

// NewSQLiteRepositoryWithConfig creates a new SQLite repository instance with custom configuration
func NewSQLiteRepositoryWithConfig(store database.Store, retryConfig *errs.RetryConfig, batchConfig *BatchConfig, logger logging.Logger) *SQLiteRepository {
	logger = logging.OrDefault(logger)
	if retryConfig == nil {
		retryConfig = errs.DefaultRetryConfig()
		retryConfig.Logger = errs.NewLoggerBridge(logger)
	}
	if batchConfig == nil {
		batchConfig = DefaultBatchConfig()
	}

	return &SQLiteRepository{
		store:       store,
		exec:        store,
		retryConfig: retryConfig,
		batchConfig: batchConfig,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the timestamp source used for created/updated columns
func (r *SQLiteRepository) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func (r *SQLiteRepository) sealer(op string) (*seal.Sealer, error) {
	s := r.store.Sealer()
	if s == nil {
		return nil, errs.HandleEncryptionError(op, "column_key", errors.New("store is not initialized"))
	}
	return s, nil
}

// run executes op with retry logic. Inside a transaction the
// surrounding Transaction owns retries, so op runs once.
func (r *SQLiteRepository) run(ctx context.Context, name string, op func() error) error {
	start := time.Now()
	var err error
	if r.inTx {
		err = op()
	} else {
		err = errs.WithRetryContext(ctx, r.retryConfig, op, name)
	}
	if err != nil {
		if errs.IsRetryable(err) {
			r.logger.Debug("Retryable error in "+name, "error", err)
		} else if !errs.IsNotFound(err) && !errs.IsValidation(err) {
			logging.LogError(r.logger, err, name, nil)
		}
		return err
	}
	logging.LogOperation(r.logger, name, time.Since(start), nil)
	return nil
}
