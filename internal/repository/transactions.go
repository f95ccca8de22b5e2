package repository

import (
	"context"
	"time"

	"trailkeep/internal/database"
	"trailkeep/internal/infrastructure/logging"
)

// WithTransaction executes fn within a database transaction. The store retries
// the whole transaction on busy/locked failures, so fn may run more than once.
func (r *SQLiteRepository) WithTransaction(ctx context.Context, fn func(repo Repository) error) error {
	if r.inTx {
		// Already inside a transaction; join it
		return fn(r)
	}
	start := time.Now()

	err := r.store.Transaction(ctx, func(tx database.Executor) error {
		txRepo := &SQLiteRepository{
			store:       r.store,
			exec:        tx,
			inTx:        true,
			retryConfig: r.retryConfig,
			batchConfig: r.batchConfig,
			logger:      r.logger,
			now:         r.now,
		}
		return fn(txRepo)
	})

	if err == nil {
		logging.LogOperation(r.logger, "WithTransaction", time.Since(start), nil)
	}
	return err
}
