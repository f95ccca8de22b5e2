package database

import (
	"context"
	"database/sql"

	errs "trailkeep/internal/infrastructure/errors"
)

// queryer is the subset of *sql.DB and *sql.Tx the executors need
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Row wraps *sql.Row so Scan failures come back classified
type Row struct {
	row   *sql.Row
	query string
	err   error
}

// Scan copies the row into dest. A missing row is a NOT_FOUND StorageError.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if err := r.row.Scan(dest...); err != nil {
		return errs.WrapStatementError("ExecuteQueryRow", err, r.query)
	}
	return nil
}

// txExecutor runs statements on an open transaction
type txExecutor struct {
	tx *sql.Tx
}

func (t *txExecutor) ExecuteSQL(ctx context.Context, query string, args ...any) error {
	return execSQL(ctx, t.tx, query, args...)
}

func (t *txExecutor) ExecuteQuery(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return execQuery(ctx, t.tx, query, args...)
}

func (t *txExecutor) ExecuteQueryRow(ctx context.Context, query string, args ...any) *Row {
	return &Row{row: t.tx.QueryRowContext(ctx, query, args...), query: query}
}

func (t *txExecutor) ExecuteInsert(ctx context.Context, query string, args ...any) (int64, error) {
	return execInsert(ctx, t.tx, query, args...)
}

func (t *txExecutor) ExecuteUpdate(ctx context.Context, query string, args ...any) (int64, error) {
	return execUpdate(ctx, t.tx, query, args...)
}

func execSQL(ctx context.Context, q queryer, query string, args ...any) error {
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errs.WrapStatementError("ExecuteSQL", err, query)
	}
	return nil
}

func execQuery(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.WrapStatementError("ExecuteQuery", err, query)
	}
	return rows, nil
}

func execInsert(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.WrapStatementError("ExecuteInsert", err, query)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, errs.WrapStatementError("ExecuteInsert", err, query)
	}
	return id, nil
}

func execUpdate(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.WrapStatementError("ExecuteUpdate", err, query)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errs.WrapStatementError("ExecuteUpdate", err, query)
	}
	return n, nil
}
