package repository

import (
	"context"
	"strings"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/types"

	"github.com/oklog/ulid/v2"
)

// AppendDeletionLog writes one audit row. A missing ID is filled with a ULID
// so entries sort by creation time.
func (r *SQLiteRepository) AppendDeletionLog(ctx context.Context, entry *types.DataDeletionLogEntry) error {
	const op = "AppendDeletionLog"
	if entry == nil {
		return errs.NewValidationError(op, "entry", "", "entry is nil")
	}
	if strings.TrimSpace(entry.UserID) == "" {
		return errs.NewValidationError(op, "user_id", "", "user id is empty")
	}
	if entry.DataType == "" {
		return errs.NewValidationError(op, "data_type", "", "data type is empty")
	}
	if entry.VerificationHash == "" {
		return errs.NewValidationError(op, "verification_hash", "", "verification hash is empty")
	}
	if entry.DeletedAt.IsZero() {
		entry.DeletedAt = r.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}

	return r.run(ctx, op, func() error {
		return r.exec.ExecuteSQL(ctx, `INSERT INTO data_deletion_log
			(id, user_id, data_type, deletion_timestamp, reason, verification_hash)
			VALUES (?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.UserID, string(entry.DataType), toMillis(entry.DeletedAt),
			entry.Reason, entry.VerificationHash)
	})
}

// ListDeletionLog returns a user's audit trail, oldest first
func (r *SQLiteRepository) ListDeletionLog(ctx context.Context, userID string) ([]types.DataDeletionLogEntry, error) {
	const op = "ListDeletionLog"
	query := `SELECT id, user_id, data_type, deletion_timestamp, reason, verification_hash
		FROM data_deletion_log WHERE user_id = ? ORDER BY deletion_timestamp ASC, id ASC`

	var entries []types.DataDeletionLogEntry
	err := r.run(ctx, op, func() error {
		entries = entries[:0]
		rows, err := r.exec.ExecuteQuery(ctx, query, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e        types.DataDeletionLogEntry
				dataType string
				ts       int64
			)
			if err := rows.Scan(&e.ID, &e.UserID, &dataType, &ts, &e.Reason, &e.VerificationHash); err != nil {
				return errs.WrapDatabaseError(op, err)
			}
			e.DataType = types.DataType(dataType)
			e.DeletedAt = fromMillis(ts)
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return errs.WrapStatementError(op, err, query)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
