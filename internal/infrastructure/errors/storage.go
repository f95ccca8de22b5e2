package errors

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// maxStatementContext bounds the SQL text attached to a StorageError
const maxStatementContext = 120

// ClassifyError classifies database errors into storage error codes
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ErrCodeUnknown
	}

	// Driver-specific classification first
	if code := classifySQLiteError(err); code != ErrCodeUnknown {
		return code
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrCodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return ErrCodeTimeout
	case errors.Is(err, sql.ErrTxDone):
		return ErrCodeTransaction
	}

	// Fall back to string-based classification
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "unique constraint"):
		return ErrCodeDuplicate
	case strings.Contains(errStr, "foreign key constraint"):
		return ErrCodeConstraint
	case strings.Contains(errStr, "check constraint"):
		return ErrCodeConstraint
	case strings.Contains(errStr, "not null constraint"):
		return ErrCodeConstraint
	case strings.Contains(errStr, "database is locked"):
		return ErrCodeBusy
	case strings.Contains(errStr, "database disk image is malformed"):
		return ErrCodeCorruption
	case strings.Contains(errStr, "file is not a database"):
		return ErrCodeCorruption
	case strings.Contains(errStr, "no such table"):
		return ErrCodeSchema
	case strings.Contains(errStr, "no such column"):
		return ErrCodeSchema
	case strings.Contains(errStr, "permission denied"):
		return ErrCodePermission
	case strings.Contains(errStr, "access denied"):
		return ErrCodePermission
	case strings.Contains(errStr, "disk full"):
		return ErrCodeDiskSpace
	case strings.Contains(errStr, "no space left"):
		return ErrCodeDiskSpace
	case strings.Contains(errStr, "connection refused"):
		return ErrCodeConnection
	case strings.Contains(errStr, "timeout"):
		return ErrCodeTimeout
	case strings.Contains(errStr, "deadlock"):
		return ErrCodeTransaction
	default:
		return ErrCodeUnknown
	}
}

// WrapDatabaseError wraps a database error with storage error context
func WrapDatabaseError(op string, err error) error {
	if err == nil {
		return nil
	}
	// Already classified further down the stack
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	return NewStorageError(op, err, ClassifyError(err))
}

// WrapDatabaseErrorWithContext wraps a database error with storage error context and additional context
func WrapDatabaseErrorWithContext(op string, err error, contextMap map[string]string) error {
	if err == nil {
		return nil
	}
	return NewStorageErrorWithContext(op, err, ClassifyError(err), contextMap)
}

// WrapStatementError wraps an engine error together with the failing statement
func WrapStatementError(op string, err error, statement string) error {
	if err == nil {
		return nil
	}
	return WrapDatabaseErrorWithContext(op, err, map[string]string{
		"statement": TruncateStatement(statement),
	})
}

// TruncateStatement collapses whitespace and bounds the length of a SQL statement
func TruncateStatement(statement string) string {
	compact := strings.Join(strings.Fields(statement), " ")
	if len(compact) > maxStatementContext {
		return compact[:maxStatementContext] + "..."
	}
	return compact
}

// HandleNotFound creates a standardized not found error
func HandleNotFound(op string, resource string, identifier string) error {
	contextMap := map[string]string{
		"resource":   resource,
		"identifier": identifier,
	}
	return NewStorageErrorWithContext(op, sql.ErrNoRows, ErrCodeNotFound, contextMap)
}

// HandleConnectionError creates a standardized connection error
func HandleConnectionError(op string, details string) error {
	contextMap := map[string]string{
		"details": details,
	}
	return NewStorageErrorWithContext(op, errors.New("connection error"), ErrCodeConnection, contextMap)
}

// HandleTransactionError creates a standardized transaction error
func HandleTransactionError(op string, phase string, details string) error {
	contextMap := map[string]string{
		"phase":   phase,
		"details": details,
	}
	return NewStorageErrorWithContext(op, errors.New("transaction error"), ErrCodeTransaction, contextMap)
}

// HandleCorruptionError creates a standardized corruption error
func HandleCorruptionError(op string, resource string, err error) error {
	contextMap := map[string]string{
		"resource": resource,
	}
	if err == nil {
		err = errors.New("data corruption detected")
	}
	return NewStorageErrorWithContext(op, err, ErrCodeCorruption, contextMap)
}

// HandleEncryptionError creates a standardized encryption error
func HandleEncryptionError(op string, resource string, err error) error {
	contextMap := map[string]string{
		"resource": resource,
	}
	return NewStorageErrorWithContext(op, err, ErrCodeEncryption, contextMap)
}

// HandleMigrationError creates a standardized migration error
func HandleMigrationError(op string, phase string, err error) error {
	contextMap := map[string]string{
		"phase": phase,
	}
	return NewStorageErrorWithContext(op, err, ErrCodeMigration, contextMap)
}
