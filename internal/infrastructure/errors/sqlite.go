package errors

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// classifySQLiteError attempts to classify SQLite-specific errors using type assertions.
// Both the cgo driver (mattn) and the pure-Go driver (modernc) are understood.
func classifySQLiteError(err error) ErrorCode {
	var mattnErr sqlite3.Error
	if errors.As(err, &mattnErr) {
		return classifyMattnError(mattnErr)
	}
	var modernErr *msqlite.Error
	if errors.As(err, &modernErr) {
		return classifyModernError(modernErr)
	}
	return ErrCodeUnknown
}

func classifyMattnError(sqliteErr sqlite3.Error) ErrorCode {
	// Extended codes first for more specific classification
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return ErrCodeDuplicate
	case sqlite3.ErrConstraintForeignKey, sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
		return ErrCodeConstraint
	case sqlite3.ErrConstraintTrigger, sqlite3.ErrConstraintRowID:
		return ErrCodeConstraint
	}

	switch sqliteErr.Code {
	case sqlite3.ErrConstraint:
		if strings.Contains(strings.ToLower(sqliteErr.Error()), "unique") {
			return ErrCodeDuplicate
		}
		return ErrCodeConstraint
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		return ErrCodeCorruption
	case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
		return ErrCodePermission
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return ErrCodeBusy
	case sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
		return ErrCodeConnection
	case sqlite3.ErrFull:
		return ErrCodeDiskSpace
	case sqlite3.ErrMisuse:
		// Programming error, not a transient failure
		return ErrCodeInternal
	case sqlite3.ErrSchema:
		return ErrCodeSchema
	default:
		return ErrCodeUnknown
	}
}

func classifyModernError(sqliteErr *msqlite.Error) ErrorCode {
	code := sqliteErr.Code()

	switch code {
	case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return ErrCodeDuplicate
	case sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY, sqlitelib.SQLITE_CONSTRAINT_CHECK,
		sqlitelib.SQLITE_CONSTRAINT_NOTNULL, sqlitelib.SQLITE_CONSTRAINT_TRIGGER,
		sqlitelib.SQLITE_CONSTRAINT_ROWID:
		return ErrCodeConstraint
	}

	// Primary result code lives in the low byte
	switch code & 0xff {
	case sqlitelib.SQLITE_CONSTRAINT:
		if strings.Contains(strings.ToLower(sqliteErr.Error()), "unique") {
			return ErrCodeDuplicate
		}
		return ErrCodeConstraint
	case sqlitelib.SQLITE_CORRUPT, sqlitelib.SQLITE_NOTADB:
		return ErrCodeCorruption
	case sqlitelib.SQLITE_PERM, sqlitelib.SQLITE_AUTH, sqlitelib.SQLITE_READONLY:
		return ErrCodePermission
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
		return ErrCodeBusy
	case sqlitelib.SQLITE_CANTOPEN, sqlitelib.SQLITE_IOERR:
		return ErrCodeConnection
	case sqlitelib.SQLITE_FULL:
		return ErrCodeDiskSpace
	case sqlitelib.SQLITE_MISUSE:
		return ErrCodeInternal
	case sqlitelib.SQLITE_SCHEMA:
		return ErrCodeSchema
	default:
		return ErrCodeUnknown
	}
}
