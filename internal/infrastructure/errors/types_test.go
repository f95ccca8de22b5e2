package errors

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestStorageError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *StorageError
		contains []string
	}{
		{
			name:     "op and code",
			err:      NewStorageError("Store.Insert", errors.New("boom"), ErrCodeConstraint),
			contains: []string{"boom", "op=Store.Insert", "code=CONSTRAINT"},
		},
		{
			name:     "retryable flag",
			err:      NewStorageError("Store.Begin", errors.New("locked"), ErrCodeBusy),
			contains: []string{"code=BUSY", "retryable=true"},
		},
		{
			name: "sorted context",
			err: NewStorageErrorWithContext("Store.Query", errors.New("bad"), ErrCodeSchema,
				map[string]string{"z": "last", "a": "first"}),
			contains: []string{"a=first z=last"},
		},
		{
			name:     "no cause",
			err:      &StorageError{Op: "x"},
			contains: []string{"storage error", "op=x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Expected %q to contain %q", msg, want)
				}
			}
		})
	}
}

func TestStorageError_IsAndUnwrap(t *testing.T) {
	cause := sql.ErrNoRows
	err := fmt.Errorf("wrapped: %w", NewStorageError("Repo.Get", cause, ErrCodeNotFound))

	if !errors.Is(err, sql.ErrNoRows) {
		t.Error("Expected errors.Is to reach the cause")
	}
	if !errors.Is(err, &StorageError{Code: ErrCodeNotFound}) {
		t.Error("Expected errors.Is to match by code")
	}
	if errors.Is(err, &StorageError{Code: ErrCodeBusy}) {
		t.Error("Expected code mismatch to fail")
	}
	if !IsNotFound(err) || !IsStorage(err) {
		t.Error("Expected IsNotFound and IsStorage through wrapping")
	}
}

func TestStorageError_ContextIsCloned(t *testing.T) {
	ctx := map[string]string{"k": "v"}
	err := NewStorageErrorWithContext("op", nil, ErrCodeInternal, ctx)
	ctx["k"] = "changed"
	if err.GetContext()["k"] != "v" {
		t.Errorf("Expected context to be cloned, got %q", err.GetContext()["k"])
	}
}

func TestIsRetryableCode(t *testing.T) {
	tests := []struct {
		code ErrorCode
		err  error
		want bool
	}{
		{ErrCodeBusy, nil, true},
		{ErrCodeConnection, nil, true},
		{ErrCodeTimeout, nil, true},
		{ErrCodeTransaction, nil, true},
		{ErrCodeCorruption, nil, false},
		{ErrCodeEncryption, nil, false},
		{ErrCodeMigration, nil, false},
		{ErrCodeDiskSpace, nil, false},
		{ErrCodeValidation, nil, false},
		{ErrCodeUnknown, errors.New("temporary glitch"), true},
		{ErrCodeUnknown, errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if got := isRetryableCode(tt.code, tt.err); got != tt.want {
				t.Errorf("isRetryableCode(%v, %v) = %v, want %v", tt.code, tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrCodeUnknown},
		{"no rows", sql.ErrNoRows, ErrCodeNotFound},
		{"tx done", sql.ErrTxDone, ErrCodeTransaction},
		{"unique text", errors.New("UNIQUE constraint failed: activities.activity_id"), ErrCodeDuplicate},
		{"fk text", errors.New("FOREIGN KEY constraint failed"), ErrCodeConstraint},
		{"locked text", errors.New("database is locked"), ErrCodeBusy},
		{"malformed", errors.New("database disk image is malformed"), ErrCodeCorruption},
		{"not a db", errors.New("file is not a database"), ErrCodeCorruption},
		{"no such table", errors.New("no such table: photos"), ErrCodeSchema},
		{"disk", errors.New("no space left on device"), ErrCodeDiskSpace},
		{"other", errors.New("something else"), ErrCodeUnknown},
		{
			"mattn unique",
			sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique},
			ErrCodeDuplicate,
		},
		{
			"mattn foreign key",
			sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey},
			ErrCodeConstraint,
		},
		{"mattn busy", sqlite3.Error{Code: sqlite3.ErrBusy}, ErrCodeBusy},
		{"mattn locked", sqlite3.Error{Code: sqlite3.ErrLocked}, ErrCodeBusy},
		{"mattn corrupt", sqlite3.Error{Code: sqlite3.ErrCorrupt}, ErrCodeCorruption},
		{"mattn notadb", sqlite3.Error{Code: sqlite3.ErrNotADB}, ErrCodeCorruption},
		{"mattn readonly", sqlite3.Error{Code: sqlite3.ErrReadonly}, ErrCodePermission},
		{"mattn full", sqlite3.Error{Code: sqlite3.ErrFull}, ErrCodeDiskSpace},
		{"mattn misuse", sqlite3.Error{Code: sqlite3.ErrMisuse}, ErrCodeInternal},
		{"mattn schema", sqlite3.Error{Code: sqlite3.ErrSchema}, ErrCodeSchema},
		{"mattn wrapped", fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrCantOpen}), ErrCodeConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapDatabaseError(t *testing.T) {
	if WrapDatabaseError("op", nil) != nil {
		t.Error("Expected nil for nil error")
	}

	err := WrapDatabaseError("Store.Exec", errors.New("database is locked"))
	if !IsBusy(err) {
		t.Errorf("Expected busy error, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("Expected busy error to be retryable")
	}

	// Re-wrapping keeps the innermost classification
	again := WrapDatabaseError("Outer", err)
	var se *StorageError
	if !errors.As(again, &se) || se.Op != "Store.Exec" {
		t.Errorf("Expected original StorageError to be preserved, got %v", again)
	}
}

func TestWrapStatementError(t *testing.T) {
	long := "SELECT " + strings.Repeat("col, ", 60) + "x FROM   activities"
	err := WrapStatementError("Store.Query", errors.New("no such column: x"), long)

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StorageError, got %T", err)
	}
	if se.Code != ErrCodeSchema {
		t.Errorf("Expected SCHEMA, got %v", se.Code)
	}
	stmt := se.Context["statement"]
	if !strings.HasPrefix(stmt, "SELECT col, col,") || !strings.HasSuffix(stmt, "...") {
		t.Errorf("Expected truncated statement, got %q", stmt)
	}
	if len(stmt) != maxStatementContext+3 {
		t.Errorf("Expected length %d, got %d", maxStatementContext+3, len(stmt))
	}
}

func TestHandleHelpers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"not found", HandleNotFound("op", "photo", "p1"), ErrCodeNotFound},
		{"connection", HandleConnectionError("op", "closed"), ErrCodeConnection},
		{"transaction", HandleTransactionError("op", "commit", "failed"), ErrCodeTransaction},
		{"corruption", HandleCorruptionError("op", "vault", nil), ErrCodeCorruption},
		{"encryption", HandleEncryptionError("op", "column", errors.New("bad key")), ErrCodeEncryption},
		{"migration", HandleMigrationError("op", "up", errors.New("syntax")), ErrCodeMigration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := storageCode(tt.err)
			if !ok || code != tt.code {
				t.Errorf("Expected code %v, got %v (ok=%v)", tt.code, code, ok)
			}
		})
	}
}
