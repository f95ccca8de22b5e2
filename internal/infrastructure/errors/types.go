package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode represents different classes of storage failures
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeNotFound
	ErrCodeDuplicate
	ErrCodeConstraint
	ErrCodeConnection
	ErrCodeTransaction
	ErrCodeTimeout
	ErrCodeRetryable
	ErrCodeNonRetryable
	ErrCodeValidation
	ErrCodePermission
	ErrCodeDiskSpace
	ErrCodeCorruption
	ErrCodeInternal
	ErrCodeBusy
	ErrCodeSchema
	ErrCodeEncryption
	ErrCodeMigration
)

// String returns a string representation of the error code
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNotFound:
		return "NOT_FOUND"
	case ErrCodeDuplicate:
		return "DUPLICATE"
	case ErrCodeConstraint:
		return "CONSTRAINT"
	case ErrCodeConnection:
		return "CONNECTION"
	case ErrCodeTransaction:
		return "TRANSACTION"
	case ErrCodeTimeout:
		return "TIMEOUT"
	case ErrCodeRetryable:
		return "RETRYABLE"
	case ErrCodeNonRetryable:
		return "NON_RETRYABLE"
	case ErrCodeValidation:
		return "VALIDATION"
	case ErrCodePermission:
		return "PERMISSION"
	case ErrCodeDiskSpace:
		return "DISK_SPACE"
	case ErrCodeCorruption:
		return "CORRUPTION"
	case ErrCodeInternal:
		return "INTERNAL"
	case ErrCodeBusy:
		return "BUSY"
	case ErrCodeSchema:
		return "SCHEMA"
	case ErrCodeEncryption:
		return "ENCRYPTION"
	case ErrCodeMigration:
		return "MIGRATION"
	default:
		return "UNKNOWN"
	}
}

// StorageError represents an encryption, migration or SQL failure with context and retry information
type StorageError struct {
	Op        string            // operation name
	Err       error             // underlying error
	Code      ErrorCode         // error classification
	Retryable bool              // whether the error is retryable
	Context   map[string]string // additional context information
	Timestamp time.Time         // when the error occurred
}

func (e *StorageError) Error() string {
	if e == nil {
		return "storage error"
	}

	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Code != ErrCodeUnknown {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code.String()))
	}

	if e.Retryable {
		parts = append(parts, "retryable=true")
	}

	// Context keys are sorted so messages are deterministic
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, e.Context[k]))
		}
	}

	contextStr := ""
	if len(parts) > 0 {
		contextStr = fmt.Sprintf(" [%s]", strings.Join(parts, " "))
	}

	if e.Err != nil {
		return e.Err.Error() + contextStr
	}
	return "storage error" + contextStr
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is implements error matching for errors.Is
func (e *StorageError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*StorageError); ok {
		return e.Code == t.Code
	}
	if e.Err != nil {
		return errors.Is(e.Err, target)
	}
	return false
}

// IsRetryable returns whether the error is retryable
func (e *StorageError) IsRetryable() bool {
	if e == nil {
		return false
	}
	return e.Retryable
}

// GetCode returns the error code as a string (for logging interface compatibility)
func (e *StorageError) GetCode() string {
	if e == nil {
		return ErrCodeUnknown.String()
	}
	return e.Code.String()
}

// GetContext returns the error context (for logging interface compatibility)
func (e *StorageError) GetContext() map[string]string {
	if e == nil || e.Context == nil {
		return make(map[string]string)
	}
	return e.Context
}

// GetTimestamp returns the error timestamp (for logging interface compatibility)
func (e *StorageError) GetTimestamp() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.Timestamp
}

// WithContext adds context information to the error by mutating the receiver.
// Not safe once the error has been handed to other goroutines.
func (e *StorageError) WithContext(key, value string) *StorageError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// NewStorageError creates a new storage error with the given parameters
func NewStorageError(op string, err error, code ErrorCode) *StorageError {
	return &StorageError{
		Op:        op,
		Err:       err,
		Code:      code,
		Retryable: isRetryableCode(code, err),
		Context:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// NewStorageErrorWithContext creates a new storage error with additional context
func NewStorageErrorWithContext(op string, err error, code ErrorCode, context map[string]string) *StorageError {
	storageErr := NewStorageError(op, err, code)
	if context != nil {
		// Clone so callers can't mutate the error after the fact
		storageErr.Context = make(map[string]string, len(context))
		for k, v := range context {
			storageErr.Context[k] = v
		}
	}
	return storageErr
}

// isRetryableCode determines if a storage error is retryable based on its code
func isRetryableCode(code ErrorCode, err error) bool {
	switch code {
	case ErrCodeConnection, ErrCodeTimeout, ErrCodeTransaction, ErrCodeBusy:
		return true
	case ErrCodeRetryable:
		return true
	case ErrCodeNonRetryable:
		return false
	case ErrCodeNotFound, ErrCodeDuplicate, ErrCodeConstraint, ErrCodeValidation, ErrCodePermission,
		ErrCodeCorruption, ErrCodeInternal, ErrCodeSchema, ErrCodeEncryption, ErrCodeMigration:
		return false
	case ErrCodeDiskSpace:
		// Needs external intervention (cleanup, more storage)
		return false
	default:
		if err != nil {
			errStr := strings.ToLower(err.Error())
			return strings.Contains(errStr, "temporary") ||
				strings.Contains(errStr, "retry") ||
				strings.Contains(errStr, "busy") ||
				strings.Contains(errStr, "locked") ||
				strings.Contains(errStr, "deadlock")
		}
		return false
	}
}

// storageCode extracts the code of a StorageError anywhere in the chain
func storageCode(err error) (ErrorCode, bool) {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Code, true
	}
	return ErrCodeUnknown, false
}

// IsNotFound checks if the error is a "not found" error
func IsNotFound(err error) bool {
	code, ok := storageCode(err)
	return ok && code == ErrCodeNotFound
}

// IsDuplicate checks if the error is a "duplicate" error
func IsDuplicate(err error) bool {
	code, ok := storageCode(err)
	return ok && code == ErrCodeDuplicate
}

// IsConstraint checks if the error is a "constraint violation" error
func IsConstraint(err error) bool {
	code, ok := storageCode(err)
	return ok && code == ErrCodeConstraint
}

// IsConnection checks if the error is a "connection" error
func IsConnection(err error) bool {
	code, ok := storageCode(err)
	return ok && code == ErrCodeConnection
}

// IsTimeout checks if the error is a storage timeout
func IsTimeout(err error) bool {
	code, ok := storageCode(err)
	return ok && code == ErrCodeTimeout
}

// IsCorruption checks if the error is a corruption error
func IsCorruption(err error) bool {
	code, ok := storageCode(err)
	return ok && code == ErrCodeCorruption
}

// IsBusy checks if the error is a busy/locked error
func IsBusy(err error) bool {
	code, ok := storageCode(err)
	return ok && code == ErrCodeBusy
}

// IsSchema checks if the error is a schema error
func IsSchema(err error) bool {
	code, ok := storageCode(err)
	return ok && code == ErrCodeSchema
}

// IsStorage reports whether err carries a StorageError
func IsStorage(err error) bool {
	_, ok := storageCode(err)
	return ok
}

// IsRetryable checks if any error in the chain declares itself retryable
func IsRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}
