package errors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"
)

// RetryLogger defines the interface for logging retry operations
type RetryLogger interface {
	Printf(format string, v ...interface{})
}

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of attempts, including the first
	InitialDelay    time.Duration // Initial delay between retries
	MaxDelay        time.Duration // Maximum delay between retries
	BackoffFactor   float64       // Exponential backoff factor
	Jitter          bool          // Whether to add jitter to delays
	RetryableErrors []ErrorCode   // Storage error codes to retry
	RetryTransport  bool          // Whether retryable CommunicationErrors are retried
	Logger          RetryLogger   // Optional; nil disables retry logging
}

// DefaultRetryConfig returns a retry configuration with sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		RetryableErrors: []ErrorCode{
			ErrCodeConnection,
			ErrCodeTimeout,
			ErrCodeTransaction,
			ErrCodeBusy,
		},
	}
}

// TransportRetryConfig returns a configuration for network requests.
// attempts is the total number of tries.
func TransportRetryConfig(attempts int, initialDelay time.Duration) *RetryConfig {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryConfig{
		MaxAttempts:    attempts,
		InitialDelay:   initialDelay,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
		RetryTransport: true,
	}
}

// RetryableOperation represents an operation that can be retried
type RetryableOperation func() error

func (c *RetryConfig) logf(format string, v ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

// withRetryImpl is the core retry implementation used by both public functions
func withRetryImpl(ctx context.Context, config *RetryConfig, operation RetryableOperation, operationName string) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := max(config.MaxAttempts, 1)

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt == 0 && ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation()
		if err == nil {
			if attempt > 0 && operationName != "" {
				config.logf("Operation '%s' succeeded after %d attempts", operationName, attempt+1)
			}
			return nil
		}

		lastErr = err

		if !shouldRetry(err, config) {
			if operationName != "" {
				config.logf("Operation '%s' failed with non-retryable error: %v", operationName, err)
			}
			return err
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}

		delay := calculateDelay(attempt, config)

		if operationName != "" {
			config.logf("Operation '%s' failed (attempt %d/%d), retrying in %v: %v",
				operationName, attempt+1, attempts, delay, err)
		} else {
			config.logf("Operation failed (attempt %d/%d), retrying in %v: %v",
				attempt+1, attempts, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if operationName != "" {
				return fmt.Errorf("operation '%s' cancelled during retry: %w", operationName, ctx.Err())
			}
			return ctx.Err()
		case <-timer.C:
		}
	}

	if attempts == 1 {
		return lastErr
	}
	if operationName != "" {
		return fmt.Errorf("operation '%s' failed after %d attempts: %w", operationName, attempts, lastErr)
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// WithRetry executes an operation with retry logic
func WithRetry(ctx context.Context, config *RetryConfig, operation RetryableOperation) error {
	return withRetryImpl(ctx, config, operation, "")
}

// WithRetryContext executes an operation with retry logic and an operation name for logging
func WithRetryContext(ctx context.Context, config *RetryConfig, operation RetryableOperation, operationName string) error {
	return withRetryImpl(ctx, config, operation, operationName)
}

// shouldRetry determines if an error should be retried based on configuration
func shouldRetry(err error, config *RetryConfig) bool {
	if code, ok := storageCode(err); ok {
		if !IsRetryable(err) {
			return false
		}
		return slices.Contains(config.RetryableErrors, code)
	}
	if config.RetryTransport && IsCommunication(err) {
		return IsRetryable(err)
	}
	return false
}

// calculateDelay calculates the delay for the next retry attempt
func calculateDelay(attempt int, config *RetryConfig) time.Duration {
	multiplier := 1.0
	for range attempt {
		multiplier *= config.BackoffFactor
	}

	delay := time.Duration(float64(config.InitialDelay) * multiplier)

	// Up to 25% jitter, applied before the cap
	if config.Jitter && delay > 0 {
		jitterAmount := int64(float64(delay) * 0.25)
		if jitterAmount > 0 {
			delay += time.Duration(rand.Int64N(jitterAmount))
		}
	}

	if config.MaxDelay > 0 {
		delay = min(delay, config.MaxDelay)
	}

	return delay
}

// RetryQuick provides a quick retry configuration for fast operations
func RetryQuick(ctx context.Context, operation RetryableOperation) error {
	config := &RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
		RetryableErrors: []ErrorCode{
			ErrCodeConnection,
			ErrCodeTimeout,
			ErrCodeBusy,
		},
	}
	return WithRetry(ctx, config, operation)
}
