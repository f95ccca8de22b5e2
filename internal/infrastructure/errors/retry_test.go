package errors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"trailkeep/internal/testutils"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffFactor:   2.0,
		RetryableErrors: []ErrorCode{ErrCodeBusy, ErrCodeConnection},
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var calls int32
	rec := &testutils.RecordingLogger{}
	config := fastConfig(3)
	config.Logger = rec

	err := WithRetryContext(context.Background(), config, func() error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return NewStorageError("Store.Exec", errors.New("locked"), ErrCodeBusy)
		}
		return nil
	}, "busy_op")

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if len(rec.Calls("PRINTF")) != 3 {
		t.Errorf("Expected 2 retry logs and 1 success log, got %d", len(rec.Calls("PRINTF")))
	}
}

func TestWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	var calls int32
	err := WithRetry(context.Background(), fastConfig(5), func() error {
		atomic.AddInt32(&calls, 1)
		return NewStorageError("Store.Exec", errors.New("bad"), ErrCodeConstraint)
	})

	if !IsConstraint(err) {
		t.Errorf("Expected constraint error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var calls int32
	err := WithRetry(context.Background(), fastConfig(3), func() error {
		atomic.AddInt32(&calls, 1)
		return NewStorageError("Store.Exec", errors.New("locked"), ErrCodeBusy)
	})

	if !IsBusy(err) {
		t.Errorf("Expected final error to wrap the busy error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestWithRetry_TransportErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCalls int32
	}{
		{"5xx retried", &CommunicationError{Status: 503}, 3},
		{"network retried", &CommunicationError{Err: errors.New("reset")}, 3},
		{"4xx not retried", &CommunicationError{Status: 404}, 1},
		{"validation not retried", NewValidationError("op", "url", "", "bad"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			config := TransportRetryConfig(3, time.Millisecond)
			config.MaxDelay = 5 * time.Millisecond
			_ = WithRetry(context.Background(), config, func() error {
				atomic.AddInt32(&calls, 1)
				return tt.err
			})
			if calls != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestWithRetry_TransportIgnoredWithoutFlag(t *testing.T) {
	t.Parallel()

	var calls int32
	_ = WithRetry(context.Background(), fastConfig(3), func() error {
		atomic.AddInt32(&calls, 1)
		return &CommunicationError{Status: 500}
	})
	if calls != 1 {
		t.Errorf("Expected storage-only config to skip transport retries, got %d calls", calls)
	}
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	config := fastConfig(5)
	config.InitialDelay = time.Second
	config.MaxDelay = time.Second

	var calls int32
	err := WithRetry(ctx, config, func() error {
		if atomic.AddInt32(&calls, 1) == 1 {
			cancel()
		}
		return NewStorageError("Store.Exec", errors.New("locked"), ErrCodeBusy)
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestCalculateDelay(t *testing.T) {
	config := &RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		if got := calculateDelay(tt.attempt, config); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	config.Jitter = true
	for range 20 {
		got := calculateDelay(1, config)
		if got < 200*time.Millisecond || got > 250*time.Millisecond {
			t.Fatalf("Jittered delay %v outside [200ms, 250ms]", got)
		}
	}
}
