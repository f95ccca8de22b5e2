package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/testutils"
)

func TestCronScheduler_ClampsAndRuns(t *testing.T) {
	t.Parallel()
	logger := &testutils.RecordingLogger{}
	s := NewCronScheduler(time.Second, nil, logger)
	t.Cleanup(s.Stop)

	ran := make(chan struct{}, 10)
	cancel, err := s.Register("tick", 10*time.Millisecond, func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer cancel()

	if !logger.Contains("WARN", "platform minimum") {
		t.Error("clamping was not logged")
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not run")
	}
	// a 10ms schedule would have fired many times by now
	time.Sleep(200 * time.Millisecond)
	if n := len(ran); n > 1 {
		t.Errorf("task ran %d extra times within 200ms", n)
	}
}

func TestCronScheduler_CancelWaitsForRunningTask(t *testing.T) {
	t.Parallel()
	s := NewCronScheduler(time.Second, nil, nil)
	t.Cleanup(s.Stop)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	var runs atomic.Int32
	cancel, err := s.Register("slow", time.Second, func(context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
			close(finished)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not start")
	}

	cancelled := make(chan struct{})
	go func() {
		cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
		t.Fatal("cancel returned while the task was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not return after the task finished")
	}
	select {
	case <-finished:
	default:
		t.Error("cancel returned before the task body completed")
	}

	time.Sleep(1500 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Errorf("task ran %d times after cancel", n)
	}
}

func TestCronScheduler_RejectsInvalidRegistrations(t *testing.T) {
	t.Parallel()
	s := NewCronScheduler(time.Second, nil, nil)
	noop := func(context.Context) error { return nil }

	if _, err := s.Register("", time.Second, noop); !errs.IsValidation(err) {
		t.Errorf("empty name err = %v", err)
	}
	if _, err := s.Register("x", 0, noop); !errs.IsValidation(err) {
		t.Errorf("zero interval err = %v", err)
	}
	s.Stop()
	if _, err := s.Register("late", time.Second, noop); !errs.IsValidation(err) {
		t.Errorf("register after stop err = %v", err)
	}
}
