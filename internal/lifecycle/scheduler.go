package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/metrics"
)

// Task is the body of a scheduled job
type Task func(ctx context.Context) error

// CancelFunc stops a registration. It returns once any in-flight run of the
// task has finished; no run starts afterwards.
type CancelFunc func()

// Scheduler runs named tasks at a fixed interval
type Scheduler interface {
	Register(name string, interval time.Duration, task Task) (CancelFunc, error)
}

// cronLogger adapts logging.Logger to cron's logger
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// CronScheduler implements Scheduler with robfig/cron "@every" entries
type CronScheduler struct {
	cron        *cron.Cron
	minInterval time.Duration
	metrics     *metrics.Metrics
	logger      logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// NewCronScheduler creates and starts a scheduler. Intervals below
// minInterval are raised to it.
func NewCronScheduler(minInterval time.Duration, m *metrics.Metrics, logger logging.Logger) *CronScheduler {
	logger = logging.OrDefault(logger)
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &CronScheduler{
		cron:        c,
		minInterval: minInterval,
		metrics:     m,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// registration serializes runs of one task against its cancellation
type registration struct {
	mu        sync.Mutex
	cancelled bool
}

// Register schedules task every interval, clamped to the minimum interval
func (s *CronScheduler) Register(name string, interval time.Duration, task Task) (CancelFunc, error) {
	const op = "CronScheduler.Register"
	if name == "" || task == nil {
		return nil, errs.NewValidationError(op, "task", name, "name and task are required")
	}
	if interval <= 0 {
		return nil, errs.NewValidationError(op, "interval", interval.String(), "must be positive")
	}
	if interval < s.minInterval {
		s.logger.Warn("Raising task interval to platform minimum", "task", name, "requested", interval, "minimum", s.minInterval)
		interval = s.minInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, errs.NewValidationError(op, "scheduler", name, "scheduler is stopped")
	}

	reg := &registration{}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if reg.cancelled || s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := task(s.ctx); err != nil {
			logging.LogError(s.logger, err, "scheduler."+name, nil)
		}
		s.metrics.RecordSchedulerTask(name, time.Since(start))
	})
	if err != nil {
		return nil, errs.NewValidationError(op, "interval", interval.String(), err.Error())
	}
	s.logger.Info("Task registered", "task", name, "interval", interval)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.cron.Remove(id)
			reg.mu.Lock()
			reg.cancelled = true
			reg.mu.Unlock()
			s.logger.Info("Task cancelled", "task", name)
		})
	}, nil
}

// Stop cancels the task context and waits for running tasks to return
func (s *CronScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
}
