// Package app is the composition root. It builds every component from a
// Config, starts them in dependency order and shuts them down again.
package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"trailkeep/internal/activitysync"
	"trailkeep/internal/auth"
	"trailkeep/internal/channel"
	"trailkeep/internal/database"
	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/metrics"
	"trailkeep/internal/keystore"
	"trailkeep/internal/lifecycle"
	"trailkeep/internal/photosync"
	"trailkeep/internal/platform"
	"trailkeep/internal/privacy"
	"trailkeep/internal/repository"
	"trailkeep/internal/services"
	"trailkeep/internal/types"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
	healthTimeout   = 5 * time.Second

	taskPhotoSync    = "photo_sync"
	taskActivitySync = "activity_sync"
	taskRetention    = "retention"
	taskOptimize     = "db_optimize"
)

// Host supplies the platform collaborators. Nil fields get defaults: a
// ManualLocationProvider, a LogSink and secure storage picked by
// Config.SecretBackend.
type Host struct {
	Location  platform.LocationProvider
	Analytics platform.AnalyticsSink
	Secrets   platform.SecureStorage
}

// App owns every component of a running instance
type App struct {
	config   *Config
	logger   logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	location   platform.LocationProvider
	keys       *keystore.KeyStore
	store      *database.SQLiteStore
	repo       repository.Repository
	channel    *channel.Channel
	session    *auth.Session
	photos     *photosync.Pipeline
	activities *activitysync.Syncer
	privacy    *privacy.Ledger
	tracker    *services.ActivityTracker
	scheduler  *lifecycle.CronScheduler
	supervisor *lifecycle.Supervisor

	cancels []lifecycle.CancelFunc
}

// New builds the component graph. The database and the network are not used
// until Startup.
func New(config *Config, host Host, logger logging.Logger) (*App, error) {
	if config == nil {
		return nil, errs.NewValidationError("app.New", "config", "", "config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	secrets := host.Secrets
	if secrets == nil {
		var err error
		if secrets, err = newSecureStorage(config); err != nil {
			return nil, err
		}
	}
	keys, err := keystore.New(secrets, config.Keystore, logger)
	if err != nil {
		return nil, err
	}

	store := database.NewSQLiteStore(config.Database, keys, logger)
	repo := repository.NewSQLiteRepository(store, logger)

	ch, err := channel.New(config.Channel, nil, m, logger)
	if err != nil {
		return nil, err
	}
	session, err := auth.New(config.Auth, ch, keys, m, logger)
	if err != nil {
		return nil, err
	}
	ch.SetTokenSource(session)

	photos, err := photosync.New(config.Photos, ch, repo, m, logger)
	if err != nil {
		return nil, err
	}
	activities, err := activitysync.New(config.Activities, ch, repo, m, logger)
	if err != nil {
		return nil, err
	}

	sink := host.Analytics
	if sink == nil {
		sink = platform.LogSink{Logger: logger}
	}
	ledger, err := privacy.New(config.Privacy, repo, keys, sink, m, logger)
	if err != nil {
		return nil, err
	}

	location := host.Location
	if location == nil {
		location = &platform.ManualLocationProvider{}
	}
	tracker := services.NewActivityTracker(repo, location, logger)
	tracker.SetPrivacyDefaults(ledger)

	scheduler := lifecycle.NewCronScheduler(config.Lifecycle.MinBackgroundInterval, m, logger)
	supervisor, err := lifecycle.New(config.Lifecycle, repo, tracker, location, scheduler, m, logger)
	if err != nil {
		scheduler.Stop()
		return nil, err
	}
	tracker.SetStateObserver(supervisor)

	return &App{
		config:     config,
		logger:     logger,
		registry:   registry,
		metrics:    m,
		location:   location,
		keys:       keys,
		store:      store,
		repo:       repo,
		channel:    ch,
		session:    session,
		photos:     photos,
		activities: activities,
		privacy:    ledger,
		tracker:    tracker,
		scheduler:  scheduler,
		supervisor: supervisor,
	}, nil
}

func newSecureStorage(config *Config) (platform.SecureStorage, error) {
	switch config.SecretBackend {
	case SecretBackendFile:
		return platform.NewFileStorage(filepath.Join(config.DataDir, "secrets"), config.SecretPassphrase)
	default:
		return platform.NewKeyringStorage(appName), nil
	}
}

// Startup opens the vault and the database, restores the signed-in session
// and consent, runs relaunch recovery and schedules background work.
func (a *App) Startup(ctx context.Context) error {
	const op = "app.Startup"
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := a.keys.Initialize(ctx); err != nil {
		return err
	}
	if err := a.initializeDatabase(ctx); err != nil {
		return err
	}
	if err := a.privacy.Initialize(ctx); err != nil {
		return err
	}

	// A stale or rejected session is not fatal; the user signs in again
	if _, err := a.session.Restore(ctx); err != nil {
		logging.LogError(a.logger, err, op, map[string]interface{}{"step": "session_restore"})
	}

	if err := a.supervisor.Initialize(ctx); err != nil {
		return err
	}
	if err := a.scheduleBackgroundWork(); err != nil {
		return err
	}

	logging.LogOperation(a.logger, op, time.Since(start), map[string]interface{}{
		"environment": a.config.Environment,
		"session_id":  a.supervisor.SessionID(),
	})
	return nil
}

// initializeDatabase opens the store and checks it answers, reconnecting once
// when the failure is retryable
func (a *App) initializeDatabase(ctx context.Context) error {
	if err := a.store.Initialize(ctx); err != nil {
		return err
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := a.store.Health(healthCtx); err != nil {
		if !errs.IsRetryable(err) {
			return errs.NewStorageErrorWithContext("app.initializeDatabase", err, errs.ClassifyError(err),
				map[string]string{"operation": "health_check"})
		}
		return a.reconnectDatabase(ctx)
	}
	return nil
}

func (a *App) reconnectDatabase(ctx context.Context) error {
	a.logger.Warn("Database health check failed, reconnecting", "path", a.config.Database.Path)

	if err := a.store.Connect(ctx, a.config.Database); err != nil {
		return errs.NewStorageErrorWithContext("app.reconnectDatabase", err, errs.ErrCodeConnection,
			map[string]string{"operation": "reconnect", "db_path": a.config.Database.Path})
	}
	if err := a.store.Migrate(ctx); err != nil {
		return errs.NewStorageErrorWithContext("app.reconnectDatabase", err, errs.ErrCodeMigration,
			map[string]string{"operation": "migrate", "db_path": a.config.Database.Path})
	}
	a.logger.Info("Database reconnected")
	return nil
}

func (a *App) scheduleBackgroundWork() error {
	register := func(name string, interval time.Duration, task lifecycle.Task) error {
		cancel, err := a.scheduler.Register(name, interval, task)
		if err != nil {
			return err
		}
		a.cancels = append(a.cancels, cancel)
		return nil
	}

	if err := register(taskRetention, a.config.Lifecycle.CleanupInterval, a.runRetention); err != nil {
		return err
	}
	if a.config.Database.OptimizeInterval > 0 {
		if err := register(taskOptimize, a.config.Database.OptimizeInterval, a.store.Optimize); err != nil {
			return err
		}
	}
	if a.config.SyncInterval > 0 && a.config.Channel.BaseURL != "" {
		if err := register(taskPhotoSync, a.config.SyncInterval, a.runPhotoSync); err != nil {
			return err
		}
		if err := register(taskActivitySync, a.config.SyncInterval, a.runActivitySync); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) runRetention(ctx context.Context) error {
	removed, err := a.privacy.CleanupOldData(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		a.logger.Info("Retention cleanup removed activities", "count", removed)
	}
	return nil
}

func (a *App) runPhotoSync(ctx context.Context) error {
	if !a.session.IsAuthenticated() {
		return nil
	}
	result, err := a.photos.UploadPending(ctx)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		a.logger.Warn("Photo sync finished with failures", "uploaded", len(result.Successful), "failed", len(result.Failed))
	}
	return nil
}

func (a *App) runActivitySync(ctx context.Context) error {
	if !a.session.IsAuthenticated() {
		return nil
	}
	result, err := a.activities.SyncPending(ctx)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		a.logger.Warn("Activity sync finished with failures", "pushed", len(result.Synced), "failed", len(result.Failed))
	}
	return nil
}

// HandleAppStateChange forwards an OS state transition to the supervisor
func (a *App) HandleAppStateChange(ctx context.Context, state types.AppState) error {
	return a.supervisor.HandleAppStateChange(ctx, state)
}

// Shutdown saves tracking state for recovery, stops background work and
// closes the database. It returns the first error encountered.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Starting application shutdown sequence")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.supervisor.Shutdown(shutdownCtx); err != nil {
		logging.LogError(a.logger, err, "app.Shutdown", map[string]interface{}{"step": "lifecycle"})
		firstErr = err
	}
	for _, cancelTask := range a.cancels {
		cancelTask()
	}
	a.cancels = nil
	a.scheduler.Stop()

	if err := a.closeDatabaseConnection(shutdownCtx); err != nil {
		logging.LogError(a.logger, err, "app.Shutdown", map[string]interface{}{"step": "close_database"})
		if firstErr == nil {
			firstErr = err
		}
	}

	a.logger.Info("Application shutdown completed")
	return firstErr
}

// closeDatabaseConnection closes the store, giving up when ctx expires
func (a *App) closeDatabaseConnection(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.store.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return errs.NewStorageErrorWithContext("app.closeDatabaseConnection", err, errs.ClassifyError(err),
				map[string]string{"operation": "close_connection"})
		}
		return nil
	case <-ctx.Done():
		a.logger.Warn("Database close timed out")
		return errs.NewStorageError("app.closeDatabaseConnection", ctx.Err(), errs.ErrCodeTimeout)
	}
}

// Registry exposes the Prometheus registry holding every collector
func (a *App) Registry() *prometheus.Registry { return a.registry }

func (a *App) Config() *Config                     { return a.config }
func (a *App) Logger() logging.Logger              { return a.logger }
func (a *App) Location() platform.LocationProvider { return a.location }
func (a *App) Session() *auth.Session              { return a.session }
func (a *App) Photos() *photosync.Pipeline         { return a.photos }
func (a *App) Activities() *activitysync.Syncer    { return a.activities }
func (a *App) Privacy() *privacy.Ledger            { return a.privacy }
func (a *App) Tracker() *services.ActivityTracker  { return a.tracker }
func (a *App) Supervisor() *lifecycle.Supervisor   { return a.supervisor }
func (a *App) Repository() repository.Repository   { return a.repo }
