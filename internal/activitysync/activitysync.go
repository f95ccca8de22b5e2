// Package activitysync pushes completed activities to the backend.
package activitysync

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"trailkeep/internal/channel"
	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/metrics"
	"trailkeep/internal/repository"
	"trailkeep/internal/types"
)

// Requester executes channel requests
type Requester interface {
	Request(ctx context.Context, req channel.Request) (*channel.Response, error)
}

// Store is the part of the repository activity sync reads and updates
type Store interface {
	ListActivities(ctx context.Context, filter repository.ActivityFilter) ([]types.Activity, error)
	SetActivitySyncStatus(ctx context.Context, id string, status types.SyncStatus) error
}

// Config holds the activity endpoint
type Config struct {
	// Endpoint is the collection path, relative to the channel base URL
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// BatchSize caps the activities pushed per SyncPending call; 0 means no cap
	BatchSize int `yaml:"batch_size" json:"batchSize"`
}

// DefaultConfig returns the activity sync defaults
func DefaultConfig() Config {
	return Config{Endpoint: "/activities", BatchSize: 50}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errs.NewValidationError("activitysync.Config", "endpoint", "", "endpoint is required")
	}
	if c.BatchSize < 0 {
		return errs.NewValidationError("activitysync.Config", "batch_size", "", "must not be negative")
	}
	return nil
}

// Failure pairs an activity id with the reason it was not pushed
type Failure struct {
	ActivityID string
	Err        error
}

// Result reports one SyncPending run
type Result struct {
	Synced []string
	Failed []Failure
}

// Syncer uploads activities
type Syncer struct {
	config  Config
	channel Requester
	store   Store
	metrics *metrics.Metrics
	logger  logging.Logger
}

// New creates a syncer
func New(config Config, ch Requester, store Store, m *metrics.Metrics, logger logging.Logger) (*Syncer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if ch == nil || store == nil {
		return nil, errs.NewValidationError("activitysync.New", "dependencies", "", "channel and store are required")
	}
	return &Syncer{config: config, channel: ch, store: store, metrics: m, logger: logging.OrDefault(logger)}, nil
}

// SyncPending pushes completed activities that are still local. A failed
// activity goes back to local and is reported; it does not stop the run.
func (s *Syncer) SyncPending(ctx context.Context) (*Result, error) {
	const op = "ActivitySync.SyncPending"
	start := time.Now()

	pending, err := s.store.ListActivities(ctx, repository.ActivityFilter{
		Status:     types.ActivityCompleted,
		SyncStatus: types.SyncLocal,
		Limit:      s.config.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, activity := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.push(ctx, activity); err != nil {
			result.Failed = append(result.Failed, Failure{ActivityID: activity.ID, Err: err})
			s.metrics.RecordActivitySync("failure")
			logging.LogError(s.logger, err, op, map[string]interface{}{"activity_id": activity.ID})
			continue
		}
		result.Synced = append(result.Synced, activity.ID)
		s.metrics.RecordActivitySync("success")
	}

	logging.LogOperation(s.logger, op, time.Since(start), map[string]interface{}{
		"synced": len(result.Synced),
		"failed": len(result.Failed),
	})
	return result, nil
}

func (s *Syncer) push(ctx context.Context, activity types.Activity) error {
	if err := s.store.SetActivitySyncStatus(ctx, activity.ID, types.SyncSyncing); err != nil {
		return err
	}

	activity.SyncStatus = types.SyncSynced
	_, err := s.channel.Request(ctx, channel.Request{
		Method:      http.MethodPost,
		URL:         s.config.Endpoint,
		Body:        activity,
		RequireAuth: true,
	})
	if err != nil {
		if rerr := s.store.SetActivitySyncStatus(context.WithoutCancel(ctx), activity.ID, types.SyncLocal); rerr != nil {
			s.logger.Error("Failed to revert activity sync status", "activity_id", activity.ID, "error", rerr)
		}
		return err
	}
	return s.store.SetActivitySyncStatus(ctx, activity.ID, types.SyncSynced)
}

// DeleteRemote removes the activity from the backend. A 404 counts as done.
func (s *Syncer) DeleteRemote(ctx context.Context, id string) error {
	const op = "ActivitySync.DeleteRemote"
	if id == "" {
		return errs.NewValidationError(op, "activity_id", "", "activity id is required")
	}
	_, err := s.channel.Request(ctx, channel.Request{
		Method:      http.MethodDelete,
		URL:         s.config.Endpoint + "/" + url.PathEscape(id),
		RequireAuth: true,
	})
	if err != nil && errs.StatusCode(err) != http.StatusNotFound {
		return err
	}
	s.logger.Info("Remote activity deleted", "activity_id", id)
	return nil
}
