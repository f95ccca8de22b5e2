package services

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/platform"
	"trailkeep/internal/types"
)

// TrackerStore is the part of the repository the tracker writes to
type TrackerStore interface {
	CreateActivity(ctx context.Context, activity *types.Activity) error
	GetActivity(ctx context.Context, id string) (*types.Activity, error)
	UpdateActivity(ctx context.Context, activity *types.Activity) error
	AppendTrackPoint(ctx context.Context, point *types.TrackPoint) (int64, error)
	GetTrackPoints(ctx context.Context, activityID string) ([]types.TrackPoint, error)
}

// PrivacyDefaults supplies the privacy tier for new activities
type PrivacyDefaults interface {
	DefaultActivityPrivacy(ctx context.Context) types.PrivacyLevel
}

// StateObserver is told about every session transition after it took effect.
// It is called without the tracker lock held.
type StateObserver interface {
	TrackingChanged(ctx context.Context, state types.TrackingState)
}

// ActivityTracker owns the in-memory state of the current tracking session
type ActivityTracker struct {
	mutex    sync.RWMutex
	state    types.TrackingState
	store    TrackerStore
	provider platform.LocationProvider
	privacy  PrivacyDefaults
	observer StateObserver
	logger   logging.Logger
	now      func() time.Time
}

// NewActivityTracker creates a tracker. The provider may be nil when the host
// feeds samples through RecordSample only.
func NewActivityTracker(store TrackerStore, provider platform.LocationProvider, logger logging.Logger) *ActivityTracker {
	return &ActivityTracker{
		store:    store,
		provider: provider,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

// SetPrivacyDefaults makes new activities start at the user's default tier
func (t *ActivityTracker) SetPrivacyDefaults(p PrivacyDefaults) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.privacy = p
}

// SetStateObserver registers the component notified after Start, Pause,
// Resume and Stop
func (t *ActivityTracker) SetStateObserver(o StateObserver) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.observer = o
}

func (t *ActivityTracker) notify(ctx context.Context) {
	t.mutex.RLock()
	observer, state := t.observer, t.state
	t.mutex.RUnlock()
	if observer != nil {
		observer.TrackingChanged(ctx, state)
	}
}

// SetClock replaces the time source
func (t *ActivityTracker) SetClock(now func() time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.now = now
}

// State returns a copy of the current tracking state
func (t *ActivityTracker) State() types.TrackingState {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.state
}

func (t *ActivityTracker) startProvider(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Start(ctx)
}

func (t *ActivityTracker) stopProvider() {
	if t.provider == nil {
		return
	}
	if err := t.provider.Stop(); err != nil {
		t.logger.Warn("Failed to stop location updates", "error", err)
	}
}

// Start creates a new active activity for ownerID and begins location updates
func (t *ActivityTracker) Start(ctx context.Context, ownerID string) (*types.Activity, error) {
	activity, err := t.start(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	t.notify(ctx)
	return activity, nil
}

func (t *ActivityTracker) start(ctx context.Context, ownerID string) (*types.Activity, error) {
	const op = "ActivityTracker.Start"
	if ownerID == "" {
		return nil, errs.NewValidationError(op, "owner_id", "", "owner id is required")
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.state.Tracking() {
		return nil, errs.NewValidationError(op, "tracking", t.state.ActivityID, "a session is already in progress")
	}

	level := types.PrivacyPrivate
	if t.privacy != nil {
		level = t.privacy.DefaultActivityPrivacy(ctx)
	}
	now := t.now().UTC()
	activity := &types.Activity{
		ID:           ulid.Make().String(),
		OwnerID:      ownerID,
		StartedAt:    now,
		Status:       types.ActivityActive,
		PrivacyLevel: level,
		SyncStatus:   types.SyncLocal,
	}
	if err := t.store.CreateActivity(ctx, activity); err != nil {
		return nil, err
	}
	if err := t.startProvider(ctx); err != nil {
		logging.LogError(t.logger, err, op, map[string]interface{}{"activity_id": activity.ID})
	}

	t.state = types.TrackingState{
		ActivityID: activity.ID,
		OwnerID:    ownerID,
		Status:     types.ActivityActive,
		StartTime:  now,
	}
	t.logger.Info("Tracking started", "activity_id", activity.ID, "privacy_level", string(level))
	return activity, nil
}

// Pause suspends an active session
func (t *ActivityTracker) Pause(ctx context.Context) error {
	if err := t.pause(ctx); err != nil {
		return err
	}
	t.notify(ctx)
	return nil
}

func (t *ActivityTracker) pause(ctx context.Context) error {
	const op = "ActivityTracker.Pause"
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.state.Status != types.ActivityActive || t.state.ActivityID == "" {
		return errs.NewValidationError(op, "status", string(t.state.Status), "no active session")
	}

	if err := t.setActivityStatus(ctx, types.ActivityPaused); err != nil {
		return err
	}
	now := t.now().UTC()
	t.state.Status = types.ActivityPaused
	t.state.LastPauseTime = &now
	t.stopProvider()
	t.logger.Info("Tracking paused", "activity_id", t.state.ActivityID)
	return nil
}

// Resume continues a paused session
func (t *ActivityTracker) Resume(ctx context.Context) error {
	if err := t.resume(ctx); err != nil {
		return err
	}
	t.notify(ctx)
	return nil
}

func (t *ActivityTracker) resume(ctx context.Context) error {
	const op = "ActivityTracker.Resume"
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.state.Status != types.ActivityPaused || t.state.ActivityID == "" {
		return errs.NewValidationError(op, "status", string(t.state.Status), "no paused session")
	}

	if err := t.setActivityStatus(ctx, types.ActivityActive); err != nil {
		return err
	}
	t.foldPause(t.now().UTC())
	t.state.Status = types.ActivityActive
	if err := t.startProvider(ctx); err != nil {
		logging.LogError(t.logger, err, op, map[string]interface{}{"activity_id": t.state.ActivityID})
	}
	t.logger.Info("Tracking resumed", "activity_id", t.state.ActivityID)
	return nil
}

// foldPause adds the open pause to the paused total; the caller holds the lock
func (t *ActivityTracker) foldPause(now time.Time) {
	if t.state.LastPauseTime == nil {
		return
	}
	t.state.PausedDuration += max(now.Sub(*t.state.LastPauseTime), 0)
	t.state.LastPauseTime = nil
}

func (t *ActivityTracker) setActivityStatus(ctx context.Context, status types.ActivityStatus) error {
	activity, err := t.store.GetActivity(ctx, t.state.ActivityID)
	if err != nil {
		return err
	}
	activity.Status = status
	return t.store.UpdateActivity(ctx, activity)
}

// RecordSample appends a sample to the active session. Samples arriving while
// paused or idle are dropped.
func (t *ActivityTracker) RecordSample(ctx context.Context, sample types.LocationSample) (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.state.Status != types.ActivityActive || t.state.ActivityID == "" {
		return false, nil
	}

	point := sample.TrackPoint(t.state.ActivityID)
	if _, err := t.store.AppendTrackPoint(ctx, &point); err != nil {
		return false, err
	}
	t.state.TrackPointCount++
	t.state.LastLocation = &sample
	return true, nil
}

// Stop finalizes the session: statistics and the encoded track are written
// and the activity is marked completed
func (t *ActivityTracker) Stop(ctx context.Context) (*types.Activity, error) {
	activity, err := t.stop(ctx)
	if err != nil {
		return nil, err
	}
	t.notify(ctx)
	return activity, nil
}

func (t *ActivityTracker) stop(ctx context.Context) (*types.Activity, error) {
	const op = "ActivityTracker.Stop"
	start := time.Now()
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.state.Tracking() {
		return nil, errs.NewValidationError(op, "status", string(t.state.Status), "no session in progress")
	}

	activity, err := t.store.GetActivity(ctx, t.state.ActivityID)
	if err != nil {
		return nil, err
	}
	points, err := t.store.GetTrackPoints(ctx, t.state.ActivityID)
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()
	t.foldPause(now)
	stats := ComputeTrackStats(points)
	activity.Status = types.ActivityCompleted
	activity.EndedAt = &now
	activity.DurationSec = int64(movingDuration(t.state.StartTime, now, t.state.PausedDuration) / time.Second)
	activity.DistanceM = stats.DistanceM
	activity.ElevationGainM = stats.ElevationGainM
	activity.ElevationLossM = stats.ElevationLossM
	activity.Polyline = stats.Polyline
	if err := t.store.UpdateActivity(ctx, activity); err != nil {
		return nil, err
	}

	t.stopProvider()
	t.state = types.TrackingState{}
	logging.LogOperation(t.logger, op, time.Since(start), map[string]interface{}{
		"activity_id":  activity.ID,
		"points":       len(points),
		"distance_m":   activity.DistanceM,
		"duration_sec": activity.DurationSec,
	})
	return activity, nil
}

// Restore replaces the in-memory state with a recovered session and resumes
// location updates when the session was active. A session whose activity is
// already completed is rejected.
func (t *ActivityTracker) Restore(ctx context.Context, state types.TrackingState) error {
	const op = "ActivityTracker.Restore"
	if !state.Tracking() {
		return errs.NewValidationError(op, "status", string(state.Status), "only active or paused sessions can be restored")
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.state.Tracking() && t.state.ActivityID != state.ActivityID {
		return errs.NewValidationError(op, "activity_id", state.ActivityID, "another session is in progress")
	}
	activity, err := t.store.GetActivity(ctx, state.ActivityID)
	if err != nil {
		return err
	}
	if activity.Status == types.ActivityCompleted {
		return errs.NewValidationError(op, "activity_id", state.ActivityID, "activity is already completed")
	}

	t.state = state
	if state.Status == types.ActivityActive {
		if err := t.startProvider(ctx); err != nil {
			return err
		}
	}
	t.logger.Info("Tracking state restored", "activity_id", state.ActivityID, "status", string(state.Status))
	return nil
}
