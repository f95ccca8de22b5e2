// Package lifecycle follows the application through foreground and background
// transitions. It keeps tracking alive while backgrounded and restores an
// interrupted session after a relaunch.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/metrics"
	"trailkeep/internal/platform"
	"trailkeep/internal/types"
)

const (
	taskBackgroundPoll = "background-location"
	taskCleanup        = "lifecycle-cleanup"
)

// Tracker exposes the in-memory tracking session. RecordSample appends to the
// live session and reports false when no session is active.
type Tracker interface {
	State() types.TrackingState
	Restore(ctx context.Context, state types.TrackingState) error
	RecordSample(ctx context.Context, sample types.LocationSample) (bool, error)
}

// Supervisor drives the app state machine
type Supervisor struct {
	config    Config
	store     Store
	tracker   Tracker
	location  platform.LocationProvider
	scheduler Scheduler
	metrics   *metrics.Metrics
	logger    logging.Logger

	mu            sync.Mutex
	now           func() time.Time
	state         types.AppState
	sessionID     string
	stopPolling   CancelFunc
	cancelCleanup CancelFunc
}

// New creates a supervisor
func New(config Config, store Store, tracker Tracker, location platform.LocationProvider, scheduler Scheduler, m *metrics.Metrics, logger logging.Logger) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil || tracker == nil || location == nil || scheduler == nil {
		return nil, errs.NewValidationError("lifecycle.New", "dependencies", "", "store, tracker, location provider and scheduler are required")
	}
	return &Supervisor{
		config:    config,
		store:     store,
		tracker:   tracker,
		location:  location,
		scheduler: scheduler,
		metrics:   m,
		logger:    logging.OrDefault(logger),
		now:       time.Now,
		state:     types.AppActive,
	}, nil
}

// SetClock replaces the time source
func (s *Supervisor) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Supervisor) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().UTC()
}

// State returns the last app state delivered
func (s *Supervisor) State() types.AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID identifies the current process run
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Initialize records a crash if the previous run did not shut down cleanly,
// marks the new session, sweeps stale state, attempts relaunch recovery and
// schedules the periodic sweep
func (s *Supervisor) Initialize(ctx context.Context) error {
	const op = "LifecycleSupervisor.Initialize"
	start := time.Now()
	now := s.clock()

	var previous types.SessionMarker
	found, err := loadRecord(ctx, s.store, keySessionMarker, &previous)
	if err != nil {
		logging.LogError(s.logger, err, op, map[string]interface{}{"step": "session_marker"})
	}
	if found && previous.SessionID != "" {
		marker := types.CrashMarker{SessionID: previous.SessionID, StartedAt: previous.StartedAt, DetectedAt: now}
		if err := s.appendCrashMarker(ctx, marker); err != nil {
			logging.LogError(s.logger, err, op, map[string]interface{}{"step": "crash_marker"})
		} else {
			s.logger.Warn("Previous session ended without clean shutdown", "session_id", previous.SessionID, "started_at", previous.StartedAt)
		}
	}

	session := types.SessionMarker{SessionID: uuid.NewString(), StartedAt: now}
	if err := saveRecord(ctx, s.store, keySessionMarker, session); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessionID = session.SessionID
	s.state = types.AppActive
	s.mu.Unlock()

	if err := s.Cleanup(ctx); err != nil {
		logging.LogError(s.logger, err, op, map[string]interface{}{"step": "cleanup"})
	}

	recovered := s.checkHeartbeat(ctx)

	cancel, err := s.scheduler.Register(taskCleanup, s.config.CleanupInterval, s.Cleanup)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cancelCleanup = cancel
	s.mu.Unlock()

	logging.LogOperation(s.logger, op, time.Since(start), map[string]interface{}{
		"session_id": session.SessionID,
		"recovered":  recovered,
	})
	return nil
}

// HandleAppStateChange applies an OS-delivered state transition
func (s *Supervisor) HandleAppStateChange(ctx context.Context, next types.AppState) error {
	const op = "LifecycleSupervisor.HandleAppStateChange"
	switch next {
	case types.AppActive, types.AppBackground, types.AppInactive:
	default:
		return errs.NewValidationError(op, "state", string(next), "unknown app state")
	}

	s.mu.Lock()
	previous := s.state
	s.state = next
	s.mu.Unlock()
	if previous == next {
		return nil
	}
	s.logger.Info("App state changed", "from", string(previous), "to", string(next))

	switch next {
	case types.AppBackground:
		return s.enterBackground(ctx)
	case types.AppActive:
		s.haltPolling()
		s.checkHeartbeat(ctx)
	}
	return nil
}

func (s *Supervisor) enterBackground(ctx context.Context) error {
	current := s.tracker.State()
	if !current.Tracking() {
		return s.writeHeartbeat(ctx, false, "")
	}
	if err := s.SaveTrackingStateForRecovery(ctx); err != nil {
		return err
	}
	if current.Status != types.ActivityActive {
		s.haltPolling()
		return nil
	}

	cancel, err := s.scheduler.Register(taskBackgroundPoll, s.config.PollInterval, s.PollTick)
	if err != nil {
		return err
	}
	s.mu.Lock()
	previous := s.stopPolling
	s.stopPolling = cancel
	s.mu.Unlock()
	if previous != nil {
		previous()
	}
	return nil
}

// haltPolling cancels background polling and waits for a running tick
func (s *Supervisor) haltPolling() {
	s.mu.Lock()
	cancel := s.stopPolling
	s.stopPolling = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// TrackingChanged keeps recovery state in step with the tracker. A finished
// session halts polling and clears the snapshot and heartbeat. While
// backgrounded, a pause or resume refreshes the snapshot and stops or
// restarts polling.
func (s *Supervisor) TrackingChanged(ctx context.Context, state types.TrackingState) {
	const op = "LifecycleSupervisor.TrackingChanged"
	if !state.Tracking() {
		s.haltPolling()
		s.discardSnapshot(ctx, "stopped")
		if err := s.store.DeletePreference(context.WithoutCancel(ctx), keyHeartbeat); err != nil {
			logging.LogError(s.logger, err, op, map[string]interface{}{"activity_id": state.ActivityID})
		}
		return
	}
	if s.State() != types.AppBackground {
		return
	}
	if err := s.enterBackground(ctx); err != nil {
		logging.LogError(s.logger, err, op, map[string]interface{}{
			"activity_id": state.ActivityID,
			"status":      string(state.Status),
		})
	}
}

// SaveTrackingStateForRecovery persists the current session as a fresh
// snapshot and writes the heartbeat
func (s *Supervisor) SaveTrackingStateForRecovery(ctx context.Context) error {
	const op = "LifecycleSupervisor.SaveTrackingStateForRecovery"
	current := s.tracker.State()
	if !current.Tracking() {
		return errs.NewValidationError(op, "status", string(current.Status), "no session in progress")
	}

	snap := &types.RecoverySnapshot{
		ActivityID:       current.ActivityID,
		OwnerID:          current.OwnerID,
		StartTime:        current.StartTime,
		PausedDuration:   current.PausedDuration,
		LastPauseTime:    current.LastPauseTime,
		Status:           current.Status,
		TrackPointCount:  current.TrackPointCount,
		LastLocation:     current.LastLocation,
		RecoveryAttempts: 0,
		SavedAt:          s.clock(),
	}
	if err := s.saveSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := s.writeHeartbeat(ctx, true, current.ActivityID); err != nil {
		return err
	}
	s.logger.Info("Tracking state saved for recovery", "activity_id", current.ActivityID, "points", current.TrackPointCount)
	return nil
}

// PollTick is one background polling run. It records only when both the
// persisted snapshot and the live session are active for the same activity.
func (s *Supervisor) PollTick(ctx context.Context) error {
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		s.metrics.RecordBackgroundTick("error")
		return err
	}
	if snap == nil || snap.Status != types.ActivityActive {
		s.metrics.RecordBackgroundTick("idle")
		return nil
	}
	if live := s.tracker.State(); live.Status != types.ActivityActive || live.ActivityID != snap.ActivityID {
		s.metrics.RecordBackgroundTick("idle")
		return nil
	}

	sample, err := s.location.CurrentSample(ctx)
	if errors.Is(err, platform.ErrNoFix) {
		s.metrics.RecordBackgroundTick("no_fix")
		return nil
	}
	if err != nil {
		s.metrics.RecordBackgroundTick("error")
		return err
	}

	recorded, err := s.tracker.RecordSample(ctx, sample)
	if err != nil {
		s.metrics.RecordBackgroundTick("error")
		return err
	}
	live := s.tracker.State()
	if !recorded || live.ActivityID != snap.ActivityID {
		s.metrics.RecordBackgroundTick("idle")
		return nil
	}
	snap.TrackPointCount = live.TrackPointCount
	snap.LastLocation = &sample
	snap.SavedAt = s.clock()
	if err := s.saveSnapshot(ctx, snap); err != nil {
		s.metrics.RecordBackgroundTick("error")
		return err
	}
	if err := s.writeHeartbeat(ctx, true, snap.ActivityID); err != nil {
		s.metrics.RecordBackgroundTick("error")
		return err
	}
	s.metrics.RecordBackgroundTick("recorded")
	return nil
}

// checkHeartbeat attempts recovery when the last heartbeat saw active
// tracking recently enough, then clears the heartbeat
func (s *Supervisor) checkHeartbeat(ctx context.Context) bool {
	hb, err := s.loadHeartbeat(ctx)
	if err != nil {
		logging.LogError(s.logger, err, "LifecycleSupervisor.checkHeartbeat", nil)
		return false
	}
	if hb == nil {
		return false
	}

	recovered := false
	elapsed := s.clock().Sub(hb.Timestamp)
	if hb.TrackingActive && elapsed <= s.config.RecoveryTimeout {
		recovered = s.AttemptTrackingRecovery(ctx)
	} else if hb.TrackingActive {
		s.logger.Warn("Heartbeat too old for recovery", "activity_id", hb.ActivityID, "elapsed", elapsed)
	}
	if err := s.store.DeletePreference(ctx, keyHeartbeat); err != nil {
		s.logger.Warn("Failed to clear heartbeat", "error", err)
	}
	return recovered
}

// AttemptTrackingRecovery restores the session from the recovery snapshot.
// It returns false when there is nothing to restore, when the attempts or the
// time budget are exhausted, or when storage fails. Exhausted and restored
// snapshots are discarded.
func (s *Supervisor) AttemptTrackingRecovery(ctx context.Context) bool {
	const op = "LifecycleSupervisor.AttemptTrackingRecovery"

	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		logging.LogError(s.logger, err, op, nil)
		if errs.IsStorage(err) && !errs.IsRetryable(err) {
			s.discardSnapshot(ctx, "unreadable")
		}
		s.metrics.RecordRecovery("failed")
		return false
	}
	if snap == nil {
		s.metrics.RecordRecovery("none")
		return false
	}

	elapsed := s.clock().Sub(snap.SavedAt)
	if snap.RecoveryAttempts >= s.config.MaxRecoveryAttempts || elapsed > s.config.RecoveryTimeout {
		s.logger.Warn("Recovery snapshot expired",
			"activity_id", snap.ActivityID,
			"attempts", snap.RecoveryAttempts,
			"elapsed", elapsed,
		)
		s.discardSnapshot(ctx, "expired")
		s.metrics.RecordRecovery("expired")
		return false
	}

	snap.RecoveryAttempts++
	if err := s.saveSnapshot(ctx, snap); err != nil {
		logging.LogError(s.logger, err, op, map[string]interface{}{"activity_id": snap.ActivityID})
		s.metrics.RecordRecovery("failed")
		return false
	}

	restored := types.TrackingState{
		ActivityID:      snap.ActivityID,
		OwnerID:         snap.OwnerID,
		Status:          snap.Status,
		StartTime:       snap.StartTime,
		PausedDuration:  snap.PausedDuration,
		LastPauseTime:   snap.LastPauseTime,
		TrackPointCount: snap.TrackPointCount,
		LastLocation:    snap.LastLocation,
	}
	if err := s.tracker.Restore(ctx, restored); err != nil {
		logging.LogError(s.logger, err, op, map[string]interface{}{
			"activity_id": snap.ActivityID,
			"attempt":     snap.RecoveryAttempts,
		})
		// A completed activity or a different live session makes the
		// snapshot unrestorable
		if errs.IsValidation(err) {
			s.discardSnapshot(ctx, "rejected")
		}
		s.metrics.RecordRecovery("failed")
		return false
	}
	if got := s.tracker.State(); got.ActivityID != snap.ActivityID {
		s.logger.Error("Restored session does not match snapshot", "want", snap.ActivityID, "got", got.ActivityID)
		s.metrics.RecordRecovery("failed")
		return false
	}

	s.discardSnapshot(ctx, "restored")
	s.metrics.RecordRecovery("success")
	s.logger.Info("Tracking recovered", "activity_id", snap.ActivityID, "status", string(snap.Status), "attempt", snap.RecoveryAttempts)
	return true
}

// Cleanup discards snapshots and crash markers past their maximum age
func (s *Supervisor) Cleanup(ctx context.Context) error {
	now := s.clock()

	snap, err := s.loadSnapshot(ctx)
	switch {
	case err != nil:
		if errs.IsRetryable(err) {
			return err
		}
		s.discardSnapshot(ctx, "unreadable")
	case snap != nil && now.Sub(snap.SavedAt) > s.config.SnapshotMaxAge:
		s.discardSnapshot(ctx, "stale")
	}

	markers, err := s.CrashMarkers(ctx)
	if err != nil {
		if errs.IsRetryable(err) {
			return err
		}
		markers = nil
	}
	kept := markers[:0:0]
	for _, m := range markers {
		if now.Sub(m.DetectedAt) <= s.config.CrashMarkerMaxAge {
			kept = append(kept, m)
		}
	}
	if err == nil && len(kept) == len(markers) {
		return nil
	}
	if len(kept) == 0 {
		if err := s.store.DeletePreference(ctx, keyCrashMarkers); err != nil {
			return err
		}
	} else if err := saveRecord(ctx, s.store, keyCrashMarkers, kept); err != nil {
		return err
	}
	s.logger.Info("Crash markers swept", "removed", len(markers)-len(kept), "kept", len(kept))
	return nil
}

// Shutdown stops scheduled work and removes the session marker, which tells
// the next launch that this run ended cleanly
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.haltPolling()
	s.mu.Lock()
	cancel := s.cancelCleanup
	s.cancelCleanup = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if current := s.tracker.State(); current.Tracking() {
		if err := s.SaveTrackingStateForRecovery(ctx); err != nil {
			logging.LogError(s.logger, err, "LifecycleSupervisor.Shutdown", nil)
		}
	}
	if err := s.store.DeletePreference(ctx, keySessionMarker); err != nil {
		return err
	}
	s.logger.Info("Lifecycle shut down", "session_id", s.SessionID())
	return nil
}
