package lifecycle

import (
	"context"
	"encoding/json"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/types"
)

const (
	keySnapshot      = "lifecycle.recovery_snapshot"
	keyHeartbeat     = "lifecycle.heartbeat"
	keySessionMarker = "lifecycle.session_marker"
	keyCrashMarkers  = "lifecycle.crash_markers"
)

// Store is the persistence the supervisor needs. Lifecycle records are kept
// as encrypted preferences.
type Store interface {
	SetPreference(ctx context.Context, key, value string, encrypted bool) error
	GetPreference(ctx context.Context, key string) (*types.UserPreference, bool, error)
	DeletePreference(ctx context.Context, key string) error
}

// loadRecord decodes the JSON record under key into v. found is false when
// the key is absent.
func loadRecord(ctx context.Context, store Store, key string, v any) (bool, error) {
	pref, ok, err := store.GetPreference(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(pref.Value), v); err != nil {
		return true, errs.HandleCorruptionError("lifecycle.load", key, err)
	}
	return true, nil
}

func saveRecord(ctx context.Context, store Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.NewStorageError("lifecycle.save", err, errs.ErrCodeInternal)
	}
	return store.SetPreference(ctx, key, string(data), true)
}

func (s *Supervisor) loadSnapshot(ctx context.Context) (*types.RecoverySnapshot, error) {
	var snap types.RecoverySnapshot
	found, err := loadRecord(ctx, s.store, keySnapshot, &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (s *Supervisor) saveSnapshot(ctx context.Context, snap *types.RecoverySnapshot) error {
	return saveRecord(ctx, s.store, keySnapshot, snap)
}

// discardSnapshot removes the snapshot. A removal failure is logged only; the
// age sweep catches what is left behind.
func (s *Supervisor) discardSnapshot(ctx context.Context, reason string) {
	if err := s.store.DeletePreference(context.WithoutCancel(ctx), keySnapshot); err != nil {
		s.logger.Error("Failed to discard recovery snapshot", "reason", reason, "error", err)
		return
	}
	s.logger.Info("Recovery snapshot discarded", "reason", reason)
}

func (s *Supervisor) loadHeartbeat(ctx context.Context) (*types.Heartbeat, error) {
	var hb types.Heartbeat
	found, err := loadRecord(ctx, s.store, keyHeartbeat, &hb)
	if err != nil || !found {
		return nil, err
	}
	return &hb, nil
}

func (s *Supervisor) writeHeartbeat(ctx context.Context, active bool, activityID string) error {
	return saveRecord(ctx, s.store, keyHeartbeat, types.Heartbeat{
		Timestamp:      s.clock(),
		TrackingActive: active,
		ActivityID:     activityID,
	})
}

// CrashMarkers returns the recorded unclean exits, oldest first
func (s *Supervisor) CrashMarkers(ctx context.Context) ([]types.CrashMarker, error) {
	var markers []types.CrashMarker
	if _, err := loadRecord(ctx, s.store, keyCrashMarkers, &markers); err != nil {
		return nil, err
	}
	return markers, nil
}

func (s *Supervisor) appendCrashMarker(ctx context.Context, marker types.CrashMarker) error {
	markers, err := s.CrashMarkers(ctx)
	if err != nil {
		// an unreadable list is replaced rather than blocking startup
		s.logger.Warn("Replacing unreadable crash marker list", "error", err)
		markers = nil
	}
	return saveRecord(ctx, s.store, keyCrashMarkers, append(markers, marker))
}
