package privacy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"trailkeep/internal/exif"
	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/platform"
	"trailkeep/internal/repository"
	"trailkeep/internal/types"
)

// ErrNotShareable is wrapped by SharePayload when the activity's tier forbids sharing
var ErrNotShareable = errors.New("privacy: activity is not shareable")

// deletion order keeps children ahead of their parents so each type's count
// is its own
var deletionOrder = []types.DataType{
	types.DataPhotos,
	types.DataTrackPoints,
	types.DataActivities,
	types.DataPreferences,
}

func verificationHash(userID string, dataType types.DataType, count int64, at time.Time) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%d", userID, dataType, count, at.UnixMilli()))
	return hex.EncodeToString(sum[:])
}

// ExportUserData assembles the user's activities, track points and photos
// into a bundle and records the export in the audit log
func (l *Ledger) ExportUserData(ctx context.Context, req types.ExportRequest) (*types.ExportBundle, error) {
	const op = "PrivacyLedger.ExportUserData"
	start := time.Now()
	if req.UserID == "" {
		return nil, errs.NewValidationError(op, "user_id", "", "user id is required")
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return nil, errs.NewValidationError(op, "to", req.To.String(), "must not be before from")
	}

	now := l.clock()
	bundle := &types.ExportBundle{
		ID:          ulid.Make().String(),
		UserID:      req.UserID,
		GeneratedAt: now,
		Activities:  []types.Activity{},
		TrackPoints: []types.TrackPoint{},
		Photos:      []types.Photo{},
	}

	err := l.repo.WithTransaction(ctx, func(tx repository.Repository) error {
		activities, err := tx.ListActivities(ctx, repository.ActivityFilter{OwnerID: req.UserID, From: req.From, To: req.To})
		if err != nil {
			return err
		}
		for _, a := range activities {
			points, err := tx.GetTrackPoints(ctx, a.ID)
			if err != nil {
				return err
			}
			photos, err := tx.ListPhotos(ctx, a.ID)
			if err != nil {
				return err
			}
			bundle.TrackPoints = append(bundle.TrackPoints, points...)
			bundle.Photos = append(bundle.Photos, photos...)
		}
		bundle.Activities = activities
		if bundle.Activities == nil {
			bundle.Activities = []types.Activity{}
		}

		count := int64(len(bundle.Activities) + len(bundle.TrackPoints) + len(bundle.Photos))
		return tx.AppendDeletionLog(ctx, &types.DataDeletionLogEntry{
			UserID:           req.UserID,
			DataType:         types.DataExport,
			DeletedAt:        now,
			Reason:           "export " + bundle.ID,
			VerificationHash: verificationHash(req.UserID, types.DataExport, count, now),
		})
	})
	if err != nil {
		logging.LogError(l.logger, err, op, map[string]interface{}{"user_id": req.UserID})
		return nil, errs.NewPrivacyError(op, err, map[string]string{"user_id": req.UserID})
	}

	logging.LogOperation(l.logger, op, time.Since(start), map[string]interface{}{
		"export_id":    bundle.ID,
		"activities":   len(bundle.Activities),
		"track_points": len(bundle.TrackPoints),
		"photos":       len(bundle.Photos),
	})
	return bundle, nil
}

// WriteJSON writes the bundle as indented JSON
func WriteJSON(w io.Writer, bundle *types.ExportBundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(bundle)
}

// SaveExport writes the bundle to path, readable by the owner only
func SaveExport(path string, bundle *types.ExportBundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return errs.NewPrivacyError("privacy.SaveExport", err, nil)
	}
	if err := platform.WriteFileAtomic(path, data, 0o600); err != nil {
		return errs.NewPrivacyError("privacy.SaveExport", err, map[string]string{"path": path})
	}
	return nil
}

// DeleteUserData removes the requested data types in one transaction and
// writes one audit row per type. Deleting activities also deletes their
// track points and photos.
func (l *Ledger) DeleteUserData(ctx context.Context, req types.DeletionRequest) (*types.DeletionResult, error) {
	const op = "PrivacyLedger.DeleteUserData"
	start := time.Now()
	if req.UserID == "" {
		return nil, errs.NewValidationError(op, "user_id", "", "user id is required")
	}
	if len(req.DataTypes) == 0 {
		return nil, errs.NewValidationError(op, "data_types", "", "at least one data type is required")
	}
	requested := map[types.DataType]bool{}
	for _, dt := range req.DataTypes {
		if !slices.Contains(deletionOrder, dt) {
			return nil, errs.NewValidationError(op, "data_types", string(dt), "unknown data type")
		}
		requested[dt] = true
	}
	if requested[types.DataActivities] {
		requested[types.DataPhotos] = true
		requested[types.DataTrackPoints] = true
	}

	now := l.clock()
	result := &types.DeletionResult{Deleted: map[types.DataType]int64{}}
	err := l.repo.WithTransaction(ctx, func(tx repository.Repository) error {
		for _, dt := range deletionOrder {
			if !requested[dt] {
				continue
			}
			count, err := deleteType(ctx, tx, dt, req.UserID)
			if err != nil {
				return err
			}
			entry := types.DataDeletionLogEntry{
				UserID:           req.UserID,
				DataType:         dt,
				DeletedAt:        now,
				Reason:           req.Reason,
				VerificationHash: verificationHash(req.UserID, dt, count, now),
			}
			if err := tx.AppendDeletionLog(ctx, &entry); err != nil {
				return err
			}
			result.Deleted[dt] = count
			result.LogIDs = append(result.LogIDs, entry.ID)
			result.Entries = append(result.Entries, entry)
		}
		return nil
	})
	if err != nil {
		logging.LogError(l.logger, err, op, map[string]interface{}{"user_id": req.UserID})
		return nil, errs.NewPrivacyError(op, err, map[string]string{"user_id": req.UserID})
	}

	if requested[types.DataPreferences] {
		l.mu.Lock()
		l.consent = types.ConsentStatus{}
		l.mu.Unlock()
		l.settings.Flush()
	}

	logging.LogOperation(l.logger, op, time.Since(start), map[string]interface{}{
		"user_id": req.UserID,
		"deleted": result.Deleted,
	})
	return result, nil
}

func deleteType(ctx context.Context, tx repository.Repository, dt types.DataType, userID string) (int64, error) {
	switch dt {
	case types.DataPhotos:
		return tx.DeletePhotosByOwner(ctx, userID)
	case types.DataTrackPoints:
		return tx.DeleteTrackPointsByOwner(ctx, userID)
	case types.DataActivities:
		return tx.DeleteActivitiesByOwner(ctx, userID)
	case types.DataPreferences:
		return deleteUserPreferences(ctx, tx)
	}
	return 0, fmt.Errorf("no deleter for %q", dt)
}

// runtimePreferencePrefix marks app runtime records such as the recovery
// snapshot and crash markers. They hold no user choices and survive deletion.
const runtimePreferencePrefix = "lifecycle."

func deleteUserPreferences(ctx context.Context, tx repository.Repository) (int64, error) {
	prefs, err := tx.ListPreferences(ctx, "")
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, pref := range prefs {
		if strings.HasPrefix(pref.Key, runtimePreferencePrefix) {
			continue
		}
		if err := tx.DeletePreference(ctx, pref.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// DeleteAllUserData deletes every data type and then clears the keystore
func (l *Ledger) DeleteAllUserData(ctx context.Context, userID, reason string) (*types.DeletionResult, error) {
	const op = "PrivacyLedger.DeleteAllUserData"
	result, err := l.DeleteUserData(ctx, types.DeletionRequest{
		UserID:    userID,
		DataTypes: deletionOrder,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}
	if err := l.vault.ClearAll(ctx); err != nil {
		logging.LogError(l.logger, err, op, map[string]interface{}{"user_id": userID})
		return result, errs.NewPrivacyError(op, err, map[string]string{"user_id": userID, "phase": "keystore"})
	}
	l.logger.Info("All user data deleted", "user_id", userID)
	return result, nil
}

// CleanupOldData deletes activities that started before the retention
// horizon. A retention of zero days keeps everything.
func (l *Ledger) CleanupOldData(ctx context.Context) (int64, error) {
	const op = "PrivacyLedger.CleanupOldData"
	settings, err := l.GetPrivacySettings(ctx)
	if err != nil {
		return 0, errs.NewPrivacyError(op, err, nil)
	}
	if settings.RetentionDays <= 0 {
		return 0, nil
	}

	now := l.clock()
	cutoff := now.Add(-time.Duration(settings.RetentionDays) * 24 * time.Hour)
	var total int64
	err = l.repo.WithTransaction(ctx, func(tx repository.Repository) error {
		before := cutoff.Add(-time.Millisecond)
		expired, err := tx.ListActivities(ctx, repository.ActivityFilter{To: &before})
		if err != nil {
			return err
		}
		var owners []string
		for _, a := range expired {
			if !slices.Contains(owners, a.OwnerID) {
				owners = append(owners, a.OwnerID)
			}
		}
		for _, owner := range owners {
			count, err := tx.DeleteActivitiesStartedBefore(ctx, owner, cutoff)
			if err != nil {
				return err
			}
			err = tx.AppendDeletionLog(ctx, &types.DataDeletionLogEntry{
				UserID:           owner,
				DataType:         types.DataRetention,
				DeletedAt:        now,
				Reason:           fmt.Sprintf("retention %d days", settings.RetentionDays),
				VerificationHash: verificationHash(owner, types.DataRetention, count, now),
			})
			if err != nil {
				return err
			}
			total += count
		}
		return nil
	})
	if err != nil {
		logging.LogError(l.logger, err, op, nil)
		return 0, errs.NewPrivacyError(op, err, nil)
	}
	if total > 0 {
		l.logger.Info("Retention sweep removed activities", "count", total, "cutoff", cutoff)
	}
	return total, nil
}

// SharePayload returns the EXIF block that may accompany a shared photo, or
// nil when none may. Device fields never leave; GPS is dropped unless
// location sharing is allowed, and then only at reduced precision.
func (l *Ledger) SharePayload(ctx context.Context, photo *types.Photo) ([]byte, error) {
	const op = "PrivacyLedger.SharePayload"
	if photo == nil {
		return nil, errs.NewValidationError(op, "photo", "", "photo is nil")
	}
	ok, err := l.CanShareActivity(ctx, photo.ActivityID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NewPrivacyError(op, ErrNotShareable, map[string]string{"activity_id": photo.ActivityID})
	}

	settings, err := l.GetPrivacySettings(ctx)
	if err != nil {
		return nil, errs.NewPrivacyError(op, err, nil)
	}
	if settings.StripExifOnShare || len(photo.ExifData) == 0 {
		return nil, nil
	}

	meta, err := exif.Unmarshal(photo.ExifData)
	if err != nil {
		return nil, errs.NewPrivacyError(op, err, map[string]string{"photo_id": photo.ID})
	}
	shared := meta.Sanitize()
	if settings.AllowLocationSharing {
		shared = shared.RoundLocation(l.config.CoordinateDecimals)
	} else {
		shared = shared.WithoutLocation()
	}
	return shared.Marshal()
}
