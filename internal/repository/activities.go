package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/seal"
	"trailkeep/internal/types"
)

const activityColumns = `activity_id, user_id, started_at, ended_at, status, duration_sec, distance_m,
	elev_gain_m, elev_loss_m, polyline, privacy_level, sync_status, created_at, updated_at`

func validateActivity(op string, a *types.Activity) error {
	if a == nil {
		return errs.NewValidationError(op, "activity", "", "activity is nil")
	}
	if strings.TrimSpace(a.ID) == "" {
		return errs.NewValidationError(op, "activity_id", a.ID, "activity id is empty")
	}
	if strings.TrimSpace(a.OwnerID) == "" {
		return errs.NewValidationError(op, "user_id", a.OwnerID, "owner id is empty")
	}
	if !a.Status.Valid() {
		return errs.NewValidationError(op, "status", string(a.Status), "unknown activity status")
	}
	if a.PrivacyLevel != "" && !a.PrivacyLevel.Valid() {
		return errs.NewValidationError(op, "privacy_level", string(a.PrivacyLevel), "unknown privacy level")
	}
	if !validActivitySync(a.SyncStatus) {
		return errs.NewValidationError(op, "sync_status", string(a.SyncStatus), "unknown sync status")
	}
	if a.DurationSec < 0 || a.DistanceM < 0 {
		return errs.NewValidationError(op, "stats", fmt.Sprintf("%d/%f", a.DurationSec, a.DistanceM), "duration and distance must be non-negative")
	}
	return nil
}

func validActivitySync(s types.SyncStatus) bool {
	switch s {
	case "", types.SyncLocal, types.SyncSyncing, types.SyncSynced:
		return true
	}
	return false
}

// scanActivity maps one activities row, opening the sealed polyline
func scanActivity(s *seal.Sealer, row rowScanner) (types.Activity, error) {
	var (
		a                    types.Activity
		startedAt, createdAt int64
		updatedAt            int64
		endedAt              sql.NullInt64
		status, privacy      string
		syncStatus           string
		polyline             []byte
	)
	err := row.Scan(&a.ID, &a.OwnerID, &startedAt, &endedAt, &status, &a.DurationSec, &a.DistanceM,
		&a.ElevationGainM, &a.ElevationLossM, &polyline, &privacy, &syncStatus, &createdAt, &updatedAt)
	if err != nil {
		return types.Activity{}, errs.WrapDatabaseError("scanActivity", err)
	}

	a.StartedAt = fromMillis(startedAt)
	a.EndedAt = timeFromNullMillis(endedAt)
	a.Status = types.ActivityStatus(status)
	a.PrivacyLevel = types.PrivacyLevel(privacy)
	a.SyncStatus = types.SyncStatus(syncStatus)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)

	if a.Polyline, err = openOptionalString(s, polyline, []byte(a.ID)); err != nil {
		return types.Activity{}, openError("scanActivity", "activities.polyline", err)
	}
	return a, nil
}

// CreateActivity inserts a new activity. Missing privacy/sync fields get defaults.
func (r *SQLiteRepository) CreateActivity(ctx context.Context, activity *types.Activity) error {
	const op = "CreateActivity"
	if err := validateActivity(op, activity); err != nil {
		return err
	}
	s, err := r.sealer(op)
	if err != nil {
		return err
	}

	if activity.PrivacyLevel == "" {
		activity.PrivacyLevel = types.PrivacyPrivate
	}
	if activity.SyncStatus == "" {
		activity.SyncStatus = types.SyncLocal
	}
	now := r.now().UTC()
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = now
	}
	activity.UpdatedAt = now

	polyline, err := sealOptionalString(s, activity.Polyline, []byte(activity.ID))
	if err != nil {
		return sealError(op, "activities.polyline", err)
	}

	return r.run(ctx, op, func() error {
		return r.exec.ExecuteSQL(ctx, `INSERT INTO activities (`+activityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			activity.ID, activity.OwnerID, toMillis(activity.StartedAt), nullMillis(activity.EndedAt),
			string(activity.Status), activity.DurationSec, activity.DistanceM,
			activity.ElevationGainM, activity.ElevationLossM, polyline,
			string(activity.PrivacyLevel), string(activity.SyncStatus),
			toMillis(activity.CreatedAt), toMillis(activity.UpdatedAt))
	})
}

// GetActivity loads one activity; NOT_FOUND if absent
func (r *SQLiteRepository) GetActivity(ctx context.Context, id string) (*types.Activity, error) {
	const op = "GetActivity"
	s, err := r.sealer(op)
	if err != nil {
		return nil, err
	}

	var activity types.Activity
	err = r.run(ctx, op, func() error {
		row := r.exec.ExecuteQueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE activity_id = ?`, id)
		var scanErr error
		activity, scanErr = scanActivity(s, row)
		if errs.IsNotFound(scanErr) {
			return errs.HandleNotFound(op, "activity", id)
		}
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return &activity, nil
}

// UpdateActivity rewrites the mutable columns of an existing activity
func (r *SQLiteRepository) UpdateActivity(ctx context.Context, activity *types.Activity) error {
	const op = "UpdateActivity"
	if err := validateActivity(op, activity); err != nil {
		return err
	}
	s, err := r.sealer(op)
	if err != nil {
		return err
	}
	polyline, err := sealOptionalString(s, activity.Polyline, []byte(activity.ID))
	if err != nil {
		return sealError(op, "activities.polyline", err)
	}
	if activity.PrivacyLevel == "" {
		activity.PrivacyLevel = types.PrivacyPrivate
	}
	if activity.SyncStatus == "" {
		activity.SyncStatus = types.SyncLocal
	}
	activity.UpdatedAt = r.now().UTC()

	return r.run(ctx, op, func() error {
		n, err := r.exec.ExecuteUpdate(ctx, `UPDATE activities SET
			ended_at = ?, status = ?, duration_sec = ?, distance_m = ?, elev_gain_m = ?, elev_loss_m = ?,
			polyline = ?, privacy_level = ?, sync_status = ?, updated_at = ?
			WHERE activity_id = ?`,
			nullMillis(activity.EndedAt), string(activity.Status), activity.DurationSec, activity.DistanceM,
			activity.ElevationGainM, activity.ElevationLossM, polyline,
			string(activity.PrivacyLevel), string(activity.SyncStatus), toMillis(activity.UpdatedAt),
			activity.ID)
		if err != nil {
			return err
		}
		return requireOne(op, "activity", activity.ID, n)
	})
}

// activityWhere builds the WHERE clause for a filter
func activityWhere(filter ActivityFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.OwnerID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SyncStatus != "" {
		clauses = append(clauses, "sync_status = ?")
		args = append(args, string(filter.SyncStatus))
	}
	if filter.From != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, toMillis(*filter.From))
	}
	if filter.To != nil {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, toMillis(*filter.To))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListActivities returns activities matching filter, oldest first
func (r *SQLiteRepository) ListActivities(ctx context.Context, filter ActivityFilter) ([]types.Activity, error) {
	const op = "ListActivities"
	s, err := r.sealer(op)
	if err != nil {
		return nil, err
	}

	where, args := activityWhere(filter)
	query := `SELECT ` + activityColumns + ` FROM activities` + where + ` ORDER BY started_at ASC, activity_id ASC`
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	var activities []types.Activity
	err = r.run(ctx, op, func() error {
		activities = activities[:0]
		rows, err := r.exec.ExecuteQuery(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanActivity(s, rows)
			if err != nil {
				return err
			}
			activities = append(activities, a)
		}
		if err := rows.Err(); err != nil {
			return errs.WrapStatementError(op, err, query)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activities, nil
}

// CountActivities counts activities matching filter; Limit/Offset are ignored
func (r *SQLiteRepository) CountActivities(ctx context.Context, filter ActivityFilter) (int64, error) {
	where, args := activityWhere(filter)
	var count int64
	err := r.run(ctx, "CountActivities", func() error {
		return r.exec.ExecuteQueryRow(ctx, `SELECT COUNT(*) FROM activities`+where, args...).Scan(&count)
	})
	return count, err
}

// SetActivityPrivacy changes the privacy tier of one activity
func (r *SQLiteRepository) SetActivityPrivacy(ctx context.Context, id string, level types.PrivacyLevel) error {
	const op = "SetActivityPrivacy"
	if !level.Valid() {
		return errs.NewValidationError(op, "privacy_level", string(level), "unknown privacy level")
	}
	return r.run(ctx, op, func() error {
		n, err := r.exec.ExecuteUpdate(ctx,
			`UPDATE activities SET privacy_level = ?, updated_at = ? WHERE activity_id = ?`,
			string(level), toMillis(r.now()), id)
		if err != nil {
			return err
		}
		return requireOne(op, "activity", id, n)
	})
}

// SetActivitySyncStatus moves an activity through local/syncing/synced
func (r *SQLiteRepository) SetActivitySyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	const op = "SetActivitySyncStatus"
	if status == "" || !validActivitySync(status) {
		return errs.NewValidationError(op, "sync_status", string(status), "unknown sync status")
	}
	return r.run(ctx, op, func() error {
		n, err := r.exec.ExecuteUpdate(ctx,
			`UPDATE activities SET sync_status = ?, updated_at = ? WHERE activity_id = ?`,
			string(status), toMillis(r.now()), id)
		if err != nil {
			return err
		}
		return requireOne(op, "activity", id, n)
	})
}

// DeleteActivity removes an activity and, by cascade, its track points and photos
func (r *SQLiteRepository) DeleteActivity(ctx context.Context, id string) error {
	const op = "DeleteActivity"
	return r.run(ctx, op, func() error {
		n, err := r.exec.ExecuteUpdate(ctx, `DELETE FROM activities WHERE activity_id = ?`, id)
		if err != nil {
			return err
		}
		return requireOne(op, "activity", id, n)
	})
}

// DeleteActivitiesByOwner removes every activity of ownerID
func (r *SQLiteRepository) DeleteActivitiesByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := r.run(ctx, "DeleteActivitiesByOwner", func() error {
		var err error
		n, err = r.exec.ExecuteUpdate(ctx, `DELETE FROM activities WHERE user_id = ?`, ownerID)
		return err
	})
	return n, err
}

// DeleteActivitiesStartedBefore removes activities started before cutoff.
// An empty ownerID matches every owner.
func (r *SQLiteRepository) DeleteActivitiesStartedBefore(ctx context.Context, ownerID string, cutoff time.Time) (int64, error) {
	query := `DELETE FROM activities WHERE started_at < ?`
	args := []any{toMillis(cutoff)}
	if ownerID != "" {
		query += ` AND user_id = ?`
		args = append(args, ownerID)
	}

	var n int64
	err := r.run(ctx, "DeleteActivitiesStartedBefore", func() error {
		var err error
		n, err = r.exec.ExecuteUpdate(ctx, query, args...)
		return err
	})
	return n, err
}
