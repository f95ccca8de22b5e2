package repository

import (
	"context"
	"database/sql"
	"strings"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/seal"
	"trailkeep/internal/types"
)

const photoColumns = `photo_id, activity_id, timestamp, latitude, longitude, local_uri,
	cloud_uri, thumbnail_uri, exif_data, sync_status`

func validPhotoSync(s types.SyncStatus) bool {
	switch s {
	case types.SyncLocal, types.SyncUploading, types.SyncSynced:
		return true
	}
	return false
}

// scanPhoto maps one photos row, opening the sealed columns
func scanPhoto(s *seal.Sealer, row rowScanner) (types.Photo, error) {
	var (
		p                   types.Photo
		ts                  int64
		lat, lon, localURI  []byte
		exif                []byte
		cloudURI, thumbnail sql.NullString
		syncStatus          string
	)
	if err := row.Scan(&p.ID, &p.ActivityID, &ts, &lat, &lon, &localURI, &cloudURI, &thumbnail, &exif, &syncStatus); err != nil {
		return types.Photo{}, errs.WrapDatabaseError("scanPhoto", err)
	}

	aad := []byte(p.ID)
	var err error
	if p.Latitude, err = openFloatPtr(s, lat, aad); err != nil {
		return types.Photo{}, openError("scanPhoto", "photos.latitude", err)
	}
	if p.Longitude, err = openFloatPtr(s, lon, aad); err != nil {
		return types.Photo{}, openError("scanPhoto", "photos.longitude", err)
	}
	if p.LocalURI, err = s.OpenString(localURI, aad); err != nil {
		return types.Photo{}, openError("scanPhoto", "photos.local_uri", err)
	}
	if p.ExifData, err = openOptionalBytes(s, exif, aad); err != nil {
		return types.Photo{}, openError("scanPhoto", "photos.exif_data", err)
	}
	p.Timestamp = fromMillis(ts)
	p.CloudURI = stringFromNullString(cloudURI)
	p.ThumbnailURI = stringFromNullString(thumbnail)
	p.SyncStatus = types.SyncStatus(syncStatus)
	return p, nil
}

// CreatePhoto inserts a photo under an existing activity
func (r *SQLiteRepository) CreatePhoto(ctx context.Context, photo *types.Photo) error {
	const op = "CreatePhoto"
	if photo == nil {
		return errs.NewValidationError(op, "photo", "", "photo is nil")
	}
	if strings.TrimSpace(photo.ID) == "" || strings.TrimSpace(photo.ActivityID) == "" {
		return errs.NewValidationError(op, "photo_id", photo.ID, "photo and activity ids are required")
	}
	if strings.TrimSpace(photo.LocalURI) == "" {
		return errs.NewValidationError(op, "local_uri", "", "local uri is empty")
	}
	if photo.SyncStatus == "" {
		photo.SyncStatus = types.SyncLocal
	}
	if !validPhotoSync(photo.SyncStatus) {
		return errs.NewValidationError(op, "sync_status", string(photo.SyncStatus), "unknown sync status")
	}
	s, err := r.sealer(op)
	if err != nil {
		return err
	}
	if photo.Timestamp.IsZero() {
		photo.Timestamp = r.now().UTC()
	}

	aad := []byte(photo.ID)
	lat, err := sealFloatPtr(s, photo.Latitude, aad)
	if err != nil {
		return sealError(op, "photos.latitude", err)
	}
	lon, err := sealFloatPtr(s, photo.Longitude, aad)
	if err != nil {
		return sealError(op, "photos.longitude", err)
	}
	localURI, err := s.SealString(photo.LocalURI, aad)
	if err != nil {
		return sealError(op, "photos.local_uri", err)
	}
	exif, err := sealOptionalBytes(s, photo.ExifData, aad)
	if err != nil {
		return sealError(op, "photos.exif_data", err)
	}

	return r.run(ctx, op, func() error {
		return r.exec.ExecuteSQL(ctx, `INSERT INTO photos (`+photoColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			photo.ID, photo.ActivityID, toMillis(photo.Timestamp), lat, lon, localURI,
			nullStringFromString(photo.CloudURI), nullStringFromString(photo.ThumbnailURI),
			exif, string(photo.SyncStatus))
	})
}

// GetPhoto loads one photo; NOT_FOUND if absent
func (r *SQLiteRepository) GetPhoto(ctx context.Context, id string) (*types.Photo, error) {
	const op = "GetPhoto"
	s, err := r.sealer(op)
	if err != nil {
		return nil, err
	}

	var photo types.Photo
	err = r.run(ctx, op, func() error {
		row := r.exec.ExecuteQueryRow(ctx, `SELECT `+photoColumns+` FROM photos WHERE photo_id = ?`, id)
		var scanErr error
		photo, scanErr = scanPhoto(s, row)
		if errs.IsNotFound(scanErr) {
			return errs.HandleNotFound(op, "photo", id)
		}
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return &photo, nil
}

func (r *SQLiteRepository) listPhotos(ctx context.Context, op, where string, args ...any) ([]types.Photo, error) {
	s, err := r.sealer(op)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + photoColumns + ` FROM photos WHERE ` + where + ` ORDER BY timestamp ASC, photo_id ASC`

	var photos []types.Photo
	err = r.run(ctx, op, func() error {
		photos = photos[:0]
		rows, err := r.exec.ExecuteQuery(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPhoto(s, rows)
			if err != nil {
				return err
			}
			photos = append(photos, p)
		}
		if err := rows.Err(); err != nil {
			return errs.WrapStatementError(op, err, query)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return photos, nil
}

// ListPhotos returns an activity's photos in capture order
func (r *SQLiteRepository) ListPhotos(ctx context.Context, activityID string) ([]types.Photo, error) {
	return r.listPhotos(ctx, "ListPhotos", "activity_id = ?", activityID)
}

// ListPhotosBySyncStatus returns photos in the given sync state
func (r *SQLiteRepository) ListPhotosBySyncStatus(ctx context.Context, status types.SyncStatus) ([]types.Photo, error) {
	return r.listPhotos(ctx, "ListPhotosBySyncStatus", "sync_status = ?", string(status))
}

// SetPhotoSyncStatus moves a photo through local/uploading/synced
func (r *SQLiteRepository) SetPhotoSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	const op = "SetPhotoSyncStatus"
	if !validPhotoSync(status) {
		return errs.NewValidationError(op, "sync_status", string(status), "unknown sync status")
	}
	return r.run(ctx, op, func() error {
		n, err := r.exec.ExecuteUpdate(ctx, `UPDATE photos SET sync_status = ? WHERE photo_id = ?`, string(status), id)
		if err != nil {
			return err
		}
		return requireOne(op, "photo", id, n)
	})
}

// MarkPhotoSynced records the uploaded locations and flips the photo to synced
func (r *SQLiteRepository) MarkPhotoSynced(ctx context.Context, id, cloudURI, thumbnailURI string) error {
	const op = "MarkPhotoSynced"
	if cloudURI == "" {
		return errs.NewValidationError(op, "cloud_uri", "", "cloud uri is empty")
	}
	return r.run(ctx, op, func() error {
		n, err := r.exec.ExecuteUpdate(ctx,
			`UPDATE photos SET cloud_uri = ?, thumbnail_uri = ?, sync_status = ? WHERE photo_id = ?`,
			cloudURI, nullStringFromString(thumbnailURI), string(types.SyncSynced), id)
		if err != nil {
			return err
		}
		return requireOne(op, "photo", id, n)
	})
}

// DeletePhoto removes one photo row
func (r *SQLiteRepository) DeletePhoto(ctx context.Context, id string) error {
	const op = "DeletePhoto"
	return r.run(ctx, op, func() error {
		n, err := r.exec.ExecuteUpdate(ctx, `DELETE FROM photos WHERE photo_id = ?`, id)
		if err != nil {
			return err
		}
		return requireOne(op, "photo", id, n)
	})
}

// CountPhotosByOwner counts photos across all of an owner's activities
func (r *SQLiteRepository) CountPhotosByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := r.run(ctx, "CountPhotosByOwner", func() error {
		return r.exec.ExecuteQueryRow(ctx, `SELECT COUNT(*) FROM photos
			WHERE activity_id IN (SELECT activity_id FROM activities WHERE user_id = ?)`, ownerID).Scan(&count)
	})
	return count, err
}

// DeletePhotosByOwner removes every photo of an owner's activities
func (r *SQLiteRepository) DeletePhotosByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := r.run(ctx, "DeletePhotosByOwner", func() error {
		var err error
		n, err = r.exec.ExecuteUpdate(ctx, `DELETE FROM photos
			WHERE activity_id IN (SELECT activity_id FROM activities WHERE user_id = ?)`, ownerID)
		return err
	})
	return n, err
}
