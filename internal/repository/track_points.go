package repository

import (
	"context"
	"database/sql"
	"strings"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/seal"
	"trailkeep/internal/types"
)

const trackPointColumns = `id, activity_id, timestamp, latitude, longitude, elevation, accuracy, speed, heading, source`

const insertTrackPointSQL = `INSERT INTO track_points
	(activity_id, timestamp, latitude, longitude, elevation, accuracy, speed, heading, source)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func validateTrackPoint(op string, p *types.TrackPoint) error {
	if p == nil {
		return errs.NewValidationError(op, "track_point", "", "track point is nil")
	}
	if strings.TrimSpace(p.ActivityID) == "" {
		return errs.NewValidationError(op, "activity_id", "", "activity id is empty")
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return errs.NewValidationError(op, "latitude", "", "latitude out of range")
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return errs.NewValidationError(op, "longitude", "", "longitude out of range")
	}
	if p.Timestamp.IsZero() {
		return errs.NewValidationError(op, "timestamp", "", "timestamp is zero")
	}
	if p.Source != "" && !p.Source.Valid() {
		return errs.NewValidationError(op, "source", string(p.Source), "unknown location source")
	}
	return nil
}

// trackPointArgs seals the location columns of p
func trackPointArgs(op string, s *seal.Sealer, p *types.TrackPoint) ([]any, error) {
	aad := []byte(p.ActivityID)
	lat, err := s.SealFloat(p.Latitude, aad)
	if err != nil {
		return nil, sealError(op, "track_points.latitude", err)
	}
	lon, err := s.SealFloat(p.Longitude, aad)
	if err != nil {
		return nil, sealError(op, "track_points.longitude", err)
	}
	elev, err := sealFloatPtr(s, p.Elevation, aad)
	if err != nil {
		return nil, sealError(op, "track_points.elevation", err)
	}
	source := p.Source
	if source == "" {
		source = types.SourceGPS
	}
	return []any{p.ActivityID, toMillis(p.Timestamp), lat, lon, elev,
		nullFloat(p.Accuracy), nullFloat(p.Speed), nullFloat(p.Heading), string(source)}, nil
}

// scanTrackPoint maps one track_points row, opening the sealed location
func scanTrackPoint(s *seal.Sealer, row rowScanner) (types.TrackPoint, error) {
	var (
		p                    types.TrackPoint
		ts                   int64
		lat, lon, elev       []byte
		accuracy, speed, hdg sql.NullFloat64
		source               string
	)
	if err := row.Scan(&p.ID, &p.ActivityID, &ts, &lat, &lon, &elev, &accuracy, &speed, &hdg, &source); err != nil {
		return types.TrackPoint{}, errs.WrapDatabaseError("scanTrackPoint", err)
	}

	aad := []byte(p.ActivityID)
	var err error
	if p.Latitude, err = s.OpenFloat(lat, aad); err != nil {
		return types.TrackPoint{}, openError("scanTrackPoint", "track_points.latitude", err)
	}
	if p.Longitude, err = s.OpenFloat(lon, aad); err != nil {
		return types.TrackPoint{}, openError("scanTrackPoint", "track_points.longitude", err)
	}
	if p.Elevation, err = openFloatPtr(s, elev, aad); err != nil {
		return types.TrackPoint{}, openError("scanTrackPoint", "track_points.elevation", err)
	}
	p.Timestamp = fromMillis(ts)
	p.Accuracy = floatFromNull(accuracy)
	p.Speed = floatFromNull(speed)
	p.Heading = floatFromNull(hdg)
	p.Source = types.LocationSource(source)
	return p, nil
}

// AppendTrackPoint inserts one point and returns its row id
func (r *SQLiteRepository) AppendTrackPoint(ctx context.Context, point *types.TrackPoint) (int64, error) {
	const op = "AppendTrackPoint"
	if err := validateTrackPoint(op, point); err != nil {
		return 0, err
	}
	s, err := r.sealer(op)
	if err != nil {
		return 0, err
	}
	args, err := trackPointArgs(op, s, point)
	if err != nil {
		return 0, err
	}

	var id int64
	err = r.run(ctx, op, func() error {
		var err error
		id, err = r.exec.ExecuteInsert(ctx, insertTrackPointSQL, args...)
		return err
	})
	if err != nil {
		return 0, err
	}
	point.ID = id
	return id, nil
}

// AppendTrackPoints inserts points in batches, each batch in its own transaction
func (r *SQLiteRepository) AppendTrackPoints(ctx context.Context, points []types.TrackPoint) error {
	const op = "AppendTrackPoints"
	if len(points) == 0 {
		return nil
	}
	for i := range points {
		if err := validateTrackPoint(op, &points[i]); err != nil {
			return err
		}
	}
	s, err := r.sealer(op)
	if err != nil {
		return err
	}

	// Seal everything up front so a retried batch reuses the same ciphertexts
	allArgs := make([][]any, len(points))
	for i := range points {
		if allArgs[i], err = trackPointArgs(op, s, &points[i]); err != nil {
			return err
		}
	}

	batchSize := r.batchSize(len(points))
	for start := 0; start < len(points); start += batchSize {
		end := min(start+batchSize, len(points))
		err := r.WithTransaction(ctx, func(repo Repository) error {
			txRepo := repo.(*SQLiteRepository)
			for i := start; i < end; i++ {
				id, err := txRepo.exec.ExecuteInsert(ctx, insertTrackPointSQL, allArgs[i]...)
				if err != nil {
					return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{
						"activity_id": points[i].ActivityID,
					})
				}
				points[i].ID = id
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// batchSize bounds a batch by the configured default and maximum
func (r *SQLiteRepository) batchSize(total int) int {
	size := r.batchConfig.DefaultBatchSize
	if size <= 0 {
		size = 100
	}
	if r.batchConfig.MaxBatchSize > 0 {
		size = min(size, r.batchConfig.MaxBatchSize)
	}
	return max(1, min(size, total))
}

// GetTrackPoints returns an activity's points in ascending timestamp order
func (r *SQLiteRepository) GetTrackPoints(ctx context.Context, activityID string) ([]types.TrackPoint, error) {
	const op = "GetTrackPoints"
	s, err := r.sealer(op)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + trackPointColumns + ` FROM track_points WHERE activity_id = ? ORDER BY timestamp ASC, id ASC`

	var points []types.TrackPoint
	err = r.run(ctx, op, func() error {
		points = points[:0]
		rows, err := r.exec.ExecuteQuery(ctx, query, activityID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanTrackPoint(s, rows)
			if err != nil {
				return err
			}
			points = append(points, p)
		}
		if err := rows.Err(); err != nil {
			return errs.WrapStatementError(op, err, query)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// CountTrackPoints counts the points recorded for an activity
func (r *SQLiteRepository) CountTrackPoints(ctx context.Context, activityID string) (int64, error) {
	var count int64
	err := r.run(ctx, "CountTrackPoints", func() error {
		return r.exec.ExecuteQueryRow(ctx,
			`SELECT COUNT(*) FROM track_points WHERE activity_id = ?`, activityID).Scan(&count)
	})
	return count, err
}

// CountTrackPointsByOwner counts points across all of an owner's activities
func (r *SQLiteRepository) CountTrackPointsByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := r.run(ctx, "CountTrackPointsByOwner", func() error {
		return r.exec.ExecuteQueryRow(ctx, `SELECT COUNT(*) FROM track_points
			WHERE activity_id IN (SELECT activity_id FROM activities WHERE user_id = ?)`, ownerID).Scan(&count)
	})
	return count, err
}

// DeleteTrackPointsByOwner removes every point of an owner's activities
func (r *SQLiteRepository) DeleteTrackPointsByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := r.run(ctx, "DeleteTrackPointsByOwner", func() error {
		var err error
		n, err = r.exec.ExecuteUpdate(ctx, `DELETE FROM track_points
			WHERE activity_id IN (SELECT activity_id FROM activities WHERE user_id = ?)`, ownerID)
		return err
	})
	return n, err
}
