package repository

import (
	"context"
	"time"

	"trailkeep/internal/types"
)

// ActivityFilter narrows activity listings. Zero values match everything.
type ActivityFilter struct {
	OwnerID    string
	Status     types.ActivityStatus
	SyncStatus types.SyncStatus
	From       *time.Time // started_at >= From
	To         *time.Time // started_at <= To
	Limit      int
	Offset     int
}

// ActivityRepository persists activities
type ActivityRepository interface {
	CreateActivity(ctx context.Context, activity *types.Activity) error
	GetActivity(ctx context.Context, id string) (*types.Activity, error)
	UpdateActivity(ctx context.Context, activity *types.Activity) error
	ListActivities(ctx context.Context, filter ActivityFilter) ([]types.Activity, error)
	CountActivities(ctx context.Context, filter ActivityFilter) (int64, error)
	SetActivityPrivacy(ctx context.Context, id string, level types.PrivacyLevel) error
	SetActivitySyncStatus(ctx context.Context, id string, status types.SyncStatus) error

	// Deletes cascade to track points and photos
	DeleteActivity(ctx context.Context, id string) error
	DeleteActivitiesByOwner(ctx context.Context, ownerID string) (int64, error)
	DeleteActivitiesStartedBefore(ctx context.Context, ownerID string, cutoff time.Time) (int64, error)
}

// TrackPointRepository persists append-only track points
type TrackPointRepository interface {
	AppendTrackPoint(ctx context.Context, point *types.TrackPoint) (int64, error)
	AppendTrackPoints(ctx context.Context, points []types.TrackPoint) error
	// GetTrackPoints returns points in ascending timestamp order
	GetTrackPoints(ctx context.Context, activityID string) ([]types.TrackPoint, error)
	CountTrackPoints(ctx context.Context, activityID string) (int64, error)
	CountTrackPointsByOwner(ctx context.Context, ownerID string) (int64, error)
	DeleteTrackPointsByOwner(ctx context.Context, ownerID string) (int64, error)
}

// PhotoRepository persists photos
type PhotoRepository interface {
	CreatePhoto(ctx context.Context, photo *types.Photo) error
	GetPhoto(ctx context.Context, id string) (*types.Photo, error)
	ListPhotos(ctx context.Context, activityID string) ([]types.Photo, error)
	ListPhotosBySyncStatus(ctx context.Context, status types.SyncStatus) ([]types.Photo, error)
	SetPhotoSyncStatus(ctx context.Context, id string, status types.SyncStatus) error
	MarkPhotoSynced(ctx context.Context, id, cloudURI, thumbnailURI string) error
	DeletePhoto(ctx context.Context, id string) error
	CountPhotosByOwner(ctx context.Context, ownerID string) (int64, error)
	DeletePhotosByOwner(ctx context.Context, ownerID string) (int64, error)
}

// PreferenceRepository persists user preferences with upsert semantics
type PreferenceRepository interface {
	SetPreference(ctx context.Context, key, value string, encrypted bool) error
	// GetPreference returns false when the key is absent
	GetPreference(ctx context.Context, key string) (*types.UserPreference, bool, error)
	ListPreferences(ctx context.Context, prefix string) ([]types.UserPreference, error)
	DeletePreference(ctx context.Context, key string) error
	DeletePreferencesByPrefix(ctx context.Context, prefix string) (int64, error)
}

// DeletionLogRepository appends to the GDPR audit trail
type DeletionLogRepository interface {
	AppendDeletionLog(ctx context.Context, entry *types.DataDeletionLogEntry) error
	ListDeletionLog(ctx context.Context, userID string) ([]types.DataDeletionLogEntry, error)
}

// Repository aggregates every table the core persists
type Repository interface {
	ActivityRepository
	TrackPointRepository
	PhotoRepository
	PreferenceRepository
	DeletionLogRepository

	// Transaction support; repo is bound to the open transaction
	WithTransaction(ctx context.Context, fn func(repo Repository) error) error
}
