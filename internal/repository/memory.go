package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/types"
)

// MemoryRepository is an in-memory Repository with the same validation and
// cascade rules as the SQLite one. Failure modes let tests simulate an
// unavailable store.
type MemoryRepository struct {
	mu          sync.RWMutex
	activities  map[string]types.Activity
	trackPoints []types.TrackPoint
	nextPointID int64
	photos      map[string]types.Photo
	preferences map[string]types.UserPreference
	deletionLog []types.DataDeletionLogEntry
	now         func() time.Time

	shouldFailRead  bool
	shouldFailWrite bool
	shouldFailTx    bool
	calls           map[string]int
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		activities:  make(map[string]types.Activity),
		photos:      make(map[string]types.Photo),
		preferences: make(map[string]types.UserPreference),
		now:         time.Now,
		calls:       make(map[string]int),
	}
}

// SetClock replaces the time source used for timestamps
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetFailureModes makes reads, writes or transactions fail with a retryable
// connection error
func (m *MemoryRepository) SetFailureModes(read, write, tx bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailRead = read
	m.shouldFailWrite = write
	m.shouldFailTx = tx
}

// CallCount returns how many times the named method was called
func (m *MemoryRepository) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

func mockFailure(op string) error {
	return errs.NewStorageError(op, fmt.Errorf("mock %s failure", op), errs.ErrCodeConnection)
}

// read and write record the call and return the configured failure; the
// caller holds m.mu
func (m *MemoryRepository) read(op string) error {
	m.calls[op]++
	if m.shouldFailRead {
		return mockFailure(op)
	}
	return nil
}

func (m *MemoryRepository) write(op string) error {
	m.calls[op]++
	if m.shouldFailWrite {
		return mockFailure(op)
	}
	return nil
}

func matchActivity(a types.Activity, f ActivityFilter) bool {
	if f.OwnerID != "" && a.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.SyncStatus != "" && a.SyncStatus != f.SyncStatus {
		return false
	}
	if f.From != nil && a.StartedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && a.StartedAt.After(*f.To) {
		return false
	}
	return true
}

func (m *MemoryRepository) CreateActivity(_ context.Context, activity *types.Activity) error {
	const op = "CreateActivity"
	if err := validateActivity(op, activity); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	if _, exists := m.activities[activity.ID]; exists {
		return errs.NewStorageErrorWithContext(op, fmt.Errorf("activity %s exists", activity.ID), errs.ErrCodeDuplicate,
			map[string]string{"resource": "activity", "identifier": activity.ID})
	}
	if activity.PrivacyLevel == "" {
		activity.PrivacyLevel = types.PrivacyPrivate
	}
	if activity.SyncStatus == "" {
		activity.SyncStatus = types.SyncLocal
	}
	now := m.now().UTC()
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = now
	}
	activity.UpdatedAt = now
	m.activities[activity.ID] = *activity
	return nil
}

func (m *MemoryRepository) GetActivity(_ context.Context, id string) (*types.Activity, error) {
	const op = "GetActivity"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read(op); err != nil {
		return nil, err
	}
	a, ok := m.activities[id]
	if !ok {
		return nil, errs.HandleNotFound(op, "activity", id)
	}
	return &a, nil
}

func (m *MemoryRepository) UpdateActivity(_ context.Context, activity *types.Activity) error {
	const op = "UpdateActivity"
	if err := validateActivity(op, activity); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	existing, ok := m.activities[activity.ID]
	if !ok {
		return errs.HandleNotFound(op, "activity", activity.ID)
	}
	activity.CreatedAt = existing.CreatedAt
	activity.UpdatedAt = m.now().UTC()
	m.activities[activity.ID] = *activity
	return nil
}

func (m *MemoryRepository) ListActivities(_ context.Context, filter ActivityFilter) ([]types.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read("ListActivities"); err != nil {
		return nil, err
	}
	var out []types.Activity
	for _, a := range m.activities {
		if matchActivity(a, filter) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 {
		start := min(max(filter.Offset, 0), len(out))
		end := min(start+filter.Limit, len(out))
		out = out[start:end]
	}
	return out, nil
}

func (m *MemoryRepository) CountActivities(_ context.Context, filter ActivityFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read("CountActivities"); err != nil {
		return 0, err
	}
	var n int64
	for _, a := range m.activities {
		if matchActivity(a, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) SetActivityPrivacy(_ context.Context, id string, level types.PrivacyLevel) error {
	const op = "SetActivityPrivacy"
	if !level.Valid() {
		return errs.NewValidationError(op, "privacy_level", string(level), "unknown privacy level")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	a, ok := m.activities[id]
	if !ok {
		return errs.HandleNotFound(op, "activity", id)
	}
	a.PrivacyLevel = level
	a.UpdatedAt = m.now().UTC()
	m.activities[id] = a
	return nil
}

func (m *MemoryRepository) SetActivitySyncStatus(_ context.Context, id string, status types.SyncStatus) error {
	const op = "SetActivitySyncStatus"
	if status == "" || !validActivitySync(status) {
		return errs.NewValidationError(op, "sync_status", string(status), "unknown sync status")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	a, ok := m.activities[id]
	if !ok {
		return errs.HandleNotFound(op, "activity", id)
	}
	a.SyncStatus = status
	a.UpdatedAt = m.now().UTC()
	m.activities[id] = a
	return nil
}

// deleteActivityLocked removes an activity with its children; the caller holds m.mu
func (m *MemoryRepository) deleteActivityLocked(id string) {
	delete(m.activities, id)
	kept := m.trackPoints[:0]
	for _, p := range m.trackPoints {
		if p.ActivityID != id {
			kept = append(kept, p)
		}
	}
	m.trackPoints = kept
	for pid, p := range m.photos {
		if p.ActivityID == id {
			delete(m.photos, pid)
		}
	}
}

func (m *MemoryRepository) DeleteActivity(_ context.Context, id string) error {
	const op = "DeleteActivity"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	if _, ok := m.activities[id]; !ok {
		return errs.HandleNotFound(op, "activity", id)
	}
	m.deleteActivityLocked(id)
	return nil
}

func (m *MemoryRepository) deleteActivitiesWhere(op string, match func(types.Activity) bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return 0, err
	}
	var n int64
	for id, a := range m.activities {
		if match(a) {
			m.deleteActivityLocked(id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) DeleteActivitiesByOwner(_ context.Context, ownerID string) (int64, error) {
	return m.deleteActivitiesWhere("DeleteActivitiesByOwner", func(a types.Activity) bool {
		return a.OwnerID == ownerID
	})
}

func (m *MemoryRepository) DeleteActivitiesStartedBefore(_ context.Context, ownerID string, cutoff time.Time) (int64, error) {
	return m.deleteActivitiesWhere("DeleteActivitiesStartedBefore", func(a types.Activity) bool {
		return a.StartedAt.Before(cutoff) && (ownerID == "" || a.OwnerID == ownerID)
	})
}

// appendPointLocked inserts one validated point; the caller holds m.mu
func (m *MemoryRepository) appendPointLocked(op string, p types.TrackPoint) (int64, error) {
	if _, ok := m.activities[p.ActivityID]; !ok {
		return 0, errs.NewStorageErrorWithContext(op, fmt.Errorf("activity %s does not exist", p.ActivityID),
			errs.ErrCodeConstraint, map[string]string{"resource": "track_point"})
	}
	if p.Source == "" {
		p.Source = types.SourceGPS
	}
	m.nextPointID++
	p.ID = m.nextPointID
	m.trackPoints = append(m.trackPoints, p)
	return p.ID, nil
}

func (m *MemoryRepository) AppendTrackPoint(_ context.Context, point *types.TrackPoint) (int64, error) {
	const op = "AppendTrackPoint"
	if err := validateTrackPoint(op, point); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return 0, err
	}
	id, err := m.appendPointLocked(op, *point)
	if err != nil {
		return 0, err
	}
	point.ID = id
	return id, nil
}

func (m *MemoryRepository) AppendTrackPoints(_ context.Context, points []types.TrackPoint) error {
	const op = "AppendTrackPoints"
	for i := range points {
		if err := validateTrackPoint(op, &points[i]); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	saved := len(m.trackPoints)
	for _, p := range points {
		if _, err := m.appendPointLocked(op, p); err != nil {
			m.trackPoints = m.trackPoints[:saved]
			return err
		}
	}
	return nil
}

func (m *MemoryRepository) GetTrackPoints(_ context.Context, activityID string) ([]types.TrackPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read("GetTrackPoints"); err != nil {
		return nil, err
	}
	var out []types.TrackPoint
	for _, p := range m.trackPoints {
		if p.ActivityID == activityID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) CountTrackPoints(_ context.Context, activityID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read("CountTrackPoints"); err != nil {
		return 0, err
	}
	var n int64
	for _, p := range m.trackPoints {
		if p.ActivityID == activityID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ownedLocked(activityID, ownerID string) bool {
	a, ok := m.activities[activityID]
	return ok && a.OwnerID == ownerID
}

func (m *MemoryRepository) CountTrackPointsByOwner(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read("CountTrackPointsByOwner"); err != nil {
		return 0, err
	}
	var n int64
	for _, p := range m.trackPoints {
		if m.ownedLocked(p.ActivityID, ownerID) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) DeleteTrackPointsByOwner(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("DeleteTrackPointsByOwner"); err != nil {
		return 0, err
	}
	var n int64
	kept := m.trackPoints[:0]
	for _, p := range m.trackPoints {
		if m.ownedLocked(p.ActivityID, ownerID) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.trackPoints = kept
	return n, nil
}

func (m *MemoryRepository) CreatePhoto(_ context.Context, photo *types.Photo) error {
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
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	if _, ok := m.activities[photo.ActivityID]; !ok {
		return errs.NewStorageErrorWithContext(op, fmt.Errorf("activity %s does not exist", photo.ActivityID),
			errs.ErrCodeConstraint, map[string]string{"resource": "photo"})
	}
	if _, exists := m.photos[photo.ID]; exists {
		return errs.NewStorageErrorWithContext(op, fmt.Errorf("photo %s exists", photo.ID), errs.ErrCodeDuplicate,
			map[string]string{"resource": "photo", "identifier": photo.ID})
	}
	m.photos[photo.ID] = *photo
	return nil
}

func (m *MemoryRepository) GetPhoto(_ context.Context, id string) (*types.Photo, error) {
	const op = "GetPhoto"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read(op); err != nil {
		return nil, err
	}
	p, ok := m.photos[id]
	if !ok {
		return nil, errs.HandleNotFound(op, "photo", id)
	}
	return &p, nil
}

func (m *MemoryRepository) listPhotos(op string, match func(types.Photo) bool) ([]types.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read(op); err != nil {
		return nil, err
	}
	var out []types.Photo
	for _, p := range m.photos {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) ListPhotos(_ context.Context, activityID string) ([]types.Photo, error) {
	return m.listPhotos("ListPhotos", func(p types.Photo) bool { return p.ActivityID == activityID })
}

func (m *MemoryRepository) ListPhotosBySyncStatus(_ context.Context, status types.SyncStatus) ([]types.Photo, error) {
	return m.listPhotos("ListPhotosBySyncStatus", func(p types.Photo) bool { return p.SyncStatus == status })
}

func (m *MemoryRepository) updatePhoto(op, id string, fn func(*types.Photo)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	p, ok := m.photos[id]
	if !ok {
		return errs.HandleNotFound(op, "photo", id)
	}
	fn(&p)
	m.photos[id] = p
	return nil
}

func (m *MemoryRepository) SetPhotoSyncStatus(_ context.Context, id string, status types.SyncStatus) error {
	const op = "SetPhotoSyncStatus"
	if !validPhotoSync(status) {
		return errs.NewValidationError(op, "sync_status", string(status), "unknown sync status")
	}
	return m.updatePhoto(op, id, func(p *types.Photo) { p.SyncStatus = status })
}

func (m *MemoryRepository) MarkPhotoSynced(_ context.Context, id, cloudURI, thumbnailURI string) error {
	const op = "MarkPhotoSynced"
	if strings.TrimSpace(cloudURI) == "" {
		return errs.NewValidationError(op, "cloud_uri", "", "cloud uri is empty")
	}
	return m.updatePhoto(op, id, func(p *types.Photo) {
		p.CloudURI = cloudURI
		p.ThumbnailURI = thumbnailURI
		p.SyncStatus = types.SyncSynced
	})
}

func (m *MemoryRepository) DeletePhoto(_ context.Context, id string) error {
	const op = "DeletePhoto"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	if _, ok := m.photos[id]; !ok {
		return errs.HandleNotFound(op, "photo", id)
	}
	delete(m.photos, id)
	return nil
}

func (m *MemoryRepository) CountPhotosByOwner(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read("CountPhotosByOwner"); err != nil {
		return 0, err
	}
	var n int64
	for _, p := range m.photos {
		if m.ownedLocked(p.ActivityID, ownerID) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) DeletePhotosByOwner(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("DeletePhotosByOwner"); err != nil {
		return 0, err
	}
	var n int64
	for id, p := range m.photos {
		if m.ownedLocked(p.ActivityID, ownerID) {
			delete(m.photos, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) SetPreference(_ context.Context, key, value string, encrypted bool) error {
	const op = "SetPreference"
	if strings.TrimSpace(key) == "" {
		return errs.NewValidationError(op, "key", key, "preference key is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	now := m.now().UTC()
	pref, ok := m.preferences[key]
	if !ok {
		pref = types.UserPreference{Key: key, CreatedAt: now}
	}
	pref.Value = value
	pref.Encrypted = encrypted
	pref.UpdatedAt = now
	m.preferences[key] = pref
	return nil
}

func (m *MemoryRepository) GetPreference(_ context.Context, key string) (*types.UserPreference, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read("GetPreference"); err != nil {
		return nil, false, err
	}
	pref, ok := m.preferences[key]
	if !ok {
		return nil, false, nil
	}
	return &pref, true, nil
}

func (m *MemoryRepository) ListPreferences(_ context.Context, prefix string) ([]types.UserPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read("ListPreferences"); err != nil {
		return nil, err
	}
	var out []types.UserPreference
	for key, pref := range m.preferences {
		if strings.HasPrefix(key, prefix) {
			out = append(out, pref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryRepository) DeletePreference(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("DeletePreference"); err != nil {
		return err
	}
	delete(m.preferences, key)
	return nil
}

func (m *MemoryRepository) DeletePreferencesByPrefix(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write("DeletePreferencesByPrefix"); err != nil {
		return 0, err
	}
	var n int64
	for key := range m.preferences {
		if strings.HasPrefix(key, prefix) {
			delete(m.preferences, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) AppendDeletionLog(_ context.Context, entry *types.DataDeletionLogEntry) error {
	const op = "AppendDeletionLog"
	if entry == nil {
		return errs.NewValidationError(op, "entry", "", "entry is nil")
	}
	if strings.TrimSpace(entry.UserID) == "" {
		return errs.NewValidationError(op, "user_id", "", "user id is empty")
	}
	if entry.DataType == "" {
		return errs.NewValidationError(op, "data_type", "", "data type is empty")
	}
	if entry.VerificationHash == "" {
		return errs.NewValidationError(op, "verification_hash", "", "verification hash is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(op); err != nil {
		return err
	}
	if entry.DeletedAt.IsZero() {
		entry.DeletedAt = m.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	m.deletionLog = append(m.deletionLog, *entry)
	return nil
}

func (m *MemoryRepository) ListDeletionLog(_ context.Context, userID string) ([]types.DataDeletionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read("ListDeletionLog"); err != nil {
		return nil, err
	}
	var out []types.DataDeletionLogEntry
	for _, e := range m.deletionLog {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// memorySnapshot is the state restored when a transaction fails
type memorySnapshot struct {
	activities  map[string]types.Activity
	trackPoints []types.TrackPoint
	nextPointID int64
	photos      map[string]types.Photo
	preferences map[string]types.UserPreference
	deletionLog []types.DataDeletionLogEntry
}

func (m *MemoryRepository) snapshotLocked() memorySnapshot {
	s := memorySnapshot{
		activities:  make(map[string]types.Activity, len(m.activities)),
		trackPoints: append([]types.TrackPoint(nil), m.trackPoints...),
		nextPointID: m.nextPointID,
		photos:      make(map[string]types.Photo, len(m.photos)),
		preferences: make(map[string]types.UserPreference, len(m.preferences)),
		deletionLog: append([]types.DataDeletionLogEntry(nil), m.deletionLog...),
	}
	for k, v := range m.activities {
		s.activities[k] = v
	}
	for k, v := range m.photos {
		s.photos[k] = v
	}
	for k, v := range m.preferences {
		s.preferences[k] = v
	}
	return s
}

// WithTransaction runs fn against the repository and rolls every change back
// when fn fails. Transactions are not isolated from concurrent callers.
func (m *MemoryRepository) WithTransaction(ctx context.Context, fn func(repo Repository) error) error {
	const op = "WithTransaction"
	m.mu.Lock()
	m.calls[op]++
	if m.shouldFailTx {
		m.mu.Unlock()
		return errs.HandleTransactionError(op, "begin", "mock transaction failure")
	}
	saved := m.snapshotLocked()
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(m); err != nil {
		m.mu.Lock()
		m.activities = saved.activities
		m.trackPoints = saved.trackPoints
		m.nextPointID = saved.nextPointID
		m.photos = saved.photos
		m.preferences = saved.preferences
		m.deletionLog = saved.deletionLog
		m.mu.Unlock()
		return err
	}
	return nil
}
