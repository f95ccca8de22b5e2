// Package photosync uploads photos through negotiated, presigned targets and
// reports progress per photo.
package photosync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"trailkeep/internal/channel"
	"trailkeep/internal/exif"
	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/metrics"
	"trailkeep/internal/platform"
	"trailkeep/internal/types"
)

// Transport is the part of the secure channel the pipeline uses
type Transport interface {
	Request(ctx context.Context, req channel.Request) (*channel.Response, error)
	Upload(ctx context.Context, req channel.UploadRequest) (*channel.Response, error)
}

// PhotoStore is the part of the repository the pipeline uses
type PhotoStore interface {
	CreatePhoto(ctx context.Context, photo *types.Photo) error
	GetPhoto(ctx context.Context, id string) (*types.Photo, error)
	ListPhotosBySyncStatus(ctx context.Context, status types.SyncStatus) ([]types.Photo, error)
	SetPhotoSyncStatus(ctx context.Context, id string, status types.SyncStatus) error
	MarkPhotoSynced(ctx context.Context, id, cloudURI, thumbnailURI string) error
	DeletePhoto(ctx context.Context, id string) error
}

type negotiateRequest struct {
	ActivityID  string `json:"activityId"`
	PhotoID     string `json:"photoId"`
	ContentType string `json:"contentType"`
	FileSize    int64  `json:"fileSize"`
}

// uploadTarget is the backend's answer to a negotiation
type uploadTarget struct {
	PhotoUploadURL     string `json:"photoUploadUrl"`
	ThumbnailUploadURL string `json:"thumbnailUploadUrl"`
	PhotoKey           string `json:"photoKey"`
	ThumbnailKey       string `json:"thumbnailKey"`
	ExpiresIn          int64  `json:"expiresIn"` // seconds
}

// Pipeline uploads and deletes photos. It is safe for concurrent use across
// different photos.
type Pipeline struct {
	config    Config
	transport Transport
	store     PhotoStore
	metrics   *metrics.Metrics
	logger    logging.Logger
	now       func() time.Time

	targets  *cache.Cache
	progress *progressRegistry
}

// New creates a pipeline
func New(config Config, transport Transport, store PhotoStore, m *metrics.Metrics, logger logging.Logger) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errs.NewValidationError("photosync.New", "transport", "", "transport is required")
	}
	if store == nil {
		return nil, errs.NewValidationError("photosync.New", "store", "", "photo store is required")
	}
	return &Pipeline{
		config:    config,
		transport: transport,
		store:     store,
		metrics:   m,
		logger:    logging.OrDefault(logger),
		now:       time.Now,
		targets:   cache.New(5*time.Minute, 10*time.Minute),
		progress:  newProgressRegistry(),
	}, nil
}

// SetClock replaces the time source used for capture timestamps
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Subscribe registers fn for progress on photoID. Call the returned func to
// unsubscribe; cancelling ctx also removes the listener.
func (p *Pipeline) Subscribe(ctx context.Context, photoID string, fn ProgressFunc) func() {
	return p.progress.subscribe(ctx, photoID, fn)
}

// ListenerCount returns the number of listeners registered for photoID
func (p *Pipeline) ListenerCount(photoID string) int {
	return p.progress.count(photoID)
}

// UploadPhoto uploads the photo and its thumbnail and returns the synced photo
func (p *Pipeline) UploadPhoto(ctx context.Context, photo types.Photo) (*types.Photo, error) {
	const op = "PhotoSyncPipeline.UploadPhoto"
	if photo.ID == "" {
		return nil, errs.NewValidationError(op, "photo_id", "", "photo id is required")
	}
	if photo.LocalURI == "" {
		return nil, errs.NewValidationError(op, "local_uri", "", "photo has no local file")
	}

	start := time.Now()
	p.progress.emit(types.UploadProgress{PhotoID: photo.ID, Percent: 0, Status: types.UploadUploading})

	synced, size, err := p.upload(ctx, op, photo)
	if err != nil {
		p.progress.emit(types.UploadProgress{PhotoID: photo.ID, Percent: 0, Status: types.UploadFailed, Err: err})
		p.metrics.RecordPhotoUpload("failure", 0)
		logging.LogError(p.logger, err, op, map[string]interface{}{"photo_id": photo.ID})
		return nil, err
	}

	p.progress.emit(types.UploadProgress{PhotoID: photo.ID, Percent: 100, Status: types.UploadCompleted})
	p.metrics.RecordPhotoUpload("success", size)
	logging.LogOperation(p.logger, op, time.Since(start), map[string]interface{}{
		"photo_id": photo.ID,
		"bytes":    size,
	})
	return synced, nil
}

func (p *Pipeline) upload(ctx context.Context, op string, photo types.Photo) (*types.Photo, int64, error) {
	info, err := os.Stat(photo.LocalURI)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, errs.HandleNotFound(op, "photo file", photo.ID)
		}
		return nil, 0, errs.NewStorageError(op, err, errs.ErrCodeInternal)
	}
	size := info.Size()
	if info.IsDir() || size == 0 {
		return nil, 0, errs.NewValidationError(op, "local_uri", photo.ID, "photo file is empty")
	}
	if size > p.config.MaxPhotoBytes {
		return nil, 0, errs.NewValidationError(op, "file_size", strconv.FormatInt(size, 10),
			fmt.Sprintf("photo exceeds %d bytes", p.config.MaxPhotoBytes))
	}

	contentType, err := detectContentType(photo.LocalURI)
	if err != nil {
		return nil, 0, errs.NewStorageError(op, err, errs.ErrCodeInternal)
	}
	if !p.config.allowed(contentType) {
		return nil, 0, errs.NewValidationError(op, "content_type", contentType, "content type is not allowed")
	}

	thumbPath, thumbSize, err := p.makeThumbnail(op, photo.LocalURI)
	if err != nil {
		if errs.IsValidation(err) {
			return nil, 0, err
		}
		return nil, 0, errs.NewStorageError(op, err, errs.ErrCodeInternal)
	}
	defer func() {
		if err := os.Remove(thumbPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("Failed to remove thumbnail", "path", thumbPath, "error", err)
		}
	}()
	if thumbSize > p.config.MaxThumbnailBytes {
		return nil, 0, errs.NewValidationError(op, "thumbnail_size", strconv.FormatInt(thumbSize, 10),
			fmt.Sprintf("thumbnail exceeds %d bytes", p.config.MaxThumbnailBytes))
	}

	if err := p.store.SetPhotoSyncStatus(ctx, photo.ID, types.SyncUploading); err != nil {
		return nil, 0, err
	}
	done := false
	defer func() {
		if done {
			return
		}
		if err := p.store.SetPhotoSyncStatus(context.WithoutCancel(ctx), photo.ID, types.SyncLocal); err != nil {
			p.logger.Error("Failed to revert photo sync status", "photo_id", photo.ID, "error", err)
		}
	}()

	key := targetKey(photo.ID, contentType, size)
	target, err := p.negotiate(ctx, op, key, negotiateRequest{
		ActivityID:  photo.ActivityID,
		PhotoID:     photo.ID,
		ContentType: contentType,
		FileSize:    size,
	})
	if err != nil {
		return nil, 0, err
	}

	if _, err := p.transport.Upload(ctx, channel.UploadRequest{
		URL:         target.PhotoUploadURL,
		Method:      http.MethodPut,
		FilePath:    photo.LocalURI,
		ContentType: contentType,
	}); err != nil {
		return nil, 0, err
	}
	if _, err := p.transport.Upload(ctx, channel.UploadRequest{
		URL:         target.ThumbnailUploadURL,
		Method:      http.MethodPut,
		FilePath:    thumbPath,
		ContentType: "image/jpeg",
	}); err != nil {
		return nil, 0, err
	}

	if err := p.store.MarkPhotoSynced(ctx, photo.ID, target.PhotoKey, target.ThumbnailKey); err != nil {
		return nil, 0, err
	}
	done = true
	p.targets.Delete(key)

	photo.CloudURI = target.PhotoKey
	photo.ThumbnailURI = target.ThumbnailKey
	photo.SyncStatus = types.SyncSynced
	return &photo, size, nil
}

func targetKey(photoID, contentType string, size int64) string {
	return photoID + ":" + contentType + ":" + strconv.FormatInt(size, 10)
}

// negotiate returns cached targets for key or asks the backend for new ones
func (p *Pipeline) negotiate(ctx context.Context, op, key string, req negotiateRequest) (*uploadTarget, error) {
	if v, ok := p.targets.Get(key); ok {
		p.logger.Debug("Reusing upload target", "photo_id", req.PhotoID)
		return v.(*uploadTarget), nil
	}

	resp, err := p.transport.Request(ctx, channel.Request{
		Method:      http.MethodPost,
		URL:         p.config.NegotiateURL,
		Body:        req,
		RequireAuth: true,
	})
	if err != nil {
		return nil, err
	}

	var target uploadTarget
	if err := resp.DecodeJSON(&target); err != nil {
		return nil, &errs.CommunicationError{Op: op, Method: http.MethodPost, URL: p.config.NegotiateURL, Status: resp.Status, Err: err}
	}
	if target.PhotoUploadURL == "" || target.ThumbnailUploadURL == "" || target.PhotoKey == "" || target.ThumbnailKey == "" {
		return nil, &errs.CommunicationError{
			Op:     op,
			Method: http.MethodPost,
			URL:    p.config.NegotiateURL,
			Status: resp.Status,
			Err:    errors.New("incomplete upload target"),
		}
	}

	if ttl := time.Duration(target.ExpiresIn)*time.Second - p.config.TargetExpiryMargin; ttl > 0 {
		p.targets.Set(key, &target, ttl)
	}
	return &target, nil
}

// UploadPhotoBatch uploads each photo independently. Individual failures are
// collected and never abort the batch.
func (p *Pipeline) UploadPhotoBatch(ctx context.Context, photos []types.Photo) types.BatchResult {
	result := types.BatchResult{
		Successful: make([]types.Photo, 0, len(photos)),
		Failed:     []types.FailedUpload{},
	}
	for _, photo := range photos {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, types.FailedUpload{Photo: photo, Err: err})
			continue
		}
		synced, err := p.UploadPhoto(ctx, photo)
		if err != nil {
			result.Failed = append(result.Failed, types.FailedUpload{Photo: photo, Err: err})
			continue
		}
		result.Successful = append(result.Successful, *synced)
	}

	p.logger.Info("Photo batch finished",
		"total", len(photos),
		"successful", len(result.Successful),
		"failed", len(result.Failed),
	)
	return result
}

// UploadPending uploads every photo that is not yet synced. Rows left in
// uploading by an interrupted run are retried too.
func (p *Pipeline) UploadPending(ctx context.Context) (types.BatchResult, error) {
	var pending []types.Photo
	for _, status := range []types.SyncStatus{types.SyncUploading, types.SyncLocal} {
		photos, err := p.store.ListPhotosBySyncStatus(ctx, status)
		if err != nil {
			return types.BatchResult{}, err
		}
		pending = append(pending, photos...)
	}
	return p.UploadPhotoBatch(ctx, pending), nil
}

// DeletePhoto removes the uploaded photo remotely and then locally. The photo
// must have been uploaded.
func (p *Pipeline) DeletePhoto(ctx context.Context, photo types.Photo) error {
	const op = "PhotoSyncPipeline.DeletePhoto"
	if photo.ID == "" {
		return errs.NewValidationError(op, "photo_id", "", "photo id is required")
	}
	if photo.CloudURI == "" {
		return errs.NewValidationError(op, "cloud_uri", photo.ID, "photo has not been uploaded")
	}

	_, err := p.transport.Request(ctx, channel.Request{
		Method:      http.MethodDelete,
		URL:         p.config.DeleteURLPrefix + url.PathEscape(photo.ID),
		RequireAuth: true,
	})
	if err != nil && errs.StatusCode(err) != http.StatusNotFound {
		return err
	}

	if err := p.store.DeletePhoto(ctx, photo.ID); err != nil && !errs.IsNotFound(err) {
		return err
	}
	p.logger.Info("Photo deleted", "photo_id", photo.ID)
	return nil
}

// CapturePhoto records a newly captured photo. EXIF time and position win over
// the capture surface's values; only sanitized EXIF is stored.
func (p *Pipeline) CapturePhoto(ctx context.Context, activityID string, capture platform.CaptureResult) (*types.Photo, error) {
	const op = "PhotoSyncPipeline.CapturePhoto"
	if activityID == "" {
		return nil, errs.NewValidationError(op, "activity_id", "", "activity id is required")
	}
	if capture.LocalURI == "" {
		return nil, errs.NewValidationError(op, "local_uri", "", "capture has no local file")
	}
	if _, err := os.Stat(capture.LocalURI); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.HandleNotFound(op, "photo file", capture.LocalURI)
		}
		return nil, errs.NewStorageError(op, err, errs.ErrCodeInternal)
	}

	var (
		meta *exif.Metadata
		err  error
	)
	if len(capture.RawExif) > 0 {
		meta, err = exif.DecodeBytes(capture.RawExif)
	} else {
		meta, err = exif.DecodeFile(capture.LocalURI)
	}
	if err != nil {
		p.logger.Debug("No usable EXIF", "error", err)
		meta = nil
	}

	photo := types.Photo{
		ID:         uuid.NewString(),
		ActivityID: activityID,
		Timestamp:  capture.TakenAt,
		LocalURI:   capture.LocalURI,
		SyncStatus: types.SyncLocal,
	}
	if meta != nil && meta.TakenAt != nil {
		photo.Timestamp = *meta.TakenAt
	}
	if photo.Timestamp.IsZero() {
		photo.Timestamp = p.now()
	}

	switch {
	case meta != nil && meta.HasLocation():
		lat, lon := *meta.Latitude, *meta.Longitude
		photo.Latitude, photo.Longitude = &lat, &lon
	case capture.Location != nil:
		lat, lon := capture.Location.Latitude, capture.Location.Longitude
		photo.Latitude, photo.Longitude = &lat, &lon
	}

	if meta != nil {
		data, err := meta.Sanitize().Marshal()
		if err != nil {
			return nil, errs.NewStorageError(op, err, errs.ErrCodeInternal)
		}
		photo.ExifData = data
	}

	if err := p.store.CreatePhoto(ctx, &photo); err != nil {
		return nil, err
	}
	p.logger.Info("Photo captured", "photo_id", photo.ID, "activity_id", activityID, "has_exif", meta != nil)
	return &photo, nil
}
