package types

import "time"

// Photo is an image captured during an activity
type Photo struct {
	ID           string     `json:"photoId"`
	ActivityID   string     `json:"activityId"`
	Timestamp    time.Time  `json:"timestamp"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	LocalURI     string     `json:"localUri"`
	CloudURI     string     `json:"cloudUri,omitempty"`
	ThumbnailURI string     `json:"thumbnailUri,omitempty"`
	ExifData     []byte     `json:"exifData,omitempty"`
	SyncStatus   SyncStatus `json:"syncStatus"`
}

// UploadStatus is the state reported to progress listeners
type UploadStatus string

const (
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// UploadProgress is delivered to listeners and never stored
type UploadProgress struct {
	PhotoID string       `json:"photoId"`
	Percent int          `json:"percent"`
	Status  UploadStatus `json:"status"`
	Err     error        `json:"-"`
}

// FailedUpload pairs a photo with the reason it was not uploaded
type FailedUpload struct {
	Photo Photo
	Err   error
}

// BatchResult partitions a batch upload
type BatchResult struct {
	Successful []Photo
	Failed     []FailedUpload
}
