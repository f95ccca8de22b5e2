package types

import "time"

// ActivityStatus is the tracking state of an activity
type ActivityStatus string

const (
	ActivityActive    ActivityStatus = "active"
	ActivityPaused    ActivityStatus = "paused"
	ActivityCompleted ActivityStatus = "completed"
)

// Valid reports whether s is a known status
func (s ActivityStatus) Valid() bool {
	switch s {
	case ActivityActive, ActivityPaused, ActivityCompleted:
		return true
	}
	return false
}

// PrivacyLevel gates whether an activity may leave the device
type PrivacyLevel string

const (
	PrivacyPrivate   PrivacyLevel = "private"
	PrivacyShareable PrivacyLevel = "shareable"
	PrivacyPublic    PrivacyLevel = "public"
)

// Valid reports whether p is a known privacy level
func (p PrivacyLevel) Valid() bool {
	switch p {
	case PrivacyPrivate, PrivacyShareable, PrivacyPublic:
		return true
	}
	return false
}

// Shareable reports whether activities at this level may be shared
func (p PrivacyLevel) Shareable() bool {
	return p == PrivacyShareable || p == PrivacyPublic
}

// SyncStatus is the remote sync state of an activity or photo
type SyncStatus string

const (
	SyncLocal     SyncStatus = "local"
	SyncSyncing   SyncStatus = "syncing"
	SyncUploading SyncStatus = "uploading"
	SyncSynced    SyncStatus = "synced"
)

// Activity is one recorded tracking session
type Activity struct {
	ID             string         `json:"activityId"`
	OwnerID        string         `json:"userId"`
	StartedAt      time.Time      `json:"startedAt"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
	Status         ActivityStatus `json:"status"`
	DurationSec    int64          `json:"durationSec"`
	DistanceM      float64        `json:"distanceM"`
	ElevationGainM float64        `json:"elevGainM"`
	ElevationLossM float64        `json:"elevLossM"`
	Polyline       string         `json:"polyline,omitempty"`
	PrivacyLevel   PrivacyLevel   `json:"privacyLevel"`
	SyncStatus     SyncStatus     `json:"syncStatus"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// LocationSource identifies where a sample came from
type LocationSource string

const (
	SourceGPS     LocationSource = "gps"
	SourceNetwork LocationSource = "network"
	SourcePassive LocationSource = "passive"
)

// Valid reports whether s is a known source
func (s LocationSource) Valid() bool {
	switch s {
	case SourceGPS, SourceNetwork, SourcePassive:
		return true
	}
	return false
}

// TrackPoint is one timestamped location sample belonging to an activity
type TrackPoint struct {
	ID         int64          `json:"id"`
	ActivityID string         `json:"activityId"`
	Timestamp  time.Time      `json:"timestamp"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Elevation  *float64       `json:"elevation,omitempty"`
	Accuracy   *float64       `json:"accuracy,omitempty"`
	Speed      *float64       `json:"speed,omitempty"`
	Heading    *float64       `json:"heading,omitempty"`
	Source     LocationSource `json:"source"`
}

// LocationSample is what a location provider yields
type LocationSample struct {
	Timestamp time.Time      `json:"timestamp"`
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Altitude  *float64       `json:"altitude,omitempty"`
	Accuracy  *float64       `json:"accuracy,omitempty"`
	Speed     *float64       `json:"speed,omitempty"`
	Heading   *float64       `json:"heading,omitempty"`
	Source    LocationSource `json:"source"`
}

// TrackPoint converts the sample into a track point for activityID
func (s LocationSample) TrackPoint(activityID string) TrackPoint {
	source := s.Source
	if source == "" {
		source = SourceGPS
	}
	return TrackPoint{
		ActivityID: activityID,
		Timestamp:  s.Timestamp,
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Elevation:  s.Altitude,
		Accuracy:   s.Accuracy,
		Speed:      s.Speed,
		Heading:    s.Heading,
		Source:     source,
	}
}
