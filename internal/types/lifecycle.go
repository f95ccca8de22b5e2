package types

import "time"

// AppState is the OS-reported application state
type AppState string

const (
	AppActive     AppState = "active"
	AppBackground AppState = "background"
	AppInactive   AppState = "inactive"
)

// RecoverySnapshot is the durable record of an in-progress activity
type RecoverySnapshot struct {
	ActivityID       string          `json:"activityId"`
	OwnerID          string          `json:"ownerId"`
	StartTime        time.Time       `json:"startTime"`
	PausedDuration   time.Duration   `json:"pausedDuration"`
	LastPauseTime    *time.Time      `json:"lastPauseTime,omitempty"`
	Status           ActivityStatus  `json:"status"`
	TrackPointCount  int             `json:"trackPointCount"`
	LastLocation     *LocationSample `json:"lastLocation,omitempty"`
	RecoveryAttempts int             `json:"recoveryAttempts"`
	SavedAt          time.Time       `json:"savedAt"`
}

// Heartbeat records the last moment background tracking was known alive
type Heartbeat struct {
	Timestamp      time.Time `json:"timestamp"`
	TrackingActive bool      `json:"trackingActive"`
	ActivityID     string    `json:"activityId,omitempty"`
}

// CrashMarker records a session that ended without a clean shutdown
type CrashMarker struct {
	SessionID  string    `json:"sessionId"`
	StartedAt  time.Time `json:"startedAt"`
	DetectedAt time.Time `json:"detectedAt"`
}

// SessionMarker is written at startup and removed on clean shutdown
type SessionMarker struct {
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

// TrackingState is the in-memory state of the current tracking session
type TrackingState struct {
	ActivityID      string          `json:"activityId"`
	OwnerID         string          `json:"ownerId"`
	Status          ActivityStatus  `json:"status"`
	StartTime       time.Time       `json:"startTime"`
	PausedDuration  time.Duration   `json:"pausedDuration"`
	LastPauseTime   *time.Time      `json:"lastPauseTime,omitempty"`
	TrackPointCount int             `json:"trackPointCount"`
	LastLocation    *LocationSample `json:"lastLocation,omitempty"`
}

// Tracking reports whether a session is in progress (active or paused)
func (s TrackingState) Tracking() bool {
	return s.ActivityID != "" && (s.Status == ActivityActive || s.Status == ActivityPaused)
}
