package types

import "time"

// ConsentStatus holds the per-category telemetry permissions
type ConsentStatus struct {
	Analytics       bool      `json:"analytics"`
	CrashReporting  bool      `json:"crashReporting"`
	Performance     bool      `json:"performance"`
	Personalization bool      `json:"personalization"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// ConsentUpdate is a partial change; nil fields are left alone
type ConsentUpdate struct {
	Analytics       *bool `json:"analytics,omitempty"`
	CrashReporting  *bool `json:"crashReporting,omitempty"`
	Performance     *bool `json:"performance,omitempty"`
	Personalization *bool `json:"personalization,omitempty"`
}

// Apply merges u into c and stamps the update time
func (c ConsentStatus) Apply(u ConsentUpdate, now time.Time) ConsentStatus {
	if u.Analytics != nil {
		c.Analytics = *u.Analytics
	}
	if u.CrashReporting != nil {
		c.CrashReporting = *u.CrashReporting
	}
	if u.Performance != nil {
		c.Performance = *u.Performance
	}
	if u.Personalization != nil {
		c.Personalization = *u.Personalization
	}
	c.LastUpdated = now
	return c
}

// PrivacySettings are the user's sharing and retention preferences
type PrivacySettings struct {
	DefaultActivityPrivacy PrivacyLevel `json:"defaultActivityPrivacy"`
	StripExifOnShare       bool         `json:"stripExifOnShare"`
	AllowLocationSharing   bool         `json:"allowLocationSharing"`
	RetentionDays          int          `json:"retentionDays"` // 0 keeps data forever
}

// DefaultPrivacySettings returns the settings used before the user changes anything
func DefaultPrivacySettings() PrivacySettings {
	return PrivacySettings{
		DefaultActivityPrivacy: PrivacyPrivate,
		StripExifOnShare:       true,
		AllowLocationSharing:   false,
		RetentionDays:          0,
	}
}

// PrivacySettingsUpdate is a partial settings change
type PrivacySettingsUpdate struct {
	DefaultActivityPrivacy *PrivacyLevel `json:"defaultActivityPrivacy,omitempty"`
	StripExifOnShare       *bool         `json:"stripExifOnShare,omitempty"`
	AllowLocationSharing   *bool         `json:"allowLocationSharing,omitempty"`
	RetentionDays          *int          `json:"retentionDays,omitempty"`
}

// DataType names a class of user data for export and deletion
type DataType string

const (
	DataActivities  DataType = "activities"
	DataTrackPoints DataType = "track_points"
	DataPhotos      DataType = "photos"
	DataPreferences DataType = "preferences"
	DataExport      DataType = "export"
	DataRetention   DataType = "retention_sweep"
)

// ExportRequest selects what goes into an export bundle
type ExportRequest struct {
	UserID string     `json:"userId"`
	From   *time.Time `json:"from,omitempty"`
	To     *time.Time `json:"to,omitempty"`
}

// ExportBundle is the portable result of a GDPR export
type ExportBundle struct {
	ID          string       `json:"exportId"`
	UserID      string       `json:"userId"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Activities  []Activity   `json:"activities"`
	TrackPoints []TrackPoint `json:"trackPoints"`
	Photos      []Photo      `json:"photos"`
}

// DeletionRequest scopes a GDPR delete
type DeletionRequest struct {
	UserID    string     `json:"userId"`
	DataTypes []DataType `json:"dataTypes"`
	Reason    string     `json:"reason"`
}

// DeletionResult reports what a delete removed
type DeletionResult struct {
	Deleted map[DataType]int64     `json:"deleted"`
	LogIDs  []string               `json:"logIds"`
	Entries []DataDeletionLogEntry `json:"-"`
}

// DataDeletionLogEntry is one append-only audit record
type DataDeletionLogEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	DataType         DataType  `json:"dataType"`
	DeletedAt        time.Time `json:"deletionTimestamp"`
	Reason           string    `json:"reason"`
	VerificationHash string    `json:"verificationHash"`
}

// UserPreference is one stored key/value preference
type UserPreference struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TelemetryEvent is a filtered event ready for the analytics sink
type TelemetryEvent struct {
	Category   string         `json:"category"`
	Name       string         `json:"name"`
	UserID     string         `json:"userId,omitempty"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
}
