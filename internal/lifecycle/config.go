package lifecycle

import (
	"strconv"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
)

// Config holds the supervisor's timing and recovery policy
type Config struct {
	// PollInterval is the background location polling period
	PollInterval time.Duration `yaml:"poll_interval" json:"pollInterval"`
	// MinBackgroundInterval is the shortest period the host scheduler allows
	MinBackgroundInterval time.Duration `yaml:"min_background_interval" json:"minBackgroundInterval"`
	// CleanupInterval is how often the sweep runs while the app is up
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanupInterval"`

	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts" json:"maxRecoveryAttempts"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout" json:"recoveryTimeout"`

	SnapshotMaxAge    time.Duration `yaml:"snapshot_max_age" json:"snapshotMaxAge"`
	CrashMarkerMaxAge time.Duration `yaml:"crash_marker_max_age" json:"crashMarkerMaxAge"`
}

// DefaultConfig returns the lifecycle defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:          30 * time.Second,
		MinBackgroundInterval: 10 * time.Second,
		CleanupInterval:       time.Hour,
		MaxRecoveryAttempts:   3,
		RecoveryTimeout:       30 * time.Minute,
		SnapshotMaxAge:        24 * time.Hour,
		CrashMarkerMaxAge:     7 * 24 * time.Hour,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	const op = "lifecycle.Config"
	durations := []struct {
		field string
		value time.Duration
	}{
		{"poll_interval", c.PollInterval},
		{"min_background_interval", c.MinBackgroundInterval},
		{"cleanup_interval", c.CleanupInterval},
		{"recovery_timeout", c.RecoveryTimeout},
		{"snapshot_max_age", c.SnapshotMaxAge},
		{"crash_marker_max_age", c.CrashMarkerMaxAge},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return errs.NewValidationError(op, d.field, d.value.String(), "must be positive")
		}
	}
	if c.MaxRecoveryAttempts < 1 {
		return errs.NewValidationError(op, "max_recovery_attempts", strconv.Itoa(c.MaxRecoveryAttempts), "must be at least 1")
	}
	return nil
}
