package privacy

import (
	"strconv"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
)

// Config holds the privacy policy knobs
type Config struct {
	// SensitiveKeys are stripped from telemetry properties at any depth
	SensitiveKeys []string `yaml:"sensitive_keys" json:"sensitiveKeys"`
	// CoordinateDecimals is the precision coordinates keep when they leave the device
	CoordinateDecimals int `yaml:"coordinate_decimals" json:"coordinateDecimals"`
	// SettingsCacheTTL bounds how long settings reads are served from memory
	SettingsCacheTTL time.Duration `yaml:"settings_cache_ttl" json:"settingsCacheTtl"`
}

// DefaultConfig returns the privacy defaults
func DefaultConfig() Config {
	return Config{
		SensitiveKeys: []string{
			"email", "phone", "name", "address",
			"precise_location", "ip_address", "device_id",
		},
		CoordinateDecimals: 2,
		SettingsCacheTTL:   5 * time.Minute,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	const op = "privacy.Config"
	if c.CoordinateDecimals < 0 || c.CoordinateDecimals > 6 {
		return errs.NewValidationError(op, "coordinate_decimals", strconv.Itoa(c.CoordinateDecimals), "must be between 0 and 6")
	}
	if c.SettingsCacheTTL < 0 {
		return errs.NewValidationError(op, "settings_cache_ttl", c.SettingsCacheTTL.String(), "must not be negative")
	}
	return nil
}
