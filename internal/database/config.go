package database

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Supported database/sql driver names
const (
	DriverMattn  = "sqlite3" // github.com/mattn/go-sqlite3 (cgo)
	DriverModern = "sqlite"  // modernc.org/sqlite (pure Go)
)

// parseBoolEnv reads an environment variable and parses it as a boolean.
// Returns the parsed value and a boolean indicating if the variable was present.
// Supports common boolean representations: true/false, 1/0, yes/no, on/off, t/f, y/n (case-insensitive).
func parseBoolEnv(key string) (bool, bool) {
	value := os.Getenv(key)
	if value == "" {
		return false, false
	}

	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed, true
	}

	switch strings.ToLower(value) {
	case "yes", "y", "on":
		return true, true
	case "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}

// ParseBoolEnv is parseBoolEnv for other config layers
func ParseBoolEnv(key string) (bool, bool) {
	return parseBoolEnv(key)
}

// Config holds all database configuration options
type Config struct {
	// Connection settings
	Driver                string        `json:"driver" yaml:"driver"`                                 // sqlite3 (cgo) or sqlite (pure Go)
	Path                  string        `json:"path" yaml:"path"`                                     // Database file path
	MaxConnections        int           `json:"maxConnections" yaml:"max_connections"`                // Maximum number of open connections
	MaxIdleConns          int           `json:"maxIdleConns" yaml:"max_idle_conns"`                   // Maximum number of idle connections
	ConnMaxLifetime       time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`             // Maximum connection lifetime
	ConnMaxIdleTime       time.Duration `json:"connMaxIdleTime" yaml:"conn_max_idle_time"`            // Maximum connection idle time
	ForceSingleConnection bool          `json:"forceSingleConnection" yaml:"force_single_connection"` // Force single connection mode

	// Migration settings
	AutoMigrate bool `json:"autoMigrate" yaml:"auto_migrate"` // Run embedded migrations during Initialize

	// Performance settings
	JournalMode     string `json:"journalMode" yaml:"journal_mode"`         // SQLite journal mode (WAL, DELETE, etc.)
	SynchronousMode string `json:"synchronousMode" yaml:"synchronous_mode"` // SQLite synchronous mode (FULL, NORMAL, OFF)
	CacheSize       int    `json:"cacheSize" yaml:"cache_size"`             // SQLite cache size in KB
	BusyTimeout     int    `json:"busyTimeout" yaml:"busy_timeout"`         // SQLite busy timeout in milliseconds

	// Maintenance settings
	OptimizeInterval time.Duration `json:"optimizeInterval" yaml:"optimize_interval"`   // Interval for ANALYZE/VACUUM, 0 disables
	MinFreeDiskBytes uint64        `json:"minFreeDiskBytes" yaml:"min_free_disk_bytes"` // Health warns below this

	// Environment and runtime settings
	Environment string `json:"environment" yaml:"environment"` // development, production, test
	LogLevel    string `json:"logLevel" yaml:"log_level"`      // Log level for database operations
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Driver:                DriverMattn,
		Path:                  "trailkeep.db",
		MaxConnections:        10,
		MaxIdleConns:          5,
		ConnMaxLifetime:       24 * time.Hour,
		ConnMaxIdleTime:       30 * time.Minute,
		ForceSingleConnection: false, // Let the service auto-detect based on journal mode

		AutoMigrate: true,

		JournalMode:     "WAL",
		SynchronousMode: "NORMAL",
		CacheSize:       2000,  // 2MB cache
		BusyTimeout:     30000, // 30 seconds

		OptimizeInterval: 24 * time.Hour,
		MinFreeDiskBytes: 50 << 20,

		Environment: "production",
		LogLevel:    "info",
	}
}

// DevelopmentConfig returns a configuration optimized for development
func DevelopmentConfig() *Config {
	config := DefaultConfig()
	config.Path = "trailkeep_dev.db"
	config.Environment = "development"
	config.LogLevel = "debug"
	config.OptimizeInterval = 0
	return config
}

// TestConfig returns a configuration optimized for testing
func TestConfig() *Config {
	config := DefaultConfig()
	config.Path = ":memory:"
	config.Environment = "test"
	config.LogLevel = "error"
	config.OptimizeInterval = 0
	config.MinFreeDiskBytes = 0

	// In-memory databases live per connection, so keep one
	config.JournalMode = "MEMORY"
	config.SynchronousMode = "OFF"
	config.CacheSize = 1000
	config.BusyTimeout = 1000

	return config
}

// LoadFromEnvironment loads configuration from TRAILKEEP_DB_* environment variables
func (c *Config) LoadFromEnvironment() error {
	if driver := os.Getenv("TRAILKEEP_DB_DRIVER"); driver != "" {
		c.Driver = driver
	}

	if path := os.Getenv("TRAILKEEP_DB_PATH"); path != "" {
		c.Path = path
	}

	if maxConns := os.Getenv("TRAILKEEP_DB_MAX_CONNECTIONS"); maxConns != "" {
		if val, err := strconv.Atoi(maxConns); err == nil && val > 0 {
			c.MaxConnections = val
		}
	}

	if maxIdle := os.Getenv("TRAILKEEP_DB_MAX_IDLE_CONNECTIONS"); maxIdle != "" {
		if val, err := strconv.Atoi(maxIdle); err == nil && val >= 0 {
			c.MaxIdleConns = val
		}
	}

	if lifetime := os.Getenv("TRAILKEEP_DB_CONN_MAX_LIFETIME"); lifetime != "" {
		if val, err := time.ParseDuration(lifetime); err == nil {
			c.ConnMaxLifetime = val
		}
	}

	if idleTime := os.Getenv("TRAILKEEP_DB_CONN_MAX_IDLE_TIME"); idleTime != "" {
		if val, err := time.ParseDuration(idleTime); err == nil {
			c.ConnMaxIdleTime = val
		}
	}

	if autoMigrate, present := parseBoolEnv("TRAILKEEP_DB_AUTO_MIGRATE"); present {
		c.AutoMigrate = autoMigrate
	}

	if journalMode := os.Getenv("TRAILKEEP_DB_JOURNAL_MODE"); journalMode != "" {
		c.JournalMode = journalMode
	}

	if syncMode := os.Getenv("TRAILKEEP_DB_SYNCHRONOUS_MODE"); syncMode != "" {
		c.SynchronousMode = strings.ToUpper(syncMode)
	}

	if cacheSize := os.Getenv("TRAILKEEP_DB_CACHE_SIZE"); cacheSize != "" {
		if val, err := strconv.Atoi(cacheSize); err == nil && val > 0 {
			c.CacheSize = val
		}
	}

	if busyTimeout := os.Getenv("TRAILKEEP_DB_BUSY_TIMEOUT"); busyTimeout != "" {
		if val, err := strconv.Atoi(busyTimeout); err == nil && val >= 0 {
			c.BusyTimeout = val
		}
	}

	if forceSingle, present := parseBoolEnv("TRAILKEEP_DB_FORCE_SINGLE_CONNECTION"); present {
		c.ForceSingleConnection = forceSingle
	}

	if interval := os.Getenv("TRAILKEEP_DB_OPTIMIZE_INTERVAL"); interval != "" {
		if val, err := time.ParseDuration(interval); err == nil {
			c.OptimizeInterval = val
		}
	}

	if environment := os.Getenv("TRAILKEEP_ENVIRONMENT"); environment != "" {
		c.Environment = environment
	}

	if logLevel := os.Getenv("TRAILKEEP_DB_LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}

	return nil
}

// Validate validates the configuration parameters
func (c *Config) Validate() error {
	if c.Driver != DriverMattn && c.Driver != DriverModern {
		return fmt.Errorf("invalid driver: %q (want %q or %q)", c.Driver, DriverMattn, DriverModern)
	}

	if c.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	// For file-based databases, ensure directory exists
	if !c.IsInMemory() {
		dir := filepath.Dir(c.Path)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create database directory %s: %w", dir, err)
				}
			}
		}
	}

	if c.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive, got %d", c.MaxConnections)
	}

	if c.MaxIdleConns < 0 {
		return fmt.Errorf("maxIdleConns cannot be negative, got %d", c.MaxIdleConns)
	}

	if c.MaxIdleConns > c.MaxConnections {
		return fmt.Errorf("maxIdleConns (%d) cannot be greater than maxConnections (%d)", c.MaxIdleConns, c.MaxConnections)
	}

	if c.ConnMaxLifetime < 0 {
		return fmt.Errorf("connMaxLifetime cannot be negative, got %v", c.ConnMaxLifetime)
	}

	if c.ConnMaxIdleTime < 0 {
		return fmt.Errorf("connMaxIdleTime cannot be negative, got %v", c.ConnMaxIdleTime)
	}

	validJournalModes := []string{"DELETE", "TRUNCATE", "PERSIST", "MEMORY", "WAL", "OFF"}
	journalModeValid := false
	for _, mode := range validJournalModes {
		if strings.EqualFold(c.JournalMode, mode) {
			journalModeValid = true
			break
		}
	}
	if !journalModeValid {
		return fmt.Errorf("invalid journalMode: %s", c.JournalMode)
	}

	if c.IsInMemory() && strings.EqualFold(c.JournalMode, "WAL") {
		return fmt.Errorf("journalMode cannot be WAL when using in-memory database")
	}

	validSyncModes := map[string]bool{
		"OFF":    true,
		"NORMAL": true,
		"FULL":   true,
		"EXTRA":  true,
	}
	if !validSyncModes[c.SynchronousMode] {
		return fmt.Errorf("invalid synchronousMode: %s", c.SynchronousMode)
	}

	if c.CacheSize <= 0 {
		return fmt.Errorf("cacheSize must be positive, got %d", c.CacheSize)
	}

	if c.BusyTimeout < 0 {
		return fmt.Errorf("busyTimeout cannot be negative, got %d", c.BusyTimeout)
	}

	if c.OptimizeInterval < 0 {
		return fmt.Errorf("optimizeInterval cannot be negative, got %v", c.OptimizeInterval)
	}

	validEnvironments := map[string]bool{
		"development": true,
		"test":        true,
		"production":  true,
	}
	if !validEnvironments[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid logLevel: %s", c.LogLevel)
	}

	return nil
}

// GetConnectionString builds the driver-specific DSN. Foreign keys are always
// enabled so every pooled connection enforces cascades.
func (c *Config) GetConnectionString() string {
	values := url.Values{}

	switch c.Driver {
	case DriverModern:
		values.Add("_pragma", "foreign_keys(1)")
		values.Add("_pragma", fmt.Sprintf("journal_mode(%s)", strings.ToUpper(c.JournalMode)))
		values.Add("_pragma", fmt.Sprintf("synchronous(%s)", c.SynchronousMode))
		values.Add("_pragma", fmt.Sprintf("cache_size(%d)", -c.CacheSize))
		values.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout))
		values.Set("_txlock", "immediate")
	default:
		values.Set("_foreign_keys", "on")
		values.Set("_journal_mode", c.JournalMode)
		values.Set("_synchronous", c.SynchronousMode)
		// Negative so SQLite interprets it as KB
		values.Set("_cache_size", fmt.Sprintf("%d", -c.CacheSize))
		values.Set("_busy_timeout", fmt.Sprintf("%d", c.BusyTimeout))
		values.Set("_txlock", "immediate")
	}

	// Escape only the characters that would break query string parsing
	path := c.Path
	if strings.ContainsAny(path, "?&") {
		path = strings.ReplaceAll(path, "?", "%3F")
		path = strings.ReplaceAll(path, "&", "%26")
	}

	return path + "?" + values.Encode()
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// IsInMemory returns true if the database is configured to use in-memory storage
func (c *Config) IsInMemory() bool {
	return c.Path == ":memory:"
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsTest returns true if the environment is set to test
func (c *Config) IsTest() bool {
	return c.Environment == "test"
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ConfigForEnvironment returns a configuration optimized for the given environment
func ConfigForEnvironment(env string) *Config {
	switch env {
	case "development":
		return DevelopmentConfig()
	case "test":
		return TestConfig()
	default:
		return DefaultConfig()
	}
}
