package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trailkeep/internal/activitysync"
	"trailkeep/internal/auth"
	"trailkeep/internal/channel"
	"trailkeep/internal/database"
	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/keystore"
	"trailkeep/internal/lifecycle"
	"trailkeep/internal/photosync"
	"trailkeep/internal/platform"
	"trailkeep/internal/privacy"
)

const (
	appName = "trailkeep"

	SecretBackendKeyring = "keyring"
	SecretBackendFile    = "file"
)

// Config aggregates the configuration of every component
type Config struct {
	Environment string `yaml:"environment" json:"environment"`
	DataDir     string `yaml:"data_dir" json:"dataDir"`
	LogLevel    string `yaml:"log_level" json:"logLevel"`

	// SecretBackend selects where the keystore master key lives
	SecretBackend string `yaml:"secret_backend" json:"secretBackend"`
	// SecretPassphrase protects the file backend. It is read from the
	// environment only and never written out.
	SecretPassphrase string `yaml:"-" json:"-"`

	// SyncInterval drives the background photo and activity upload tasks.
	// Zero disables them.
	SyncInterval time.Duration `yaml:"sync_interval" json:"syncInterval"`

	Database   *database.Config    `yaml:"database" json:"database"`
	Keystore   keystore.Config     `yaml:"keystore" json:"keystore"`
	Channel    channel.Config      `yaml:"channel" json:"channel"`
	Auth       auth.Config         `yaml:"auth" json:"auth"`
	Photos     photosync.Config    `yaml:"photos" json:"photos"`
	Activities activitysync.Config `yaml:"activities" json:"activities"`
	Privacy    privacy.Config      `yaml:"privacy" json:"privacy"`
	Lifecycle  lifecycle.Config    `yaml:"lifecycle" json:"lifecycle"`
}

// DefaultConfig returns the defaults for env with all state under dataDir
func DefaultConfig(env, dataDir string) *Config {
	db := database.ConfigForEnvironment(env)
	if db.Path != ":memory:" {
		db.Path = filepath.Join(dataDir, filepath.Base(db.Path))
	}
	return &Config{
		Environment:   env,
		DataDir:       dataDir,
		LogLevel:      db.LogLevel,
		SecretBackend: SecretBackendKeyring,
		SyncInterval:  15 * time.Minute,
		Database:      db,
		Keystore:      keystore.DefaultConfig(dataDir),
		Channel:       channel.DefaultConfig(),
		Auth:          auth.DefaultConfig(),
		Photos:        photosync.DefaultConfig(),
		Activities:    activitysync.DefaultConfig(),
		Privacy:       privacy.DefaultConfig(),
		Lifecycle:     lifecycle.DefaultConfig(),
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file at
// path when path is not empty, then TRAILKEEP_* environment variables.
func LoadConfig(path string) (*Config, error) {
	env := os.Getenv("TRAILKEEP_ENVIRONMENT")
	if env == "" {
		env = "production"
	}
	dataDir := os.Getenv("TRAILKEEP_DATA_DIR")
	if dataDir == "" {
		dir, err := platform.DefaultDataDir(appName)
		if err != nil {
			return nil, fmt.Errorf("resolve data directory: %w", err)
		}
		dataDir = dir
	}

	config := DefaultConfig(env, dataDir)
	if path != "" {
		if err := config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnvironment(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFile overlays the YAML document at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.NewValidationError("app.LoadFile", "path", path, err.Error())
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errs.NewValidationError("app.LoadFile", "path", path, fmt.Sprintf("invalid YAML: %v", err))
	}
	return nil
}

// LoadFromEnvironment applies TRAILKEEP_* overrides
func (c *Config) LoadFromEnvironment() error {
	if c.Database == nil {
		c.Database = database.DefaultConfig()
	}
	if err := c.Database.LoadFromEnvironment(); err != nil {
		return err
	}

	if level := os.Getenv("TRAILKEEP_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if backend := os.Getenv("TRAILKEEP_SECRET_BACKEND"); backend != "" {
		c.SecretBackend = strings.ToLower(backend)
	}
	if passphrase := os.Getenv("TRAILKEEP_SECRET_PASSPHRASE"); passphrase != "" {
		c.SecretPassphrase = passphrase
	}
	if baseURL := os.Getenv("TRAILKEEP_API_BASE_URL"); baseURL != "" {
		c.Channel.BaseURL = baseURL
	}
	if interval := os.Getenv("TRAILKEEP_SYNC_INTERVAL"); interval != "" {
		val, err := time.ParseDuration(interval)
		if err != nil {
			return errs.NewValidationError("app.LoadFromEnvironment", "TRAILKEEP_SYNC_INTERVAL", interval, "invalid duration")
		}
		c.SyncInterval = val
	}
	if disabled, present := database.ParseBoolEnv("TRAILKEEP_SYNC_DISABLED"); present && disabled {
		c.SyncInterval = 0
	}
	return nil
}

// Validate checks the aggregate and every component section
func (c *Config) Validate() error {
	const op = "app.Config"
	if c.DataDir == "" {
		return errs.NewValidationError(op, "data_dir", "", "data directory is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return errs.NewValidationError(op, "log_level", c.LogLevel, err.Error())
	}
	switch c.SecretBackend {
	case SecretBackendKeyring:
	case SecretBackendFile:
		if strings.TrimSpace(c.SecretPassphrase) == "" {
			return errs.NewValidationError(op, "secret_passphrase", "", "file secret backend requires TRAILKEEP_SECRET_PASSPHRASE")
		}
	default:
		return errs.NewValidationError(op, "secret_backend", c.SecretBackend, "must be keyring or file")
	}
	if c.SyncInterval < 0 {
		return errs.NewValidationError(op, "sync_interval", c.SyncInterval.String(), "must not be negative")
	}
	if c.Database == nil {
		return errs.NewValidationError(op, "database", "", "database section is required")
	}

	return errors.Join(
		c.Database.Validate(),
		c.Keystore.Validate(),
		c.Channel.Validate(),
		c.Auth.Validate(),
		c.Photos.Validate(),
		c.Activities.Validate(),
		c.Privacy.Validate(),
		c.Lifecycle.Validate(),
	)
}
