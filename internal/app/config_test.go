package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
)

func TestDefaultConfig_PathsUnderDataDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	config := DefaultConfig("production", dir)

	if got := config.Database.Path; got != filepath.Join(dir, "trailkeep.db") {
		t.Errorf("database path = %q", got)
	}
	if got := config.Keystore.VaultDir; got != filepath.Join(dir, "vault") {
		t.Errorf("vault dir = %q", got)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}

	if got := DefaultConfig("test", dir).Database.Path; got != ":memory:" {
		t.Errorf("test database path = %q", got)
	}
}

func TestConfig_LoadFileOverlay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "trailkeep.yaml")
	doc := `
log_level: debug
sync_interval: 5m
channel:
  base_url: https://api.example.com
  retry_attempts: 5
privacy:
  coordinate_decimals: 3
lifecycle:
  max_recovery_attempts: 5
database:
  busy_timeout: 1500
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	config := DefaultConfig("production", dir)
	if err := config.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if config.LogLevel != "debug" || config.SyncInterval != 5*time.Minute {
		t.Errorf("top level = %q, %v", config.LogLevel, config.SyncInterval)
	}
	if config.Channel.BaseURL != "https://api.example.com" || config.Channel.RetryAttempts != 5 {
		t.Errorf("channel = %+v", config.Channel)
	}
	if config.Channel.Timeout != 30*time.Second {
		t.Errorf("unset channel timeout changed to %v", config.Channel.Timeout)
	}
	if config.Privacy.CoordinateDecimals != 3 || len(config.Privacy.SensitiveKeys) == 0 {
		t.Errorf("privacy = %+v", config.Privacy)
	}
	if config.Lifecycle.MaxRecoveryAttempts != 5 || config.Lifecycle.PollInterval != 30*time.Second {
		t.Errorf("lifecycle = %+v", config.Lifecycle)
	}
	if config.Database.BusyTimeout != 1500 || config.Database.Path != filepath.Join(dir, "trailkeep.db") {
		t.Errorf("database = %+v", config.Database)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConfig_LoadFileErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	config := DefaultConfig("production", dir)

	if err := config.LoadFile(filepath.Join(dir, "missing.yaml")); !errs.IsValidation(err) {
		t.Errorf("missing file err = %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("channel: [not, a, map]"), 0o600)
	if err := config.LoadFile(bad); !errs.IsValidation(err) {
		t.Errorf("bad YAML err = %v", err)
	}
}

func TestConfig_LoadFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRAILKEEP_LOG_LEVEL", "warn")
	t.Setenv("TRAILKEEP_SECRET_BACKEND", "FILE")
	t.Setenv("TRAILKEEP_SECRET_PASSPHRASE", "correct horse")
	t.Setenv("TRAILKEEP_API_BASE_URL", "https://api.example.com")
	t.Setenv("TRAILKEEP_SYNC_INTERVAL", "2m")
	t.Setenv("TRAILKEEP_DB_BUSY_TIMEOUT", "2500")

	config := DefaultConfig("production", dir)
	if err := config.LoadFromEnvironment(); err != nil {
		t.Fatalf("LoadFromEnvironment: %v", err)
	}
	if config.LogLevel != "warn" || config.SecretBackend != SecretBackendFile || config.SecretPassphrase != "correct horse" {
		t.Errorf("config = %+v", config)
	}
	if config.Channel.BaseURL != "https://api.example.com" || config.SyncInterval != 2*time.Minute {
		t.Errorf("channel = %q, sync = %v", config.Channel.BaseURL, config.SyncInterval)
	}
	if config.Database.BusyTimeout != 2500 {
		t.Errorf("busy timeout = %d", config.Database.BusyTimeout)
	}

	t.Setenv("TRAILKEEP_SYNC_DISABLED", "yes")
	config.LoadFromEnvironment()
	if config.SyncInterval != 0 {
		t.Errorf("sync interval = %v after disabling", config.SyncInterval)
	}

	t.Setenv("TRAILKEEP_SYNC_INTERVAL", "soon")
	if err := config.LoadFromEnvironment(); !errs.IsValidation(err) {
		t.Errorf("bad interval err = %v", err)
	}
}

func TestLoadConfig_UsesDataDirFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRAILKEEP_DATA_DIR", dir)
	t.Setenv("TRAILKEEP_ENVIRONMENT", "development")

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.DataDir != dir || config.Environment != "development" {
		t.Errorf("config = %+v", config)
	}
	if config.Database.Path != filepath.Join(dir, "trailkeep_dev.db") {
		t.Errorf("database path = %q", config.Database.Path)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"unknown backend", func(c *Config) { c.SecretBackend = "plaintext" }, "secret_backend"},
		{"file backend without passphrase", func(c *Config) { c.SecretBackend = SecretBackendFile }, "secret_passphrase"},
		{"negative sync interval", func(c *Config) { c.SyncInterval = -time.Second }, "sync_interval"},
		{"plain http base url", func(c *Config) { c.Channel.BaseURL = "http://api.example.com" }, "base_url"},
		{"recovery attempts", func(c *Config) { c.Lifecycle.MaxRecoveryAttempts = 0 }, "max_recovery_attempts"},
		{"coordinate decimals", func(c *Config) { c.Privacy.CoordinateDecimals = 9 }, "coordinate_decimals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			config := DefaultConfig("production", t.TempDir())
			tt.modify(config)
			err := config.Validate()
			if !errs.IsValidation(err) {
				t.Fatalf("err = %v, want validation", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("err = %v, want mention of %s", err, tt.field)
			}
		})
	}
}
