package channel

import (
	"fmt"
	"net/url"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
)

// Config holds the secure channel settings. Every retry and size limit is policy
// and lives here rather than in code.
type Config struct {
	BaseURL             string        `yaml:"base_url" json:"baseUrl"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	TransferTimeout     time.Duration `yaml:"transfer_timeout" json:"transferTimeout"`
	RetryAttempts       int           `yaml:"retry_attempts" json:"retryAttempts"` // retries after the first try
	InitialDelay        time.Duration `yaml:"initial_delay" json:"initialDelay"`
	MaxDelay            time.Duration `yaml:"max_delay" json:"maxDelay"`
	BackoffFactor       float64       `yaml:"backoff_factor" json:"backoffFactor"`
	MaxHeaderNameBytes  int           `yaml:"max_header_name_bytes" json:"maxHeaderNameBytes"`
	MaxHeaderValueBytes int           `yaml:"max_header_value_bytes" json:"maxHeaderValueBytes"`
	MaxResponseBytes    int64         `yaml:"max_response_bytes" json:"maxResponseBytes"`
	UserAgent           string        `yaml:"user_agent" json:"userAgent"`
}

// DefaultConfig returns the channel defaults
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		TransferTimeout:     5 * time.Minute,
		RetryAttempts:       3,
		InitialDelay:        time.Second,
		MaxDelay:            10 * time.Second,
		BackoffFactor:       2.0,
		MaxHeaderNameBytes:  256,
		MaxHeaderValueBytes: 8 << 10,
		MaxResponseBytes:    16 << 20,
		UserAgent:           "trailkeep/1.0",
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	const op = "channel.Config"
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Host == "" {
			return errs.NewValidationError(op, "base_url", c.BaseURL, "must be an absolute URL")
		}
		if u.Scheme != "https" {
			return errs.NewValidationError(op, "base_url", c.BaseURL, "must use https")
		}
	}
	if c.Timeout <= 0 {
		return errs.NewValidationError(op, "timeout", c.Timeout.String(), "must be positive")
	}
	if c.TransferTimeout <= 0 {
		return errs.NewValidationError(op, "transfer_timeout", c.TransferTimeout.String(), "must be positive")
	}
	if c.RetryAttempts < 0 {
		return errs.NewValidationError(op, "retry_attempts", fmt.Sprint(c.RetryAttempts), "must not be negative")
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return errs.NewValidationError(op, "initial_delay", c.InitialDelay.String(), "delays must not be negative")
	}
	if c.BackoffFactor < 1 {
		return errs.NewValidationError(op, "backoff_factor", fmt.Sprint(c.BackoffFactor), "must be at least 1")
	}
	if c.MaxHeaderNameBytes <= 0 || c.MaxHeaderValueBytes <= 0 {
		return errs.NewValidationError(op, "max_header_name_bytes", fmt.Sprint(c.MaxHeaderNameBytes), "header limits must be positive")
	}
	if c.MaxResponseBytes <= 0 {
		return errs.NewValidationError(op, "max_response_bytes", fmt.Sprint(c.MaxResponseBytes), "must be positive")
	}
	return nil
}

// retryConfig builds the transport retry policy for one logical request
func (c Config) retryConfig(retries int, logger errs.RetryLogger) *errs.RetryConfig {
	rc := errs.TransportRetryConfig(retries+1, c.InitialDelay)
	if c.MaxDelay > 0 {
		rc.MaxDelay = c.MaxDelay
	}
	if c.BackoffFactor >= 1 {
		rc.BackoffFactor = c.BackoffFactor
	}
	rc.Logger = logger
	return rc
}
