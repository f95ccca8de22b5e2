package auth

import (
	"time"

	errs "trailkeep/internal/infrastructure/errors"
)

// Config holds the session policy
type Config struct {
	// Endpoint is the identity provider path, relative to the channel base URL
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// RefreshBuffer refreshes tokens this long before they expire
	RefreshBuffer time.Duration `yaml:"refresh_buffer" json:"refreshBuffer"`
	// TokensKey is the keystore item holding the persisted token set
	TokensKey string `yaml:"tokens_key" json:"tokensKey"`
}

// DefaultConfig returns the session defaults
func DefaultConfig() Config {
	return Config{
		Endpoint:      "/auth",
		RefreshBuffer: 5 * time.Minute,
		TokensKey:     "auth.tokens",
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	const op = "auth.Config"
	if c.Endpoint == "" {
		return errs.NewValidationError(op, "endpoint", "", "endpoint is required")
	}
	if c.RefreshBuffer < 0 {
		return errs.NewValidationError(op, "refresh_buffer", c.RefreshBuffer.String(), "must not be negative")
	}
	if c.TokensKey == "" {
		return errs.NewValidationError(op, "tokens_key", "", "tokens key is required")
	}
	return nil
}
