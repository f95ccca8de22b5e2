package photosync

import (
	"strconv"
	"strings"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
)

// Config holds the upload policy
type Config struct {
	// NegotiateURL issues the presigned targets, relative to the channel base URL
	NegotiateURL string `yaml:"negotiate_url" json:"negotiateUrl"`
	// DeleteURLPrefix is joined with the photo id for remote deletes
	DeleteURLPrefix string `yaml:"delete_url_prefix" json:"deleteUrlPrefix"`

	AllowedContentTypes []string `yaml:"allowed_content_types" json:"allowedContentTypes"`
	MaxPhotoBytes       int64    `yaml:"max_photo_bytes" json:"maxPhotoBytes"`
	MaxThumbnailBytes   int64    `yaml:"max_thumbnail_bytes" json:"maxThumbnailBytes"`

	ThumbnailMaxDim  int `yaml:"thumbnail_max_dim" json:"thumbnailMaxDim"`
	ThumbnailQuality int `yaml:"thumbnail_quality" json:"thumbnailQuality"`

	// TempDir holds thumbnails while they upload; empty means os.TempDir
	TempDir string `yaml:"temp_dir" json:"tempDir"`

	// TargetExpiryMargin drops cached targets this long before the server expires them
	TargetExpiryMargin time.Duration `yaml:"target_expiry_margin" json:"targetExpiryMargin"`
}

// DefaultConfig returns the upload defaults
func DefaultConfig() Config {
	return Config{
		NegotiateURL:        "/photos/upload-url",
		DeleteURLPrefix:     "/photos/",
		AllowedContentTypes: []string{"image/jpeg", "image/png", "image/webp"},
		MaxPhotoBytes:       10 << 20,
		MaxThumbnailBytes:   1 << 20,
		ThumbnailMaxDim:     320,
		ThumbnailQuality:    80,
		TargetExpiryMargin:  30 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	const op = "photosync.Config"
	if c.NegotiateURL == "" {
		return errs.NewValidationError(op, "negotiate_url", "", "negotiate URL is required")
	}
	if c.DeleteURLPrefix == "" {
		return errs.NewValidationError(op, "delete_url_prefix", "", "delete URL prefix is required")
	}
	if len(c.AllowedContentTypes) == 0 {
		return errs.NewValidationError(op, "allowed_content_types", "", "at least one content type is required")
	}
	if c.MaxPhotoBytes <= 0 {
		return errs.NewValidationError(op, "max_photo_bytes", strconv.FormatInt(c.MaxPhotoBytes, 10), "must be positive")
	}
	if c.MaxThumbnailBytes <= 0 {
		return errs.NewValidationError(op, "max_thumbnail_bytes", strconv.FormatInt(c.MaxThumbnailBytes, 10), "must be positive")
	}
	if c.ThumbnailMaxDim < 16 {
		return errs.NewValidationError(op, "thumbnail_max_dim", strconv.Itoa(c.ThumbnailMaxDim), "must be at least 16")
	}
	if c.ThumbnailQuality < 1 || c.ThumbnailQuality > 100 {
		return errs.NewValidationError(op, "thumbnail_quality", strconv.Itoa(c.ThumbnailQuality), "must be between 1 and 100")
	}
	if c.TargetExpiryMargin < 0 {
		return errs.NewValidationError(op, "target_expiry_margin", c.TargetExpiryMargin.String(), "must not be negative")
	}
	return nil
}

func (c Config) allowed(contentType string) bool {
	for _, ct := range c.AllowedContentTypes {
		if strings.EqualFold(ct, contentType) {
			return true
		}
	}
	return false
}
