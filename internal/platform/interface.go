// Package platform declares the collaborators the core consumes from the host:
// location sensing, photo capture, analytics delivery and secret storage.
package platform

import (
	"context"
	"errors"
	"time"

	"trailkeep/internal/types"
)

// ErrNoFix is returned by a LocationProvider that has no current sample
var ErrNoFix = errors.New("platform: no location fix available")

// LocationProvider yields location samples from the device
type LocationProvider interface {
	Start(ctx context.Context) error
	Stop() error
	CurrentSample(ctx context.Context) (types.LocationSample, error)
}

// CaptureResult is what the capture surface hands over after taking a photo
type CaptureResult struct {
	LocalURI string                `json:"localUri"`
	RawExif  []byte                `json:"-"`
	Location *types.LocationSample `json:"location,omitempty"`
	TakenAt  time.Time             `json:"takenAt"`
}

// AnalyticsSink receives events that have already been consent-checked and filtered
type AnalyticsSink interface {
	Send(ctx context.Context, event types.TelemetryEvent) error
}

// ErrSecretNotFound is returned by SecureStorage.Get for absent keys
var ErrSecretNotFound = errors.New("platform: secret not found")

// SecureStorage is the most protected storage the host offers
type SecureStorage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}
