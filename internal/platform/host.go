package platform

import (
	"context"
	"sync"

	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/types"
)

// LogSink is an AnalyticsSink that writes events to a logger. Hosts without a
// telemetry backend use it.
type LogSink struct {
	Logger logging.Logger
}

func (s LogSink) Send(_ context.Context, event types.TelemetryEvent) error {
	logging.OrDefault(s.Logger).Info("Telemetry event",
		"category", event.Category,
		"name", event.Name,
		"properties", event.Properties,
	)
	return nil
}

// ManualLocationProvider serves the last sample pushed into it. Hosts that
// receive fixes from elsewhere (a companion device, a replayed file) feed it.
type ManualLocationProvider struct {
	mu      sync.Mutex
	running bool
	sample  *types.LocationSample
}

func (p *ManualLocationProvider) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

func (p *ManualLocationProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

// Running reports whether Start was called without a matching Stop
func (p *ManualLocationProvider) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Push records a new sample
func (p *ManualLocationProvider) Push(sample types.LocationSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sample = &sample
}

func (p *ManualLocationProvider) CurrentSample(context.Context) (types.LocationSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sample == nil {
		return types.LocationSample{}, ErrNoFix
	}
	return *p.sample, nil
}
