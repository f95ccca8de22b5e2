// Package metrics holds the Prometheus collectors for the sync and lifecycle
// components. Collectors are registered against an injected Registerer; a nil
// *Metrics records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the core exports
type Metrics struct {
	ChannelRequestsTotal   *prometheus.CounterVec
	ChannelRetriesTotal    *prometheus.CounterVec
	ChannelRequestDuration *prometheus.HistogramVec

	PhotoUploadsTotal *prometheus.CounterVec
	PhotoUploadBytes  prometheus.Histogram

	ActivitySyncTotal *prometheus.CounterVec

	RecoveryAttemptsTotal *prometheus.CounterVec
	BackgroundTicksTotal  *prometheus.CounterVec

	TelemetryEventsTotal *prometheus.CounterVec

	SchedulerTaskDuration *prometheus.HistogramVec

	TokenRefreshTotal *prometheus.CounterVec
}

// New creates and registers the collectors on reg. A nil reg creates
// unregistered collectors, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChannelRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailkeep_channel_requests_total",
				Help: "Total number of secure channel requests by method and status",
			},
			[]string{"method", "status"},
		),
		ChannelRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailkeep_channel_retries_total",
				Help: "Total number of retried secure channel attempts",
			},
			[]string{"method"},
		),
		ChannelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trailkeep_channel_request_duration_seconds",
				Help:    "Secure channel request duration in seconds, including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		PhotoUploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailkeep_photo_uploads_total",
				Help: "Total number of photo uploads by result",
			},
			[]string{"result"},
		),
		PhotoUploadBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trailkeep_photo_upload_bytes",
				Help:    "Size of uploaded photos in bytes",
				Buckets: []float64{10000, 100000, 500000, 1000000, 2500000, 5000000, 10000000},
			},
		),
		ActivitySyncTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailkeep_activity_sync_total",
				Help: "Total number of activity uploads by result",
			},
			[]string{"result"},
		),
		RecoveryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailkeep_recovery_attempts_total",
				Help: "Total number of tracking recovery attempts by result",
			},
			[]string{"result"},
		),
		BackgroundTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailkeep_background_ticks_total",
				Help: "Total number of background polling ticks by outcome",
			},
			[]string{"outcome"},
		),
		TelemetryEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailkeep_telemetry_events_total",
				Help: "Total number of telemetry events by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		SchedulerTaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trailkeep_scheduler_task_duration_seconds",
				Help:    "Scheduled task duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		TokenRefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailkeep_token_refresh_total",
				Help: "Total number of token refreshes by result",
			},
			[]string{"result"},
		),
	}
}

// RecordChannelRequest records one logical request. status is 0 when no response arrived.
func (m *Metrics) RecordChannelRequest(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.ChannelRequestsTotal.WithLabelValues(method, label).Inc()
	m.ChannelRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordChannelRetry records one retried attempt
func (m *Metrics) RecordChannelRetry(method string) {
	if m == nil {
		return
	}
	m.ChannelRetriesTotal.WithLabelValues(method).Inc()
}

// RecordPhotoUpload records an upload outcome and, on success, its size
func (m *Metrics) RecordPhotoUpload(result string, size int64) {
	if m == nil {
		return
	}
	m.PhotoUploadsTotal.WithLabelValues(result).Inc()
	if result == "success" && size > 0 {
		m.PhotoUploadBytes.Observe(float64(size))
	}
}

// RecordActivitySync records an activity upload outcome
func (m *Metrics) RecordActivitySync(result string) {
	if m == nil {
		return
	}
	m.ActivitySyncTotal.WithLabelValues(result).Inc()
}

// RecordRecovery records a recovery attempt outcome
func (m *Metrics) RecordRecovery(result string) {
	if m == nil {
		return
	}
	m.RecoveryAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordBackgroundTick records a polling tick outcome
func (m *Metrics) RecordBackgroundTick(outcome string) {
	if m == nil {
		return
	}
	m.BackgroundTicksTotal.WithLabelValues(outcome).Inc()
}

// RecordTelemetry records a telemetry event as forwarded or dropped
func (m *Metrics) RecordTelemetry(category, outcome string) {
	if m == nil {
		return
	}
	m.TelemetryEventsTotal.WithLabelValues(category, outcome).Inc()
}

// RecordSchedulerTask records the duration of a scheduled task
func (m *Metrics) RecordSchedulerTask(task string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SchedulerTaskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// RecordTokenRefresh records a refresh outcome
func (m *Metrics) RecordTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshTotal.WithLabelValues(result).Inc()
}
