package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame pipeline counters
	FramesRead       atomic.Uint64
	FramesComposited atomic.Uint64

	// Detection counters
	DetectionsRequested atomic.Uint64
	DetectionsCompleted atomic.Uint64
	DetectionsDropped   atomic.Uint64 // Skipped while a detection was in flight
	DetectionsTimedOut  atomic.Uint64
	DetectionsFailed    atomic.Uint64
	DetectionsStale     atomic.Uint64 // Results that settled after the timeout

	// Alert counters
	AlertsRaised    atomic.Uint64
	AlertsSpoken    atomic.Uint64
	AlertsThrottled atomic.Uint64

	// Capture counters
	CapturesCompleted atomic.Uint64
	CapturesRejected  atomic.Uint64

	// Latency tracking
	DetectLatencyMs atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	// Preview client tracking
	PreviewClients atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"capture_frames_read_total", "Total frames read from the active source", m.FramesRead.Load},
		{"capture_frames_composited_total", "Total composited frames produced", m.FramesComposited.Load},
		{"capture_detections_requested_total", "Total detection requests accepted", m.DetectionsRequested.Load},
		{"capture_detections_completed_total", "Total detector results applied", m.DetectionsCompleted.Load},
		{"capture_detections_dropped_total", "Frames skipped due to an in-flight detection", m.DetectionsDropped.Load},
		{"capture_detections_timeout_total", "Detection requests recovered by the liveness timeout", m.DetectionsTimedOut.Load},
		{"capture_detections_failed_total", "Detector errors (non-fatal)", m.DetectionsFailed.Load},
		{"capture_detections_stale_total", "Detector results discarded after timeout", m.DetectionsStale.Load},
		{"capture_alerts_raised_total", "Framing alerts raised", m.AlertsRaised.Load},
		{"capture_alerts_spoken_total", "Voice alerts dispatched", m.AlertsSpoken.Load},
		{"capture_alerts_throttled_total", "Voice alerts suppressed by throttling", m.AlertsThrottled.Load},
		{"capture_captures_completed_total", "Capture commands that produced metrics", m.CapturesCompleted.Load},
		{"capture_captures_rejected_total", "Capture commands rejected with no usable snapshot", m.CapturesRejected.Load},
		{"capture_detect_latency_ms", "Latest detector round-trip in milliseconds", m.DetectLatencyMs.Load},
		{"capture_recording_active", "Recording active (0=inactive, 1=active)", m.RecordingActive.Load},
		{"capture_recording_bytes", "Bytes buffered for the active or last recording", m.RecordingBytes.Load},
		{"capture_recording_frames", "Frames buffered for the active or last recording", m.RecordingFrames.Load},
		{"capture_preview_clients", "Connected WebRTC preview clients", m.PreviewClients.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// UpdateDetectLatency records the latest detector round-trip time
func (m *Metrics) UpdateDetectLatency(d time.Duration) {
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
