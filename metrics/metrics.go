package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for the health assistant client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Transfer metrics
	TransfersTotal    *prometheus.CounterVec
	TransferDuration  *prometheus.HistogramVec
	TransfersInFlight *prometheus.GaugeVec

	// Recording metrics
	RecordingsStarted  prometheus.Counter
	RecordingsDenied   prometheus.Counter
	RecordingDuration  prometheus.Histogram
	RecordingSizeBytes prometheus.Histogram
	ArchiveWrites      *prometheus.CounterVec

	// Appointment metrics
	AppointmentOps *prometheus.CounterVec

	// Bridge metrics
	BridgeClients  prometheus.Gauge
	BridgeRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "healthas_transfers_total",
			Help: "Total number of settled transfers",
		}, []string{"kind", "outcome"}),
		TransferDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "healthas_transfer_duration_seconds",
			Help:    "Time from request to settlement",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}, []string{"kind"}),
		TransfersInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "healthas_transfers_in_flight",
			Help: "Transfers awaiting a response",
		}, []string{"kind"}),

		RecordingsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "healthas_recordings_started_total",
			Help: "Total number of recording sessions started",
		}),
		RecordingsDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "healthas_recordings_denied_total",
			Help: "Total number of recording starts refused by the capture device",
		}),
		RecordingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "healthas_recording_duration_seconds",
			Help:    "Length of finalized recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1s to ~2 minutes
		}),
		RecordingSizeBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "healthas_recording_size_bytes",
			Help:    "Size of finalized recording payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8), // 1KB to ~16MB
		}),
		ArchiveWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "healthas_archive_writes_total",
			Help: "Recordings written to the local archive",
		}, []string{"outcome"}),

		AppointmentOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "healthas_appointment_operations_total",
			Help: "Appointment store operations by result",
		}, []string{"op", "outcome"}),

		BridgeClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "healthas_bridge_clients",
			Help: "Connected websocket view clients",
		}),
		BridgeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "healthas_bridge_requests_total",
			Help: "Bridge API requests",
		}, []string{"route", "code"}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) TransferStarted(kind string) {
	if m == nil {
		return
	}
	m.TransfersInFlight.WithLabelValues(kind).Inc()
}

func (m *Metrics) TransferSettled(kind string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.TransfersInFlight.WithLabelValues(kind).Dec()
	m.TransfersTotal.WithLabelValues(kind, outcome(err)).Inc()
	m.TransferDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) RecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsStarted.Inc()
}

func (m *Metrics) RecordingDenied() {
	if m == nil {
		return
	}
	m.RecordingsDenied.Inc()
}

func (m *Metrics) RecordingFinalized(took time.Duration, size int) {
	if m == nil {
		return
	}
	m.RecordingDuration.Observe(took.Seconds())
	m.RecordingSizeBytes.Observe(float64(size))
}

func (m *Metrics) ArchiveWrite(err error) {
	if m == nil {
		return
	}
	m.ArchiveWrites.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) AppointmentOp(op string, err error) {
	if m == nil {
		return
	}
	m.AppointmentOps.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.BridgeClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.BridgeClients.Dec()
}

func (m *Metrics) BridgeRequest(route string, code int) {
	if m == nil {
		return
	}
	m.BridgeRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
