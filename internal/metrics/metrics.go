// Package metrics exposes capture, retention and drift counters for
// Prometheus. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kirjuri"

// Metrics holds every collector the ledger reports
type Metrics struct {
	captures           *prometheus.CounterVec
	captureDuration    *prometheus.HistogramVec
	apiCalls           *prometheus.CounterVec
	missingDatasets    *prometheus.CounterVec
	gateDenials        *prometheus.CounterVec
	retentionDeletions *prometheus.CounterVec
	driftEvents        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Capture runs by snapshot kind and final status.",
		}, []string{"snapshot_kind", "status"}),
		captureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Wall-clock time of capture runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"snapshot_kind"}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_api_calls_total",
			Help:      "Read-only source queries made by captures.",
		}, []string{"snapshot_kind"}),
		missingDatasets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_datasets_total",
			Help:      "Datasets disclosed as not fully captured, by reason.",
		}, []string{"snapshot_kind", "dataset", "reason"}),
		gateDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_denials_total",
			Help:      "Captures skipped because the window was already held.",
		}, []string{"snapshot_kind"}),
		retentionDeletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deletions_total",
			Help:      "Records deleted by retention, by rule.",
		}, []string{"record_type", "snapshot_kind", "reason"}),
		driftEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_events_total",
			Help:      "Drift events recorded, by classification.",
		}, []string{"snapshot_kind", "change_classification", "repeat"}),
	}

	for _, c := range []prometheus.Collector{
		m.captures, m.captureDuration, m.apiCalls, m.missingDatasets,
		m.gateDenials, m.retentionDeletions, m.driftEvents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveCapture records a finished capture
func (m *Metrics) ObserveCapture(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(kind, status).Inc()
	m.captureDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// AddAPICalls counts source queries
func (m *Metrics) AddAPICalls(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.apiCalls.WithLabelValues(kind).Add(float64(n))
}

// MissingDataset counts a disclosed missing dataset
func (m *Metrics) MissingDataset(kind, dataset, reason string) {
	if m == nil {
		return
	}
	m.missingDatasets.WithLabelValues(kind, dataset, reason).Inc()
}

// GateDenied counts a skipped capture
func (m *Metrics) GateDenied(kind string) {
	if m == nil {
		return
	}
	m.gateDenials.WithLabelValues(kind).Inc()
}

// RetentionDeleted counts records removed by one retention rule
func (m *Metrics) RetentionDeleted(recordType, kind, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionDeletions.WithLabelValues(recordType, kind, reason).Add(float64(n))
}

// DriftEvent counts a recorded drift event
func (m *Metrics) DriftEvent(kind, classification string, repeated bool) {
	if m == nil {
		return
	}
	m.driftEvents.WithLabelValues(kind, classification, strconv.FormatBool(repeated)).Inc()
}
