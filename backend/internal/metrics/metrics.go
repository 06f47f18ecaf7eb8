// Package metrics provides Prometheus metrics for the collaboration service
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Operation pipeline
	OpsAppliedTotal     *prometheus.CounterVec
	OpsRejectedTotal    *prometheus.CounterVec
	OpsTransformedTotal prometheus.Counter
	ApplyDuration       prometheus.Histogram
	UndoRedoTotal       *prometheus.CounterVec
	ActiveDocuments     prometheus.Gauge

	// Version history
	VersionsCreatedTotal *prometheus.CounterVec
	VersionsPrunedTotal  prometheus.Counter

	// Outbound
	KafkaEventsTotal *prometheus.CounterVec
	WSConnections    prometheus.Gauge
}

// New creates and registers all metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.OpsAppliedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_ops_applied_total",
			Help: "Total number of operations applied, by operation type",
		},
		[]string{"type"},
	)
	m.OpsRejectedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_ops_rejected_total",
			Help: "Total number of rejected operations, by reason",
		},
		[]string{"reason"},
	)
	m.OpsTransformedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "collab_ops_transformed_total",
		Help: "Operations that had to be transformed against concurrent history",
	})
	m.ApplyDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_apply_duration_seconds",
		Help:    "Time spent transforming and applying one operation",
		Buckets: prometheus.DefBuckets,
	})
	m.UndoRedoTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_undo_redo_total",
			Help: "Undo and redo requests served",
		},
		[]string{"action"},
	)
	m.ActiveDocuments = f.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_documents",
		Help: "Documents currently held in memory",
	})
	m.VersionsCreatedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_versions_created_total",
			Help: "Snapshots created, by kind (initial/manual/auto/restore)",
		},
		[]string{"kind"},
	)
	m.VersionsPrunedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "collab_versions_pruned_total",
		Help: "Snapshots removed by the retention policy",
	})
	m.KafkaEventsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_kafka_events_total",
			Help: "Events handed to kafka, by status (sent/dropped/rejected)",
		},
		[]string{"status"},
	)
	m.WSConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "collab_ws_connections",
		Help: "Open websocket connections",
	})
	return m
}

func (m *Metrics) OpApplied(opType string, elapsed time.Duration, transformed bool) {
	if m == nil {
		return
	}
	m.OpsAppliedTotal.WithLabelValues(opType).Inc()
	m.ApplyDuration.Observe(elapsed.Seconds())
	if transformed {
		m.OpsTransformedTotal.Inc()
	}
}

func (m *Metrics) OpRejected(reason string) {
	if m == nil {
		return
	}
	m.OpsRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) UndoRedo(action string) {
	if m == nil {
		return
	}
	m.UndoRedoTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) DocumentOpened() {
	if m == nil {
		return
	}
	m.ActiveDocuments.Inc()
}

func (m *Metrics) DocumentDisposed() {
	if m == nil {
		return
	}
	m.ActiveDocuments.Dec()
}

func (m *Metrics) VersionCreated(kind string) {
	if m == nil {
		return
	}
	m.VersionsCreatedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) VersionsPruned(n int) {
	if m == nil {
		return
	}
	m.VersionsPrunedTotal.Add(float64(n))
}

func (m *Metrics) KafkaEvent(status string) {
	if m == nil {
		return
	}
	m.KafkaEventsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
