// Package metrics exposes Prometheus instrumentation for the lifecycle
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the document engine
type Metrics struct {
	// Lifecycle metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	DocumentsByStatus  *prometheus.GaugeVec

	// Workflow metrics
	BallotsTotal  *prometheus.CounterVec
	StageOutcomes *prometheus.CounterVec

	// Signature metrics
	SignaturesTotal *prometheus.CounterVec

	// Storage metrics
	BlobBytesStored prometheus.Counter
	CASConflicts    prometheus.Counter
	Supersessions   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regdoc_transitions_total",
				Help: "Total lifecycle transitions applied, by event and outcome",
			},
			[]string{"event", "result"}, // result: ok, rejected
		),

		TransitionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regdoc_transition_duration_seconds",
				Help:    "Duration of a lifecycle transition including persistence",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),

		DocumentsByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "regdoc_documents_by_status",
				Help: "Current number of latest-version documents in each status",
			},
			[]string{"status"},
		),

		BallotsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regdoc_ballots_total",
				Help: "Total ballots cast, by stage and decision",
			},
			[]string{"stage", "decision"}, // stage: qc, review, approval
		),

		StageOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regdoc_stage_outcomes_total",
				Help: "Workflow stage completions, by stage and outcome",
			},
			[]string{"stage", "outcome"}, // outcome: passed, failed
		),

		SignaturesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regdoc_signatures_total",
				Help: "Digital signatures produced and verified",
			},
			[]string{"operation", "result"}, // operation: sign, verify
		),

		BlobBytesStored: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "regdoc_blob_bytes_stored_total",
				Help: "Total bytes written to the blob store",
			},
		),

		CASConflicts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "regdoc_cas_conflicts_total",
				Help: "Optimistic concurrency conflicts detected on document writes",
			},
		),

		Supersessions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regdoc_supersessions_total",
				Help: "Predecessor supersessions, by path (inline or reconciler)",
			},
			[]string{"path"},
		),
	}
}

// RecordTransition records a lifecycle transition attempt
func (m *Metrics) RecordTransition(event string, ok bool, duration float64) {
	result := "rejected"
	if ok {
		result = "ok"
	}
	m.TransitionsTotal.WithLabelValues(event, result).Inc()
	if ok {
		m.TransitionDuration.WithLabelValues(event).Observe(duration)
	}
}

// RecordBallot records a cast ballot
func (m *Metrics) RecordBallot(stage, decision string) {
	m.BallotsTotal.WithLabelValues(stage, decision).Inc()
}

// RecordStageOutcome records a completed workflow stage
func (m *Metrics) RecordStageOutcome(stage string, passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	m.StageOutcomes.WithLabelValues(stage, outcome).Inc()
}

// RecordSignature records a signing or verification operation
func (m *Metrics) RecordSignature(operation string, ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	m.SignaturesTotal.WithLabelValues(operation, result).Inc()
}

// RecordBlobStored records bytes written to the blob store
func (m *Metrics) RecordBlobStored(size int64) {
	m.BlobBytesStored.Add(float64(size))
}

// RecordCASConflict records an optimistic concurrency conflict
func (m *Metrics) RecordCASConflict() {
	m.CASConflicts.Inc()
}

// RecordSupersession records a predecessor supersession
func (m *Metrics) RecordSupersession(path string) {
	m.Supersessions.WithLabelValues(path).Inc()
}
