// Package metrics exposes Prometheus collectors for the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kulturgut/ingest/errors"
)

const namespace = "ingest"

// Document outcomes
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Metrics holds the collectors
type Metrics struct {
	documents     *prometheus.CounterVec   // Documents by participant and outcome
	indexRequests *prometheus.CounterVec   // Index calls by operation and result
	imageFetches  *prometheus.CounterVec   // Media opens by result
	jobDuration   *prometheus.HistogramVec // Job wall time by terminal status
	activeJobs    prometheus.Gauge         // 0 or 1: ingestion is serialized
	watchers      prometheus.Gauge         // Running trigger watchers
}

// New creates and registers the collectors. A nil registerer disables metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "documents_total",
			Help:      "Documents handled by the index sink, by outcome",
		}, []string{"participant", "outcome"}),

		indexRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "requests_total",
			Help:      "Requests sent to the search index, by operation and result",
		}, []string{"operation", "result"}),

		imageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "fetches_total",
			Help:      "Media providers opened, by result",
		}, []string{"result"}),

		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "job_duration_seconds",
			Help:      "Ingestion job wall time, by terminal status",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"status"}),

		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "active_jobs",
			Help:      "Ingestion jobs currently running",
		}),

		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "watchers",
			Help:      "Trigger-file watchers currently running",
		}),
	}

	for _, c := range []prometheus.Collector{m.documents, m.indexRequests, m.imageFetches, m.jobDuration, m.activeJobs, m.watchers} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return m, nil
}

// Document counts one document outcome
func (m *Metrics) Document(participant, outcome string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(participant, outcome).Inc()
}

// IndexRequest counts one index call
func (m *Metrics) IndexRequest(operation string, err error) {
	if m == nil {
		return
	}
	m.indexRequests.WithLabelValues(operation, result(err)).Inc()
}

// ImageFetch counts one media open
func (m *Metrics) ImageFetch(err error) {
	if m == nil {
		return
	}
	m.imageFetches.WithLabelValues(result(err)).Inc()
}

// JobStarted marks a job as running
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

// JobFinished records a job's duration under its terminal status
func (m *Metrics) JobFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// WatcherStarted increments the running watcher gauge
func (m *Metrics) WatcherStarted() {
	if m == nil {
		return
	}
	m.watchers.Inc()
}

// WatcherStopped decrements the running watcher gauge
func (m *Metrics) WatcherStopped() {
	if m == nil {
		return
	}
	m.watchers.Dec()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
