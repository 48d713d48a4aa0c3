package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the audit pipeline.
type Metrics struct {
	EventsEmitted      prometheus.Counter
	EventsDropped      prometheus.Counter
	JobsProcessed      prometheus.Counter
	JobsRetried        prometheus.Counter
	JobsDeadLettered   prometheus.Counter
	RecordsCompressed  prometheus.Counter
	CompressionFailed  prometheus.Counter
	TamperedRecords    prometheus.Counter
	RetentionPurged    prometheus.Counter
	ProcessingDuration prometheus.Histogram
	QueueDepth         *prometheus.GaugeVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates and registers all pipeline metrics.
func New() *Metrics {
	return &Metrics{
		EventsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_events_emitted_total",
			Help: "Total number of audit events accepted by the emitter",
		}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_events_dropped_total",
			Help: "Total number of audit events dropped before enqueue (validation or queue failure)",
		}),
		JobsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_jobs_processed_total",
			Help: "Total number of jobs processed to completion",
		}),
		JobsRetried: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_jobs_retried_total",
			Help: "Total number of job processing attempts that ended in a transient failure",
		}),
		JobsDeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter channel",
		}),
		RecordsCompressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_records_compressed_total",
			Help: "Total number of records whose payload was compressed before storage",
		}),
		CompressionFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_compression_failed_total",
			Help: "Total number of records stored uncompressed after a compression failure",
		}),
		TamperedRecords: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_tampered_records_total",
			Help: "Total number of records whose integrity hash failed verification",
		}),
		RetentionPurged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_retention_purged_total",
			Help: "Total number of records removed by retention runs",
		}),
		ProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "audittrail_processing_duration_seconds",
			Help:    "Latency of end-to-end job processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audittrail_queue_depth",
			Help: "Jobs currently waiting or delayed, per topic",
		}, []string{"topic"}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audittrail_http_request_duration_seconds",
			Help:    "Latency of HTTP requests to the query API",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route", "status"}),
	}
}

// The increment helpers below are nil-safe so components can run without a
// registered metric set (tests, embedded use).

func (m *Metrics) IncEmitted() {
	if m != nil {
		m.EventsEmitted.Inc()
	}
}

func (m *Metrics) IncDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) IncProcessed() {
	if m != nil {
		m.JobsProcessed.Inc()
	}
}

func (m *Metrics) IncRetried() {
	if m != nil {
		m.JobsRetried.Inc()
	}
}

func (m *Metrics) IncDeadLettered() {
	if m != nil {
		m.JobsDeadLettered.Inc()
	}
}

func (m *Metrics) IncCompressed() {
	if m != nil {
		m.RecordsCompressed.Inc()
	}
}

func (m *Metrics) IncCompressionFailed() {
	if m != nil {
		m.CompressionFailed.Inc()
	}
}

func (m *Metrics) AddTampered(n int) {
	if m != nil && n > 0 {
		m.TamperedRecords.Add(float64(n))
	}
}

func (m *Metrics) AddPurged(n int64) {
	if m != nil && n > 0 {
		m.RetentionPurged.Add(float64(n))
	}
}

func (m *Metrics) ObserveProcessing(seconds float64) {
	if m != nil {
		m.ProcessingDuration.Observe(seconds)
	}
}

func (m *Metrics) SetQueueDepth(topic string, depth int64) {
	if m != nil {
		m.QueueDepth.WithLabelValues(topic).Set(float64(depth))
	}
}

func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m != nil {
		m.HTTPDuration.WithLabelValues(method, route, status).Observe(seconds)
	}
}
