package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics holds every instrument the watchdog exports. The
// metrics are created unregistered and collected through the exporter's
// own registry, so building more than one instance is safe.
type PrometheusMetrics struct {
	// Ingestion metrics
	EventsIngested  *prometheus.CounterVec
	LateEvents      prometheus.Counter
	EventQueueDepth prometheus.Gauge

	// Aggregation metrics
	BucketsSealed    prometheus.Counter
	BucketsEvicted   prometheus.Counter
	OrderViolations  prometheus.Counter
	CapSaturations   *prometheus.CounterVec
	ActiveWindowKeys prometheus.Gauge

	// Evaluation metrics
	EvaluationCycles  prometheus.Counter
	EvaluationSkipped prometheus.Counter
	DecisionsTotal    *prometheus.CounterVec
	DecisionsDropped  prometheus.Counter

	// Dispatch metrics
	NotifyErrors *prometheus.CounterVec
	BansExecuted prometheus.Counter
	BanFailures  prometheus.Counter

	// Collector metrics
	CollectorErrors *prometheus.CounterVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_events_ingested_total",
				Help: "Total number of normalized events ingested",
			},
			[]string{"source"},
		),

		LateEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_late_events_total",
				Help: "Total number of events dropped for arriving behind a sealed bucket",
			},
		),

		EventQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "watchdog_event_queue_depth",
				Help: "Number of events waiting in the ingestion queue",
			},
		),

		BucketsSealed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_buckets_sealed_total",
				Help: "Total number of buckets sealed and appended to the window store",
			},
		),

		BucketsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_buckets_evicted_total",
				Help: "Total number of buckets dropped past the retention horizon",
			},
		),

		OrderViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_order_violations_total",
				Help: "Total number of bucket appends rejected for not advancing the window",
			},
		),

		CapSaturations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_distinct_cap_saturations_total",
				Help: "Total number of distinct sets that hit their capacity",
			},
			[]string{"set"},
		),

		ActiveWindowKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "watchdog_active_window_keys",
				Help: "Number of keys currently retained in the window store",
			},
		),

		EvaluationCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_evaluation_cycles_total",
				Help: "Total number of rule evaluation cycles run",
			},
		),

		EvaluationSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_evaluation_cycles_skipped_total",
				Help: "Total number of evaluation cycles skipped because the previous cycle was still running",
			},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_decisions_total",
				Help: "Total number of decisions dispatched",
			},
			[]string{"kind"},
		),

		DecisionsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_decisions_dropped_total",
				Help: "Total number of decisions dropped because the dispatch channel was full",
			},
		),

		NotifyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_notify_errors_total",
				Help: "Total number of notifier delivery failures",
			},
			[]string{"notifier"},
		),

		BansExecuted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_bans_executed_total",
				Help: "Total number of block decisions applied at the panel",
			},
		),

		BanFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_ban_failures_total",
				Help: "Total number of panel ban attempts that failed",
			},
		),

		CollectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_collector_errors_total",
				Help: "Total number of collector read or poll failures",
			},
			[]string{"collector"},
		),
	}
}

// The Record helpers tolerate a nil receiver so components can run without
// metrics wired, mirroring how tests construct them.

func (m *PrometheusMetrics) RecordEventIngested(source string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(source).Inc()
}

func (m *PrometheusMetrics) RecordLateEvent() {
	if m == nil {
		return
	}
	m.LateEvents.Inc()
}

func (m *PrometheusMetrics) SetEventQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.EventQueueDepth.Set(float64(depth))
}

func (m *PrometheusMetrics) RecordBucketSealed() {
	if m == nil {
		return
	}
	m.BucketsSealed.Inc()
}

func (m *PrometheusMetrics) RecordBucketsEvicted(count int) {
	if m == nil {
		return
	}
	m.BucketsEvicted.Add(float64(count))
}

func (m *PrometheusMetrics) RecordOrderViolation() {
	if m == nil {
		return
	}
	m.OrderViolations.Inc()
}

func (m *PrometheusMetrics) RecordCapSaturation(set string) {
	if m == nil {
		return
	}
	m.CapSaturations.WithLabelValues(set).Inc()
}

func (m *PrometheusMetrics) SetActiveWindowKeys(count int) {
	if m == nil {
		return
	}
	m.ActiveWindowKeys.Set(float64(count))
}

func (m *PrometheusMetrics) RecordEvaluationCycle() {
	if m == nil {
		return
	}
	m.EvaluationCycles.Inc()
}

func (m *PrometheusMetrics) RecordEvaluationSkipped() {
	if m == nil {
		return
	}
	m.EvaluationSkipped.Inc()
}

func (m *PrometheusMetrics) RecordDecision(kind string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(kind).Inc()
}

func (m *PrometheusMetrics) RecordDecisionDropped() {
	if m == nil {
		return
	}
	m.DecisionsDropped.Inc()
}

func (m *PrometheusMetrics) RecordNotifyError(notifier string) {
	if m == nil {
		return
	}
	m.NotifyErrors.WithLabelValues(notifier).Inc()
}

func (m *PrometheusMetrics) RecordBanExecuted() {
	if m == nil {
		return
	}
	m.BansExecuted.Inc()
}

func (m *PrometheusMetrics) RecordBanFailure() {
	if m == nil {
		return
	}
	m.BanFailures.Inc()
}

func (m *PrometheusMetrics) RecordCollectorError(collector string) {
	if m == nil {
		return
	}
	m.CollectorErrors.WithLabelValues(collector).Inc()
}
