package alert

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"xray-guard/internal/client"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusExporter exposes watchdog metrics over an HTTP endpoint
type PrometheusExporter struct {
	server  *http.Server
	metrics *client.PrometheusMetrics
	logger  *logrus.Logger
	port    string
}

// NewPrometheusExporter builds the exporter around its own registry so
// repeated construction in tests never collides with the default one.
func NewPrometheusExporter(port string, metrics *client.PrometheusMetrics, logger *logrus.Logger) (*PrometheusExporter, error) {
	registry := CreateCustomRegistry()

	if err := RegisterCustomMetrics(registry, metrics); err != nil {
		return nil, fmt.Errorf("failed to register custom metrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`
			<h1>Xray Guard Exporter</h1>
			<p><a href="/metrics">Metrics</a></p>
			<p><a href="/health">Health Check</a></p>
		`))
	})

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	return &PrometheusExporter{
		server:  server,
		metrics: metrics,
		logger:  logger,
		port:    port,
	}, nil
}

// Start runs the exporter until the context is cancelled
func (e *PrometheusExporter) Start(ctx context.Context) error {
	e.logger.Infof("Starting Prometheus exporter on port %s", e.port)
	e.logger.Infof("Metrics available at: http://localhost:%s/metrics", e.port)

	go func() {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Errorf("Failed to start Prometheus exporter: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.logger.Info("Shutting down Prometheus exporter...")
	return e.server.Shutdown(shutdownCtx)
}

// Stop shuts the exporter server down
func (e *PrometheusExporter) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return e.server.Shutdown(ctx)
}

// GetMetrics returns the PrometheusMetrics instance behind the exporter
func (e *PrometheusExporter) GetMetrics() *client.PrometheusMetrics {
	return e.metrics
}

// PrometheusCollector implements prometheus.Collector interface
type PrometheusCollector struct {
	metrics *client.PrometheusMetrics
}

// NewPrometheusCollector creates a collector over the watchdog metric set
func NewPrometheusCollector(metrics *client.PrometheusMetrics) *PrometheusCollector {
	return &PrometheusCollector{
		metrics: metrics,
	}
}

// Describe implements prometheus.Collector
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	c.metrics.EventsIngested.Describe(ch)
	c.metrics.LateEvents.Describe(ch)
	c.metrics.EventQueueDepth.Describe(ch)
	c.metrics.BucketsSealed.Describe(ch)
	c.metrics.BucketsEvicted.Describe(ch)
	c.metrics.OrderViolations.Describe(ch)
	c.metrics.CapSaturations.Describe(ch)
	c.metrics.ActiveWindowKeys.Describe(ch)
	c.metrics.EvaluationCycles.Describe(ch)
	c.metrics.EvaluationSkipped.Describe(ch)
	c.metrics.DecisionsTotal.Describe(ch)
	c.metrics.DecisionsDropped.Describe(ch)
	c.metrics.NotifyErrors.Describe(ch)
	c.metrics.BansExecuted.Describe(ch)
	c.metrics.BanFailures.Describe(ch)
	c.metrics.CollectorErrors.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	c.metrics.EventsIngested.Collect(ch)
	c.metrics.LateEvents.Collect(ch)
	c.metrics.EventQueueDepth.Collect(ch)
	c.metrics.BucketsSealed.Collect(ch)
	c.metrics.BucketsEvicted.Collect(ch)
	c.metrics.OrderViolations.Collect(ch)
	c.metrics.CapSaturations.Collect(ch)
	c.metrics.ActiveWindowKeys.Collect(ch)
	c.metrics.EvaluationCycles.Collect(ch)
	c.metrics.EvaluationSkipped.Collect(ch)
	c.metrics.DecisionsTotal.Collect(ch)
	c.metrics.DecisionsDropped.Collect(ch)
	c.metrics.NotifyErrors.Collect(ch)
	c.metrics.BansExecuted.Collect(ch)
	c.metrics.BanFailures.Collect(ch)
	c.metrics.CollectorErrors.Collect(ch)
}

// RegisterCustomMetrics registers the watchdog collector with a registry
func RegisterCustomMetrics(registry prometheus.Registerer, metrics *client.PrometheusMetrics) error {
	collector := NewPrometheusCollector(metrics)
	return registry.Register(collector)
}

// CreateCustomRegistry creates a Prometheus registry with runtime collectors
func CreateCustomRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()

	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return registry
}
