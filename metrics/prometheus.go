// Package metrics exports dispatch metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mmate"

// PrometheusCollector implements interceptors.MetricsCollector.
type PrometheusCollector struct {
	messages *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// CollectorOption configures a PrometheusCollector.
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	endpoint string
	buckets  []float64
}

// WithEndpointLabel adds a constant endpoint label to every series.
func WithEndpointLabel(endpoint string) CollectorOption {
	return func(c *collectorConfig) {
		c.endpoint = endpoint
	}
}

// WithBuckets overrides the processing time histogram buckets, in seconds.
func WithBuckets(buckets []float64) CollectorOption {
	return func(c *collectorConfig) {
		c.buckets = buckets
	}
}

// NewPrometheusCollector creates the metrics and registers them on reg.
func NewPrometheusCollector(reg prometheus.Registerer, opts ...CollectorOption) (*PrometheusCollector, error) {
	cfg := collectorConfig{buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(&cfg)
	}

	var constLabels prometheus.Labels
	if cfg.endpoint != "" {
		constLabels = prometheus.Labels{"endpoint": cfg.endpoint}
	}

	c := &PrometheusCollector{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_processed_total",
			Help:        "Envelopes that went through the dispatch pipeline.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "message_errors_total",
			Help:        "Envelopes whose processing failed, by error kind.",
			ConstLabels: constLabels,
		}, []string{"type", "error"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "message_processing_seconds",
			Help:        "Time spent dispatching an envelope to its handlers.",
			ConstLabels: constLabels,
			Buckets:     cfg.buckets,
		}, []string{"type"}),
	}

	for _, col := range []prometheus.Collector{c.messages, c.errors, c.duration} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) IncrementMessageCount(messageType string) {
	c.messages.WithLabelValues(messageType).Inc()
}

func (c *PrometheusCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	c.duration.WithLabelValues(messageType).Observe(duration.Seconds())
}

func (c *PrometheusCollector) IncrementErrorCount(messageType string, errorType string) {
	c.errors.WithLabelValues(messageType, errorType).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
