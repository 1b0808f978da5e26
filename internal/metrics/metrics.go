// Package metrics exposes prometheus collectors for builds, hot clients and
// the dev server pipeline.
//
// All methods are safe to call on a nil *Metrics, so components record
// unconditionally and only the dev server decides whether metrics exist.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "packscripts").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for build duration.
	Buckets []float64

	// Registry is the registry collectors are registered on. When nil a new
	// registry is created, so several servers can coexist in one process.
	Registry *prometheus.Registry
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the collectors.
type Metrics struct {
	registry      *prometheus.Registry
	buildsTotal   *prometheus.CounterVec
	buildDuration prometheus.Histogram
	hotClients    *prometheus.GaugeVec
	requestsTotal *prometheus.CounterVec
}

// New registers the collectors.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "packscripts",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(cfg.Registry)
	return &Metrics{
		registry: cfg.Registry,

		buildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "builds_total",
			Help:        "Total number of bundler runs by outcome",
			ConstLabels: cfg.ConstLabels,
		}, []string{"status"}),

		buildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "build_duration_seconds",
			Help:        "Bundler run duration in seconds",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),

		hotClients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "hot_clients",
			Help:        "Number of connected hot update clients by transport",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "requests_total",
			Help:        "Dev server requests by the pipeline stage that finished them",
			ConstLabels: cfg.ConstLabels,
		}, []string{"stage", "outcome"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveBuild records one bundler run.
func (m *Metrics) ObserveBuild(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.buildsTotal.WithLabelValues(status).Inc()
	m.buildDuration.Observe(d.Seconds())
}

// HotClientConnected increments the client gauge for transport.
func (m *Metrics) HotClientConnected(transport string) {
	if m == nil {
		return
	}
	m.hotClients.WithLabelValues(transport).Inc()
}

// HotClientDisconnected decrements the client gauge for transport.
func (m *Metrics) HotClientDisconnected(transport string) {
	if m == nil {
		return
	}
	m.hotClients.WithLabelValues(transport).Dec()
}

// ObserveRequest counts a request finished by stage with outcome
// ("served", "next", "notfound", "canceled").
func (m *Metrics) ObserveRequest(stage, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(stage, outcome).Inc()
}
