// Package metrics exposes Prometheus collectors for the collaboration engine.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "coderoom").
	Namespace string

	// Subsystem is the metrics subsystem (default: "collab").
	Subsystem string

	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for event duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the registry. Tests pass a fresh prometheus.NewRegistry().
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "coderoom",
		Subsystem: "collab",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the engine's metrics.
type Collector struct {
	eventsTotal       *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	commitsTotal      prometheus.Counter
	conflictsTotal    prometheus.Counter
	deliveryFailures  *prometheus.CounterVec
	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge
}

func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Collector{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_total",
			Help:        "Total number of inbound connection events processed",
			ConstLabels: config.ConstLabels,
		}, []string{"event", "status"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "event_duration_seconds",
			Help:        "Inbound event processing duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"event"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of error events sent to clients",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		commitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "commits_total",
			Help:        "Total number of committed document replacements",
			ConstLabels: config.ConstLabels,
		}),

		conflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "conflicts_total",
			Help:        "Total number of replacements rejected for a stale version",
			ConstLabels: config.ConstLabels,
		}),

		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "delivery_failures_total",
			Help:        "Total number of outbound events that could not be delivered",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of open client connections",
			ConstLabels: config.ConstLabels,
		}),

		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_rooms",
			Help:        "Number of rooms with at least one member",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ObserveEvent records one processed inbound event. status is "ok" or an error type.
func (c *Collector) ObserveEvent(event, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(event, status).Inc()
	c.eventDuration.WithLabelValues(event).Observe(d.Seconds())
}

func (c *Collector) ErrorSent(kind string) {
	if c == nil {
		return
	}
	c.errorsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) Committed() {
	if c == nil {
		return
	}
	c.commitsTotal.Inc()
}

func (c *Collector) Conflict() {
	if c == nil {
		return
	}
	c.conflictsTotal.Inc()
}

func (c *Collector) DeliveryFailed(event string) {
	if c == nil {
		return
	}
	c.deliveryFailures.WithLabelValues(event).Inc()
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.activeConnections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.activeConnections.Dec()
}

func (c *Collector) SetActiveRooms(n int) {
	if c == nil {
		return
	}
	c.activeRooms.Set(float64(n))
}
